package toolflow

import "encoding/json"

// EventType identifies the kind of session event.
type EventType string

const (
	// EventTextDelta carries an incremental text chunk from the model.
	EventTextDelta EventType = "text-delta"
	// EventBatchPlanned carries the plan of a batch before dispatch.
	EventBatchPlanned EventType = "batch-planned"
	// EventCallStatus signals a status transition of one call.
	EventCallStatus EventType = "call-status"
	// EventApprovalRequired signals that a call is waiting at the gate.
	EventApprovalRequired EventType = "approval-required"
	// EventCallResult carries the terminal result of one call.
	EventCallResult EventType = "call-result"
	// EventLoopDetected carries the loop verdict that ended the run.
	EventLoopDetected EventType = "loop-detected"
	// EventDone marks the end of the run.
	EventDone EventType = "done"
)

// Event is emitted on the channel passed to RunStream.
type Event struct {
	Type    EventType       `json:"type"`
	BatchID string          `json:"batch_id,omitempty"`
	CallID  string          `json:"call_id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Content string          `json:"content,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Status  CallStatus      `json:"status,omitempty"`
	Class   ApprovalClass   `json:"class,omitempty"`
	Plan    *PlanSummary    `json:"plan,omitempty"`
	Result  *Result         `json:"result,omitempty"`
	Stop    StopReason      `json:"stop,omitempty"`
}

// PlanSummary is the call-ID view of a DependencyPlan.
type PlanSummary struct {
	Groups [][]string `json:"groups,omitempty"`
	Serial []string   `json:"serial,omitempty"`
	Direct bool       `json:"direct,omitempty"`
}

// Summary returns the call IDs of the plan.
func (p DependencyPlan) Summary() PlanSummary {
	s := PlanSummary{Direct: p.direct}
	for _, g := range p.groups {
		ids := make([]string, len(g))
		for i, c := range g {
			ids[i] = c.ID
		}
		s.Groups = append(s.Groups, ids)
	}
	for _, c := range p.serial {
		s.Serial = append(s.Serial, c.ID)
	}
	return s
}
