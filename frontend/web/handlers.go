package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/xiaochunkun/toolflow"
)

type healthResponse struct {
	Status string `json:"status"`
	Gate   string `json:"gate"`
}

// decisionRequest optionally names the call being resolved. A mismatch
// means the user is looking at a stale request.
type decisionRequest struct {
	CallID string `json:"call_id"`
}

type decisionResponse struct {
	CallID   string `json:"call_id"`
	Approved bool   `json:"approved"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	gate := toolflow.GateIdle
	if _, ok := s.approver.Pending(); ok {
		gate = toolflow.GateAwaiting
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Gate: string(gate)})
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	req, ok := s.approver.Pending()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleResolve(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body decisionRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				s.writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}

		callID := body.CallID
		if callID == "" {
			pending, ok := s.approver.Pending()
			if !ok {
				s.writeError(w, http.StatusConflict, toolflow.ErrNoPendingApproval.Error())
				return
			}
			callID = pending.CallID
		}

		// Resolve re-checks the call ID under the gate lock, so a request
		// that became pending in the meantime is never decided here.
		err := s.approver.Resolve(callID, approve)
		if errors.Is(err, toolflow.ErrNoPendingApproval) || errors.Is(err, toolflow.ErrStaleApproval) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err != nil {
			s.logger.Error("resolve approval", "call_id", callID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to resolve approval")
			return
		}
		decision := "reject"
		if approve {
			decision = "approve"
		}
		s.metrics.decisions.WithLabelValues(decision).Inc()
		s.logger.Info("approval resolved over http", "call_id", callID, "approved", approve)
		s.writeJSON(w, http.StatusOK, decisionResponse{CallID: callID, Approved: approve})
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	ch, unsub := s.hub.subscribe()
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode event", "error", err)
				continue
			}
			if err := writeSSEEvent(w, string(ev.Type), string(data)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent writes a named event. Multi-line data gets one data: line
// per segment.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}
