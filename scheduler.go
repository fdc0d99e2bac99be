package toolflow

import (
	"slices"
	"sort"
)

// CallKind is the scheduling class of a call.
type CallKind int

const (
	// KindOther calls have no resolvable target or are not parallel-safe.
	// They always run in the serial queue.
	KindOther CallKind = iota
	// KindRead calls are parallel-safe and touch resolvable targets.
	KindRead
	// KindWrite calls mutate resolvable targets.
	KindWrite
)

func (k CallKind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	}
	return "other"
}

// Classify returns the scheduling class of call according to catalog.
func Classify(call ToolCall, catalog Catalog) CallKind {
	spec, ok := catalog.Lookup(call.Name)
	if !ok || len(call.targets) == 0 {
		return KindOther
	}
	if spec.Writes {
		return KindWrite
	}
	if spec.ParallelSafe {
		return KindRead
	}
	return KindOther
}

// DependencyPlan is the schedule of one batch: parallel groups that run one
// after another (members of a group run concurrently), then the serial queue.
// It is immutable once computed; accessors return copies.
type DependencyPlan struct {
	groups       [][]ToolCall
	serial       []ToolCall
	writeTargets []string
	direct       bool
}

// ParallelGroups returns the groups in dispatch order.
func (p DependencyPlan) ParallelGroups() [][]ToolCall {
	out := make([][]ToolCall, len(p.groups))
	for i, g := range p.groups {
		out[i] = append([]ToolCall(nil), g...)
	}
	return out
}

// SerialQueue returns the calls that run one at a time after the groups.
func (p DependencyPlan) SerialQueue() []ToolCall {
	return append([]ToolCall(nil), p.serial...)
}

// WriteTargets returns every target touched by a write-class call.
func (p DependencyPlan) WriteTargets() []string {
	return append([]string(nil), p.writeTargets...)
}

// Direct reports whether the batch bypassed planning (single call).
func (p DependencyPlan) Direct() bool { return p.direct }

// Len is the number of calls in the plan.
func (p DependencyPlan) Len() int {
	n := len(p.serial)
	for _, g := range p.groups {
		n += len(g)
	}
	return n
}

// Plan partitions calls into parallel groups and a serial queue.
//
// Independent reads form one group. Writes whose targets overlap no other
// write form a second group; writes sharing a target are serialized in
// proposal order. Reads of a written target are deferred to the serial queue
// behind the writes they depend on. Calls without targets run serially.
// No two members of a group ever have overlapping targets.
func Plan(calls []ToolCall, catalog Catalog) DependencyPlan {
	if len(calls) == 1 {
		return DependencyPlan{serial: []ToolCall{calls[0]}, direct: true}
	}

	kinds := make([]CallKind, len(calls))
	var writeTargets []string
	for i, c := range calls {
		kinds[i] = Classify(c, catalog)
		if kinds[i] == KindWrite {
			for _, t := range c.targets {
				if !slices.Contains(writeTargets, t) {
					writeTargets = append(writeTargets, t)
				}
			}
		}
	}

	clustered := make([]bool, len(calls))
	for i := range calls {
		if kinds[i] != KindWrite {
			continue
		}
		for j := range calls {
			if j != i && kinds[j] == KindWrite && anyOverlap(calls[i].targets, calls[j].targets) {
				clustered[i] = true
				break
			}
		}
	}

	type queued struct {
		call ToolCall
		key  int
	}
	var (
		reads, writes []ToolCall
		serial        []queued
	)
	for i, c := range calls {
		switch kinds[i] {
		case KindRead:
			if anyOverlap(c.targets, writeTargets) {
				// Order behind the last serialized write this read depends on.
				key := 2 * i
				for j := range calls {
					if clustered[j] && anyOverlap(c.targets, calls[j].targets) && 2*j+1 > key {
						key = 2*j + 1
					}
				}
				serial = append(serial, queued{c, key})
				continue
			}
			if overlapsAny(c, reads) {
				serial = append(serial, queued{c, 2 * i})
				continue
			}
			reads = append(reads, c)
		case KindWrite:
			if clustered[i] {
				serial = append(serial, queued{c, 2 * i})
				continue
			}
			writes = append(writes, c)
		default:
			serial = append(serial, queued{c, 2 * i})
		}
	}
	sort.SliceStable(serial, func(a, b int) bool { return serial[a].key < serial[b].key })

	plan := DependencyPlan{writeTargets: writeTargets}
	if len(reads) > 0 {
		plan.groups = append(plan.groups, reads)
	}
	if len(writes) > 0 {
		plan.groups = append(plan.groups, writes)
	}
	for _, q := range serial {
		plan.serial = append(plan.serial, q.call)
	}
	return plan
}

func overlapsAny(c ToolCall, group []ToolCall) bool {
	for _, g := range group {
		if anyOverlap(c.targets, g.targets) {
			return true
		}
	}
	return false
}

