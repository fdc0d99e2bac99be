package toolflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultLoopWindow is how many past iterations the detector remembers.
	DefaultLoopWindow = 8
	// DefaultLoopThreshold is how many consecutive identical iterations
	// count as a loop.
	DefaultLoopThreshold = 4
)

// Signature identifies a call for loop detection: tool name plus normalized
// arguments.
type Signature struct {
	Tool string
	Args string
	Key  uint64
}

// SignatureOf computes the loop signature of call. Argument keys are sorted,
// zero values dropped, and strings trimmed and NFC-normalized so cosmetic
// variations of the same call collide.
func SignatureOf(call ToolCall) Signature {
	args := call.args
	if args == nil && len(call.Args) > 0 {
		_ = json.Unmarshal(call.Args, &args)
	}
	normalized, _ := json.Marshal(normalizeValue(args))
	s := string(normalized)
	return Signature{
		Tool: call.Name,
		Args: s,
		Key:  xxhash.Sum64String(call.Name + "\x00" + s),
	}
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n := normalizeValue(e)
			if isZero(n) {
				continue
			}
			out[k] = n
		}
		return out
	case []any:
		out := make([]any, 0, len(x))
		for _, e := range x {
			out = append(out, normalizeValue(e))
		}
		return out
	case string:
		return norm.NFC.String(strings.TrimSpace(x))
	}
	return v
}

func isZero(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case float64:
		return x == 0
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

// LoopObservation is one executed call of an iteration with the content hash
// of its targets after execution.
type LoopObservation struct {
	Signature Signature
	Hash      uint64
	// Unverified marks a call whose effect on its targets is unknown. It
	// ends any run of repetitions instead of extending it.
	Unverified bool
}

type loopEntry struct {
	hash       uint64
	unverified bool
}

// LoopVerdict is the detector's answer for one proposed call.
type LoopVerdict struct {
	IsLoop     bool
	Tool       string
	Count      int
	Reason     string
	Suggestion string
}

// LoopDetector keeps a rolling window of past iterations and flags a call
// whose signature recurred in each of the immediately preceding iterations
// with an unchanged target content hash.
type LoopDetector struct {
	mu        sync.Mutex
	window    int
	threshold int
	history   []map[uint64]loopEntry // per iteration, keyed by signature
}

// NewLoopDetector creates a detector. Non-positive arguments select the
// defaults; the window is never smaller than the threshold.
func NewLoopDetector(window, threshold int) *LoopDetector {
	if threshold <= 1 {
		threshold = DefaultLoopThreshold
	}
	if window <= 0 {
		window = DefaultLoopWindow
	}
	if window < threshold {
		window = threshold
	}
	return &LoopDetector{window: window, threshold: threshold}
}

// Threshold returns the configured repetition threshold.
func (d *LoopDetector) Threshold() int { return d.threshold }

// Check reports whether proposing sig in the current iteration completes a
// loop. The current proposal counts as one occurrence.
func (d *LoopDetector) Check(sig Signature) LoopVerdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	count := 1
	var last uint64
	for i := len(d.history) - 1; i >= 0; i-- {
		e, ok := d.history[i][sig.Key]
		if !ok || e.unverified {
			break
		}
		if count > 1 && e.hash != last {
			break
		}
		last = e.hash
		count++
	}

	v := LoopVerdict{Tool: sig.Tool, Count: count}
	if count < d.threshold {
		return v
	}
	v.IsLoop = true
	v.Reason = fmt.Sprintf("%s was called with identical arguments in %d consecutive iterations and its targets did not change",
		sig.Tool, count)
	v.Suggestion = "Stop repeating this call. Re-read the target to confirm its current state, " +
		"then either take a different approach or report what is blocking progress."
	return v
}

// Record appends one iteration. An iteration with no observations still
// counts and breaks any run of repetitions.
func (d *LoopDetector) Record(obs []LoopObservation) {
	it := make(map[uint64]loopEntry, len(obs))
	for _, o := range obs {
		e, seen := it[o.Signature.Key]
		it[o.Signature.Key] = loopEntry{hash: o.Hash, unverified: o.Unverified || (seen && e.unverified)}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, it)
	if len(d.history) > d.window {
		d.history = append(d.history[:0], d.history[len(d.history)-d.window:]...)
	}
}

// Reset forgets all history.
func (d *LoopDetector) Reset() {
	d.mu.Lock()
	d.history = nil
	d.mu.Unlock()
}
