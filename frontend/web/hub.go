package web

import (
	"sync"

	"github.com/xiaochunkun/toolflow"
)

const subscriberBuffer = 64

// hub fans session events out to SSE subscribers.
type hub struct {
	mu     sync.Mutex
	subs   map[chan toolflow.Event]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan toolflow.Event]struct{})}
}

// subscribe returns a channel of events and a function that detaches it.
// After close the returned channel is already closed.
func (h *hub) subscribe() (<-chan toolflow.Event, func()) {
	ch := make(chan toolflow.Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *hub) publish(ev toolflow.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
