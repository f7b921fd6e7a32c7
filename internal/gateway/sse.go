package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// sseEvent is one Server-Sent Event frame.
type sseEvent struct {
	Event string
	Data  any
}

// sseHub fans status/turn events out to the subscribers currently
// watching each thread.
type sseHub struct {
	mu          sync.Mutex
	subscribers map[string]map[chan sseEvent]struct{}
}

func newSSEHub() *sseHub {
	return &sseHub{subscribers: make(map[string]map[chan sseEvent]struct{})}
}

func (h *sseHub) subscribe(threadID string) chan sseEvent {
	ch := make(chan sseEvent, 32)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[threadID] == nil {
		h.subscribers[threadID] = make(map[chan sseEvent]struct{})
	}
	h.subscribers[threadID][ch] = struct{}{}
	return ch
}

func (h *sseHub) unsubscribe(threadID string, ch chan sseEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscribers[threadID]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(h.subscribers, threadID)
		}
	}
	close(ch)
}

func (h *sseHub) publish(threadID string, ev sseEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers[threadID] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than block the worker loop.
		}
	}
}

func (h *sseHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for threadID, subs := range h.subscribers {
		for ch := range subs {
			close(ch)
		}
		delete(h.subscribers, threadID)
	}
}

// writeSSE streams ev to w using the standard "event:"/"data:" framing,
// flushing immediately so the client sees it without buffering delay.
func writeSSE(w http.ResponseWriter, ev sseEvent) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, payload); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
