package main

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/hubenschmidt/traffic-vision/client/internal/session"
)

// sessionHub fans session snapshots out to SSE subscribers.
type sessionHub struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	latest []byte
}

func newSessionHub() *sessionHub {
	return &sessionHub{subs: map[chan []byte]struct{}{}}
}

// subscribe returns a channel primed with the latest snapshot, if any.
func (h *sessionHub) subscribe() chan []byte {
	ch := make(chan []byte, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	if h.latest != nil {
		ch <- h.latest
	}
	h.mu.Unlock()
	return ch
}

func (h *sessionHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// publish is registered with Machine.OnChange and must not block.
func (h *sessionHub) publish(s session.Session) {
	data, err := json.Marshal(s)
	if err != nil {
		slog.Error("marshal session", "error", err)
		return
	}
	h.broadcast(data)
}

// broadcast replaces whatever a slow subscriber has not read yet, so every
// subscriber's next read is the most recent snapshot.
func (h *sessionHub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = data
	for ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- data:
		default:
		}
	}
}
