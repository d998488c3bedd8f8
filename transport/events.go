package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	ferrors "github.com/vinayprograms/fleetconf/errors"
	"github.com/vinayprograms/fleetconf/logging"
	"github.com/vinayprograms/fleetconf/serviceconfig"
)

// ConfigEvent is the data of one server-sent registry event.
type ConfigEvent struct {
	Type   serviceconfig.EventType     `json:"type"`
	Config serviceconfig.ServiceConfig `json:"config"`
}

// eventHub fans registry events out to connected SSE clients. It holds a
// single registry watch for all of them.
type eventHub struct {
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	done    chan struct{}
	closed  bool
	err     error
}

func newEventHub(registry serviceconfig.Registry, logger *logging.Logger) *eventHub {
	h := &eventHub{
		logger:  logger,
		clients: make(map[chan []byte]struct{}),
		done:    make(chan struct{}),
	}

	events, err := registry.Watch()
	if err != nil {
		h.err = err
		h.close()
		return h
	}
	go h.broadcastLoop(events)
	return h
}

func (h *eventHub) broadcastLoop(events <-chan serviceconfig.Event) {
	for {
		select {
		case <-h.done:
			return
		case ev, ok := <-events:
			if !ok {
				h.close()
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *eventHub) broadcast(ev serviceconfig.Event) {
	data, err := json.Marshal(ConfigEvent{Type: ev.Type, Config: ev.Config})
	if err != nil {
		return
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, data))

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- frame:
		default:
			h.logger.Warn("event_dropped", map[string]interface{}{"type": string(ev.Type)})
		}
	}
}

// subscribe returns a channel of SSE frames, or false when the hub is
// closed.
func (h *eventHub) subscribe() (chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan []byte, 100)
	h.clients[ch] = struct{}{}
	return ch, true
}

func (h *eventHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
}

// handleEvents streams registry changes as server-sent events named after
// the event type.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, ferrors.Unsupported("streaming not supported"))
		return
	}

	ch, ok := s.events.subscribe()
	if !ok {
		writeError(w, ferrors.Unavailable("event stream closed"))
		return
	}
	defer s.events.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var keepAlive <-chan time.Time
	if s.config.EventKeepAlive > 0 {
		ticker := time.NewTicker(s.config.EventKeepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case frame, ok := <-ch:
			if !ok {
				return
			}
			w.Write(frame)
			flusher.Flush()
		}
	}
}
