package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/transport"
)

// handleEvents streams one session's events as Server-Sent Events. The
// stream opens with a connection_ready event and carries periodic
// heartbeats so intermediaries keep the connection alive.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, ok := s.requireSession(w, sessionID); !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, store.ErrCodeTransport,
			"response writer does not support streaming")
		return
	}

	events, cancel := s.hub.Subscribe(sessionID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, transport.Event{
		Type:      transport.EventConnectionReady,
		SessionID: sessionID,
		Timestamp: time.Now(),
	})
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			writeSSE(w, transport.Event{
				Type:      transport.EventHeartbeat,
				SessionID: sessionID,
				Timestamp: time.Now(),
			})
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			// A deleted or expired session has no further events.
			if ev.Type == transport.EventSessionDeleted || ev.Type == transport.EventSessionExpired {
				return
			}
		}
	}
}

// writeSSE encodes one event in wire format: an event line naming the
// type, a data line with the JSON body, and a blank separator.
func writeSSE(w http.ResponseWriter, ev transport.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
