package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"ralphd/internal/logging"
)

// handleEvents serves the SSE stream. The subscriber's first event is
// always init; the connection lives until the client disconnects, the
// server shuts down, or the bus drops the subscriber for not draining
// its queue.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub.ID)

	logging.API("SSE client connected: %s", sub.ID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			logging.API("SSE client disconnected: %s", sub.ID)
			return

		case ev, open := <-sub.C:
			if !open {
				// Dropped by the bus or the bus shut down.
				logging.API("SSE subscriber closed: %s", sub.ID)
				return
			}

			data, err := json.Marshal(ev.Payload)
			if err != nil {
				s.log.Warn("unencodable event payload", zap.String("event", ev.Name), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
