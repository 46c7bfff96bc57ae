package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const eventsHeartbeat = 25 * time.Second

// handleEvents handles GET /api/v1/events as a server-sent event stream of store changes.
// An optional table query parameter restricts the stream to one table.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	table := r.URL.Query().Get("table")
	changes, release := s.Feed.Subscribe(0)
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(eventsHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ch, ok := <-changes:
			if !ok {
				return
			}
			if table != "" && ch.Table != table {
				continue
			}
			data, err := json.Marshal(ch)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ch.Op, data)
			flusher.Flush()
		}
	}
}
