package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ServeHTTP streams events to one UI context as Server-Sent Events. Each
// frame's data is the JSON {type, payload} message.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Stream(w, r, nil)
}

// Stream is ServeHTTP with payload URLs rewritten by mapURL before they
// are sent. A nil mapURL sends them as broadcast.
func (h *Hub) Stream(w http.ResponseWriter, r *http.Request, mapURL func(string) string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := h.Subscribe()
	defer sub.Close()

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if mapURL != nil {
				ev = ev.MapURL(mapURL)
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("Failed to encode event", "type", ev.Type, "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
