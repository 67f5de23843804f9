package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/taskhub/internal/events"
)

// sseKeepAlive is how often an idle stream sends a comment line so proxies
// keep the connection open.
const sseKeepAlive = 15 * time.Second

// SSEHandler streams bus events as Server-Sent Events. An optional
// ?types=a,b query restricts the stream to those event types. When the
// client falls behind, a "dropped" event reports how many were lost.
func SSEHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		var types []events.EventType
		for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, events.EventType(t))
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		// Streams outlive the server-wide write timeout.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		sub := bus.Subscribe(64, types...)
		defer bus.Unsubscribe(sub)

		_, _ = fmt.Fprint(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ticker := time.NewTicker(sseKeepAlive)
		defer ticker.Stop()
		var reported uint64
		for {
			select {
			case <-r.Context().Done():
				return
			case <-sub.Done():
				return
			case <-ticker.C:
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
			case e := <-sub.C:
				if n := sub.Dropped(); n > reported {
					_, _ = fmt.Fprintf(w, "event: dropped\ndata: {\"count\":%d}\n\n", n-reported)
					reported = n
				}
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.JSON())
			}
			flusher.Flush()
		}
	}
}
