package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jordanhubbard/taskhub/internal/events"
	"github.com/jordanhubbard/taskhub/internal/router"
)

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func warnOnErr(op string, err error) {
	if err != nil {
		slog.Warn("store operation failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}

func parseIntParam(s string) (int, error) {
	return strconv.Atoi(s)
}

// queryInt reads a non-negative integer query parameter, falling back to def.
func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := parseIntParam(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// BusObserver republishes finished tasks on the event bus.
type BusObserver struct {
	bus *events.Bus
}

func NewBusObserver(bus *events.Bus) *BusObserver {
	return &BusObserver{bus: bus}
}

var _ router.Observer = (*BusObserver)(nil)

// ObserveTask implements router.Observer.
func (o *BusObserver) ObserveTask(ev router.TaskEvent) {
	if o == nil || o.bus == nil {
		return
	}
	e := events.Event{
		TaskKind:   string(ev.Kind),
		Tier:       string(ev.Tier),
		UserID:     ev.UserID,
		ModelID:    ev.Model.ID,
		ProviderID: string(ev.Model.Provider),
		LatencyMs:  float64(ev.LatencyMs),
		Reason:     ev.Reason,
	}
	switch ev.Outcome {
	case router.OutcomeDenied:
		e.Type = events.EventTaskDenied
	case router.OutcomeDegraded:
		e.Type = events.EventTaskDegraded
	case router.OutcomeCacheHit:
		e.Type = events.EventCacheHit
	default:
		e.Type = events.EventTaskRouted
	}
	o.bus.Publish(e)
}
