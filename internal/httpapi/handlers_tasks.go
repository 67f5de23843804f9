package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/taskhub/internal/auth"
	"github.com/jordanhubbard/taskhub/internal/logging"
	"github.com/jordanhubbard/taskhub/internal/providers"
	"github.com/jordanhubbard/taskhub/internal/router"
)

// maxTaskBody caps the request body of POST /v1/tasks.
const maxTaskBody = 1 << 20

// TaskRequest is the JSON body for POST /v1/tasks.
type TaskRequest struct {
	Kind    router.TaskKind           `json:"kind"`
	Input   json.RawMessage           `json:"input"`
	Options router.ParameterOverrides `json:"options"`
}

// TaskHandler runs one task through the engine for the caller resolved by
// the auth middleware. Entitlement failures map to 403; degraded results
// are still 200 with status "degraded".
func TaskHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TaskRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTaskBody))
		if err := dec.Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if !req.Kind.Valid() {
			jsonError(w, "unknown task kind: "+string(req.Kind), http.StatusBadRequest)
			return
		}

		caller := auth.CallerFromContext(r.Context())
		tier := caller.Tier
		if !tier.Valid() {
			tier = router.TierAnonymous
		}
		ctx := providers.WithCall(r.Context(), providers.Call{
			RequestID: middleware.GetReqID(r.Context()),
			Kind:      req.Kind,
			Tier:      tier,
		})
		logging.AddFields(ctx,
			slog.String("task_kind", string(req.Kind)),
			slog.String("tier", string(tier)),
		)
		res, err := d.Engine.RouteTask(ctx, router.Task{
			Kind:    req.Kind,
			Input:   router.DecodeInput(req.Input),
			Options: req.Options,
		}, caller)
		if err != nil {
			var ee *router.EntitlementError
			if errors.As(err, &ee) {
				logging.AddFields(ctx, slog.String("outcome", "denied"))
				jsonError(w, ee.Error(), http.StatusForbidden)
				return
			}
			slog.Error("route task failed",
				slog.String("task_kind", string(req.Kind)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("error", err.Error()),
			)
			jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
		logging.AddFields(ctx,
			slog.String("outcome", string(res.Status)),
			slog.String("model", res.ModelUsed.String()),
			slog.Bool("cache_hit", res.Metadata.CacheHit),
		)
		writeJSON(w, http.StatusOK, res)
	}
}
