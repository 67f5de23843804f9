package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/taskhub/internal/health"
	"github.com/jordanhubbard/taskhub/internal/policy"
	"github.com/jordanhubbard/taskhub/internal/router"
	"github.com/jordanhubbard/taskhub/internal/store"
)

const defaultSummaryWindow = 24 * time.Hour

func audit(r *http.Request, d Dependencies, action, resource, detail string) {
	if d.Store == nil {
		return
	}
	warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Resource:  resource,
		Detail:    detail,
		RequestID: middleware.GetReqID(r.Context()),
	}))
}

// refreshPolicy makes an admin mutation visible to routing immediately.
// A failure leaves the previous snapshot in place.
func refreshPolicy(ctx context.Context, d Dependencies) {
	if d.Policy == nil {
		return
	}
	if err := d.Policy.Refresh(ctx); err != nil {
		slog.Warn("policy refresh after admin change failed", slog.String("error", err.Error()))
	}
}

// pairFromURL validates the {tier}/{kind} path parameters.
func pairFromURL(r *http.Request) (router.Tier, router.TaskKind, error) {
	tier, ok := router.ParseTier(chi.URLParam(r, "tier"))
	if !ok {
		return "", "", fmt.Errorf("unknown tier %q", chi.URLParam(r, "tier"))
	}
	kind := router.TaskKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		return "", "", fmt.Errorf("unknown task kind %q", kind)
	}
	return tier, kind, nil
}

func OverridesListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeJSON(w, http.StatusOK, map[string]any{"overrides": []any{}})
			return
		}
		recs, err := d.Store.ListOverrides(r.Context())
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []policy.Record{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"overrides": recs})
	}
}

// OverrideUpsertRequest is the body of PUT /admin/v1/overrides/{tier}/{kind}.
type OverrideUpsertRequest struct {
	Model      string                     `json:"model"`
	Parameters *router.ParameterOverrides `json:"parameters,omitempty"`
	Active     *bool                      `json:"active,omitempty"`
}

func OverrideUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			jsonError(w, "no store configured", http.StatusServiceUnavailable)
			return
		}
		tier, kind, err := pairFromURL(r)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if tier == router.TierAnonymous && kind != router.AlwaysAvailableKind {
			jsonError(w, "anonymous tier may only run "+string(router.AlwaysAvailableKind), http.StatusBadRequest)
			return
		}
		var req OverrideUpsertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		model, err := router.ParseModel(req.Model)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec := policy.Record{
			Tier:       string(tier),
			TaskKind:   string(kind),
			Model:      model.String(),
			Parameters: req.Parameters,
			Active:     req.Active == nil || *req.Active,
			UpdatedAt:  time.Now().UTC(),
		}
		if err := d.Store.UpsertOverride(r.Context(), rec); err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		detail, _ := json.Marshal(rec)
		audit(r, d, "override.upsert", string(tier)+"/"+string(kind), string(detail))
		refreshPolicy(r.Context(), d)
		writeJSON(w, http.StatusOK, rec)
	}
}

func OverrideDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			jsonError(w, "no store configured", http.StatusServiceUnavailable)
			return
		}
		tier, kind, err := pairFromURL(r)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := d.Store.DeleteOverride(r.Context(), string(tier), string(kind)); err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		audit(r, d, "override.delete", string(tier)+"/"+string(kind), "")
		refreshPolicy(r.Context(), d)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func PolicyRefreshHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Policy == nil {
			jsonError(w, "no policy source configured", http.StatusServiceUnavailable)
			return
		}
		err := d.Policy.Refresh(r.Context())
		audit(r, d, "policy.refresh", "", "")
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":  err.Error(),
				"status": d.Policy.Status(),
			})
			return
		}
		writeJSON(w, http.StatusOK, d.Policy.Status())
	}
}

func PolicyStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Policy == nil {
			writeJSON(w, http.StatusOK, policy.Status{})
			return
		}
		writeJSON(w, http.StatusOK, d.Policy.Status())
	}
}

// ResolveHandler handles GET /admin/v1/resolve?tier=...&kind=... and reports
// the model and parameters RouteTask would use without dispatching.
func ResolveHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tier, _ := router.ParseTier(r.URL.Query().Get("tier"))
		kind := router.TaskKind(r.URL.Query().Get("kind"))
		if !kind.Valid() {
			jsonError(w, "unknown task kind", http.StatusBadRequest)
			return
		}
		model, params, err := d.Engine.Plan(r.Context(), router.Task{Kind: kind}, tier)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"tier": tier, "kind": kind, "allowed": false, "reason": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tier":       tier,
			"kind":       kind,
			"allowed":    true,
			"model":      model,
			"parameters": params,
		})
	}
}

// parseSince reads an RFC 3339 ?since= value.
func parseSince(r *http.Request, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("since must be RFC 3339: %w", err)
	}
	return t, nil
}

// UsageListHandler handles GET /admin/v1/usage?user_id=&task_kind=&tier=&since=&limit=&offset=
func UsageListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeJSON(w, http.StatusOK, map[string]any{"usage": []any{}})
			return
		}
		since, err := parseSince(r, time.Time{})
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		q := r.URL.Query()
		rows, err := d.Store.ListUsage(r.Context(), store.UsageFilter{
			UserID:   q.Get("user_id"),
			TaskKind: q.Get("task_kind"),
			Tier:     q.Get("tier"),
			Since:    since,
			Limit:    queryInt(r, "limit", 100),
			Offset:   queryInt(r, "offset", 0),
		})
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if rows == nil {
			writeJSON(w, http.StatusOK, map[string]any{"usage": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"usage": rows})
	}
}

// UsageSummaryResponse is the body of GET /admin/v1/usage/summary.
type UsageSummaryResponse struct {
	Since   time.Time            `json:"since"`
	Rows    []store.UsageSummary `json:"rows"`
	Calls   int64                `json:"calls"`
	CostUSD float64              `json:"cost_usd"`
	Source  string               `json:"source"` // workflow|store
}

// UsageSummaryHandler aggregates usage since ?since= (default: last 24h).
// When a workflow summarizer is configured the aggregation runs as a
// durable workflow; otherwise it reads the store directly.
func UsageSummaryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since, err := parseSince(r, time.Now().UTC().Add(-defaultSummaryWindow))
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if d.Summarizer != nil {
			out, err := d.Summarizer.Summarize(r.Context(), since)
			if err != nil {
				jsonError(w, "summary workflow: "+err.Error(), http.StatusBadGateway)
				return
			}
			writeJSON(w, http.StatusOK, UsageSummaryResponse{
				Since: out.Since, Rows: nonNilRows(out.Rows),
				Calls: out.Calls, CostUSD: out.CostUSD, Source: "workflow",
			})
			return
		}

		if d.Store == nil {
			writeJSON(w, http.StatusOK, UsageSummaryResponse{Since: since, Rows: []store.UsageSummary{}, Source: "store"})
			return
		}
		rows, err := d.Store.SummarizeUsage(r.Context(), since)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		resp := UsageSummaryResponse{Since: since, Rows: nonNilRows(rows), Source: "store"}
		for _, row := range rows {
			resp.Calls += row.Calls
			resp.CostUSD += row.EstimatedCostUSD
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func nonNilRows(rows []store.UsageSummary) []store.UsageSummary {
	if rows == nil {
		return []store.UsageSummary{}
	}
	return rows
}

// AuditLogsHandler handles GET /admin/v1/audit?limit=N&offset=N
func AuditLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeJSON(w, http.StatusOK, map[string]any{"logs": []any{}})
			return
		}
		logs, err := d.Store.ListAuditLogs(r.Context(), queryInt(r, "limit", 100), queryInt(r, "offset", 0))
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if logs == nil {
			logs = []store.AuditEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
	}
}

func HealthStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Health == nil {
			writeJSON(w, http.StatusOK, map[string]any{"providers": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": d.Health.All()})
	}
}

// HealthProbeHandler handles POST /admin/v1/health/probe: an immediate
// probe round outside the schedule.
func HealthProbeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := d.Prober.ProbeAll(r.Context())
		if results == nil {
			results = []health.ProbeResult{}
		}
		audit(r, d, "health.probe", "", "")
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

// TablesHandler dumps the compiled-in policy table.
func TablesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		t := d.Engine.Table()
		base := make(map[router.TaskKind]router.GenerationParameters)
		for _, k := range router.AllTaskKinds() {
			base[k] = t.BaseParameters(k)
		}
		ceilings := make(map[router.Tier]router.TierCeiling)
		for _, tier := range router.AllTiers() {
			ceilings[tier] = router.CeilingFor(tier)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version":    t.Version(),
			"models":     t.Entries(),
			"parameters": base,
			"ceilings":   ceilings,
		})
	}
}

// TokenIssueRequest is the body of POST /admin/v1/tokens.
type TokenIssueRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
	TTL    string `json:"ttl,omitempty"` // Go duration, e.g. "720h"
}

// TokenIssueHandler mints a caller JWT. Intended for provisioning and
// testing; production callers get tokens from the account service.
func TokenIssueHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Auth == nil {
			jsonError(w, "jwt auth not configured", http.StatusNotImplemented)
			return
		}
		var req TokenIssueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.UserID == "" {
			jsonError(w, "user_id required", http.StatusBadRequest)
			return
		}
		var ttl time.Duration
		if req.TTL != "" {
			var err error
			if ttl, err = time.ParseDuration(req.TTL); err != nil || ttl <= 0 {
				jsonError(w, "invalid ttl", http.StatusBadRequest)
				return
			}
		}
		tok, err := d.Auth.Issue(req.UserID, router.Tier(req.Tier), ttl)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		audit(r, d, "token.issue", req.UserID, req.Tier)
		writeJSON(w, http.StatusOK, map[string]any{"token": tok})
	}
}

func AdminTokenRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := d.AdminToken.Rotate()
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		audit(r, d, "admin_token.rotate", "", "")
		writeJSON(w, http.StatusOK, map[string]any{"token": tok})
	}
}
