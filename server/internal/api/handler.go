package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nestlog/nestlog/pkg/types"
	"github.com/nestlog/nestlog/server/internal/config"
	"github.com/nestlog/nestlog/server/internal/metrics"
	"github.com/nestlog/nestlog/server/internal/nudge"
	"github.com/nestlog/nestlog/server/internal/playbook"
	"github.com/nestlog/nestlog/server/internal/receiver"
	"github.com/nestlog/nestlog/server/internal/store"
)

const maxBodyBytes = 1 << 20

// PreferenceWriter stores a caregiver's channel opt-ins.
type PreferenceWriter interface {
	PutPreference(ctx context.Context, p nudge.Preference) error
}

// Deps are the collaborators the API serves from. Playbook, Preferences and
// Ready are optional.
type Deps struct {
	Engine      *nudge.Engine
	Outcomes    store.Outcomes
	Playbook    *playbook.Library
	Preferences PreferenceWriter
	Reporting   config.ReportingConfig

	// Ready reports whether the storage backend is reachable.
	Ready func(ctx context.Context) error
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	deps   Deps
	router chi.Router
	now    func() time.Time
}

// New creates a Handler and registers all routes.
func New(d Deps) http.Handler {
	if d.Reporting.DefaultPageSize <= 0 {
		d.Reporting.DefaultPageSize = config.DefaultPageSize
	}
	if d.Reporting.MaxPageSize <= 0 {
		d.Reporting.MaxPageSize = config.DefaultMaxPageSize
	}
	h := &Handler{deps: d, router: chi.NewRouter(), now: time.Now}

	h.router.Use(middleware.RequestID)
	h.router.Use(middleware.Recoverer)
	h.router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})
	h.router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	h.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Post("/nudges", h.submit)
		r.Get("/nudges", h.listNudges)
		r.Get("/thresholds", h.thresholds)
		r.Get("/articles", h.articles)
		r.Put("/preferences/{key}", h.putPreference)
	})

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health. Storage failures turn the status to
// "degraded" with 503 so load balancers stop routing to the instance.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Timestamp:  h.now().UTC().Format(time.RFC3339),
		QueueDepth: h.deps.Engine.Queue().Len(),
		Thresholds: h.deps.Engine.Registry().Len(),
		Storage:    "ok",
	}
	code := http.StatusOK
	if h.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Ready(ctx); err != nil {
			slog.Warn("api: storage health check failed", "err", err)
			resp.Status = "degraded"
			resp.Storage = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	jsonResp(w, code, resp)
}

// submit handles POST /api/v1/nudges.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var sub types.Submission
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&sub); err != nil {
		jsonErr(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	if len(sub.Samples) == 0 {
		jsonResp(w, http.StatusBadRequest, errorResponse{
			Error: "metrics must contain at least one sample",
			Field: "metrics",
		})
		return
	}

	jobs, err := h.deps.Engine.Submit(r.Context(), sub.CaregiverKey, receiver.Samples(sub.Samples))
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	metrics.ObserveSamples("http", len(sub.Samples))

	if jobs == nil {
		jobs = []nudge.Job{}
	}
	jsonResp(w, http.StatusAccepted, SubmitResponse{Enqueued: len(jobs), Jobs: jobs})
}

// listNudges returns GET /api/v1/nudges?caregiver=&limit= newest first.
func (h *Handler) listNudges(w http.ResponseWriter, r *http.Request) {
	q, err := ParseQuery(r.URL.Query(), h.deps.Reporting)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := h.deps.Outcomes.List(r.Context(), q)
	if err != nil {
		slog.Error("api: list nudges failed", "err", err)
		jsonErr(w, http.StatusInternalServerError, "failed to list nudges")
		return
	}
	jsonResp(w, http.StatusOK, NudgesResponse{Nudges: ToNudgeResponses(recs)})
}

// ParseQuery builds a store query from ?caregiver= (or ?userId=) and ?limit=.
// The limit defaults to the configured page size and is capped at the max.
func ParseQuery(v url.Values, rep config.ReportingConfig) (store.Query, error) {
	q := store.Query{
		CaregiverKey: v.Get("caregiver"),
		Limit:        rep.DefaultPageSize,
	}
	if q.CaregiverKey == "" {
		q.CaregiverKey = v.Get("userId")
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return q, fmt.Errorf("limit must be a positive integer, got %q", s)
		}
		q.Limit = n
	}
	if rep.MaxPageSize > 0 && q.Limit > rep.MaxPageSize {
		q.Limit = rep.MaxPageSize
	}
	return q, nil
}

// thresholds returns GET /api/v1/thresholds, the active rule set.
func (h *Handler) thresholds(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, ThresholdsResponse{Thresholds: h.deps.Engine.Registry().All()})
}

// articles returns GET /api/v1/articles?tag=, the playbook sorted by title.
func (h *Handler) articles(w http.ResponseWriter, r *http.Request) {
	out := make([]ArticleResponse, 0)
	if h.deps.Playbook == nil {
		jsonResp(w, http.StatusOK, out)
		return
	}
	tag := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("tag")))
	for _, e := range h.deps.Playbook.All() {
		if tag != "" && !hasTag(e.Tags, tag) {
			continue
		}
		a := ArticleResponse{Article: e.Article, BabyAgeMin: e.BabyAgeMin, BabyAgeMax: e.BabyAgeMax}
		if !e.PublishedAt.IsZero() {
			a.PublishedAt = e.PublishedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, a)
	}
	jsonResp(w, http.StatusOK, out)
}

// putPreference handles PUT /api/v1/preferences/{key}.
func (h *Handler) putPreference(w http.ResponseWriter, r *http.Request) {
	if h.deps.Preferences == nil {
		jsonErr(w, http.StatusNotImplemented, "preferences are read-only")
		return
	}
	key := chi.URLParam(r, "key")
	if key == "" {
		jsonErr(w, http.StatusNotFound, "not found")
		return
	}

	var p nudge.Preference
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&p); err != nil {
		jsonErr(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	p.CaregiverKey = key

	if err := h.deps.Preferences.PutPreference(r.Context(), p); err != nil {
		writeEngineErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, p)
}

// --- helpers ----------------------------------------------------------------

// writeEngineErr maps domain errors to HTTP status codes.
func writeEngineErr(w http.ResponseWriter, err error) {
	var ve *nudge.ValidationError
	var nf *nudge.PreferenceNotFoundError
	var uc *nudge.UnknownChannelError
	switch {
	case errors.As(err, &ve):
		jsonResp(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: ve.Field})
	case errors.As(err, &uc):
		jsonErr(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &nf):
		jsonErr(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("api: request failed", "err", err)
		jsonErr(w, http.StatusInternalServerError, "internal error")
	}
}

// ToNudgeResponses maps store records to their JSON representation.
func ToNudgeResponses(recs []store.Record) []NudgeResponse {
	out := make([]NudgeResponse, 0, len(recs))
	for _, rec := range recs {
		j := rec.Outcome.Job
		out = append(out, NudgeResponse{
			ID:           rec.ID,
			CaregiverKey: rec.CaregiverKey,
			Channel:      j.Channel,
			Title:        j.Title,
			Body:         j.Body,
			TriggeredBy:  j.TriggeredBy,
			ArticleKey:   j.ArticleKey,
			Delivered:    rec.Outcome.Delivered,
			Status:       rec.Outcome.Status,
			Details:      rec.Outcome.Details,
			CreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.ToLower(t) == want {
			return true
		}
	}
	return false
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
