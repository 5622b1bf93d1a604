// Package httpapi exposes the conversion engine and the synchronizer over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"ratelock/internal/conversion"
	"ratelock/internal/metrics"
	"ratelock/internal/ratesync"
	"ratelock/internal/storage"
)

// Converter is the part of conversion.Engine the handlers need.
type Converter interface {
	Convert(ctx context.Context, req conversion.Request) (conversion.Result, error)
	GetAudit(ctx context.Context, transactionID string) (storage.AuditRecord, error)
	LatestRates(ctx context.Context) (conversion.RatesSummary, error)
}

// Syncer triggers one synchronizer run.
type Syncer interface {
	Sync(ctx context.Context) (ratesync.Result, error)
}

// Pinger reports whether a backing store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configure the router.
type Options struct {
	RequestTimeout time.Duration
	PingTimeout    time.Duration
	EnableSync     bool
	MetricsPath    string
	Version        string
}

// Deps are the collaborators served by the router. Syncer may be nil when
// the sync endpoint is disabled.
type Deps struct {
	Engine     Converter
	Syncer     Syncer
	RateStore  Pinger
	AuditStore Pinger
	Metrics    metrics.Recorder
}

type handler struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(opts Options, deps Deps, logger zerolog.Logger) http.Handler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 2 * time.Second
	}
	h := &handler{opts: opts, deps: deps, logger: logger.With().Str("component", "httpapi").Logger()}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(observe(deps.Metrics, h.logger))

	r.Get("/health", h.health)
	if opts.MetricsPath != "" {
		r.Handle(opts.MetricsPath, deps.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(opts.RequestTimeout))
		r.Get("/convert", h.convert)
		r.Get("/audit/{transactionID}", h.audit)
		r.Get("/rates", h.rates)
		if opts.EnableSync && deps.Syncer != nil {
			r.Post("/sync", h.sync)
		}
	})

	return r
}

func (h *handler) convert(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.deps.Engine.Convert(r.Context(), conversion.Request{
		From:   q.Get("from"),
		To:     q.Get("to"),
		Amount: q.Get("amount"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) audit(w http.ResponseWriter, r *http.Request) {
	record, err := h.deps.Engine.GetAudit(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *handler) rates(w http.ResponseWriter, r *http.Request) {
	summary, err := h.deps.Engine.LatestRates(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type syncResponse struct {
	SnapshotID string    `json:"snapshot_id,omitempty"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Path       []string  `json:"path"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Currencies int       `json:"currencies"`
	Missing    []string  `json:"missing,omitempty"`
	Attempts   int       `json:"attempts"`
}

func newSyncResponse(res ratesync.Result) syncResponse {
	path := make([]string, 0, len(res.Path))
	for _, state := range res.Path {
		path = append(path, state.String())
	}
	return syncResponse{
		SnapshotID: res.SnapshotID,
		State:      res.State.String(),
		Reason:     res.Reason,
		Path:       path,
		CapturedAt: res.CapturedAt,
		ExpiresAt:  res.ExpiresAt,
		Currencies: res.Currencies,
		Missing:    res.Missing,
		Attempts:   res.Attempts,
	}
}

func (h *handler) sync(w http.ResponseWriter, r *http.Request) {
	result, err := h.deps.Syncer.Sync(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSyncResponse(result))
}

type healthResponse struct {
	Status           string            `json:"status"`
	Checks           map[string]string `json:"checks"`
	LatestSnapshotID *string           `json:"latest_snapshot_id"`
	Version          string            `json:"version,omitempty"`
}

// health 要求两个存储都能 ping 通; 没有快照不算不健康, 只是 latest_snapshot_id 为 null。
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Checks: map[string]string{}, Version: h.opts.Version}

	for name, store := range map[string]Pinger{"rate_store": h.deps.RateStore, "audit_store": h.deps.AuditStore} {
		resp.Checks[name] = h.ping(r.Context(), store)
		if resp.Checks[name] != "ok" {
			resp.Status = "unavailable"
		}
	}

	if summary, err := h.deps.Engine.LatestRates(r.Context()); err == nil {
		id := summary.RateSnapshotID
		resp.LatestSnapshotID = &id
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *handler) ping(ctx context.Context, store Pinger) string {
	if store == nil {
		return "not configured"
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.PingTimeout)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("store ping failed")
		return strings.TrimSpace(err.Error())
	}
	return "ok"
}
