// Package api exposes extraction, rendering and run history over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spherical/latex-ocr/internal/domain"
	"github.com/spherical/latex-ocr/internal/observability"
	"github.com/spherical/latex-ocr/internal/store"
)

// Extractor runs one extraction; *extract.Orchestrator satisfies it.
type Extractor interface {
	Run(ctx context.Context, imagePath string, cfg domain.RunConfig, eventCh chan<- domain.StreamEvent) *domain.ExtractionRun
}

// History reads persisted runs; *store.Repository satisfies it.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]store.RunRow, error)
	GetRun(ctx context.Context, id string) (*store.RunRow, []store.IterationRow, error)
}

// SaveFunc persists a finished run and returns its result record.
type SaveFunc func(ctx context.Context, run *domain.ExtractionRun) (*domain.ResultRecord, error)

// Deps are the services behind the routes. History and Save may be nil.
type Deps struct {
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Extractor Extractor
	Renderer  domain.Renderer
	History   History
	Save      SaveFunc
	// RunConfig returns the defaults for a new run, with fresh ids.
	RunConfig func() domain.RunConfig
}

// Config bounds request handling.
type Config struct {
	RequestTimeout time.Duration // all routes except extraction
	MaxUploadBytes int64
	MaxMarkupBytes int64
	UploadDir      string
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 2 * time.Minute,
		MaxUploadBytes: 20 << 20,
		MaxMarkupBytes: 1 << 20,
		UploadDir:      "output/uploads",
	}
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps, cfg Config) http.Handler {
	if deps.Logger == nil {
		deps.Logger = observability.NewNop()
	}
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = def.MaxUploadBytes
	}
	if cfg.MaxMarkupBytes <= 0 {
		cfg.MaxMarkupBytes = def.MaxMarkupBytes
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = def.UploadDir
	}

	h := &handlers{deps: deps, cfg: cfg, logger: deps.Logger.WithOperation("api")}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(h.requestLog)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.health)
	if reg := deps.Metrics.Registry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// extraction runs for as long as the loop needs; the client's
		// disconnect cancels it between iterations
		r.Post("/extractions", h.extract)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
			r.Post("/renders", h.render)
			r.Get("/runs", h.listRuns)
			r.Get("/runs/{runID}", h.getRun)
		})
	})

	return r
}
