package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/spherical/latex-ocr/internal/artifacts"
	"github.com/spherical/latex-ocr/internal/cache"
	"github.com/spherical/latex-ocr/internal/compare"
	"github.com/spherical/latex-ocr/internal/config"
	"github.com/spherical/latex-ocr/internal/domain"
	"github.com/spherical/latex-ocr/internal/extract"
	"github.com/spherical/latex-ocr/internal/llm"
	"github.com/spherical/latex-ocr/internal/observability"
	"github.com/spherical/latex-ocr/internal/render"
	"github.com/spherical/latex-ocr/internal/store"
)

// app holds the components shared by the extract and batch commands.
type app struct {
	cfg          *config.Config
	logger       *observability.Logger
	metrics      *observability.Metrics
	cache        cache.Client
	renderer     *render.Compiler
	orchestrator *extract.Orchestrator
	writer       *artifacts.Writer
	repo         *store.Repository
}

// newApp wires the pipeline from cfg. The vision model is only built when withModel is set.
func newApp(ctx context.Context, cfg *config.Config, withModel bool) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  newLogger(cfg),
		metrics: observability.NewMetrics(),
	}

	c, err := newCache(cfg)
	if err != nil {
		return nil, err
	}
	a.cache = c

	a.renderer, err = render.New(renderConfig(cfg),
		render.WithCache(a.cache),
		render.WithLogger(a.logger),
		render.WithMetrics(a.metrics),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create renderer: %w", err)
	}

	if !withModel {
		return a, nil
	}

	model, err := llm.New(llmConfig(cfg), a.logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	comparator := compare.New(model, a.logger, a.metrics)
	a.orchestrator = extract.NewOrchestrator(model, a.renderer, comparator,
		extract.WithLogger(a.logger),
		extract.WithMetrics(a.metrics),
	)

	a.writer, err = artifacts.NewWriter(cfg.Output.Dir)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Store.Enabled {
		a.repo, err = store.Open(ctx, storeConfig(cfg))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open run history: %w", err)
		}
	}

	return a, nil
}

// Close releases the cache and database and flushes metrics.
func (a *app) Close() {
	if err := a.metrics.WriteTextfile(a.cfg.Observability.MetricsFile); err != nil {
		a.logger.Warn().Err(err).Msg("failed to write metrics file")
	}
	if a.repo != nil {
		_ = a.repo.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
}

// saveRun writes the run's artifacts and records it in the history database.
// History failures are logged, not returned.
func (a *app) saveRun(ctx context.Context, run *domain.ExtractionRun) (*domain.ResultRecord, error) {
	record, err := a.writer.Save(run)
	if err != nil {
		return nil, err
	}

	if a.repo != nil {
		if err := a.repo.SaveRun(ctx, run); err != nil {
			a.logger.Warn().Err(err).Str("run_id", run.ID).Msg("failed to record run history")
		}
	}
	return record, nil
}

// runConfig builds per-run settings; empty ids are generated.
func runConfig(cfg *config.Config, maxIterations int, threshold float64, traceID, sessionID string) domain.RunConfig {
	rc := cfg.RunConfig()
	if maxIterations > 0 {
		rc.MaxIterations = maxIterations
	}
	if threshold > 0 {
		rc.SimilarityThreshold = threshold
	}
	rc.TraceID = orNewID(traceID)
	rc.SessionID = orNewID(sessionID)
	return rc
}

func orNewID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func newLogger(cfg *config.Config) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "latex-ocr",
	})
}

func newCache(cfg *config.Config) (cache.Client, error) {
	switch cfg.Cache.Driver {
	case "redis":
		c, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("connect render cache: %w", err)
		}
		return c, nil
	case "none":
		return cache.NopClient{}, nil
	default:
		return cache.NewMemoryClient(cache.MemoryConfig{
			MaxEntries: cfg.Cache.MaxEntries,
			MaxBytes:   cfg.Cache.MaxBytes,
		}), nil
	}
}

func renderConfig(cfg *config.Config) render.Config {
	return render.Config{
		EngineCommand:  cfg.Compiler.EngineCommand,
		ConvertCommand: cfg.Compiler.ConvertCommand,
		DPI:            cfg.Compiler.DPI,
		Format:         cfg.Compiler.Format,
		ProcessTimeout: cfg.Compiler.ProcessTimeout,
		FallbackWidth:  cfg.Compiler.FallbackWidth,
		FallbackHeight: cfg.Compiler.FallbackHeight,
		ExcerptLength:  cfg.Compiler.ExcerptLength,
		CacheTTL:       cfg.Cache.TTL,
	}
}

func llmConfig(cfg *config.Config) llm.Config {
	return llm.Config{
		Provider:          cfg.LLM.Provider,
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
		Temperature:       cfg.LLM.Temperature,
		MaxImageDimension: cfg.LLM.MaxImageDimension,
		Stream:            cfg.LLM.Stream,
		Retry: llm.RetryConfig{
			MaxRetries:     cfg.LLM.Retry.MaxRetries,
			InitialBackoff: cfg.LLM.Retry.InitialBackoff,
			MaxBackoff:     cfg.LLM.Retry.MaxBackoff,
		},
	}
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.StoreDSN(),
		MaxOpenConns: cfg.Store.Postgres.MaxOpenConns,
	}
}

// parseExtensions splits a comma separated extension list.
func parseExtensions(s string) []string {
	var exts []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			exts = append(exts, part)
		}
	}
	return exts
}
