// Package render compiles LaTeX markup to raster images.
//
// Compilation runs the configured engine in a scoped temp directory, then
// tries each Converter in order. When every real stage fails a deterministic
// fallback image describing the failure is written instead.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spherical/latex-ocr/internal/cache"
	"github.com/spherical/latex-ocr/internal/domain"
	"github.com/spherical/latex-ocr/internal/observability"
)

const (
	texFile = "document.tex"
	pdfFile = "document.pdf"
)

// Compiler implements domain.Renderer over an external LaTeX toolchain.
type Compiler struct {
	cfg        Config
	converters []Converter
	cache      cache.Client
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithCache stores successful renders in c keyed by document digest.
func WithCache(c cache.Client) Option {
	return func(r *Compiler) { r.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *observability.Logger) Option {
	return func(r *Compiler) { r.logger = l }
}

// WithMetrics records the producing stage of each render.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Compiler) { r.metrics = m }
}

// WithConverters replaces the default conversion chain.
func WithConverters(converters ...Converter) Option {
	return func(r *Compiler) { r.converters = converters }
}

// New creates a Compiler. The default chain is ImageMagick (when a convert
// command is configured) followed by go-fitz.
func New(cfg Config, opts ...Option) (*Compiler, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, domain.ConfigError("invalid render config", err)
	}
	if _, _, err := splitCommand(cfg.EngineCommand); err != nil {
		return nil, domain.ConfigError("invalid engine command", err)
	}

	c := &Compiler{
		cfg:    cfg,
		cache:  cache.NopClient{},
		logger: observability.NewNop(),
	}
	if cfg.ConvertCommand != "" {
		c.converters = append(c.converters, &ImageMagickConverter{
			Command: cfg.ConvertCommand,
			DPI:     cfg.DPI,
			Timeout: cfg.ProcessTimeout,
		})
	}
	c.converters = append(c.converters, &FitzConverter{DPI: cfg.DPI, Format: cfg.Format})

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the effective settings.
func (c *Compiler) Config() Config {
	return c.cfg
}

// Availability describes which external tools were found on PATH.
type Availability struct {
	Engine        bool
	EnginePath    string
	Converter     bool
	ConverterPath string
}

// Check probes the engine and converter commands. Missing tools are not an
// error: rendering degrades to the next stage.
func (c *Compiler) Check() Availability {
	var a Availability
	a.EnginePath, a.Engine = lookPath(c.cfg.EngineCommand)
	if c.cfg.ConvertCommand != "" {
		a.ConverterPath, a.Converter = lookPath(c.cfg.ConvertCommand)
	}

	if !a.Engine {
		c.logger.Warn().Str("command", c.cfg.EngineCommand).Msg("LaTeX engine not found, renders will use the fallback image")
	}
	if c.cfg.ConvertCommand != "" && !a.Converter {
		c.logger.Warn().Str("command", c.cfg.ConvertCommand).Msg("image converter not found, using MuPDF")
	}
	return a
}

// Extension returns the file extension of rendered images, without the dot.
func (c *Compiler) Extension() string {
	return c.cfg.extension()
}

// tempOutput reserves a fresh temp file for a render given no output path.
// Each call gets its own file so concurrent renders of the same markup never share one.
func (c *Compiler) tempOutput(digest string) (string, error) {
	f, err := os.CreateTemp("", fmt.Sprintf("latex_output_%s_*.%s", digest[:16], c.cfg.extension()))
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return "", err
	}
	return name, nil
}

// Render compiles markup to an image at outputPath, or a fresh temp file when empty.
// Toolchain failures yield a degraded fallback image; an error is returned only
// when no image could be written at all.
func (c *Compiler) Render(ctx context.Context, markup string, outputPath string) (*domain.RenderOutcome, error) {
	document := WrapDocument(markup)
	digest := Digest(document, c.cfg.DPI, c.cfg.Format)
	key := cache.Key("render", digest)
	log := c.logger.WithContext(ctx).WithField("digest", digest[:16])

	target := outputPath
	if target == "" {
		var err error
		if target, err = c.tempOutput(digest); err != nil {
			return nil, domain.RenderError("create output file", err)
		}
	}

	data, err := c.cache.Get(ctx, key)
	switch {
	case err == nil && !decodable(data):
		log.Warn().Int("bytes", len(data)).Msg("discarding undecodable cached render")
		if err := c.cache.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Msg("render cache delete failed")
		}
	case err == nil:
		if err := os.WriteFile(target, data, 0o644); err == nil {
			log.Debug().Str("path", target).Msg("render served from cache")
			return c.outcome(target, domain.StageCache, digest, "", bytes.NewReader(data)), nil
		}
	case !errors.Is(err, cache.ErrCacheMiss):
		log.Warn().Err(err).Msg("render cache lookup failed")
	}

	stage, reason := c.compileAndConvert(ctx, document, target)
	if reason == "" {
		if data, err := os.ReadFile(target); err == nil {
			if err := c.cache.Set(ctx, key, data, c.cfg.CacheTTL); err != nil {
				log.Warn().Err(err).Msg("render cache store failed")
			}
			log.Info().Str("stage", string(stage)).Str("path", target).Msg("LaTeX rendered")
			return c.outcome(target, stage, digest, "", bytes.NewReader(data)), nil
		}
		reason = "rendered image unreadable"
	}

	log.Warn().Str("reason", reason).Msg("rendering degraded to fallback image")

	data, err = FallbackImage(markup, c.cfg.Format, c.cfg.FallbackWidth, c.cfg.FallbackHeight, c.cfg.ExcerptLength)
	if err != nil {
		return nil, domain.RenderError("draw fallback image", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return nil, domain.RenderError("write fallback image", err)
	}

	out := c.outcome(target, domain.StageFallback, digest, reason, bytes.NewReader(data))
	out.Degraded = true
	return out, nil
}

// PurgeCache drops every cached render and reports how many entries went.
func (c *Compiler) PurgeCache(ctx context.Context) (int, error) {
	n, err := c.cache.Purge(ctx, cache.Key("render", ""))
	if err != nil {
		return n, domain.IOError("purge render cache", err)
	}
	c.logger.WithContext(ctx).Info().Int("entries", n).Msg("render cache purged")
	return n, nil
}

// compileAndConvert runs the engine and conversion chain. An empty reason means success.
func (c *Compiler) compileAndConvert(ctx context.Context, document, target string) (domain.RenderStage, string) {
	dir, err := os.MkdirTemp("", "latex_compile_*")
	if err != nil {
		return "", fmt.Sprintf("create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, texFile), []byte(document), 0o644); err != nil {
		return "", fmt.Sprintf("write %s: %v", texFile, err)
	}

	pdfPath, err := c.compile(ctx, dir)
	if err != nil {
		return "", err.Error()
	}

	_ = os.Remove(target)

	var reason string
	for _, conv := range c.converters {
		if err := conv.Convert(ctx, pdfPath, target); err != nil {
			c.logger.Debug().Str("stage", string(conv.Stage())).Err(err).Msg("conversion strategy failed")
			reason = err.Error()
			continue
		}
		return conv.Stage(), ""
	}
	if reason == "" {
		reason = "no conversion strategy configured"
	}
	return "", reason
}

// compile runs the engine in dir. The exit status is ignored: the run
// succeeded exactly when document.pdf exists afterwards.
func (c *Compiler) compile(ctx context.Context, dir string) (string, error) {
	out, runErr := runCommand(ctx, c.cfg.ProcessTimeout, dir, c.cfg.EngineCommand,
		"-interaction=nonstopmode",
		"-output-directory", dir,
		texFile,
	)

	pdfPath := filepath.Join(dir, pdfFile)
	if _, err := os.Stat(pdfPath); err == nil {
		if runErr != nil {
			c.logger.Debug().Err(runErr).Msg("LaTeX engine reported errors but produced a PDF")
		}
		return pdfPath, nil
	}

	if runErr != nil {
		return "", domain.RenderError("LaTeX compilation failed", fmt.Errorf("%w: %s", runErr, out))
	}
	return "", domain.RenderError("LaTeX compilation produced no PDF", errors.New(out))
}

func (c *Compiler) outcome(path string, stage domain.RenderStage, digest, reason string, r *bytes.Reader) *domain.RenderOutcome {
	c.metrics.ObserveRender(string(stage))
	w, h := imageSize(r)
	return &domain.RenderOutcome{
		ImagePath: path,
		Stage:     stage,
		Reason:    reason,
		Digest:    digest,
		Width:     w,
		Height:    h,
	}
}
