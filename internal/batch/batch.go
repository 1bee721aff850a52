// Package batch runs the extraction loop over many images with bounded parallelism.
package batch

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/spherical/latex-ocr/internal/domain"
	"github.com/spherical/latex-ocr/internal/observability"
)

// Extractor runs one extraction; *extract.Orchestrator satisfies it.
type Extractor interface {
	Run(ctx context.Context, imagePath string, cfg domain.RunConfig, eventCh chan<- domain.StreamEvent) *domain.ExtractionRun
}

// Handler is called once per finished run, e.g. to write artifacts. It may
// return the persisted record; an error marks the item failed.
type Handler func(ctx context.Context, run *domain.ExtractionRun) (*domain.ResultRecord, error)

// Result is the outcome for one image
type Result struct {
	ImagePath string
	Run       *domain.ExtractionRun
	Record    *domain.ResultRecord
	Err       error // handler failure or cancellation before start
}

// Success reports whether the run met its threshold and was handled cleanly
func (r Result) Success() bool {
	return r.Err == nil && r.Run != nil && r.Run.Success
}

// Runner processes images through an Extractor
type Runner struct {
	extractor Extractor
	workers   int
	handler   Handler
	progress  func(done, total int, res Result)
	logger    *observability.Logger
}

// Option configures a Runner
type Option func(*Runner)

// WithWorkers sets the number of images processed at once
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithHandler sets the per-run handler
func WithHandler(h Handler) Option {
	return func(r *Runner) { r.handler = h }
}

// WithProgress sets a callback invoked after each image; calls are serialized
func WithProgress(fn func(done, total int, res Result)) Option {
	return func(r *Runner) { r.progress = fn }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a Runner with one worker by default
func NewRunner(extractor Extractor, opts ...Option) *Runner {
	r := &Runner{
		extractor: extractor,
		workers:   1,
		logger:    observability.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithOperation("batch")
	return r
}

// Run processes every image and returns results in input order. Images not
// started before ctx is cancelled are reported with Err set.
func (r *Runner) Run(ctx context.Context, images []string, cfg domain.RunConfig) []Result {
	results := make([]Result, len(images))
	done := make(chan int, len(images))

	var g errgroup.Group
	g.SetLimit(r.workers)

	for i, path := range images {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{ImagePath: path, Err: err}
			} else {
				results[i] = r.process(ctx, path, cfg)
			}
			done <- i
			return nil
		})
	}

	finished := make(chan struct{})
	go func() {
		count := 0
		for i := range done {
			count++
			if r.progress != nil {
				r.progress(count, len(images), results[i])
			}
		}
		close(finished)
	}()

	_ = g.Wait()
	close(done)
	<-finished

	return results
}

func (r *Runner) process(ctx context.Context, path string, cfg domain.RunConfig) Result {
	res := Result{ImagePath: path}
	res.Run = r.extractor.Run(ctx, path, cfg, nil)

	if r.handler != nil {
		record, err := r.handler(context.WithoutCancel(ctx), res.Run)
		if err != nil {
			r.logger.Error().Err(err).Str("image", path).Msg("failed to handle run result")
			res.Err = err
		}
		res.Record = record
	}

	r.logger.Info().
		Str("image", path).
		Str("status", string(res.Run.Status)).
		Float64("score", res.Run.SimilarityScore).
		Int("iterations", res.Run.Iterations()).
		Msg("image processed")
	return res
}

// Discover walks dir recursively and returns image files whose extension is in
// exts (case-insensitive), sorted by path.
func Discover(dir string, exts []string) ([]string, error) {
	wanted := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		wanted[ext] = true
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if wanted[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, domain.IOError("scan image directory", err)
	}

	sort.Strings(paths)
	return paths, nil
}
