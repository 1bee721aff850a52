// Package extract runs the verification loop that turns an image into LaTeX:
// transcribe, render, compare against the original, refine.
package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/spherical/latex-ocr/internal/domain"
	"github.com/spherical/latex-ocr/internal/imageio"
	"github.com/spherical/latex-ocr/internal/observability"
	"github.com/spherical/latex-ocr/internal/parse"
)

// ImageLoader validates a source image before any model call is made.
type ImageLoader func(path string) (*domain.SourceImage, error)

// Orchestrator drives one extraction run at a time per call to Run. It holds
// no per-run state and is safe for concurrent use if its collaborators are.
type Orchestrator struct {
	model      domain.VisionModel
	renderer   domain.Renderer
	comparator domain.Comparator
	loadImage  ImageLoader
	extension  string
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *observability.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithImageLoader replaces imageio.Load.
func WithImageLoader(fn ImageLoader) Option {
	return func(o *Orchestrator) { o.loadImage = fn }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(model domain.VisionModel, renderer domain.Renderer, comparator domain.Comparator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		model:      model,
		renderer:   renderer,
		comparator: comparator,
		loadImage:  imageio.Load,
		extension:  "png",
		logger:     observability.NewNop(),
	}
	if e, ok := renderer.(interface{ Extension() string }); ok {
		o.extension = e.Extension()
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.WithOperation("extract")
	return o
}

// loopState is owned by a single run.
type loopState struct {
	run     *domain.ExtractionRun
	meta    domain.CallMetadata
	dir     string // per-run render directory
	current string
	verdict *domain.ComparisonVerdict
	kept    int // History index of the record whose image is retained, -1 for none
}

// Run transcribes imagePath to LaTeX. It never returns an error: setup
// failures abort the run with run.Err set, per-iteration failures become
// tagged records in run.History. Cancelling ctx stops the loop between
// iterations; calls already in flight finish under their own timeout.
// Events are sent on eventCh without blocking; eventCh may be nil.
func (o *Orchestrator) Run(ctx context.Context, imagePath string, cfg domain.RunConfig, eventCh chan<- domain.StreamEvent) *domain.ExtractionRun {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = domain.DefaultCallTimeout
	}

	run := &domain.ExtractionRun{
		ID:        uuid.NewString(),
		ImagePath: imagePath,
		Config:    cfg,
		History:   []domain.IterationRecord{},
		StartedAt: time.Now(),
	}

	traceID := cfg.TraceID
	if traceID == "" {
		traceID = run.ID
	}
	ctx = observability.ContextWithTraceID(ctx, traceID)
	log := o.logger.WithContext(ctx).WithRun(run.ID, imagePath)

	o.emitEvent(eventCh, domain.StreamEvent{
		Type:      domain.EventRunStart,
		Payload:   fmt.Sprintf("Starting extraction of %s", imagePath),
		Timestamp: time.Now(),
	})

	if err := cfg.Validate(); err != nil {
		return o.abort(run, err, eventCh)
	}

	if _, err := o.loadImage(imagePath); err != nil {
		return o.abort(run, domain.AbortedError("source image unreadable", err), eventCh)
	}

	dir, err := os.MkdirTemp("", "latex_run_*")
	if err != nil {
		return o.abort(run, domain.IOError("create render directory", err), eventCh)
	}

	st := &loopState{
		run:  run,
		meta: domain.CallMetadata{TraceID: traceID, SessionID: cfg.SessionID},
		dir:  dir,
		kept: -1,
	}

	status := domain.StatusExhausted
	for i := 0; i < cfg.MaxIterations; i++ {
		if ctx.Err() != nil {
			log.Info().Int("completed", i).Msg("run cancelled between iterations")
			status = domain.StatusCancelled
			break
		}

		o.emitEvent(eventCh, domain.StreamEvent{
			Type:      domain.EventIterationStart,
			Iteration: i + 1,
			Payload:   fmt.Sprintf("Iteration %d/%d", i+1, cfg.MaxIterations),
			Timestamp: time.Now(),
		})

		rec, converged := o.iterate(ctx, st, i)
		run.Append(rec)
		if rec.Scored {
			o.retain(st, len(run.History)-1)
		}
		o.observeIteration(rec)

		if rec.Failed() {
			log.Warn().EmbedObject(observability.Iteration(rec)).Msg("iteration failed")
			o.emitEvent(eventCh, domain.StreamEvent{
				Type:      domain.EventError,
				Iteration: rec.Iteration,
				Payload:   rec.Error,
				Timestamp: time.Now(),
			})
		} else {
			log.Info().EmbedObject(observability.Iteration(rec)).Msg("iteration scored")
		}

		recCopy := rec
		o.emitEvent(eventCh, domain.StreamEvent{
			Type:      domain.EventIterationComplete,
			Iteration: rec.Iteration,
			Payload:   &recCopy,
			Timestamp: time.Now(),
		})

		if converged {
			status = domain.StatusConverged
			break
		}
	}

	if run.RetainedImage == "" || filepath.Dir(run.RetainedImage) != st.dir {
		_ = os.RemoveAll(st.dir)
	}

	run.MarkupText = st.current
	run.Finish(status)
	o.metrics.ObserveRun(string(status))

	log.Info().
		Str("status", string(run.Status)).
		Int("iterations", run.Iterations()).
		Float64("score", run.SimilarityScore).
		Bool("success", run.Success).
		Dur("duration", run.Duration).
		Msg("extraction run finished")

	o.emitEvent(eventCh, domain.StreamEvent{
		Type:      domain.EventRunComplete,
		Payload:   run,
		Timestamp: time.Now(),
	})

	return run
}

// iterate performs one transcribe/render/compare pass and reports whether it converged.
func (o *Orchestrator) iterate(ctx context.Context, st *loopState, i int) (domain.IterationRecord, bool) {
	start := time.Now()
	cfg := st.run.Config
	rec := domain.IterationRecord{Iteration: i + 1}
	finish := func() domain.IterationRecord {
		rec.Duration = time.Since(start)
		return rec
	}

	markup, err := o.transcribe(ctx, st, i)
	if err != nil {
		rec.ErrorTag = domain.TagRefinementFailed
		if i == 0 {
			rec.ErrorTag = domain.TagExtractionFailed
		}
		rec.Error = err.Error()
		return finish(), false
	}

	st.current = markup
	rec.MarkupText = markup

	target := filepath.Join(st.dir, fmt.Sprintf("iter_%d.%s", i+1, o.extension))
	outcome, err := o.renderer.Render(context.WithoutCancel(ctx), markup, target)
	if err == nil && outcome == nil {
		err = errors.New("renderer returned no image")
	}
	if err != nil {
		_ = os.Remove(target)
		rec.ErrorTag = domain.TagRenderFailed
		rec.Error = domain.RenderError("render failed", err).Error()
		return finish(), false
	}
	rec.ImagePath = outcome.ImagePath
	rec.RenderStage = outcome.Stage
	rec.Degraded = outcome.Degraded

	callCtx, cancel := o.callContext(ctx, cfg.CallTimeout)
	verdict := o.comparator.Compare(callCtx, st.run.ImagePath, outcome.ImagePath, markup, st.meta)
	cancel()

	verdict.SimilarityScore = domain.ClampScore(verdict.SimilarityScore)
	st.verdict = &verdict
	rec.Verdict = &verdict
	rec.Scored = true
	rec.SimilarityScore = verdict.SimilarityScore

	return finish(), rec.SimilarityScore >= cfg.SimilarityThreshold
}

// retain keeps the image of History[idx] and releases the one it supersedes,
// so the run always ends holding the image of its last scored iteration.
func (o *Orchestrator) retain(st *loopState, idx int) {
	if st.kept >= 0 {
		prev := &st.run.History[st.kept]
		if err := os.Remove(prev.ImagePath); err != nil && !os.IsNotExist(err) {
			o.logger.Debug().Err(err).Str("path", prev.ImagePath).Msg("could not release rendered image")
		}
		prev.ImageReleased = true
	}
	st.kept = idx
	st.run.RetainedImage = st.run.History[idx].ImagePath
}

// transcribe runs the extraction call on the first iteration and a refinement call after.
func (o *Orchestrator) transcribe(ctx context.Context, st *loopState, i int) (string, error) {
	meta := st.meta
	var parts []domain.ContentPart
	var wrap func(string, error) *domain.DomainError

	if i == 0 {
		meta.GenerationName = GenerationExtraction
		meta.Tags = extractionTags
		parts = []domain.ContentPart{domain.TextPart(ExtractionInstruction), domain.ImagePart(st.run.ImagePath)}
		wrap = domain.ExtractionError
	} else {
		meta.GenerationName = GenerationRefinement
		meta.Tags = refinementTags
		parts = []domain.ContentPart{domain.TextPart(RefinementPrompt(st.current, st.verdict))}
		if st.current == "" {
			parts = append(parts, domain.ImagePart(st.run.ImagePath))
		}
		wrap = domain.RefinementError
	}

	callCtx, cancel := o.callContext(ctx, st.run.Config.CallTimeout)
	defer cancel()

	callStart := time.Now()
	reply, err := o.model.Invoke(callCtx, parts, meta)
	o.metrics.ObserveVisionCall(meta.GenerationName, time.Since(callStart), err)
	if err != nil {
		return "", wrap("vision call failed", err)
	}

	markup := parse.ExtractCode(reply)
	if markup == "" {
		return "", wrap("model returned no LaTeX", nil)
	}
	return markup, nil
}

// callContext detaches a vision call from caller cancellation and bounds it by timeout.
func (o *Orchestrator) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// abort finishes a run that failed before any iteration.
func (o *Orchestrator) abort(run *domain.ExtractionRun, err error, eventCh chan<- domain.StreamEvent) *domain.ExtractionRun {
	run.Err = err
	run.Finish(domain.StatusAborted)
	o.metrics.ObserveRun(string(domain.StatusAborted))
	o.logger.Error().Err(err).Str("image", run.ImagePath).Msg("extraction run aborted")

	o.emitError(eventCh, err)
	o.emitEvent(eventCh, domain.StreamEvent{
		Type:      domain.EventRunComplete,
		Payload:   run,
		Timestamp: time.Now(),
	})
	return run
}

func (o *Orchestrator) observeIteration(rec domain.IterationRecord) {
	outcome := "scored"
	if rec.Failed() {
		outcome = string(rec.ErrorTag)
	}
	o.metrics.ObserveIteration(outcome, rec.Scored, rec.SimilarityScore)
}

// emitEvent safely emits an event to the channel
func (o *Orchestrator) emitEvent(eventCh chan<- domain.StreamEvent, event domain.StreamEvent) {
	if eventCh != nil {
		select {
		case eventCh <- event:
		default:
			o.logger.Warn().Str("event", string(event.Type)).Msg("event channel full, dropping event")
		}
	}
}

// emitError emits an error event
func (o *Orchestrator) emitError(eventCh chan<- domain.StreamEvent, err error) {
	o.emitEvent(eventCh, domain.StreamEvent{
		Type:      domain.EventError,
		Payload:   err.Error(),
		Timestamp: time.Now(),
	})
}
