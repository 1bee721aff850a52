package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/latex-ocr/internal/domain"
	"github.com/spherical/latex-ocr/internal/parse"
	"github.com/spherical/latex-ocr/internal/render"
)

type modelReply struct {
	text string
	err  error
}

type modelCall struct {
	parts       []domain.ContentPart
	meta        domain.CallMetadata
	hasDeadline bool
	ctxErr      error
}

// scriptedModel returns replies in order; once exhausted it repeats the last one.
type scriptedModel struct {
	mu      sync.Mutex
	replies []modelReply
	calls   []modelCall
}

func (m *scriptedModel) Invoke(ctx context.Context, parts []domain.ContentPart, meta domain.CallMetadata) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, hasDeadline := ctx.Deadline()
	m.calls = append(m.calls, modelCall{parts: parts, meta: meta, hasDeadline: hasDeadline, ctxErr: ctx.Err()})

	idx := len(m.calls) - 1
	if idx >= len(m.replies) {
		idx = len(m.replies) - 1
	}
	r := m.replies[idx]
	return r.text, r.err
}

type fakeRenderer struct {
	dir      string
	errs     map[int]error
	degraded bool
	calls    int
	targets  []string
}

func (r *fakeRenderer) Render(_ context.Context, markup, outputPath string) (*domain.RenderOutcome, error) {
	r.calls++
	r.targets = append(r.targets, outputPath)
	if err := r.errs[r.calls]; err != nil {
		return nil, err
	}
	path := filepath.Join(r.dir, fmt.Sprintf("render_%d.png", r.calls))
	if err := os.WriteFile(path, []byte(markup), 0o644); err != nil {
		return nil, err
	}
	stage := domain.StageFitz
	if r.degraded {
		stage = domain.StageFallback
	}
	return &domain.RenderOutcome{ImagePath: path, Stage: stage, Degraded: r.degraded}, nil
}

// scoreComparator returns scores in order and can cancel the run mid-iteration.
type scoreComparator struct {
	scores   []float64
	verdicts []domain.ComparisonVerdict
	onCall   func(n int)
	calls    int
	markups  []string
}

func (c *scoreComparator) Compare(_ context.Context, _, _, markup string, _ domain.CallMetadata) domain.ComparisonVerdict {
	c.calls++
	c.markups = append(c.markups, markup)
	if c.onCall != nil {
		c.onCall(c.calls)
	}
	if c.verdicts != nil {
		return c.verdicts[c.calls-1]
	}
	return domain.ComparisonVerdict{
		SimilarityScore: c.scores[c.calls-1],
		Differences:     []string{fmt.Sprintf("difference %d", c.calls)},
		Source:          domain.VerdictFromModel,
	}
}

func sourceImage(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 10, 10))))
	path := filepath.Join(t.TempDir(), "source.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func latexReplies(n int) []modelReply {
	replies := make([]modelReply, n)
	for i := range replies {
		replies[i] = modelReply{text: fmt.Sprintf("```latex\nversion %d\n```", i+1)}
	}
	return replies
}

func runConfig(maxIter int, threshold float64) domain.RunConfig {
	return domain.RunConfig{MaxIterations: maxIter, SimilarityThreshold: threshold, CallTimeout: time.Minute}
}

func TestRun_ConvergesOnThirdIteration(t *testing.T) {
	model := &scriptedModel{replies: latexReplies(3)}
	renderer := &fakeRenderer{dir: t.TempDir()}
	comparator := &scoreComparator{scores: []float64{0.4, 0.7, 0.85}}

	o := NewOrchestrator(model, renderer, comparator)
	run := o.Run(context.Background(), sourceImage(t), runConfig(3, 0.8), nil)

	assert.Equal(t, domain.StatusConverged, run.Status)
	assert.True(t, run.Success)
	assert.True(t, run.ThresholdMet)
	assert.Equal(t, 3, run.Iterations())
	assert.Equal(t, 0.85, run.SimilarityScore)
	assert.Equal(t, "version 3", run.MarkupText)
	assert.NoError(t, run.Err)

	for _, rec := range run.History[:2] {
		assert.True(t, rec.ImageReleased)
		assert.NoFileExists(t, rec.ImagePath)
	}
	last := run.History[2]
	assert.False(t, last.ImageReleased)
	assert.FileExists(t, last.ImagePath)
	assert.Equal(t, last.ImagePath, run.RetainedImage)

	require.Len(t, model.calls, 3)
	assert.Equal(t, GenerationExtraction, model.calls[0].meta.GenerationName)
	assert.Equal(t, GenerationRefinement, model.calls[1].meta.GenerationName)
	assert.True(t, model.calls[0].parts[1].IsImage())
	assert.Len(t, model.calls[1].parts, 1, "refinement sends text only")
	assert.Contains(t, model.calls[1].parts[0].Text, "version 1")
	assert.Contains(t, model.calls[1].parts[0].Text, "difference 1")
	assert.Contains(t, model.calls[2].parts[0].Text, "Similarity Score: 0.70")
}

func TestRun_ExhaustsBudget(t *testing.T) {
	model := &scriptedModel{replies: latexReplies(2)}
	comparator := &scoreComparator{scores: []float64{0.3, 0.5}}

	o := NewOrchestrator(model, &fakeRenderer{dir: t.TempDir()}, comparator)
	run := o.Run(context.Background(), sourceImage(t), runConfig(2, 0.8), nil)

	assert.Equal(t, domain.StatusExhausted, run.Status)
	assert.False(t, run.Success)
	assert.Equal(t, 2, run.Iterations())
	assert.Equal(t, 0.5, run.SimilarityScore)
	assert.Equal(t, "version 2", run.MarkupText)
	assert.FileExists(t, run.RetainedImage, "final iteration image is kept for the caller")
}

func TestRun_FinalIterationFailureKeepsLastScoredImage(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	model := &scriptedModel{replies: []modelReply{
		{text: "```latex\nfirst\n```"},
		{err: errors.New("upstream 503")},
	}}
	renderer := &fakeRenderer{dir: t.TempDir()}
	comparator := &scoreComparator{scores: []float64{0.5}}

	o := NewOrchestrator(model, renderer, comparator)
	run := o.Run(context.Background(), sourceImage(t), runConfig(2, 0.8), nil)

	require.Len(t, run.History, 2)
	assert.Equal(t, domain.TagRefinementFailed, run.History[1].ErrorTag)
	assert.False(t, run.History[0].ImageReleased)
	assert.Equal(t, run.History[0].ImagePath, run.RetainedImage)
	assert.FileExists(t, run.RetainedImage)

	require.Len(t, renderer.targets, 1)
	assert.Equal(t, "iter_1.png", filepath.Base(renderer.targets[0]))
	assert.True(t, strings.HasPrefix(renderer.targets[0], filepath.Join(tmp, "latex_run_")))
}

func TestRun_ReleasesImageOnlyWhenSuperseded(t *testing.T) {
	model := &scriptedModel{replies: []modelReply{
		{text: "```latex\nfirst\n```"},
		{text: "```latex\nsecond\n```"},
		{err: errors.New("timeout")},
	}}
	comparator := &scoreComparator{scores: []float64{0.3, 0.6}}

	o := NewOrchestrator(model, &fakeRenderer{dir: t.TempDir()}, comparator)
	run := o.Run(context.Background(), sourceImage(t), runConfig(3, 0.8), nil)

	require.Len(t, run.History, 3)
	assert.True(t, run.History[0].ImageReleased)
	assert.NoFileExists(t, run.History[0].ImagePath)
	assert.False(t, run.History[1].ImageReleased)
	assert.Equal(t, run.History[1].ImagePath, run.RetainedImage)
	assert.FileExists(t, run.RetainedImage)
	assert.Equal(t, "second", run.MarkupText)
}

func TestRun_SameMarkupRunsKeepSeparateImages(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	compiler, err := render.New(render.Config{EngineCommand: "definitely-not-a-latex-engine"}, render.WithConverters())
	require.NoError(t, err)
	img := sourceImage(t)

	runs := make([]*domain.ExtractionRun, 2)
	var wg sync.WaitGroup
	for i := range runs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			model := &scriptedModel{replies: []modelReply{{text: "```latex\nx^2\n```"}}}
			o := NewOrchestrator(model, compiler, &scoreComparator{scores: []float64{0.4}})
			runs[i] = o.Run(context.Background(), img, runConfig(1, 0.8), nil)
		}(i)
	}
	wg.Wait()

	a, b := runs[0], runs[1]
	require.NotEmpty(t, a.RetainedImage)
	require.NotEmpty(t, b.RetainedImage)
	assert.NotEqual(t, a.RetainedImage, b.RetainedImage)
	assert.Equal(t, domain.StageFallback, a.History[0].RenderStage)
	assert.Equal(t, "iter_1.png", filepath.Base(a.RetainedImage))

	require.NoError(t, os.Remove(a.RetainedImage))
	assert.FileExists(t, b.RetainedImage)
}

func TestRun_RenderPathFollowsRendererFormat(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	compiler, err := render.New(render.Config{EngineCommand: "definitely-not-a-latex-engine", Format: "jpeg"}, render.WithConverters())
	require.NoError(t, err)

	model := &scriptedModel{replies: latexReplies(1)}
	o := NewOrchestrator(model, compiler, &scoreComparator{scores: []float64{0.9}})
	run := o.Run(context.Background(), sourceImage(t), runConfig(1, 0.8), nil)

	require.Equal(t, ".jpg", filepath.Ext(run.RetainedImage))
	f, err := os.Open(run.RetainedImage)
	require.NoError(t, err)
	defer f.Close()
	_, format, err := image.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestRun_RemovesRenderDirWhenNothingRetained(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	model := &scriptedModel{replies: []modelReply{{err: errors.New("upstream 500")}}}
	o := NewOrchestrator(model, &fakeRenderer{dir: t.TempDir()}, &scoreComparator{})
	run := o.Run(context.Background(), sourceImage(t), runConfig(2, 0.8), nil)

	assert.Empty(t, run.RetainedImage)
	dirs, err := filepath.Glob(filepath.Join(tmp, "latex_run_*"))
	require.NoError(t, err)
	assert.Empty(t, dirs)
}

func TestRun_EmptyExtractionThenRefinementFromNothing(t *testing.T) {
	model := &scriptedModel{replies: []modelReply{
		{text: "   "},
		{text: "```latex\n\\frac{1}{2}\n```"},
	}}
	comparator := &scoreComparator{scores: []float64{0.9}}
	img := sourceImage(t)

	o := NewOrchestrator(model, &fakeRenderer{dir: t.TempDir()}, comparator)
	run := o.Run(context.Background(), img, runConfig(2, 0.8), nil)

	require.Len(t, run.History, 2)
	assert.Equal(t, domain.TagExtractionFailed, run.History[0].ErrorTag)
	assert.False(t, run.History[0].Scored)
	assert.Empty(t, run.History[0].MarkupText)
	assert.True(t, run.History[1].Scored)
	assert.Equal(t, domain.TagNone, run.History[1].ErrorTag)
	assert.Equal(t, `\frac{1}{2}`, run.MarkupText)
	assert.Equal(t, domain.StatusConverged, run.Status)

	refinement := model.calls[1]
	require.Len(t, refinement.parts, 2)
	assert.Equal(t, img, refinement.parts[1].ImagePath)
	assert.Contains(t, refinement.parts[0].Text, "from scratch")
}

func TestRun_EveryIterationFails(t *testing.T) {
	model := &scriptedModel{replies: []modelReply{{err: errors.New("upstream 500")}}}
	comparator := &scoreComparator{}
	renderer := &fakeRenderer{dir: t.TempDir()}

	o := NewOrchestrator(model, renderer, comparator)
	run := o.Run(context.Background(), sourceImage(t), runConfig(3, 0.8), nil)

	assert.Equal(t, domain.StatusExhausted, run.Status)
	assert.False(t, run.Success)
	assert.Empty(t, run.MarkupText)
	assert.Equal(t, 0.0, run.SimilarityScore)
	require.Len(t, run.History, 3)
	assert.Equal(t, domain.TagExtractionFailed, run.History[0].ErrorTag)
	assert.Equal(t, domain.TagRefinementFailed, run.History[1].ErrorTag)
	assert.Equal(t, domain.TagRefinementFailed, run.History[2].ErrorTag)
	assert.Contains(t, run.History[0].Error, "upstream 500")
	assert.Equal(t, 0, renderer.calls)
	assert.Equal(t, 0, comparator.calls)
	assert.NoError(t, run.Err)
}

func TestRun_RefinementFailureKeepsBestMarkup(t *testing.T) {
	model := &scriptedModel{replies: []modelReply{
		{text: "```latex\nfirst\n```"},
		{err: errors.New("timeout")},
	}}
	comparator := &scoreComparator{scores: []float64{0.3}}

	o := NewOrchestrator(model, &fakeRenderer{dir: t.TempDir()}, comparator)
	run := o.Run(context.Background(), sourceImage(t), runConfig(2, 0.8), nil)

	require.Len(t, run.History, 2)
	assert.Equal(t, domain.TagRefinementFailed, run.History[1].ErrorTag)
	assert.Equal(t, "first", run.MarkupText)
	assert.Equal(t, 0.3, run.SimilarityScore)
	assert.Equal(t, domain.StatusExhausted, run.Status)
}

func TestRun_RefinementUsesLatestVerdictAfterFailure(t *testing.T) {
	model := &scriptedModel{replies: []modelReply{
		{text: "```latex\nfirst\n```"},
		{text: ""},
		{text: "```latex\nthird\n```"},
	}}
	comparator := &scoreComparator{scores: []float64{0.3, 0.9}}

	o := NewOrchestrator(model, &fakeRenderer{dir: t.TempDir()}, comparator)
	run := o.Run(context.Background(), sourceImage(t), runConfig(3, 0.8), nil)

	require.Len(t, run.History, 3)
	assert.Equal(t, domain.TagRefinementFailed, run.History[1].ErrorTag)
	assert.Contains(t, model.calls[2].parts[0].Text, "first")
	assert.Contains(t, model.calls[2].parts[0].Text, "difference 1")
	assert.Equal(t, "third", run.MarkupText)
	assert.Equal(t, domain.StatusConverged, run.Status)
}

func TestRun_RenderFailureIsRecorded(t *testing.T) {
	model := &scriptedModel{replies: latexReplies(2)}
	renderer := &fakeRenderer{dir: t.TempDir(), errs: map[int]error{1: errors.New("disk full")}}
	comparator := &scoreComparator{scores: []float64{0.6}}

	o := NewOrchestrator(model, renderer, comparator)
	run := o.Run(context.Background(), sourceImage(t), runConfig(2, 0.8), nil)

	require.Len(t, run.History, 2)
	assert.Equal(t, domain.TagRenderFailed, run.History[0].ErrorTag)
	assert.Equal(t, "version 1", run.History[0].MarkupText)
	assert.Contains(t, run.History[0].Error, "disk full")
	assert.True(t, run.History[1].Scored)
	assert.Contains(t, model.calls[1].parts[0].Text, "could not be rendered")
	assert.Equal(t, 0.6, run.SimilarityScore)
}

func TestRun_DegradedRenderStillScored(t *testing.T) {
	model := &scriptedModel{replies: latexReplies(1)}
	renderer := &fakeRenderer{dir: t.TempDir(), degraded: true}
	comparator := &scoreComparator{scores: []float64{0.1}}

	o := NewOrchestrator(model, renderer, comparator)
	run := o.Run(context.Background(), sourceImage(t), runConfig(1, 0.8), nil)

	require.Len(t, run.History, 1)
	assert.True(t, run.History[0].Degraded)
	assert.Equal(t, domain.StageFallback, run.History[0].RenderStage)
	assert.True(t, run.History[0].Scored)
}

func TestRun_NeutralVerdictDoesNotConverge(t *testing.T) {
	model := &scriptedModel{replies: latexReplies(1)}
	comparator := &scoreComparator{verdicts: []domain.ComparisonVerdict{parse.NeutralVerdict()}}

	o := NewOrchestrator(model, &fakeRenderer{dir: t.TempDir()}, comparator)
	run := o.Run(context.Background(), sourceImage(t), runConfig(1, 0.8), nil)

	assert.Equal(t, 0.5, run.SimilarityScore)
	assert.Equal(t, domain.VerdictParseDefault, run.History[0].Verdict.Source)
	assert.False(t, run.Success)
}

func TestRun_ClampsOutOfRangeScores(t *testing.T) {
	model := &scriptedModel{replies: latexReplies(1)}
	comparator := &scoreComparator{scores: []float64{1.7}}

	o := NewOrchestrator(model, &fakeRenderer{dir: t.TempDir()}, comparator)
	run := o.Run(context.Background(), sourceImage(t), runConfig(1, 0.8), nil)

	assert.Equal(t, 1.0, run.SimilarityScore)
	assert.Equal(t, 1.0, run.History[0].Verdict.SimilarityScore)
}

func TestRun_UnreadableImageAborts(t *testing.T) {
	model := &scriptedModel{replies: latexReplies(1)}
	events := make(chan domain.StreamEvent, 10)

	o := NewOrchestrator(model, &fakeRenderer{dir: t.TempDir()}, &scoreComparator{})
	run := o.Run(context.Background(), filepath.Join(t.TempDir(), "missing.png"), runConfig(3, 0.8), events)

	assert.Equal(t, domain.StatusAborted, run.Status)
	assert.Equal(t, 0, run.Iterations())
	assert.False(t, run.Success)
	require.Error(t, run.Err)
	assert.True(t, domain.IsType(run.Err, domain.ErrorTypeAborted))
	assert.True(t, domain.IsType(run.Err, domain.ErrorTypeValidation))
	assert.Empty(t, model.calls)
	assert.NotEmpty(t, run.Record().Error)

	close(events)
	var types []domain.EventType
	for e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []domain.EventType{domain.EventRunStart, domain.EventError, domain.EventRunComplete}, types)
}

func TestRun_InvalidConfigAborts(t *testing.T) {
	o := NewOrchestrator(&scriptedModel{}, &fakeRenderer{dir: t.TempDir()}, &scoreComparator{})
	run := o.Run(context.Background(), sourceImage(t), runConfig(0, 0.8), nil)

	assert.Equal(t, domain.StatusAborted, run.Status)
	assert.True(t, domain.IsType(run.Err, domain.ErrorTypeConfig))
	assert.Empty(t, run.History)
}

func TestRun_CancelStopsBetweenIterations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model := &scriptedModel{replies: latexReplies(3)}
	comparator := &scoreComparator{
		scores: []float64{0.2, 0.3, 0.4},
		onCall: func(n int) {
			if n == 1 {
				cancel()
			}
		},
	}

	o := NewOrchestrator(model, &fakeRenderer{dir: t.TempDir()}, comparator)
	run := o.Run(ctx, sourceImage(t), runConfig(3, 0.8), nil)

	assert.Equal(t, domain.StatusCancelled, run.Status)
	assert.Equal(t, 1, run.Iterations())
	assert.True(t, run.History[0].Scored, "the in-flight iteration completes")
	assert.Equal(t, 0.2, run.SimilarityScore)
	assert.Equal(t, "version 1", run.MarkupText)
}

func TestRun_CancelledBeforeFirstIteration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &scriptedModel{replies: []modelReply{{text: "x"}}}
	o := NewOrchestrator(model, &fakeRenderer{dir: t.TempDir()}, &scoreComparator{scores: []float64{0.9}},
		WithImageLoader(func(string) (*domain.SourceImage, error) {
			cancel()
			return &domain.SourceImage{}, nil
		}))

	run := o.Run(ctx, "ignored.png", runConfig(1, 0.8), nil)

	assert.Equal(t, domain.StatusCancelled, run.Status)
	assert.Equal(t, 0, run.Iterations())
	assert.Empty(t, model.calls)
}

func TestRun_VisionCallsAreBoundedByTimeout(t *testing.T) {
	model := &scriptedModel{replies: []modelReply{{text: "x"}}}
	o := NewOrchestrator(model, &fakeRenderer{dir: t.TempDir()}, &scoreComparator{scores: []float64{0.9}})
	o.Run(context.Background(), sourceImage(t), runConfig(1, 0.8), nil)

	require.Len(t, model.calls, 1)
	assert.True(t, model.calls[0].hasDeadline)
	assert.NoError(t, model.calls[0].ctxErr)
}

func TestRun_CallMetadata(t *testing.T) {
	model := &scriptedModel{replies: latexReplies(2)}
	cfg := runConfig(2, 0.99)
	cfg.TraceID = "trace-abc"
	cfg.SessionID = "session-xyz"

	o := NewOrchestrator(model, &fakeRenderer{dir: t.TempDir()}, &scoreComparator{scores: []float64{0.1, 0.2}})
	o.Run(context.Background(), sourceImage(t), cfg, nil)

	require.Len(t, model.calls, 2)
	for _, c := range model.calls {
		assert.Equal(t, "trace-abc", c.meta.TraceID)
		assert.Equal(t, "session-xyz", c.meta.SessionID)
	}
	assert.Equal(t, []string{"ocr", "latex"}, model.calls[0].meta.Tags)
	assert.Equal(t, []string{"refinement", "latex"}, model.calls[1].meta.Tags)
}

func TestRun_Events(t *testing.T) {
	events := make(chan domain.StreamEvent, 32)
	model := &scriptedModel{replies: []modelReply{{text: ""}, {text: "y"}}}

	o := NewOrchestrator(model, &fakeRenderer{dir: t.TempDir()}, &scoreComparator{scores: []float64{0.95}})
	run := o.Run(context.Background(), sourceImage(t), runConfig(3, 0.8), events)
	close(events)

	var types []domain.EventType
	var last domain.StreamEvent
	for e := range events {
		types = append(types, e.Type)
		last = e
	}
	assert.Equal(t, []domain.EventType{
		domain.EventRunStart,
		domain.EventIterationStart, domain.EventError, domain.EventIterationComplete,
		domain.EventIterationStart, domain.EventIterationComplete,
		domain.EventRunComplete,
	}, types)
	assert.Same(t, run, last.Payload)
}

func TestRun_FullEventChannelDoesNotBlock(t *testing.T) {
	events := make(chan domain.StreamEvent)
	model := &scriptedModel{replies: latexReplies(2)}

	o := NewOrchestrator(model, &fakeRenderer{dir: t.TempDir()}, &scoreComparator{scores: []float64{0.1, 0.2}})
	img := sourceImage(t)
	done := make(chan struct{})
	go func() {
		o.Run(context.Background(), img, runConfig(2, 0.8), events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run blocked on an unread event channel")
	}
}

func TestRun_Invariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	img := sourceImage(t)

	for trial := 0; trial < 50; trial++ {
		maxIter := 1 + rng.Intn(6)
		threshold := 0.05 + rng.Float64()*0.95

		replies := make([]modelReply, maxIter)
		scores := make([]float64, 0, maxIter)
		for i := range replies {
			if rng.Intn(4) == 0 {
				replies[i] = modelReply{err: errors.New("flaky")}
				continue
			}
			replies[i] = modelReply{text: fmt.Sprintf("v%d", i)}
			scores = append(scores, rng.Float64()*1.4-0.2)
		}

		o := NewOrchestrator(&scriptedModel{replies: replies}, &fakeRenderer{dir: t.TempDir()}, &scoreComparator{scores: scores})
		run := o.Run(context.Background(), img, runConfig(maxIter, threshold), nil)

		assert.LessOrEqual(t, run.Iterations(), maxIter)
		assert.GreaterOrEqual(t, run.SimilarityScore, 0.0)
		assert.LessOrEqual(t, run.SimilarityScore, 1.0)
		assert.Equal(t, run.SimilarityScore >= threshold, run.Success)
		assert.Equal(t, run.Success, run.ThresholdMet)
		if run.Status == domain.StatusConverged {
			assert.True(t, run.Success)
		}
	}
}

func TestRefinementPrompt(t *testing.T) {
	verdict := &domain.ComparisonVerdict{
		SimilarityScore:   0.42,
		Differences:       []string{"missing axis label"},
		OverallAssessment: "partial",
		Source:            domain.VerdictFromModel,
	}
	prompt := RefinementPrompt(`\draw (0,0);`, verdict)
	assert.True(t, strings.HasPrefix(prompt, RefinementInstruction))
	assert.Contains(t, prompt, "Similarity Score: 0.42")
	assert.Contains(t, prompt, "- missing axis label")
	assert.Contains(t, prompt, "Assessment: partial")
	assert.True(t, strings.HasSuffix(prompt, "Current LaTeX Code:\n\\draw (0,0);\n"))

	neutral := parse.NeutralVerdict()
	assert.Contains(t, RefinementPrompt("x", &neutral), "placeholder")

	assert.True(t, strings.HasPrefix(RefinementPrompt("  ", nil), ExtractionInstruction))
}
