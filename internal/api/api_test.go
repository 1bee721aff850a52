package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/latex-ocr/internal/domain"
	"github.com/spherical/latex-ocr/internal/observability"
	"github.com/spherical/latex-ocr/internal/store"
)

type fakeExtractor struct {
	mu    sync.Mutex
	paths []string
	cfgs  []domain.RunConfig
	err   error
}

func (f *fakeExtractor) Run(_ context.Context, imagePath string, cfg domain.RunConfig, _ chan<- domain.StreamEvent) *domain.ExtractionRun {
	f.mu.Lock()
	f.paths = append(f.paths, imagePath)
	f.cfgs = append(f.cfgs, cfg)
	f.mu.Unlock()

	run := &domain.ExtractionRun{ID: "run-1", ImagePath: imagePath, Config: cfg, StartedAt: time.Now()}
	if f.err != nil {
		run.Err = f.err
		run.Finish(domain.StatusAborted)
		return run
	}
	run.MarkupText = `\frac{a}{b}`
	run.Append(domain.IterationRecord{Iteration: 1, Scored: true, SimilarityScore: 0.9})
	run.Finish(domain.StatusConverged)
	return run
}

func (f *fakeExtractor) calls() ([]string, []domain.RunConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...), append([]domain.RunConfig(nil), f.cfgs...)
}

type fakeRenderer struct {
	dir      string
	degraded bool
}

func (f *fakeRenderer) Render(_ context.Context, markup, _ string) (*domain.RenderOutcome, error) {
	path := filepath.Join(f.dir, "out.png")
	if err := os.WriteFile(path, pngBytes(), 0o644); err != nil {
		return nil, err
	}
	stage := domain.StageFitz
	if f.degraded {
		stage = domain.StageFallback
	}
	return &domain.RenderOutcome{ImagePath: path, Stage: stage, Degraded: f.degraded, Digest: "abc123"}, nil
}

func pngBytes() []byte {
	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4)))
	return buf.Bytes()
}

func multipartBody(t *testing.T, image []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if image != nil {
		part, err := mw.CreateFormFile("image", "formula.png")
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func newServer(t *testing.T, deps Deps) (*httptest.Server, Config) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.UploadDir = filepath.Join(t.TempDir(), "uploads")
	srv := httptest.NewServer(NewRouter(deps, cfg))
	t.Cleanup(srv.Close)
	return srv, cfg
}

func TestHealth(t *testing.T) {
	srv, _ := newServer(t, Deps{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestMetrics(t *testing.T) {
	m := observability.NewMetrics()
	m.ObserveRun("converged")
	srv, _ := newServer(t, Deps{Metrics: m})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, buf.String(), `latex_ocr_runs_total{status="converged"} 1`)
}

func TestExtract(t *testing.T) {
	ext := &fakeExtractor{}
	var (
		mu    sync.Mutex
		saved []string
	)
	srv, cfg := newServer(t, Deps{
		Extractor: ext,
		RunConfig: func() domain.RunConfig {
			rc := domain.DefaultRunConfig()
			rc.TraceID = "generated"
			return rc
		},
		Save: func(_ context.Context, run *domain.ExtractionRun) (*domain.ResultRecord, error) {
			mu.Lock()
			saved = append(saved, run.ID)
			mu.Unlock()
			rec := run.Record()
			return &rec, nil
		},
	})

	body, contentType := multipartBody(t, pngBytes(), map[string]string{"max_iterations": "3", "threshold": "0.7"})
	resp, err := http.Post(srv.URL+"/api/v1/extractions", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ExtractionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, `\frac{a}{b}`, out.Run.MarkupText)
	assert.Equal(t, domain.StatusConverged, out.Run.Status)
	require.NotNil(t, out.Record)
	assert.True(t, out.Record.Success)
	mu.Lock()
	assert.Equal(t, []string{"run-1"}, saved)
	mu.Unlock()

	paths, cfgs := ext.calls()
	require.Len(t, paths, 1)
	assert.Equal(t, ".png", filepath.Ext(paths[0]))
	assert.Equal(t, cfg.UploadDir, filepath.Dir(paths[0]))
	assert.FileExists(t, paths[0])
	assert.Equal(t, 3, cfgs[0].MaxIterations)
	assert.Equal(t, 0.7, cfgs[0].SimilarityThreshold)
	assert.Equal(t, "generated", cfgs[0].TraceID)
}

func TestExtract_RejectsNonImage(t *testing.T) {
	ext := &fakeExtractor{}
	srv, _ := newServer(t, Deps{Extractor: ext})

	body, contentType := multipartBody(t, []byte("\\documentclass{article}"), nil)
	resp, err := http.Post(srv.URL+"/api/v1/extractions", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	paths, _ := ext.calls()
	assert.Empty(t, paths)
}

func TestExtract_BadRequests(t *testing.T) {
	srv, _ := newServer(t, Deps{Extractor: &fakeExtractor{}})

	tests := []struct {
		name   string
		image  []byte
		fields map[string]string
	}{
		{"missing image", nil, nil},
		{"threshold out of range", pngBytes(), map[string]string{"threshold": "1.5"}},
		{"iterations not a number", pngBytes(), map[string]string{"max_iterations": "many"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartBody(t, tt.image, tt.fields)
			resp, err := http.Post(srv.URL+"/api/v1/extractions", contentType, body)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestExtract_AbortedRun(t *testing.T) {
	ext := &fakeExtractor{err: domain.IOError("unreadable image", nil)}
	srv, _ := newServer(t, Deps{Extractor: ext})

	body, contentType := multipartBody(t, pngBytes(), nil)
	resp, err := http.Post(srv.URL+"/api/v1/extractions", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var out ExtractionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out.Error, "unreadable image")
	assert.Equal(t, domain.StatusAborted, out.Run.Status)
}

func TestRender(t *testing.T) {
	dir := t.TempDir()
	srv, _ := newServer(t, Deps{Renderer: &fakeRenderer{dir: dir, degraded: true}})

	resp, err := http.Post(srv.URL+"/api/v1/renders", "application/json", bytes.NewBufferString(`{"markup":"x^2"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "fallback", resp.Header.Get("X-Render-Stage"))
	assert.Equal(t, "true", resp.Header.Get("X-Render-Degraded"))
	assert.Equal(t, "abc123", resp.Header.Get("X-Render-Digest"))

	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.NoFileExists(t, filepath.Join(dir, "out.png"), "served image is removed")
}

func TestRender_EmptyMarkup(t *testing.T) {
	srv, _ := newServer(t, Deps{Renderer: &fakeRenderer{dir: t.TempDir()}})

	resp, err := http.Post(srv.URL+"/api/v1/renders", "application/json", bytes.NewBufferString(`{"markup":"  "}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRuns(t *testing.T) {
	repo, err := store.Open(context.Background(), store.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "history.db"),
	})
	require.NoError(t, err)
	defer repo.Close()

	run := (&fakeExtractor{}).Run(context.Background(), "in.png", domain.DefaultRunConfig(), nil)
	require.NoError(t, repo.SaveRun(context.Background(), run))

	srv, _ := newServer(t, Deps{History: repo})

	resp, err := http.Get(srv.URL + "/api/v1/runs?limit=5")
	require.NoError(t, err)
	var runs []store.RunRow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	resp.Body.Close()
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)

	resp, err = http.Get(srv.URL + "/api/v1/runs/run-1")
	require.NoError(t, err)
	var detail RunDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	resp.Body.Close()
	assert.Equal(t, `\frac{a}{b}`, detail.Run.MarkupText)
	require.Len(t, detail.Iterations, 1)
	assert.True(t, detail.Iterations[0].Scored)

	resp, err = http.Get(srv.URL + "/api/v1/runs/absent")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/runs?limit=0")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRuns_HistoryDisabled(t *testing.T) {
	srv, _ := newServer(t, Deps{})

	resp, err := http.Get(srv.URL + "/api/v1/runs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
