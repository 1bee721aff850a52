package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/h2non/filetype"

	"github.com/spherical/latex-ocr/internal/domain"
	"github.com/spherical/latex-ocr/internal/observability"
	"github.com/spherical/latex-ocr/internal/store"
)

// sniffLen is how many leading bytes filetype needs to identify an image.
const sniffLen = 261

type handlers struct {
	deps   Deps
	cfg    Config
	logger *observability.Logger
}

// ExtractionResponse is returned by POST /api/v1/extractions.
type ExtractionResponse struct {
	Run    *domain.ExtractionRun `json:"run"`
	Record *domain.ResultRecord  `json:"record,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// RenderRequest is the body of POST /api/v1/renders.
type RenderRequest struct {
	Markup string `json:"markup"`
}

// RunDetail is returned by GET /api/v1/runs/{runID}.
type RunDetail struct {
	Run        *store.RunRow        `json:"run"`
	Iterations []store.IterationRow `json:"iterations"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "latex-ocr"})
}

// extract handles a multipart upload with the image in the "image" field and
// optional max_iterations, threshold, trace_id and session_id fields.
func (h *handlers) extract(w http.ResponseWriter, r *http.Request) {
	if h.deps.Extractor == nil {
		writeError(w, http.StatusServiceUnavailable, "extraction not configured", "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	cfg, err := h.runConfig(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run settings", err.Error())
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image field is required", err.Error())
		return
	}
	defer file.Close()

	path, err := h.storeUpload(file)
	if err != nil {
		var de *domain.DomainError
		if errors.As(err, &de) && de.Type == domain.ErrorTypeValidation {
			writeError(w, http.StatusUnsupportedMediaType, de.Message, "")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not store upload", err.Error())
		return
	}

	run := h.deps.Extractor.Run(r.Context(), path, cfg, nil)
	resp := ExtractionResponse{Run: run}

	if run.Err != nil {
		resp.Error = run.Err.Error()
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	if h.deps.Save != nil {
		record, err := h.deps.Save(context.WithoutCancel(r.Context()), run)
		if err != nil {
			h.logger.WithContext(r.Context()).Warn().Err(err).Str("run_id", run.ID).Msg("failed to save run artifacts")
			resp.Error = err.Error()
		}
		resp.Record = record
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) runConfig(r *http.Request) (domain.RunConfig, error) {
	var cfg domain.RunConfig
	if h.deps.RunConfig != nil {
		cfg = h.deps.RunConfig()
	} else {
		cfg = domain.DefaultRunConfig()
	}

	if v := r.FormValue("max_iterations"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("max_iterations: %w", err)
		}
		cfg.MaxIterations = n
	}
	if v := r.FormValue("threshold"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("threshold: %w", err)
		}
		cfg.SimilarityThreshold = t
	}
	if v := r.FormValue("trace_id"); v != "" {
		cfg.TraceID = v
	}
	if v := r.FormValue("session_id"); v != "" {
		cfg.SessionID = v
	}
	return cfg, cfg.Validate()
}

// storeUpload copies an uploaded image into UploadDir, naming it by its
// detected type. Non-images are rejected.
func (h *handlers) storeUpload(src io.Reader) (string, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", domain.ValidationError("empty upload", err)
	}
	head = head[:n]

	kind, err := filetype.Match(head)
	if err != nil || !filetype.IsImage(head) {
		return "", domain.ValidationError("upload is not a supported image", err)
	}

	if err := os.MkdirAll(h.cfg.UploadDir, 0o755); err != nil {
		return "", domain.IOError("create upload dir", err)
	}
	dst, err := os.CreateTemp(h.cfg.UploadDir, "upload_*."+kind.Extension)
	if err != nil {
		return "", domain.IOError("create upload file", err)
	}
	defer dst.Close()

	if _, err := dst.Write(head); err != nil {
		return "", domain.IOError("write upload", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return "", domain.IOError("write upload", err)
	}
	return dst.Name(), nil
}

// render compiles markup and answers with the image bytes. The stage,
// degradation flag and digest travel in X-Render-* headers.
func (h *handlers) render(w http.ResponseWriter, r *http.Request) {
	if h.deps.Renderer == nil {
		writeError(w, http.StatusServiceUnavailable, "rendering not configured", "")
		return
	}

	var req RenderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.cfg.MaxMarkupBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Markup) == "" {
		writeError(w, http.StatusBadRequest, "markup is required", "")
		return
	}

	out, err := h.deps.Renderer.Render(r.Context(), req.Markup, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "render failed", err.Error())
		return
	}

	data, err := os.ReadFile(out.ImagePath)
	_ = os.Remove(out.ImagePath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read rendered image", err.Error())
		return
	}

	contentType := "application/octet-stream"
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		contentType = kind.MIME.Value
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Render-Stage", string(out.Stage))
	w.Header().Set("X-Render-Degraded", strconv.FormatBool(out.Degraded))
	w.Header().Set("X-Render-Digest", out.Digest)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "run history disabled", "")
		return
	}

	limit := store.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = n
	}

	runs, err := h.deps.History.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list runs", err.Error())
		return
	}
	if runs == nil {
		runs = []store.RunRow{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "run history disabled", "")
		return
	}

	id := chi.URLParam(r, "runID")
	run, iterations, err := h.deps.History.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found", id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get run", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RunDetail{Run: run, Iterations: iterations})
}

// requestLog logs each request through the service logger.
func (h *handlers) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		h.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	resp := map[string]string{"error": message}
	if detail != "" {
		resp["detail"] = detail
	}
	writeJSON(w, status, resp)
}
