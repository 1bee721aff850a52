package domain

import (
	"math"
	"time"
)

// Defaults shared by the CLI, config and orchestrator
const (
	DefaultMaxIterations       = 5
	DefaultSimilarityThreshold = 0.8
	DefaultCallTimeout         = 120 * time.Second
)

// RunStatus is the terminal state of an extraction run
type RunStatus string

const (
	StatusConverged RunStatus = "converged" // an iteration met the similarity threshold
	StatusExhausted RunStatus = "exhausted" // iteration budget consumed without convergence
	StatusAborted   RunStatus = "aborted"   // setup failure, no iterations attempted
	StatusCancelled RunStatus = "cancelled" // stopped between iterations by the caller
)

// ErrorTag marks why an iteration did not produce a score
type ErrorTag string

const (
	TagNone             ErrorTag = ""
	TagExtractionFailed ErrorTag = "extraction_failed"
	TagRefinementFailed ErrorTag = "refinement_failed"
	TagRenderFailed     ErrorTag = "render_failed"
)

// VerdictSource tells callers whether a verdict is a measured result
type VerdictSource string

const (
	VerdictFromModel    VerdictSource = "model"
	VerdictParseDefault VerdictSource = "parse_default"
	VerdictCallFailed   VerdictSource = "call_failed"
)

// RenderStage names the strategy that produced a rendered image
type RenderStage string

const (
	StageImageMagick RenderStage = "imagemagick"
	StageFitz        RenderStage = "fitz"
	StageFallback    RenderStage = "fallback"
	StageCache       RenderStage = "cache"
)

// RunConfig holds per-run loop settings
type RunConfig struct {
	MaxIterations       int           `json:"max_iterations"`
	SimilarityThreshold float64       `json:"similarity_threshold"`
	TraceID             string        `json:"trace_id,omitempty"`
	SessionID           string        `json:"session_id,omitempty"`
	CallTimeout         time.Duration `json:"call_timeout,omitempty"`
}

// DefaultRunConfig returns the reference loop settings (5 iterations, threshold 0.8)
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxIterations:       DefaultMaxIterations,
		SimilarityThreshold: DefaultSimilarityThreshold,
		CallTimeout:         DefaultCallTimeout,
	}
}

// Validate checks the loop settings
func (c RunConfig) Validate() error {
	if c.MaxIterations < 1 {
		return ConfigError("max_iterations must be a positive integer", nil)
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 || math.IsNaN(c.SimilarityThreshold) {
		return ConfigError("similarity_threshold must be in (0, 1]", nil)
	}
	return nil
}

// ComparisonVerdict is the structured result of one image comparison
type ComparisonVerdict struct {
	SimilarityScore   float64       `json:"similarity_score"`
	ContentMatch      bool          `json:"content_match"`
	StructureMatch    bool          `json:"structure_match"`
	Differences       []string      `json:"differences"`
	OverallAssessment string        `json:"overall_assessment"`
	Source            VerdictSource `json:"source"`
}

// ClampScore limits a similarity score to [0, 1]; NaN becomes 0
func ClampScore(score float64) float64 {
	switch {
	case math.IsNaN(score), score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

// RenderOutcome describes a rendered image
type RenderOutcome struct {
	ImagePath string      `json:"image_path"`
	Stage     RenderStage `json:"stage"`
	Degraded  bool        `json:"degraded"`         // true when the fallback image was substituted
	Reason    string      `json:"reason,omitempty"` // last real-toolchain failure
	Digest    string      `json:"digest"`
	Width     int         `json:"width,omitempty"`
	Height    int         `json:"height,omitempty"`
}

// IterationRecord captures one pass of the loop. Immutable once appended,
// except ImageReleased, which is set when a later scored iteration supersedes its image.
type IterationRecord struct {
	Iteration       int                `json:"iteration"`
	MarkupText      string             `json:"latex_code,omitempty"`
	ImagePath       string             `json:"generated_image_path,omitempty"`
	ImageReleased   bool               `json:"image_released,omitempty"`
	RenderStage     RenderStage        `json:"render_stage,omitempty"`
	Degraded        bool               `json:"degraded,omitempty"`
	Verdict         *ComparisonVerdict `json:"comparison_result,omitempty"`
	Scored          bool               `json:"scored"`
	SimilarityScore float64            `json:"similarity_score"`
	ErrorTag        ErrorTag           `json:"error_tag,omitempty"`
	Error           string             `json:"error,omitempty"`
	Duration        time.Duration      `json:"duration"`
}

// Failed reports whether the iteration produced no score
func (r IterationRecord) Failed() bool {
	return r.ErrorTag != TagNone
}

// ExtractionRun is the full result of one image's verification loop
type ExtractionRun struct {
	ID              string            `json:"id"`
	ImagePath       string            `json:"original_image"`
	Config          RunConfig         `json:"config"`
	MarkupText      string            `json:"latex_code"`
	SimilarityScore float64           `json:"similarity_score"`
	History         []IterationRecord `json:"history"`
	Status          RunStatus         `json:"status"`
	Success         bool              `json:"success"`
	ThresholdMet    bool              `json:"threshold_met"`
	RetainedImage   string            `json:"retained_image,omitempty"`
	Err             error             `json:"-"`
	StartedAt       time.Time         `json:"started_at"`
	Duration        time.Duration     `json:"duration"`
}

// Iterations returns the number of attempted iterations
func (r *ExtractionRun) Iterations() int {
	return len(r.History)
}

// ErrorMessage returns the setup failure message, if any
func (r *ExtractionRun) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Append adds a record and recomputes the final score from the history
func (r *ExtractionRun) Append(rec IterationRecord) {
	r.History = append(r.History, rec)
	if rec.Scored {
		r.SimilarityScore = ClampScore(rec.SimilarityScore)
	}
}

// Finish stamps success flags and duration
func (r *ExtractionRun) Finish(status RunStatus) {
	r.Status = status
	r.Success = r.SimilarityScore >= r.Config.SimilarityThreshold
	r.ThresholdMet = r.Success
	r.Duration = time.Since(r.StartedAt)
}

// ResultRecord is the structured result persisted next to the transcription
type ResultRecord struct {
	MarkupText      string            `json:"latex_code"`
	SimilarityScore float64           `json:"similarity_score"`
	Iterations      int               `json:"iterations"`
	Success         bool              `json:"success"`
	ThresholdMet    bool              `json:"threshold_met"`
	Status          RunStatus         `json:"status"`
	OriginalImage   string            `json:"original_image"`
	Error           string            `json:"error,omitempty"`
	OutputFiles     map[string]string `json:"output_files,omitempty"`
}

// Record builds the persisted result record for the run
func (r *ExtractionRun) Record() ResultRecord {
	return ResultRecord{
		MarkupText:      r.MarkupText,
		SimilarityScore: r.SimilarityScore,
		Iterations:      r.Iterations(),
		Success:         r.Success,
		ThresholdMet:    r.ThresholdMet,
		Status:          r.Status,
		OriginalImage:   r.ImagePath,
		Error:           r.ErrorMessage(),
	}
}

// SourceImage is a validated input image
type SourceImage struct {
	Path   string
	Format string // png, jpeg, gif, bmp, tiff, webp
	MIME   string
	Width  int
	Height int
}

// EventType represents the type of stream event
type EventType string

const (
	EventRunStart          EventType = "run_start"
	EventIterationStart    EventType = "iteration_start"
	EventIterationComplete EventType = "iteration_complete"
	EventError             EventType = "error"
	EventRunComplete       EventType = "run_complete"
)

// StreamEvent represents an event emitted during a run
type StreamEvent struct {
	Type      EventType   `json:"type"`
	Iteration int         `json:"iteration,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // status message, *IterationRecord or *ExtractionRun
	Timestamp time.Time   `json:"timestamp"`
}
