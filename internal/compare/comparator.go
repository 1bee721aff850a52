// Package compare scores a rendered image against the original with a vision model.
package compare

import (
	"context"
	"fmt"
	"time"

	"github.com/spherical/latex-ocr/internal/domain"
	"github.com/spherical/latex-ocr/internal/observability"
	"github.com/spherical/latex-ocr/internal/parse"
)

// GenerationName labels comparison calls in model metadata.
const GenerationName = "image_comparison"

var tags = []string{"comparison", "verification"}

// Instruction is sent ahead of the two images.
const Instruction = `You are an expert image comparison system. Compare the two images: the first is the ORIGINAL, the second was GENERATED by compiling a LaTeX transcription of it.

Judge:
1. Content: are the same formulas, text, tables and diagrams present?
2. Structure: is the layout, positioning and organisation equivalent?
3. Visual elements: are shapes, plots and geometric elements equivalent?
4. Text: is all text identical or equivalent?

The images need not be pixel-identical. Minor styling differences are acceptable when the content matches.

Score similarity from 0.0 to 1.0:
- 1.0 perfect or near-perfect match
- 0.8+ very good match, acceptable for use
- 0.6-0.8 good match with minor differences
- 0.4-0.6 moderate match, some content missing or different
- 0.0-0.4 poor match

Reply with JSON only:
{
    "similarity_score": <float between 0.0 and 1.0>,
    "content_match": <boolean>,
    "structure_match": <boolean>,
    "differences": ["specific differences found"],
    "overall_assessment": "<brief summary>"
}`

// Comparator implements domain.Comparator over a VisionModel.
type Comparator struct {
	model   domain.VisionModel
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a Comparator. logger and metrics may be nil.
func New(model domain.VisionModel, logger *observability.Logger, metrics *observability.Metrics) *Comparator {
	if logger == nil {
		logger = observability.NewNop()
	}
	return &Comparator{
		model:   model,
		logger:  logger.WithOperation("compare"),
		metrics: metrics,
	}
}

// Compare asks the model to score generatedPath against originalPath.
// It never fails: call errors yield a zero-score verdict and unparsable
// replies the neutral default.
func (c *Comparator) Compare(ctx context.Context, originalPath, generatedPath, markup string, meta domain.CallMetadata) domain.ComparisonVerdict {
	meta.GenerationName = GenerationName
	meta.Tags = tags

	parts := []domain.ContentPart{
		domain.TextPart(Instruction),
		domain.ImagePart(originalPath),
		domain.ImagePart(generatedPath),
	}

	start := time.Now()
	reply, err := c.model.Invoke(ctx, parts, meta)
	c.metrics.ObserveVisionCall(GenerationName, time.Since(start), err)

	if err != nil {
		c.logger.WithContext(ctx).Warn().Err(err).Str("generated", generatedPath).Msg("comparison call failed")
		return FailedVerdict(err)
	}

	verdict := parse.ExtractVerdict(reply)
	if verdict.Source == domain.VerdictParseDefault {
		c.logger.WithContext(ctx).Warn().Int("reply_chars", len(reply)).Msg("comparison reply unparsable, using neutral score")
	}

	c.logger.WithContext(ctx).Debug().
		Float64("score", verdict.SimilarityScore).
		Int("markup_chars", len(markup)).
		Msg("comparison scored")

	return verdict
}

// FailedVerdict is the verdict recorded when the comparison call itself fails.
func FailedVerdict(err error) domain.ComparisonVerdict {
	return domain.ComparisonVerdict{
		SimilarityScore:   0,
		ContentMatch:      false,
		StructureMatch:    false,
		Differences:       []string{fmt.Sprintf("Comparison error: %v", err)},
		OverallAssessment: "Error during comparison",
		Source:            domain.VerdictCallFailed,
	}
}
