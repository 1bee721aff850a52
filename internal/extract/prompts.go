package extract

import (
	"fmt"
	"strings"

	"github.com/spherical/latex-ocr/internal/domain"
)

// Generation names label each kind of vision call in model metadata.
const (
	GenerationExtraction = "ocr_latex_extraction"
	GenerationRefinement = "latex_refinement"
)

var (
	extractionTags = []string{"ocr", "latex"}
	refinementTags = []string{"refinement", "latex"}
)

// ExtractionInstruction asks for a full LaTeX transcription of the attached image.
const ExtractionInstruction = `You are an expert OCR system that transcribes images into LaTeX. Convert everything visible in the image into precise LaTeX code.

REQUIREMENTS:
1. Transcribe EVERYTHING: text, formulas, tables, plots, geometric shapes and diagrams.
2. Use suitable packages and environments:
   - formulas: amsmath, amssymb
   - tables: tabular, array
   - diagrams and plots: tikz, pgfplots with accurate data points, axes and labels
3. Keep the structure, layout and positioning of the original.
4. Include every label, caption, title and annotation exactly as shown.
5. The code must compile.

Return only the LaTeX code in a single ` + "```latex" + ` block. A full document is optional; a body fragment will be wrapped with amsmath, tikz, pgfplots, tabularx, booktabs, graphicx and xcolor loaded.`

// RefinementInstruction asks for a corrected transcription given comparison feedback.
const RefinementInstruction = `You are an expert LaTeX editor. The LaTeX below was compiled and its rendering compared against the original image. Revise the code so the rendering matches the original more closely.

GUIDELINES:
1. Address the specific differences listed in the feedback, most important first.
2. Fix missing elements, wrong formulas and layout problems.
3. Keep everything that was already correct.
4. Keep the code valid and compilable.

Return only the revised LaTeX code in a single ` + "```latex" + ` block.`

// retryNote is appended when no usable LaTeX exists yet and the image is re-sent.
const retryNote = "A previous attempt produced no usable LaTeX. Transcribe the attached image from scratch."

// RefinementPrompt renders the refinement instruction with the current markup
// and the most recent verdict. With no markup it falls back to a fresh
// transcription request; the caller attaches the original image in that case.
func RefinementPrompt(markup string, verdict *domain.ComparisonVerdict) string {
	if strings.TrimSpace(markup) == "" {
		return ExtractionInstruction + "\n\n" + retryNote
	}

	var sb strings.Builder
	sb.WriteString(RefinementInstruction)
	sb.WriteString("\n\n")

	if verdict == nil {
		sb.WriteString("Feedback: no comparison is available because the previous LaTeX could not be rendered.\n")
	} else {
		fmt.Fprintf(&sb, "Similarity Score: %.2f\n", verdict.SimilarityScore)
		fmt.Fprintf(&sb, "Content Match: %t\n", verdict.ContentMatch)
		fmt.Fprintf(&sb, "Structure Match: %t\n", verdict.StructureMatch)
		if verdict.Source != domain.VerdictFromModel {
			sb.WriteString("Note: the score above is a placeholder, the comparison itself did not complete.\n")
		}
		sb.WriteString("Differences:\n")
		if len(verdict.Differences) == 0 {
			sb.WriteString("- none reported\n")
		}
		for _, d := range verdict.Differences {
			fmt.Fprintf(&sb, "- %s\n", d)
		}
		assessment := verdict.OverallAssessment
		if assessment == "" {
			assessment = "No assessment"
		}
		fmt.Fprintf(&sb, "Assessment: %s\n", assessment)
	}

	sb.WriteString("\nCurrent LaTeX Code:\n")
	sb.WriteString(markup)
	sb.WriteString("\n")
	return sb.String()
}
