package parse

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/spherical/latex-ocr/internal/domain"
)

// Neutral values returned when a comparison reply cannot be parsed.
// They are a placeholder, not a measured fidelity signal.
const (
	NeutralScore      = 0.5
	NeutralDifference = "Could not parse comparison result"
	NeutralAssessment = "Comparison parsing failed"
)

// NeutralVerdict returns the fixed verdict used for unparsable replies
func NeutralVerdict() domain.ComparisonVerdict {
	return domain.ComparisonVerdict{
		SimilarityScore:   NeutralScore,
		ContentMatch:      false,
		StructureMatch:    false,
		Differences:       []string{NeutralDifference},
		OverallAssessment: NeutralAssessment,
		Source:            domain.VerdictParseDefault,
	}
}

// ExtractVerdict parses the JSON object spanning the first '{' to the last '}' of a reply.
// Any parse failure or a score that is not a number yields NeutralVerdict; an
// absent score counts as 0.
func ExtractVerdict(response string) domain.ComparisonVerdict {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end <= start {
		return NeutralVerdict()
	}

	span := response[start : end+1]
	if !gjson.Valid(span) {
		return NeutralVerdict()
	}

	doc := gjson.Parse(span)
	if !doc.IsObject() {
		return NeutralVerdict()
	}

	score, ok := scoreValue(doc.Get("similarity_score"))
	if !ok {
		return NeutralVerdict()
	}

	verdict := domain.ComparisonVerdict{
		SimilarityScore:   domain.ClampScore(score),
		ContentMatch:      doc.Get("content_match").Bool(),
		StructureMatch:    doc.Get("structure_match").Bool(),
		OverallAssessment: doc.Get("overall_assessment").String(),
		Differences:       []string{},
		Source:            domain.VerdictFromModel,
	}

	differences := doc.Get("differences")
	switch {
	case differences.IsArray():
		for _, d := range differences.Array() {
			if text := strings.TrimSpace(d.String()); text != "" {
				verdict.Differences = append(verdict.Differences, text)
			}
		}
	case differences.Type == gjson.String && strings.TrimSpace(differences.String()) != "":
		verdict.Differences = append(verdict.Differences, strings.TrimSpace(differences.String()))
	}

	return verdict
}

// scoreValue reads a score given as a number or a numeric string
func scoreValue(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Null:
		return 0, true
	case gjson.Number:
		return v.Float(), true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
