package batch

// Stats aggregates a batch. Averages cover successful images only.
type Stats struct {
	Total                  int     `json:"total"`
	Successful             int     `json:"successful"`
	Failed                 int     `json:"failed"`
	SuccessRate            float64 `json:"success_rate"`
	AverageIterations      float64 `json:"average_iterations"`
	AverageSimilarityScore float64 `json:"average_similarity_score"`
}

// ComputeStats summarizes results
func ComputeStats(results []Result) Stats {
	stats := Stats{Total: len(results)}
	if stats.Total == 0 {
		return stats
	}

	var iterations int
	var score float64
	for _, res := range results {
		if !res.Success() {
			stats.Failed++
			continue
		}
		stats.Successful++
		iterations += res.Run.Iterations()
		score += res.Run.SimilarityScore
	}

	stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	if stats.Successful > 0 {
		stats.AverageIterations = float64(iterations) / float64(stats.Successful)
		stats.AverageSimilarityScore = score / float64(stats.Successful)
	}
	return stats
}

// Summary is the batch report written next to the per-image artifacts
type Summary struct {
	TotalProcessed int           `json:"total_processed"`
	Successful     int           `json:"successful"`
	Failed         int           `json:"failed"`
	Stats          Stats         `json:"stats"`
	Results        []SummaryItem `json:"results"`
}

// SummaryItem describes one image in a Summary
type SummaryItem struct {
	ImagePath       string  `json:"image_path"`
	Success         bool    `json:"success"`
	Status          string  `json:"status,omitempty"`
	Error           string  `json:"error,omitempty"`
	LatexLength     int     `json:"latex_length"`
	Iterations      int     `json:"iterations"`
	SimilarityScore float64 `json:"similarity_score"`
	ThresholdMet    bool    `json:"threshold_met"`
}

// BuildSummary converts results into a Summary
func BuildSummary(results []Result) Summary {
	stats := ComputeStats(results)
	summary := Summary{
		TotalProcessed: stats.Total,
		Successful:     stats.Successful,
		Failed:         stats.Failed,
		Stats:          stats,
		Results:        make([]SummaryItem, 0, len(results)),
	}

	for _, res := range results {
		item := SummaryItem{ImagePath: res.ImagePath, Success: res.Success()}
		if res.Run != nil {
			item.Status = string(res.Run.Status)
			item.Error = res.Run.ErrorMessage()
			item.LatexLength = len(res.Run.MarkupText)
			item.Iterations = res.Run.Iterations()
			item.SimilarityScore = res.Run.SimilarityScore
			item.ThresholdMet = res.Run.ThresholdMet
		}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		summary.Results = append(summary.Results, item)
	}
	return summary
}
