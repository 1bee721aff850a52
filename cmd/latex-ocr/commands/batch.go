package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spherical/latex-ocr/cmd/latex-ocr/ui"
	"github.com/spherical/latex-ocr/internal/batch"
)

var (
	batchMaxIterations int
	batchThreshold     float64
	batchOutputDir     string
	batchWorkers       int
	batchExtensions    string
	batchSaveSummary   bool
)

const summaryFile = "batch_processing_summary.json"

var batchCmd = &cobra.Command{
	Use:   "batch <directory>",
	Short: "Transcribe every image in a directory",
	Long: `Find images under a directory (recursively) and run the verified
extraction on each. All images in one batch share a trace id and a
session id.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().IntVarP(&batchMaxIterations, "max-iterations", "n", 0, "maximum refinement iterations per image")
	batchCmd.Flags().Float64VarP(&batchThreshold, "threshold", "t", 0, "similarity threshold in (0, 1]")
	batchCmd.Flags().StringVarP(&batchOutputDir, "output", "o", "", "output directory (default from config)")
	batchCmd.Flags().IntVarP(&batchWorkers, "workers", "w", 0, "images processed in parallel (default from config)")
	batchCmd.Flags().StringVar(&batchExtensions, "extensions", "", "comma separated extensions (default from config)")
	batchCmd.Flags().BoolVar(&batchSaveSummary, "save-summary", false, "write "+summaryFile+" even for a single image")
	rootCmd.AddCommand(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dir := args[0]

	if batchOutputDir != "" {
		appConfig.Output.Dir = batchOutputDir
	}
	exts := appConfig.Batch.Extensions
	if batchExtensions != "" {
		exts = parseExtensions(batchExtensions)
	}
	workers := appConfig.Batch.Workers
	if batchWorkers > 0 {
		workers = batchWorkers
	}

	images, err := batch.Discover(dir, exts)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		ui.Warning("No images found in %s (extensions: %s)", dir, strings.Join(exts, ", "))
		return nil
	}

	a, err := newApp(ctx, appConfig, true)
	if err != nil {
		return err
	}
	defer a.Close()

	rc := runConfig(appConfig, batchMaxIterations, batchThreshold, "", "")

	ui.Section("Batch Extraction")
	ui.Info("Found %d image(s) in %s", len(images), dir)
	ui.Info("Workers: %d, max iterations: %d, threshold: %.2f", workers, rc.MaxIterations, rc.SimilarityThreshold)
	ui.Debug("Trace ID: %s", rc.TraceID)
	ui.Newline()
	reportToolchain(a)

	progress, finish := batchProgress(len(images), workers)
	runner := batch.NewRunner(a.orchestrator,
		batch.WithWorkers(workers),
		batch.WithHandler(a.saveRun),
		batch.WithLogger(a.logger),
		batch.WithProgress(progress),
	)

	results := runner.Run(ctx, images, rc)
	finish()

	stats := batch.ComputeStats(results)
	printBatchResults(results, stats)

	if batchSaveSummary || len(results) > 1 {
		path, err := a.writer.WriteJSON(summaryFile, batch.BuildSummary(results))
		if err != nil {
			return fmt.Errorf("write batch summary: %w", err)
		}
		ui.Success("Batch summary saved to: %s", path)
	}

	if ctx.Err() != nil {
		ui.Warning("Batch interrupted, %d image(s) not processed", countSkipped(results))
	}
	return nil
}

// batchProgress picks a single bar for sequential runs and the two-bar view
// for parallel ones.
func batchProgress(total, workers int) (func(done, total int, res batch.Result), func()) {
	if workers > 1 {
		bp := ui.NewBatchProgress(int64(total))
		return func(_, _ int, res batch.Result) { bp.Record(res.Success()) }, bp.Finish
	}
	bar := ui.NewProgressBar(int64(total), "Extracting")
	return func(done, _ int, _ batch.Result) { bar.Set(int64(done)) }, bar.Finish
}

func printBatchResults(results []batch.Result, stats batch.Stats) {
	ui.Section("Results")
	rows := make([][]string, 0, len(results))
	for _, res := range results {
		status, score, iterations := "skipped", "-", "-"
		if res.Run != nil {
			status = string(res.Run.Status)
			score = ui.FormatScore(res.Run.SimilarityScore)
			iterations = fmt.Sprintf("%d", res.Run.Iterations())
		}
		if res.Err != nil && res.Run != nil {
			status += " (save failed)"
		}
		rows = append(rows, []string{ui.Truncate(res.ImagePath, 48), status, score, iterations, ui.FormatBool(res.Success())})
	}
	ui.Table([]string{"Image", "Status", "Score", "Iterations", "Success"}, rows)

	ui.Section("Batch Statistics")
	statRows := [][]string{
		{"Total images", fmt.Sprintf("%d", stats.Total)},
		{"Successful", fmt.Sprintf("%d", stats.Successful)},
		{"Failed", fmt.Sprintf("%d", stats.Failed)},
		{"Success rate", fmt.Sprintf("%.1f%%", stats.SuccessRate*100)},
	}
	if stats.Successful > 0 {
		statRows = append(statRows,
			[]string{"Average iterations", fmt.Sprintf("%.1f", stats.AverageIterations)},
			[]string{"Average similarity", fmt.Sprintf("%.3f", stats.AverageSimilarityScore)},
		)
	}
	ui.Table([]string{"Metric", "Value"}, statRows)
}

func countSkipped(results []batch.Result) int {
	n := 0
	for _, res := range results {
		if res.Run == nil {
			n++
		}
	}
	return n
}
