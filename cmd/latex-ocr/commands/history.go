package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/spherical/latex-ocr/cmd/latex-ocr/ui"
	"github.com/spherical/latex-ocr/internal/store"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List past extraction runs or show one run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", store.DefaultListLimit, "number of runs to list")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if !appConfig.Store.Enabled {
		return fmt.Errorf("run history is disabled (store.enabled: false)")
	}

	repo, err := store.Open(ctx, storeConfig(appConfig))
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	defer repo.Close()

	if len(args) == 1 {
		run, iterations, err := repo.GetRun(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no run with id %s", args[0])
		}
		if err != nil {
			return err
		}
		if historyJSON {
			return printJSON(map[string]any{"run": run, "iterations": iterations})
		}
		printRunDetail(run, iterations)
		return nil
	}

	runs, err := repo.ListRuns(ctx, historyLimit)
	if err != nil {
		return err
	}
	if historyJSON {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		ui.Info("No runs recorded yet")
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			ui.Truncate(r.ImagePath, 40),
			r.Status,
			ui.FormatScore(r.SimilarityScore),
			fmt.Sprintf("%d", r.Iterations),
		})
	}
	ui.Table([]string{"ID", "Started", "Image", "Status", "Score", "Iterations"}, rows)
	return nil
}

func printRunDetail(run *store.RunRow, iterations []store.IterationRow) {
	ui.Section("Run " + run.ID)
	rows := [][]string{
		{"Image", run.ImagePath},
		{"Status", run.Status},
		{"Similarity", ui.FormatScore(run.SimilarityScore)},
		{"Threshold", ui.FormatScore(run.Threshold)},
		{"Success", ui.FormatBool(run.Success)},
		{"Iterations", fmt.Sprintf("%d/%d", run.Iterations, run.MaxIterations)},
		{"Started", run.StartedAt.Local().Format("2006-01-02 15:04:05")},
	}
	if run.Error != "" {
		rows = append(rows, []string{"Error", run.Error})
	}
	ui.Table([]string{"Field", "Value"}, rows)

	if len(iterations) == 0 {
		return
	}
	ui.Section("Iterations")
	hist := make([][]string, 0, len(iterations))
	for _, it := range iterations {
		outcome := "scored"
		if it.ErrorTag != "" {
			outcome = it.ErrorTag
		}
		hist = append(hist, []string{
			fmt.Sprintf("%d", it.Iteration),
			outcome,
			ui.FormatScore(it.SimilarityScore),
			it.RenderStage,
			it.VerdictSource,
			ui.Truncate(it.Assessment, 40),
		})
	}
	ui.Table([]string{"#", "Outcome", "Score", "Stage", "Verdict", "Assessment"}, hist)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
