package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spherical/latex-ocr/cmd/latex-ocr/ui"
	"github.com/spherical/latex-ocr/internal/domain"
)

var (
	extractMaxIterations int
	extractThreshold     float64
	extractOutputDir     string
	extractTraceID       string
	extractSessionID     string
	extractJSON          bool
	extractShowCode      bool
)

var extractCmd = &cobra.Command{
	Use:   "extract <image>",
	Short: "Transcribe one image to verified LaTeX",
	Long: `Transcribe an image to LaTeX, render it, compare the rendering with the
original and refine until the similarity threshold is met. Writes
ocr_<name>_latex.tex, ocr_<name>_result.json and the final rendering to the
output directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runExtract,
}

func init() {
	extractCmd.Flags().IntVarP(&extractMaxIterations, "max-iterations", "n", 0, "maximum refinement iterations (default from config)")
	extractCmd.Flags().Float64VarP(&extractThreshold, "threshold", "t", 0, "similarity threshold in (0, 1] (default from config)")
	extractCmd.Flags().StringVarP(&extractOutputDir, "output", "o", "", "output directory (default from config)")
	extractCmd.Flags().StringVar(&extractTraceID, "trace-id", "", "trace id passed to the model backend")
	extractCmd.Flags().StringVar(&extractSessionID, "session-id", "", "session id passed to the model backend")
	extractCmd.Flags().BoolVar(&extractJSON, "json", false, "print the result record as JSON")
	extractCmd.Flags().BoolVar(&extractShowCode, "show-code", false, "print the final LaTeX")
	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	imagePath := args[0]

	if extractOutputDir != "" {
		appConfig.Output.Dir = extractOutputDir
	}

	a, err := newApp(ctx, appConfig, true)
	if err != nil {
		return err
	}
	defer a.Close()

	rc := runConfig(appConfig, extractMaxIterations, extractThreshold, extractTraceID, extractSessionID)

	if !extractJSON {
		ui.Section("LaTeX Extraction")
		ui.Info("Image: %s", imagePath)
		ui.Info("Model: %s (%s)", appConfig.LLM.Model, appConfig.LLM.Provider)
		ui.Info("Max iterations: %d, threshold: %.2f", rc.MaxIterations, rc.SimilarityThreshold)
		ui.Debug("Trace ID: %s", rc.TraceID)
		ui.Debug("Session ID: %s", rc.SessionID)
		ui.Newline()
		reportToolchain(a)
	}

	eventCh := make(chan domain.StreamEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		followEvents(eventCh, rc.MaxIterations, !extractJSON)
	}()

	run := a.orchestrator.Run(ctx, imagePath, rc, eventCh)
	close(eventCh)
	<-done

	record, saveErr := a.saveRun(ctx, run)

	if extractJSON {
		out := run.Record()
		if record != nil {
			out = *record
		}
		if err := printJSON(out); err != nil {
			return err
		}
	} else {
		printRun(run, record)
	}

	if saveErr != nil {
		return fmt.Errorf("save results: %w", saveErr)
	}
	if run.Status == domain.StatusAborted {
		return run.Err
	}
	return nil
}

// followEvents drives the spinner from run events until eventCh is closed.
func followEvents(eventCh <-chan domain.StreamEvent, maxIterations int, show bool) {
	if !show {
		for range eventCh {
		}
		return
	}

	spinner := ui.NewSpinner("Starting extraction...")
	spinner.Start()
	defer spinner.Stop()

	for event := range eventCh {
		switch event.Type {
		case domain.EventIterationStart:
			spinner.UpdateMessage(fmt.Sprintf("Iteration %d/%d: transcribing, rendering and comparing...", event.Iteration, maxIterations))
		case domain.EventIterationComplete:
			rec, ok := event.Payload.(*domain.IterationRecord)
			if !ok || rec.Failed() {
				continue
			}
			stage := string(rec.RenderStage)
			if rec.Degraded {
				stage += ", degraded"
			}
			spinner.Stop()
			ui.Info("Iteration %d: similarity %s (%s)", rec.Iteration, ui.FormatScore(rec.SimilarityScore), stage)
			spinner.Start()
		case domain.EventError:
			if msg, ok := event.Payload.(string); ok {
				spinner.Stop()
				if event.Iteration > 0 {
					ui.Warning("Iteration %d: %s", event.Iteration, msg)
				} else {
					ui.Error("%s", msg)
				}
				spinner.Start()
			}
		}
	}
}

func reportToolchain(a *app) {
	avail := a.renderer.Check()
	if avail.Engine {
		ui.Debug("LaTeX engine: %s", avail.EnginePath)
	} else {
		ui.Warning("LaTeX engine %q not found, renderings will be placeholder images", appConfig.Compiler.EngineCommand)
	}
	if appConfig.Compiler.ConvertCommand != "" && !avail.Converter {
		ui.Debug("Converter %q not found, using MuPDF", appConfig.Compiler.ConvertCommand)
	}
}

func printRun(run *domain.ExtractionRun, record *domain.ResultRecord) {
	ui.Newline()
	switch {
	case run.Status == domain.StatusAborted:
		ui.Error("Extraction aborted: %s", run.ErrorMessage())
	case run.Success:
		ui.Success("Threshold met after %d iteration(s)", run.Iterations())
	case run.Status == domain.StatusCancelled:
		ui.Warning("Extraction cancelled after %d iteration(s)", run.Iterations())
	default:
		ui.Warning("Threshold not met after %d iteration(s)", run.Iterations())
	}

	ui.Section("Extraction Summary")
	rows := [][]string{
		{"Status", string(run.Status)},
		{"Similarity", ui.FormatScore(run.SimilarityScore)},
		{"Threshold Met", ui.FormatBool(run.ThresholdMet)},
		{"Iterations", fmt.Sprintf("%d", run.Iterations())},
		{"Duration", ui.FormatDuration(run.Duration)},
	}
	if record != nil {
		for _, key := range []string{"latex", "result", "render"} {
			if path, ok := record.OutputFiles[key]; ok {
				rows = append(rows, []string{"Output (" + key + ")", path})
			}
		}
	}
	ui.Table([]string{"Metric", "Value"}, rows)

	if len(run.History) > 0 && ui.Verbose() {
		ui.Section("Iterations")
		hist := make([][]string, 0, len(run.History))
		for _, rec := range run.History {
			outcome := "scored"
			if rec.Failed() {
				outcome = string(rec.ErrorTag)
			}
			hist = append(hist, []string{
				fmt.Sprintf("%d", rec.Iteration),
				outcome,
				ui.FormatScore(rec.SimilarityScore),
				string(rec.RenderStage),
				ui.FormatDuration(rec.Duration),
			})
		}
		ui.Table([]string{"#", "Outcome", "Score", "Stage", "Duration"}, hist)
	}

	if extractShowCode && run.MarkupText != "" {
		ui.Newline()
		ui.Box("LaTeX", run.MarkupText)
	}
}
