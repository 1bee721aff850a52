package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spherical/latex-ocr/cmd/latex-ocr/ui"
	"github.com/spherical/latex-ocr/internal/config"
)

var (
	cfgFile  string
	verbose  bool
	noColor  bool
	logLevel string

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "latex-ocr",
	Short: "Transcribe images to LaTeX and verify the result by rendering it",
	Long: `latex-ocr sends an image to a vision model, compiles the returned LaTeX,
asks the model to compare the rendering with the original and refines the
code until the similarity score reaches the threshold or the iteration
budget runs out.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.InitUI(noColor, verbose)

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevel != "" {
			cfg.Observability.LogLevel = logLevel
		} else if verbose {
			cfg.Observability.LogLevel = "debug"
		}
		appConfig = cfg
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute(ctx context.Context, version string) error {
	rootCmd.Version = version
	return rootCmd.ExecuteContext(ctx)
}
