package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/spherical/latex-ocr/cmd/latex-ocr/ui"
)

var (
	renderOutput string
	renderDPI    int
	renderFormat string
	clearCache   bool
)

var renderCmd = &cobra.Command{
	Use:   "render [file.tex]",
	Short: "Compile a LaTeX file or fragment to an image",
	Long: `Render LaTeX the same way the extraction loop does: fragments are wrapped
in a standalone document, compiled, and converted to an image. If the
toolchain fails a placeholder image is written instead.

With --clear-cache the render cache is emptied first; the file argument is
then optional.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if clearCache {
			return cobra.MaximumNArgs(1)(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runRender,
}

func init() {
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "output image path (default: temp file)")
	renderCmd.Flags().IntVar(&renderDPI, "dpi", 0, "raster density (default from config)")
	renderCmd.Flags().StringVar(&renderFormat, "format", "", "png or jpeg (default from config)")
	renderCmd.Flags().BoolVar(&clearCache, "clear-cache", false, "purge cached renders before rendering")
	rootCmd.AddCommand(renderCmd)
}

func runRender(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if renderDPI > 0 {
		appConfig.Compiler.DPI = renderDPI
	}
	if renderFormat != "" {
		appConfig.Compiler.Format = renderFormat
	}

	a, err := newApp(ctx, appConfig, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if clearCache {
		n, err := a.renderer.PurgeCache(ctx)
		if err != nil {
			return err
		}
		ui.Info("Removed %d cached render(s)", n)
		if len(args) == 0 {
			return nil
		}
	}

	markup, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	spinner := ui.NewSpinner("Compiling LaTeX...")
	spinner.Start()
	outcome, err := a.renderer.Render(ctx, string(markup), renderOutput)
	spinner.Stop()
	if err != nil {
		return err
	}

	if outcome.Degraded {
		ui.Warning("Toolchain failed, wrote placeholder image: %s", outcome.Reason)
	} else {
		ui.Success("Rendered with %s", outcome.Stage)
	}

	ui.Table([]string{"Field", "Value"}, [][]string{
		{"Image", outcome.ImagePath},
		{"Stage", string(outcome.Stage)},
		{"Size", fmt.Sprintf("%dx%d", outcome.Width, outcome.Height)},
		{"Digest", outcome.Digest},
	})
	return nil
}
