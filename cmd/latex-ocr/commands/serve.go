package commands

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/spherical/latex-ocr/cmd/latex-ocr/ui"
	"github.com/spherical/latex-ocr/internal/api"
	"github.com/spherical/latex-ocr/internal/domain"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve extraction, rendering and run history over HTTP",
	Long: `Start an HTTP server exposing:

  POST /api/v1/extractions   multipart upload, field "image"
  POST /api/v1/renders       {"markup": "..."} returns the image
  GET  /api/v1/runs          recent runs (run history must be enabled)
  GET  /api/v1/runs/{id}     one run with its iterations
  GET  /health, /metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if serveAddr != "" {
		appConfig.Server.Addr = serveAddr
	}
	sc := appConfig.Server

	a, err := newApp(ctx, appConfig, true)
	if err != nil {
		return err
	}
	defer a.Close()
	reportToolchain(a)

	deps := api.Deps{
		Logger:    a.logger,
		Metrics:   a.metrics,
		Extractor: a.orchestrator,
		Renderer:  a.renderer,
		Save:      a.saveRun,
		RunConfig: func() domain.RunConfig {
			return runConfig(appConfig, 0, 0, "", "")
		},
	}
	if a.repo != nil {
		deps.History = a.repo
	}

	srv := &http.Server{
		Addr: sc.Addr,
		Handler: api.NewRouter(deps, api.Config{
			RequestTimeout: sc.RequestTimeout,
			MaxUploadBytes: sc.MaxUploadBytes,
			UploadDir:      filepath.Join(appConfig.Output.Dir, "uploads"),
		}),
		ReadTimeout: sc.ReadTimeout,
		IdleTimeout: sc.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", sc.Addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()
	ui.Success("Listening on %s", sc.Addr)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		a.logger.Info().Msg("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sc.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("graceful shutdown failed")
		return srv.Close()
	}

	a.logger.Info().Msg("server stopped")
	return nil
}
