package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/api"
	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recorder and its control API",
	Long: `Run the capture coordinator, secondary display monitoring and the HTTP
control API until interrupted.

Capture sessions are requested and stopped through the API. Stopping the
server ends any active recording and finalizes its file.`,
	Example: `  # Start server on default port (8090)
  presentationrecorder serve

  # Start server on custom port
  presentationrecorder serve --port 9090

  # Start with debug logging
  presentationrecorder serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.WithComponent("serve")
	log.Info().Str("config", configMgr.GetConfigPath()).Msg("Configuration loaded")

	rec, err := newRecorder(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize recorder: %w", err)
	}
	defer rec.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var server *api.Server
	if cfg.Server.Enabled {
		var recordings api.Recordings
		if rec.history != nil {
			recordings = rec.history
		}
		server = api.NewServer(rec.coordinator, rec.negotiator, recordings, rec.defaultRequest())
		if rec.preview != nil {
			server.SetPreview(rec.preview)
		}
		go func() {
			if err := server.Start(cfg.Server.ListenAddr()); err != nil {
				log.Error().Err(err).Msg("Server error")
				cancel()
			}
		}()
		log.Info().
			Str("api", fmt.Sprintf("http://%s/api", cfg.Server.ListenAddr())).
			Msg("PresentationRecorder is running, press Ctrl+C to stop")
	}

	runErr := rec.run(ctx)

	log.Info().Msg("Shutting down gracefully...")
	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Server shutdown failed")
		}
	}
	return runErr
}
