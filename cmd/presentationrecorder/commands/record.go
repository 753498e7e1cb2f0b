package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/config"
	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
	"github.com/bryanchriswhite/PresentationRecorder/internal/session"
	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record one presentation session",
	Long: `Request authorization, record to the output file and stop when the
duration elapses, the grant is revoked, or the process is interrupted.

Unset flags fall back to the capture section of the config file.`,
	Example: `  # Record with the configured defaults until Ctrl+C
  presentationrecorder record

  # Record 720p at 30 fps for five minutes
  presentationrecorder record --width 1280 --height 720 --fps 30 --duration 5m --output talk.mp4`,
	RunE: runRecord,
}

var (
	recordWidth    int
	recordHeight   int
	recordFPS      int
	recordDPI      int
	recordOutput   string
	recordDuration time.Duration
)

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.Flags().IntVar(&recordWidth, "width", 0, "capture width in pixels")
	recordCmd.Flags().IntVar(&recordHeight, "height", 0, "capture height in pixels")
	recordCmd.Flags().IntVar(&recordFPS, "fps", 0, "capture frame rate")
	recordCmd.Flags().IntVar(&recordDPI, "dpi", 0, "virtual display density")
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "", "output MP4 path")
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0, "stop after this long (0 records until interrupted)")
}

func runRecord(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Capture.AutoStart = true

	rec, err := newRecorder(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize recorder: %w", err)
	}
	defer rec.close()

	req := rec.defaultRequest()
	if recordWidth > 0 {
		req.Width = recordWidth
	}
	if recordHeight > 0 {
		req.Height = recordHeight
	}
	if recordFPS > 0 {
		req.FrameRate = recordFPS
	}
	if recordDPI > 0 {
		req.DensityDPI = recordDPI
	}
	if recordOutput != "" {
		req.OutputPath = config.ExpandPath(recordOutput)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	events := rec.coordinator.Subscribe()
	runDone := make(chan error, 1)
	go func() { runDone <- rec.run(ctx) }()

	if _, err := rec.coordinator.Request(ctx, req); err != nil {
		cancel()
		<-runDone
		return err
	}

	var timeout <-chan time.Time
	if recordDuration > 0 {
		timer := time.NewTimer(recordDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	log := logger.WithComponent("record")
	outcome := waitForOutcome(ctx, events, timeout)
	if outcome.timedOut {
		if err := rec.coordinator.Stop(ctx); err != nil && !errors.Is(err, session.ErrLoopStopped) {
			log.Warn().Err(err).Msg("Stop failed")
		}
		outcome = waitForOutcome(ctx, events, nil)
	}
	cancel()
	if err := <-runDone; err != nil {
		return err
	}

	if n := outcome.notice; n != nil && n.Kind != session.NoticeStopped {
		return fmt.Errorf("%s: %s", n.Kind, n.Message)
	}
	fmt.Printf("Recording saved to %s\n", req.OutputPath)
	return nil
}

type recordOutcome struct {
	notice   *session.Notice
	timedOut bool
}

// waitForOutcome blocks until the session reports a terminal notice, the
// timeout fires, or ctx ends
func waitForOutcome(ctx context.Context, events chan session.Event, timeout <-chan time.Time) recordOutcome {
	for {
		select {
		case <-ctx.Done():
			return recordOutcome{}
		case <-timeout:
			return recordOutcome{timedOut: true}
		case ev := <-events:
			if ev.Type != session.EventNotice || ev.Notice == nil {
				continue
			}
			return recordOutcome{notice: ev.Notice}
		}
	}
}
