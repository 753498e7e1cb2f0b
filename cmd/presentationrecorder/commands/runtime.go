package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/config"
	"github.com/bryanchriswhite/PresentationRecorder/internal/display"
	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder"
	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder/gstenc"
	"github.com/bryanchriswhite/PresentationRecorder/internal/grant"
	"github.com/bryanchriswhite/PresentationRecorder/internal/history"
	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
	"github.com/bryanchriswhite/PresentationRecorder/internal/loop"
	"github.com/bryanchriswhite/PresentationRecorder/internal/monitor"
	"github.com/bryanchriswhite/PresentationRecorder/internal/output"
	"github.com/bryanchriswhite/PresentationRecorder/internal/presentation"
	"github.com/bryanchriswhite/PresentationRecorder/internal/session"
)

// recorder is every runtime component wired together
type recorder struct {
	cfg         *config.Config
	loop        *loop.Loop
	negotiator  *encoder.Negotiator
	coordinator *session.Coordinator
	monitor     *monitor.Monitor
	notifier    display.Notifier
	history     *history.Store
	preview     *output.MJPEG
	closers     []func()
}

// newRecorder builds the coordinator and its platform collaborators from cfg
func newRecorder(cfg *config.Config) (*recorder, error) {
	log := logger.WithComponent("recorder")
	r := &recorder{cfg: cfg, loop: loop.New(loop.DefaultQueueSize)}

	grantTimeout := time.Duration(cfg.Grant.TimeoutS) * time.Second

	var grants grant.Provider
	switch cfg.Grant.Provider {
	case config.ProviderUnattended:
		grants = grant.NewUnattended()
	default:
		portal, err := grant.NewPortal(grantTimeout, config.ExpandPath(cfg.Grant.TokenPath))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to the ScreenCast portal: %w", err)
		}
		r.closers = append(r.closers, func() { portal.Close() })
		grants = portal
	}

	var (
		facility display.Facility
		canvases display.CanvasSource
	)
	switch cfg.Capture.DisplayBackend {
	case config.BackendOffscreen:
		offscreen := display.NewOffscreen()
		facility, canvases, r.notifier = offscreen, offscreen, offscreen
	default:
		x, err := display.NewX11(cfg.Capture.XDisplay)
		if err != nil {
			r.close()
			return nil, err
		}
		r.closers = append(r.closers, x.Close)
		facility, canvases = x, x
		r.notifier = display.NewX11Notifier(cfg.Capture.XDisplay, x)
	}

	if cfg.Server.Enabled && cfg.Server.PreviewFPS > 0 {
		r.preview = output.NewMJPEG(cfg.Server.PreviewFPS)
		r.closers = append(r.closers, r.preview.Stop)
		facility = output.WithTaps(facility, r.preview)
	}

	encoders := gstenc.New(time.Duration(cfg.Encoder.FinalizeTimeoutMS) * time.Millisecond)
	r.negotiator = encoder.NewNegotiator(encoders)

	opts := session.Options{
		Executor:     r.loop,
		Grants:       grants,
		Negotiator:   r.negotiator,
		Encoders:     encoders,
		Displays:     facility,
		DisplayName:  cfg.Capture.DisplayName,
		AutoStart:    cfg.Capture.AutoStart,
		GrantTimeout: grantTimeout,
	}
	if cfg.History.Enabled {
		store, err := history.Open(config.ExpandPath(cfg.History.Path))
		if err != nil {
			log.Warn().Err(err).Msg("Recording history disabled")
		} else {
			r.history = store
			r.closers = append(r.closers, func() { store.Close() })
			opts.History = store
		}
	}
	r.coordinator = session.New(opts)

	if cfg.Presentation.Enabled {
		r.coordinator.SetPresenter(presentation.New(presentation.Options{
			Scheduler: r.loop,
			Renderer:  presentation.NewClockRenderer(canvases, cfg.Presentation.Title),
			Lookup:    r.coordinator.SessionFor,
			Interval:  time.Duration(cfg.Presentation.UpdateIntervalMS) * time.Millisecond,
		}))
	}
	r.monitor = monitor.New(r.coordinator)
	return r, nil
}

// defaultRequest is the capture request the config describes
func (r *recorder) defaultRequest() session.Request {
	c := r.cfg.Capture
	return session.Request{
		Width:      c.Width,
		Height:     c.Height,
		DensityDPI: c.DensityDPI,
		FrameRate:  c.FrameRate,
		OutputPath: config.ExpandPath(c.OutputPath),
	}
}

// run drives the coordinator until ctx is canceled. It returns once the
// final session has been torn down.
func (r *recorder) run(ctx context.Context) error {
	if err := r.monitor.Attach(r.notifier, r.loop); err != nil {
		logger.WithComponent("recorder").Warn().Err(err).Msg("Secondary display monitoring unavailable")
	}
	defer r.monitor.Detach()

	err := r.coordinator.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func (r *recorder) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}
