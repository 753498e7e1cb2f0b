package gstenc

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder"
	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// DefaultFinalizeTimeout bounds how long Stop waits for the muxer to finish.
const DefaultFinalizeTimeout = 5 * time.Second

const busPollInterval = 100 * time.Millisecond

var initOnce sync.Once

// Facility probes the installed GStreamer plugins for H.264 encoders.
type Facility struct {
	finalizeTimeout time.Duration
	find            func(name string) bool
}

// New creates a facility. GStreamer is initialized on first use.
func New(finalizeTimeout time.Duration) *Facility {
	if finalizeTimeout <= 0 {
		finalizeTimeout = DefaultFinalizeTimeout
	}
	return &Facility{finalizeTimeout: finalizeTimeout, find: findFactory}
}

func findFactory(name string) bool {
	initOnce.Do(func() { gst.Init(nil) })
	return gst.Find(name) != nil
}

// ListEncoders implements encoder.Facility. Hardware encoders come first.
func (f *Facility) ListEncoders(mediaType string) ([]encoder.Descriptor, error) {
	if mediaType != encoder.MediaTypeAVC {
		return nil, nil
	}
	var out []encoder.Descriptor
	for _, e := range elements {
		if f.find(e.name) {
			out = append(out, e.descriptor())
		}
	}
	logger.WithComponent("gstreamer").Debug().Int("count", len(out)).Msg("Probed H.264 encoders")
	return out, nil
}

// CreateSession implements encoder.Facility. The pipeline is built but not
// started.
func (f *Facility) CreateSession(p encoder.Profile, outputPath string, onFault encoder.FaultHandler) (encoder.Session, error) {
	e, ok := lookupElement(p.Encoder)
	if !ok {
		return nil, fmt.Errorf("unknown encoder element %q", p.Encoder)
	}
	initOnce.Do(func() { gst.Init(nil) })

	launch := pipelineString(e, p, outputPath)
	log := logger.WithComponent("gstreamer")
	log.Debug().Str("pipeline", launch).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	srcElement, err := pipeline.GetElementByName("src")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to get appsrc: %w", err)
	}
	src := app.SrcFromElement(srcElement)
	src.SetCaps(gst.NewCapsFromString(rawCaps(p)))

	return &recording{
		profile:         p,
		output:          outputPath,
		onFault:         onFault,
		finalizeTimeout: f.finalizeTimeout,
		pipeline:        pipeline,
		src:             src,
	}, nil
}

// recording is one pipeline writing one file.
type recording struct {
	profile         encoder.Profile
	output          string
	onFault         encoder.FaultHandler
	finalizeTimeout time.Duration

	mu       sync.Mutex
	pipeline *gst.Pipeline
	src      *app.Source
	running  bool
	closed   bool
	stopBus  chan struct{}
	busDone  chan struct{}
}

func (r *recording) InputSurface() (encoder.Surface, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pipeline == nil {
		return nil, errors.New("encoder session released")
	}
	return surface{r}, nil
}

func (r *recording) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("pipeline already running")
	}
	if r.pipeline == nil || r.closed {
		return errors.New("encoder session closed")
	}
	if err := r.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	r.running = true
	r.stopBus = make(chan struct{})
	r.busDone = make(chan struct{})
	go r.watchBus(r.pipeline.GetPipelineBus(), r.stopBus, r.busDone)

	logger.WithComponent("gstreamer").Info().
		Str("encoder", r.profile.Encoder).
		Str("output", r.output).
		Msg("GStreamer pipeline started")
	return nil
}

// watchBus polls for errors while recording. Polling keeps go-gst callbacks
// off foreign threads.
func (r *recording) watchBus(bus *gst.Bus, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		msg := bus.TimedPopFiltered(busPollInterval, gst.MessageError|gst.MessageEOS)
		if msg == nil {
			continue
		}
		var err error
		switch msg.Type() {
		case gst.MessageError:
			err = fmt.Errorf("pipeline error: %s", msg.ParseError().Error())
		case gst.MessageEOS:
			err = errors.New("pipeline reached end of stream while recording")
		default:
			continue
		}
		logger.WithComponent("gstreamer").Error().Err(err).Str("output", r.output).Msg("Encoder fault")
		if r.onFault != nil {
			r.onFault(err)
		}
		return
	}
}

// Stop sends end-of-stream and waits for the muxer to flush the file.
func (r *recording) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.closed = true
	stop, done := r.stopBus, r.busDone
	r.mu.Unlock()

	close(stop)
	<-done

	log := logger.WithComponent("gstreamer")
	if ret := r.src.EndStream(); ret != gst.FlowOK {
		log.Warn().Interface("flow", ret).Msg("appsrc refused end of stream")
	}

	bus := r.pipeline.GetPipelineBus()
	deadline := time.Now().Add(r.finalizeTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("timed out after %s finalizing %s", r.finalizeTimeout, r.output)
		}
		msg := bus.TimedPopFiltered(remaining, gst.MessageError|gst.MessageEOS)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			log.Info().Str("output", r.output).Msg("Recording finalized")
			return nil
		case gst.MessageError:
			return fmt.Errorf("finalizing %s: %s", r.output, msg.ParseError().Error())
		}
	}
}

// Release tears the pipeline down. A file that was never stopped is left
// unfinalized.
func (r *recording) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pipeline == nil {
		return nil
	}
	r.closed = true
	if r.running {
		r.running = false
		close(r.stopBus)
		r.mu.Unlock()
		<-r.busDone
		r.mu.Lock()
	}
	err := r.pipeline.SetState(gst.StateNull)
	r.pipeline.Unref()
	r.pipeline = nil
	r.src = nil
	if err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	logger.WithComponent("gstreamer").Debug().Str("output", r.output).Msg("GStreamer pipeline released")
	return nil
}

type surface struct {
	r *recording
}

// WriteFrame pushes one RGBA frame. Frames before Start are dropped.
func (s surface) WriteFrame(frame *image.RGBA) error {
	r := s.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.src == nil {
		return encoder.ErrSurfaceClosed
	}
	if !r.running {
		return nil
	}
	b := frame.Bounds()
	if b.Dx() != r.profile.Width || b.Dy() != r.profile.Height {
		return fmt.Errorf("frame is %dx%d, encoder expects %dx%d", b.Dx(), b.Dy(), r.profile.Width, r.profile.Height)
	}

	data := make([]byte, len(frame.Pix))
	copy(data, frame.Pix)
	switch ret := r.src.PushBuffer(gst.NewBufferFromBytes(data)); ret {
	case gst.FlowOK:
		return nil
	case gst.FlowFlushing, gst.FlowEOS:
		return encoder.ErrSurfaceClosed
	default:
		return fmt.Errorf("appsrc push failed: %v", ret)
	}
}
