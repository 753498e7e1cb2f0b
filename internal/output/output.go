// Package output fans virtual display frames out beyond the encoder.
package output

import (
	"image"

	"github.com/bryanchriswhite/PresentationRecorder/internal/display"
	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder"
	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
)

// Tap receives a copy of every frame the encoder receives. A tap must not
// retain the frame after WriteFrame returns.
type Tap interface {
	WriteFrame(frame *image.RGBA) error
}

// Tee forwards every frame to primary, then to each tap. Only the primary's
// error is returned; tap failures never stall the recording.
func Tee(primary encoder.Surface, taps ...Tap) encoder.Surface {
	if len(taps) == 0 {
		return primary
	}
	return &tee{primary: primary, taps: taps}
}

type tee struct {
	primary encoder.Surface
	taps    []Tap
}

func (t *tee) WriteFrame(frame *image.RGBA) error {
	if err := t.primary.WriteFrame(frame); err != nil {
		return err
	}
	for _, tap := range t.taps {
		if err := tap.WriteFrame(frame); err != nil {
			logger.WithComponent("output").Debug().Err(err).Msg("Frame tap failed")
		}
	}
	return nil
}

// WithTaps wraps a display facility so every virtual display it creates
// also feeds the taps.
func WithTaps(facility display.Facility, taps ...Tap) display.Facility {
	return &tappedFacility{Facility: facility, taps: taps}
}

type tappedFacility struct {
	display.Facility
	taps []Tap
}

func (f *tappedFacility) CreateVirtualDisplay(cfg display.Config, surface encoder.Surface) (display.VirtualDisplay, error) {
	if surface == nil {
		return f.Facility.CreateVirtualDisplay(cfg, nil)
	}
	return f.Facility.CreateVirtualDisplay(cfg, Tee(surface, f.taps...))
}
