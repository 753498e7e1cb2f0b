// Package display provisions the virtual output device that the encoder's
// input surface is fed from, and reports display attach/detach events.
package display

import (
	"errors"
	"fmt"
	"image"

	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder"
)

// ID identifies a display device.
type ID uint32

// Flags select how a virtual display behaves.
type Flags uint32

const (
	// FlagPresentation marks the display as a presentation (secondary) surface.
	FlagPresentation Flags = 1 << iota
	// FlagOwnContentOnly restricts the display to content drawn by this process.
	FlagOwnContentOnly
)

// Has reports whether all bits of f are set.
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

// ErrDisplayReleased is returned when drawing onto a released display.
var ErrDisplayReleased = errors.New("virtual display released")

// Config describes a virtual display to create.
type Config struct {
	Name       string
	Width      int
	Height     int
	DensityDPI int
	FrameRate  int
	Flags      Flags
}

// Validate checks that the display can be created.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid display size %dx%d", c.Width, c.Height)
	}
	if c.Width > 0xffff || c.Height > 0xffff {
		return fmt.Errorf("display size %dx%d exceeds 16-bit window limits", c.Width, c.Height)
	}
	if c.DensityDPI <= 0 {
		return fmt.Errorf("invalid density %d", c.DensityDPI)
	}
	if c.FrameRate <= 0 {
		return fmt.Errorf("invalid frame rate %d", c.FrameRate)
	}
	return nil
}

// VirtualDisplay is a created display. Release is idempotent.
type VirtualDisplay interface {
	ID() ID
	Release() error
}

// Facility creates virtual displays rendering into an encoder surface.
type Facility interface {
	CreateVirtualDisplay(cfg Config, surface encoder.Surface) (VirtualDisplay, error)
}

// Canvas is the drawable content of a display.
type Canvas interface {
	Bounds() image.Rectangle
	DensityDPI() int
	// Draw runs fn with exclusive access to the display pixels.
	Draw(fn func(img *image.RGBA)) error
}

// CanvasSource resolves a display id to its canvas.
type CanvasSource interface {
	Canvas(id ID) (Canvas, bool)
}

// AttachKind is the kind of a display change notification.
type AttachKind int

const (
	Added AttachKind = iota
	Changed
	Removed
)

func (k AttachKind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("AttachKind(%d)", int(k))
	}
}

// AttachEvent is one display change notification.
type AttachEvent struct {
	ID   ID
	Kind AttachKind
}

// Notifier delivers display change notifications to a single listener.
// Listeners are called from the notifier's own goroutine.
type Notifier interface {
	Register(listener func(AttachEvent)) error
	Unregister()
}
