package encoder

import (
	"errors"
	"image"
)

// MediaTypeAVC is the media type of an H.264 video stream.
const MediaTypeAVC = "video/avc"

// ErrSurfaceClosed is returned by a Surface once its session has stopped.
var ErrSurfaceClosed = errors.New("encoder input surface closed")

// ProfileLevel is one profile/level pair an encoder advertises.
type ProfileLevel struct {
	Profile string `json:"profile" yaml:"profile"`
	Level   Level  `json:"level" yaml:"level"`
}

// Descriptor describes one encoder the facility can instantiate.
type Descriptor struct {
	Name          string         `json:"name" yaml:"name"`
	Hardware      bool           `json:"hardware" yaml:"hardware"`
	MediaTypes    []string       `json:"media_types" yaml:"media_types"`
	ProfileLevels []ProfileLevel `json:"profile_levels" yaml:"profile_levels"`
}

// Supports reports whether the encoder advertises mediaType.
func (d Descriptor) Supports(mediaType string) bool {
	for _, mt := range d.MediaTypes {
		if mt == mediaType {
			return true
		}
	}
	return false
}

// HighestLevel returns the highest advertised level, or 0 if none.
func (d Descriptor) HighestLevel() Level {
	var highest Level
	for _, pl := range d.ProfileLevels {
		if pl.Level > highest {
			highest = pl.Level
		}
	}
	return highest
}

// Surface is the encoder's input: the virtual display renders into it.
type Surface interface {
	WriteFrame(frame *image.RGBA) error
}

// Session is one prepared encoder writing one output file.
type Session interface {
	// InputSurface returns the surface the virtual display must render into.
	InputSurface() (Surface, error)
	// Start begins recording.
	Start() error
	// Stop finalizes the output file. It returns only after the container has
	// been flushed and closed.
	Stop() error
	// Release frees the encoder. It is safe after a failed or skipped Stop.
	Release() error
}

// FaultHandler receives asynchronous encoder faults while a session runs.
type FaultHandler func(error)

// Facility enumerates and instantiates hardware encoders.
type Facility interface {
	ListEncoders(mediaType string) ([]Descriptor, error)
	CreateSession(profile Profile, outputPath string, onFault FaultHandler) (Session, error)
}
