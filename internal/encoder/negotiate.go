package encoder

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/PresentationRecorder/internal/logger"
	"github.com/bryanchriswhite/PresentationRecorder/internal/metrics"
)

// Bit-rate scaling constants. The reference rate is tuned for a 1080p frame.
const (
	ReferenceBitRate = 16000000
	BitRateMin       = 64000
	BitRateMax       = 40000000

	referenceWidth  = 1920
	referenceHeight = 1080
	macroblockSize  = 16
)

// Rejection reasons. Every negotiation failure is a *CapabilityError whose
// Reason is one of these.
var (
	ErrNoEncoderAvailable = errors.New("no encoder available")
	ErrResolutionExceeded = errors.New("resolution exceeds encoder level")
	ErrFrameRateExceeded  = errors.New("frame rate exceeds encoder level")
	ErrInvalidRequest     = errors.New("invalid capture parameters")
)

// CapabilityError reports why a request cannot be encoded. It is detected
// before anything is allocated and the caller may retry with other values.
type CapabilityError struct {
	Reason    error
	Width     int
	Height    int
	FrameRate int
	Detail    string
	Err       error
}

func (e *CapabilityError) Error() string {
	msg := fmt.Sprintf("%v: %dx%d@%d", e.Reason, e.Width, e.Height, e.FrameRate)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CapabilityError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// ReasonLabel is a short metric/log label for a negotiation error.
func ReasonLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoEncoderAvailable):
		return "no_encoder"
	case errors.Is(err, ErrResolutionExceeded):
		return "resolution_exceeded"
	case errors.Is(err, ErrFrameRateExceeded):
		return "frame_rate_exceeded"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "error"
	}
}

// Profile is the outcome of a successful negotiation.
type Profile struct {
	MediaType               string `json:"media_type" yaml:"media_type"`
	Encoder                 string `json:"encoder" yaml:"encoder"`
	Hardware                bool   `json:"hardware" yaml:"hardware"`
	Level                   Level  `json:"level" yaml:"level"`
	MaxWidth                int    `json:"max_width" yaml:"max_width"`
	MaxHeight               int    `json:"max_height" yaml:"max_height"`
	MaxBitRate              int    `json:"max_bit_rate" yaml:"max_bit_rate"`
	MaxMacroblocksPerSecond int    `json:"max_macroblocks_per_second" yaml:"max_macroblocks_per_second"`
	MaxFrameRate            int    `json:"max_frame_rate" yaml:"max_frame_rate"`
	Width                   int    `json:"width" yaml:"width"`
	Height                  int    `json:"height" yaml:"height"`
	FrameRate               int    `json:"frame_rate" yaml:"frame_rate"`
	BitRate                 int    `json:"bit_rate" yaml:"bit_rate"`
}

// Negotiator checks requests against the encoder facility's capabilities.
type Negotiator struct {
	facility  Facility
	mediaType string
}

// NewNegotiator creates a negotiator for H.264 output.
func NewNegotiator(facility Facility) *Negotiator {
	return &Negotiator{facility: facility, mediaType: MediaTypeAVC}
}

// MacroblockCount is the number of 16x16 macroblocks covering a frame.
func MacroblockCount(width, height int) int {
	return ((width + macroblockSize - 1) / macroblockSize) * ((height + macroblockSize - 1) / macroblockSize)
}

// BitRate scales the reference bit-rate by frame area, then clamps it.
func BitRate(width, height int) int {
	scale := float64(width) * float64(height) / float64(referenceWidth*referenceHeight)
	rate := float64(ReferenceBitRate) * scale
	// Compare as float first so huge areas cannot overflow the int conversion
	if rate >= BitRateMax {
		return BitRateMax
	}
	return max(BitRateMin, int(rate))
}

// Negotiate selects an encoder profile for the requested size and rate. It
// only queries the facility and never allocates an encoder.
func (n *Negotiator) Negotiate(width, height, frameRate int) (Profile, error) {
	profile, err := n.negotiate(width, height, frameRate)
	metrics.ObserveNegotiation(ReasonLabel(err))

	log := logger.WithComponent("negotiator")
	if err != nil {
		log.Info().Err(err).
			Int("width", width).
			Int("height", height).
			Int("fps", frameRate).
			Msg("Capture request rejected")
		return Profile{}, err
	}

	log.Debug().
		Str("encoder", profile.Encoder).
		Str("level", profile.Level.String()).
		Int("max_fps", profile.MaxFrameRate).
		Int("bit_rate", profile.BitRate).
		Msg("Encoder profile negotiated")
	return profile, nil
}

func (n *Negotiator) negotiate(width, height, frameRate int) (Profile, error) {
	reject := func(reason error, detail string, cause error) (Profile, error) {
		return Profile{}, &CapabilityError{
			Reason:    reason,
			Width:     width,
			Height:    height,
			FrameRate: frameRate,
			Detail:    detail,
			Err:       cause,
		}
	}

	if width <= 0 || height <= 0 || frameRate <= 0 {
		return reject(ErrInvalidRequest, "width, height and frame rate must be positive", nil)
	}

	descriptors, err := n.facility.ListEncoders(n.mediaType)
	if err != nil {
		return reject(ErrNoEncoderAvailable, "listing encoders failed", err)
	}

	var selected *Descriptor
	for i := range descriptors {
		if descriptors[i].Supports(n.mediaType) {
			selected = &descriptors[i]
			break
		}
	}
	if selected == nil {
		return reject(ErrNoEncoderAvailable, n.mediaType, nil)
	}

	level := selected.HighestLevel()
	limits, exact := LimitsFor(level)
	if !exact {
		logger.WithComponent("negotiator").Debug().
			Str("encoder", selected.Name).
			Str("advertised_level", level.String()).
			Str("level", limits.Level.String()).
			Msg("Level has no table row, using fallback ceilings")
	}

	if width > limits.MaxWidth || height > limits.MaxHeight {
		return reject(ErrResolutionExceeded,
			fmt.Sprintf("level %s allows %dx%d", limits.Level, limits.MaxWidth, limits.MaxHeight), nil)
	}

	maxFrameRate := limits.MaxMacroblocksPerSecond / MacroblockCount(width, height)
	if frameRate > maxFrameRate {
		return reject(ErrFrameRateExceeded,
			fmt.Sprintf("level %s allows %d fps at this size", limits.Level, maxFrameRate), nil)
	}

	return Profile{
		MediaType:               n.mediaType,
		Encoder:                 selected.Name,
		Hardware:                selected.Hardware,
		Level:                   level,
		MaxWidth:                limits.MaxWidth,
		MaxHeight:               limits.MaxHeight,
		MaxBitRate:              limits.MaxBitRate,
		MaxMacroblocksPerSecond: limits.MaxMacroblocksPerSecond,
		MaxFrameRate:            maxFrameRate,
		Width:                   width,
		Height:                  height,
		FrameRate:               frameRate,
		BitRate:                 BitRate(width, height),
	}, nil
}
