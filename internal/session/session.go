// Package session owns the capture session lifecycle: authorization, encoder
// and virtual display allocation, recording, and ordered teardown.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/bryanchriswhite/PresentationRecorder/internal/display"
	"github.com/bryanchriswhite/PresentationRecorder/internal/encoder"
	"github.com/bryanchriswhite/PresentationRecorder/internal/grant"
)

// Request is a capture request. It is passed by value and never mutated.
type Request struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	DensityDPI int    `json:"density_dpi"`
	FrameRate  int    `json:"frame_rate"`
	OutputPath string `json:"output_path"`
}

// Validate rejects requests that cannot describe a capture.
func (r Request) Validate() error {
	invalid := func(detail string) error {
		return &encoder.CapabilityError{
			Reason:    encoder.ErrInvalidRequest,
			Width:     r.Width,
			Height:    r.Height,
			FrameRate: r.FrameRate,
			Detail:    detail,
		}
	}
	switch {
	case r.Width <= 0 || r.Height <= 0:
		return invalid("width and height must be positive")
	case r.FrameRate <= 0:
		return invalid("frame rate must be positive")
	case r.DensityDPI <= 0:
		return invalid("density must be positive")
	case strings.TrimSpace(r.OutputPath) == "":
		return invalid("output path is required")
	}
	return nil
}

// CaptureSession is the one live capture. Only the coordinator's loop
// touches it.
type CaptureSession struct {
	ID         string
	Generation uint64
	State      State
	Request    Request
	Profile    encoder.Profile
	CreatedAt  time.Time
	StartedAt  time.Time

	grant   grant.Grant
	revoked bool
	encoder encoder.Session
	surface encoder.Surface
	display display.VirtualDisplay
	content bool
}

// CheckInvariant verifies the handle ordering: a display needs an encoder,
// an encoder needs a grant, and Active needs both encoder and display.
func (s *CaptureSession) CheckInvariant() error {
	if s.display != nil && s.encoder == nil {
		return fmt.Errorf("session %s: virtual display held without encoder", s.ID)
	}
	if s.encoder != nil && s.grant == nil {
		return fmt.Errorf("session %s: encoder held without grant", s.ID)
	}
	if s.surface != nil && s.encoder == nil {
		return fmt.Errorf("session %s: input surface held without encoder", s.ID)
	}
	if s.content && s.display == nil {
		return fmt.Errorf("session %s: secondary content bound without display", s.ID)
	}
	if s.State == Active && (s.encoder == nil || s.display == nil) {
		return fmt.Errorf("session %s: active without encoder and display", s.ID)
	}
	if s.State == Idle {
		return fmt.Errorf("session %s: idle session still exists", s.ID)
	}
	return nil
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State      State            `json:"state"`
	SessionID  string           `json:"session_id,omitempty"`
	Request    *Request         `json:"request,omitempty"`
	Profile    *encoder.Profile `json:"profile,omitempty"`
	DisplayID  uint32           `json:"display_id,omitempty"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	Recording  string           `json:"recording,omitempty"`
	LastNotice *Notice          `json:"last_notice,omitempty"`
}

func (s *CaptureSession) status() Status {
	st := Status{State: s.State, SessionID: s.ID}
	req := s.Request
	st.Request = &req
	if s.State >= GrantHeld {
		p := s.Profile
		st.Profile = &p
	}
	if s.display != nil {
		st.DisplayID = uint32(s.display.ID())
	}
	if !s.StartedAt.IsZero() {
		t := s.StartedAt
		st.StartedAt = &t
		st.Recording = s.Request.OutputPath
	}
	return st
}
