package session

import (
	"errors"
	"fmt"
)

// State is a capture session lifecycle state.
type State int

const (
	Idle State = iota
	AwaitingGrant
	GrantHeld
	Active
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingGrant:
		return "awaiting_grant"
	case GrantHeld:
		return "grant_held"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for st := Idle; st <= Failed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// StopReason says why a session left the active state.
type StopReason string

const (
	StopUser           StopReason = "user"
	StopPaused         StopReason = "paused"
	StopRevoked        StopReason = "revoked"
	StopDisplayRemoved StopReason = "display_removed"
	StopFault          StopReason = "fault"
	StopShutdown       StopReason = "shutdown"
)

// State-machine misuse.
var (
	ErrSessionActive = errors.New("a capture session already exists")
	ErrAlreadyActive = errors.New("capture session already active")
	ErrNoGrant       = errors.New("no capture grant held")
	ErrLoopStopped   = errors.New("capture coordinator stopped")
)

// Allocation steps, in allocation order.
const (
	StepEncoder        = "encoder"
	StepInputSurface   = "input_surface"
	StepVirtualDisplay = "virtual_display"
	StepRecording      = "recording"
)

// ResourceAllocationError reports which allocation step failed after the
// grant was obtained. Everything allocated before it has been rolled back.
type ResourceAllocationError struct {
	Step string
	Err  error
}

func (e *ResourceAllocationError) Error() string {
	return fmt.Sprintf("failed to allocate %s: %v", e.Step, e.Err)
}

func (e *ResourceAllocationError) Unwrap() error {
	return e.Err
}

// NoticeKind classifies a user-facing notice.
type NoticeKind string

const (
	NoticeCapabilityRejected  NoticeKind = "capability_rejected"
	NoticeAuthorizationDenied NoticeKind = "authorization_denied"
	NoticeAllocationFailed    NoticeKind = "allocation_failed"
	NoticeStopped             NoticeKind = "stopped"
)

// Notice is the single terminal outcome of a capture attempt. Revocation and
// other external stops produce an informational NoticeStopped.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	SessionID string     `json:"session_id,omitempty"`
	Reason    StopReason `json:"reason,omitempty"`
	Message   string     `json:"message"`
}
