/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package session

import "time"

// Direction is the direction of a call relative to the local user.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Phase is the connection phase of the call session. Phases only ever
// move forward through the cycle; the sole shortcut is reject/cancel
// from a pre-connect phase straight to PhaseEnded.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseDialing           Phase = "dialing"
	PhaseIncomingAnnounced Phase = "incoming_announced"
	PhaseRinging           Phase = "ringing"
	PhaseConnected         Phase = "connected"
	PhaseEnded             Phase = "ended"
)

// EndStatus is how a call cycle finished.
type EndStatus string

const (
	EndCompleted EndStatus = "completed"
	EndCanceled  EndStatus = "canceled"
	EndFailed    EndStatus = "failed"
	EndMissed    EndStatus = "missed"
)

// CallSession is the single mutable record representing the call
// currently relevant to this surface. It is owned and mutated only by
// the orchestrator; at most one non-ended session exists at a time.
type CallSession struct {
	// CallID is locally generated for outbound calls and assigned by
	// the backend or transport for inbound calls.
	CallID string

	// TransportCallID is the transport-assigned identifier, once the
	// transport confirms it.
	TransportCallID string

	Direction    Direction
	RemoteNumber string
	ContactName  string
	ContactID    string

	// LogID is the host engagement/log identifier, attached once the
	// host creates it.
	LogID string

	Phase     Phase
	EndStatus EndStatus

	// Connected is the user-visible connected flag. For outbound calls
	// it means the remote party answered; for inbound calls it means
	// the transport audio path is established.
	Connected bool

	// AudioPathUp records transport-level connectivity for outbound
	// calls whose remote party has not answered yet.
	AudioPathUp bool

	// StartedAt is the wall-clock instant of audible connection, not of
	// dial. Zero until Connected flips true.
	StartedAt time.Time

	// EndedAt is the wall-clock instant the call ended.
	EndedAt time.Time

	// ElapsedSeconds is the display elapsed time maintained by the
	// duration timer. Logged duration is computed from StartedAt and
	// EndedAt, never from this field.
	ElapsedSeconds int

	// ErrorMessage carries a user-visible failure description.
	ErrorMessage string
}

// Active returns true if a call cycle is in progress (including the
// post-call ended screen).
func (s CallSession) Active() bool {
	return s.Phase != PhaseIdle
}

// LoggedDurationSeconds is the authoritative call duration for host
// logging: connect instant to end instant, zero if never connected.
func (s CallSession) LoggedDurationSeconds() int {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return int(s.EndedAt.Sub(s.StartedAt) / time.Second)
}

// Screen is the user-facing presentation derived from the session.
type Screen string

const (
	ScreenIdle     Screen = "idle"
	ScreenIncoming Screen = "incoming"
	ScreenActive   Screen = "active"
	ScreenEnded    Screen = "ended"

	// Pre-call permission screens.
	ScreenPermissionRequest Screen = "permission_request"
	ScreenPermissionPending Screen = "permission_pending"
	ScreenPermissionDenied  Screen = "permission_denied"
	ScreenPermissionExpired Screen = "permission_expired"
)

// ScreenFor derives the screen for a session. An inbound call that is
// ringing still presents the incoming-call screen: the user must accept
// explicitly before the active presentation appears.
func ScreenFor(s CallSession) Screen {
	switch s.Phase {
	case PhaseIdle:
		return ScreenIdle
	case PhaseIncomingAnnounced:
		return ScreenIncoming
	case PhaseRinging:
		if s.Direction == DirectionInbound {
			return ScreenIncoming
		}
		return ScreenActive
	case PhaseDialing, PhaseConnected:
		return ScreenActive
	case PhaseEnded:
		return ScreenEnded
	default:
		return ScreenIdle
	}
}
