/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package session

import (
	"time"

	"github.com/crmdial/softphone-go-sdk/hostbridge"
	"github.com/crmdial/softphone-go-sdk/transport"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// ---- Events ----

// Event is a state-machine input from any of the three channels or from
// a local user action.
type Event interface {
	isSessionEvent()
}

// EventDial is a validated local dial request.
type EventDial struct {
	CallID      string
	Number      string
	ContactID   string
	ContactType string
}

// EventDialFailed reports that opening the transport call failed.
type EventDialFailed struct {
	Message string
}

// EventInbound is an inbound-call announcement from the backend channel.
type EventInbound struct {
	CallID       string
	FromNumber   string
	ContactName  string
	ContactID    string
	LogID        string
	StartEpochMs int64
}

// EventTransport folds a transport lifecycle event into the session.
type EventTransport struct {
	transport.Event
}

// EventRemoteAnswered is the backend's remote-party-answered signal.
type EventRemoteAnswered struct {
	CallID string
}

// EventAccept is the user accepting a ringing inbound call.
type EventAccept struct{}

// EventReject is the user rejecting an inbound call before connect.
type EventReject struct{}

// EventHangup is the user ending the active call.
type EventHangup struct{}

// EventLogCreated attaches the host engagement identifier.
type EventLogCreated struct {
	LogID string
}

// EventPostCallDone finishes the post-call step (notes submitted or
// explicitly skipped).
type EventPostCallDone struct {
	Properties map[string]string
}

func (EventDial) isSessionEvent()           {}
func (EventDialFailed) isSessionEvent()     {}
func (EventInbound) isSessionEvent()        {}
func (EventTransport) isSessionEvent()      {}
func (EventRemoteAnswered) isSessionEvent() {}
func (EventAccept) isSessionEvent()         {}
func (EventReject) isSessionEvent()         {}
func (EventHangup) isSessionEvent()         {}
func (EventLogCreated) isSessionEvent()     {}
func (EventPostCallDone) isSessionEvent()   {}

// ---- Effects ----

// Effect is a side effect the orchestrator must execute after a
// transition. The transition function itself never touches the outside
// world, which is what makes it testable in isolation.
type Effect interface {
	isSessionEffect()
}

// EffectPlaceCall opens the transport call for an outbound dial.
type EffectPlaceCall struct {
	Number string
}

// EffectNotifyOutgoingStarted tells the host an outbound call began,
// carrying the same callID later host events correlate on.
type EffectNotifyOutgoingStarted struct {
	ToNumber string
	CallID   string
}

// EffectAnnounceIncoming forwards an inbound call to the host. The
// executor gates it on the cross-surface dedup ledger.
type EffectAnnounceIncoming struct {
	CallID       string
	FromNumber   string
	StartEpochMs int64
}

// EffectAnswerTransport accepts the ringing inbound transport call.
type EffectAnswerTransport struct{}

// EffectTerminateTransport tears down the active transport call.
type EffectTerminateTransport struct{}

// EffectStartTimer starts the duration timer.
type EffectStartTimer struct{}

// EffectStopTimer stops the duration timer, preserving its value.
type EffectStopTimer struct{}

// EffectNotifyAnswered tells the host the call was answered.
type EffectNotifyAnswered struct {
	CallID string
}

// EffectNotifyEnded tells the host the call ended. The executor applies
// a short delay so an in-flight engagement creation can finish first.
type EffectNotifyEnded struct {
	CallID    string
	LogID     string
	EndStatus EndStatus
}

// EffectNotifyCompleted finishes the post-call step with the host.
type EffectNotifyCompleted struct {
	LogID      string
	Properties map[string]string
}

// EffectClearSession returns the surface to idle.
type EffectClearSession struct{}

func (EffectPlaceCall) isSessionEffect()             {}
func (EffectNotifyOutgoingStarted) isSessionEffect() {}
func (EffectAnnounceIncoming) isSessionEffect()      {}
func (EffectAnswerTransport) isSessionEffect()       {}
func (EffectTerminateTransport) isSessionEffect()    {}
func (EffectStartTimer) isSessionEffect()            {}
func (EffectStopTimer) isSessionEffect()             {}
func (EffectNotifyAnswered) isSessionEffect()        {}
func (EffectNotifyEnded) isSessionEffect()           {}
func (EffectNotifyCompleted) isSessionEffect()       {}
func (EffectClearSession) isSessionEffect()          {}

// ---- Machine ----

// Machine is the pure call-session state machine. Role decides whether
// this surface renders call UI for inbound calls; clock supplies the
// instants recorded on connect and end.
type Machine struct {
	role  hostbridge.WindowRole
	clock Clock
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithClock sets the time source for the machine.
func WithClock(c Clock) MachineOption {
	return func(m *Machine) { m.clock = c }
}

// NewMachine creates a Machine for the given window role.
func NewMachine(role hostbridge.WindowRole, opts ...MachineOption) *Machine {
	m := &Machine{role: role, clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// isCallSurface reports whether this surface renders live call UI.
func (m *Machine) isCallSurface() bool {
	return m.role == hostbridge.RoleCallWindow
}

// Transition folds one event into the session and returns the new
// session plus the side effects to execute. It is a pure function of
// its inputs apart from reading the clock.
func (m *Machine) Transition(s CallSession, ev Event) (CallSession, []Effect) {
	// An inbound announcement always reaches the host, even while this
	// surface is busy with another call or sitting on the post-call
	// screen. Only the idle surface also takes it on as its session.
	if e, ok := ev.(EventInbound); ok && s.Phase != PhaseIdle && s.Phase != "" {
		if e.CallID == s.CallID {
			return s, nil
		}
		return s, []Effect{EffectAnnounceIncoming{
			CallID:       e.CallID,
			FromNumber:   e.FromNumber,
			StartEpochMs: e.StartEpochMs,
		}}
	}

	switch s.Phase {
	case PhaseIdle, "":
		return m.fromIdle(s, ev)
	case PhaseDialing:
		return m.fromDialing(s, ev)
	case PhaseIncomingAnnounced, PhaseRinging:
		if s.Direction == DirectionInbound {
			return m.fromInboundRinging(s, ev)
		}
		return m.fromOutboundRinging(s, ev)
	case PhaseConnected:
		return m.fromConnected(s, ev)
	case PhaseEnded:
		return m.fromEnded(s, ev)
	default:
		return s, nil
	}
}

func (m *Machine) fromIdle(s CallSession, ev Event) (CallSession, []Effect) {
	switch e := ev.(type) {
	case EventDial:
		next := CallSession{
			CallID:       e.CallID,
			Direction:    DirectionOutbound,
			RemoteNumber: e.Number,
			ContactID:    e.ContactID,
			Phase:        PhaseDialing,
		}
		return next, []Effect{
			EffectPlaceCall{Number: e.Number},
			EffectNotifyOutgoingStarted{ToNumber: e.Number, CallID: e.CallID},
		}

	case EventInbound:
		announce := EffectAnnounceIncoming{
			CallID:       e.CallID,
			FromNumber:   e.FromNumber,
			StartEpochMs: e.StartEpochMs,
		}
		if !m.isCallSurface() {
			// Not the call-handling surface: forward to the host, stay idle.
			return s, []Effect{announce}
		}
		next := CallSession{
			CallID:       e.CallID,
			Direction:    DirectionInbound,
			RemoteNumber: e.FromNumber,
			ContactName:  e.ContactName,
			ContactID:    e.ContactID,
			LogID:        e.LogID,
			Phase:        PhaseIncomingAnnounced,
		}
		return next, []Effect{announce}

	default:
		return s, nil
	}
}

func (m *Machine) fromDialing(s CallSession, ev Event) (CallSession, []Effect) {
	switch e := ev.(type) {
	case EventDialFailed:
		return m.toEnded(s, EndFailed, e.Message)

	case EventTransport:
		return m.foldOutboundTransport(s, e.Event)

	case EventRemoteAnswered:
		return m.outboundAnswered(s, e.CallID)

	case EventLogCreated:
		s.LogID = e.LogID
		return s, nil

	case EventHangup:
		return s, []Effect{EffectTerminateTransport{}}

	default:
		return s, nil
	}
}

func (m *Machine) fromOutboundRinging(s CallSession, ev Event) (CallSession, []Effect) {
	switch e := ev.(type) {
	case EventTransport:
		return m.foldOutboundTransport(s, e.Event)

	case EventRemoteAnswered:
		return m.outboundAnswered(s, e.CallID)

	case EventLogCreated:
		s.LogID = e.LogID
		return s, nil

	case EventHangup:
		return s, []Effect{EffectTerminateTransport{}}

	default:
		return s, nil
	}
}

func (m *Machine) fromInboundRinging(s CallSession, ev Event) (CallSession, []Effect) {
	switch e := ev.(type) {
	case EventTransport:
		switch e.Status {
		case transport.StatusRinging:
			// The screen keeps the incoming-call presentation; the user
			// must accept explicitly.
			s.Phase = PhaseRinging
			if e.TransportCallID != "" {
				s.TransportCallID = e.TransportCallID
			}
			return s, nil

		case transport.StatusConnected:
			// Accepting an inbound call implies the remote party is
			// already on the line: transport audio alone connects it.
			s.Phase = PhaseConnected
			s.Connected = true
			s.StartedAt = m.clock()
			if e.TransportCallID != "" {
				s.TransportCallID = e.TransportCallID
			}
			return s, []Effect{
				EffectStartTimer{},
				EffectNotifyAnswered{CallID: s.CallID},
			}

		case transport.StatusEnded:
			// Caller hung up before we answered.
			return m.toEnded(s, EndMissed, "")

		case transport.StatusError:
			return m.toEnded(s, EndFailed, e.ErrorMessage)
		}
		return s, nil

	case EventAccept:
		return s, []Effect{EffectAnswerTransport{}}

	case EventReject:
		next, effects := m.toEnded(s, EndCanceled, "")
		return next, append([]Effect{EffectTerminateTransport{}}, effects...)

	case EventLogCreated:
		s.LogID = e.LogID
		return s, nil

	default:
		return s, nil
	}
}

func (m *Machine) fromConnected(s CallSession, ev Event) (CallSession, []Effect) {
	switch e := ev.(type) {
	case EventTransport:
		switch e.Status {
		case transport.StatusEnded:
			return m.toEnded(s, EndCompleted, "")
		case transport.StatusError:
			return m.toEnded(s, EndFailed, e.ErrorMessage)
		}
		return s, nil

	case EventHangup:
		return s, []Effect{EffectTerminateTransport{}}

	case EventLogCreated:
		s.LogID = e.LogID
		return s, nil

	default:
		return s, nil
	}
}

func (m *Machine) fromEnded(s CallSession, ev Event) (CallSession, []Effect) {
	switch e := ev.(type) {
	case EventPostCallDone:
		return CallSession{Phase: PhaseIdle}, []Effect{
			EffectNotifyCompleted{LogID: s.LogID, Properties: e.Properties},
			EffectClearSession{},
		}

	case EventLogCreated:
		// The engagement can land after the call ends; keep it for the
		// completion notification.
		s.LogID = e.LogID
		return s, nil

	default:
		return s, nil
	}
}

// foldOutboundTransport applies a transport event to an outbound session
// in the dialing or ringing phase.
func (m *Machine) foldOutboundTransport(s CallSession, ev transport.Event) (CallSession, []Effect) {
	if ev.TransportCallID != "" {
		s.TransportCallID = ev.TransportCallID
	}

	switch ev.Status {
	case transport.StatusConnecting:
		return s, nil

	case transport.StatusRinging:
		// Outbound: switch to the active-call presentation, still not
		// connected.
		s.Phase = PhaseRinging
		return s, nil

	case transport.StatusConnected:
		// Audio path established. The remote party may not have picked
		// up yet, so this alone never flips the user-visible flag or
		// starts the timer.
		s.AudioPathUp = true
		return s, nil

	case transport.StatusEnded:
		return m.toEnded(s, EndCompleted, "")

	case transport.StatusError:
		return m.toEnded(s, EndFailed, ev.ErrorMessage)
	}
	return s, nil
}

// outboundAnswered handles the backend remote-party-answered signal:
// the only trigger that connects an outbound call. The signal must name
// our call; an answer without a callId is not a match.
func (m *Machine) outboundAnswered(s CallSession, callID string) (CallSession, []Effect) {
	if callID == "" || (callID != s.CallID && callID != s.TransportCallID) {
		return s, nil
	}
	s.Phase = PhaseConnected
	s.Connected = true
	s.StartedAt = m.clock()
	return s, []Effect{
		EffectStartTimer{},
		EffectNotifyAnswered{CallID: s.CallID},
	}
}

// toEnded finishes the cycle with the given status. The host call-end
// notification is issued only when an engagement exists to attach it to.
func (m *Machine) toEnded(s CallSession, status EndStatus, errMsg string) (CallSession, []Effect) {
	wasConnected := s.Connected
	s.Phase = PhaseEnded
	s.EndStatus = status
	s.Connected = false
	s.EndedAt = m.clock()
	s.ErrorMessage = errMsg

	var effects []Effect
	if wasConnected {
		effects = append(effects, EffectStopTimer{})
	}
	if s.LogID != "" {
		effects = append(effects, EffectNotifyEnded{
			CallID:    s.CallID,
			LogID:     s.LogID,
			EndStatus: status,
		})
	}
	return s, effects
}
