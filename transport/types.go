/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package transport

// Status is the lifecycle status reported by the voice transport.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusRinging    Status = "ringing"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
	StatusError      Status = "error"
)

// Event is a single transport lifecycle event. Events are ephemeral:
// they are delivered to the subscriber and never buffered, so a late
// subscriber misses prior events by design.
type Event struct {
	// Status is the transport lifecycle status.
	Status Status

	// TransportCallID is the transport-assigned call identifier, once known.
	TransportCallID string

	// ErrorMessage carries the failure detail for StatusError events.
	ErrorMessage string

	// DurationSeconds is the transport-reported call duration, present
	// on StatusEnded events. Display code must not use it: transport
	// duration semantics differ between inbound and outbound calls.
	DurationSeconds int
}

// Handler receives transport events. Handlers run on the delivering
// goroutine and must not block.
type Handler func(Event)

// CallHandle identifies a call opened through the transport.
type CallHandle struct {
	// CallID is the locally generated call identifier.
	CallID string
}

// signalingEventType identifies the type of signaling feed event.
type signalingEventType string

const (
	signalingCallRinging   signalingEventType = "call.ringing"
	signalingCallConnected signalingEventType = "call.connected"
	signalingCallEnded     signalingEventType = "call.ended"
	signalingCallError     signalingEventType = "call.error"
)

// SignalingEvent is a call event from the transport signaling feed.
type SignalingEvent struct {
	EventType       signalingEventType `json:"eventType"`
	CallID          string             `json:"callId,omitempty"`
	DurationSeconds int                `json:"durationSeconds,omitempty"`
	Message         string             `json:"message,omitempty"`
}

// tokenResponse is the payload of the signaling token endpoint.
type tokenResponse struct {
	Token string `json:"token"`
}

// registrationResponse is the payload of the device registration endpoint.
type registrationResponse struct {
	DeviceID string `json:"deviceId"`
}

// callResponse is the payload returned when a call is opened.
type callResponse struct {
	CallID string `json:"callId"`
}
