/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package hostbridge is the request/response and event-callback facade
// to the embedding CRM host. It surfaces host-assigned identifiers
// (session user, engagement log, window role) and sends call lifecycle
// notifications back to the host.
//
// The host SDK connection must exist exactly once per process no matter
// how many times the owning UI component is constructed and destroyed,
// so the bridge is usually obtained through Shared. Listeners register
// under a caller-chosen key; re-registering the same key is silently
// ignored, which lets UI code re-attach on every construction without
// stacking duplicate handlers.
package hostbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/crmdial/softphone-go-sdk/emitter"
	"github.com/crmdial/softphone-go-sdk/hostsdk"
)

// WindowRole identifies what this browser context is for.
type WindowRole string

const (
	// RoleCallWindow marks the detached call-handling surface: the one
	// context that renders live call UI.
	RoleCallWindow WindowRole = "call_window"

	// RoleEmbedded marks an embedded CRM iframe surface. Embedded
	// surfaces forward inbound calls to the host and stay idle.
	RoleEmbedded WindowRole = "embedded"
)

// PermissionStatus is the outcome of a calling-permission check.
type PermissionStatus string

const (
	PermissionGranted PermissionStatus = "granted"
	PermissionPending PermissionStatus = "pending"
	PermissionDenied  PermissionStatus = "denied"

	// PermissionExpired is a distinguished denial: the previous grant
	// lapsed and the user may re-request instead of being hard-denied.
	PermissionExpired PermissionStatus = "expired"
)

// ReadyEvent is delivered when the host finishes its own bootstrapping.
type ReadyEvent struct {
	SessionUserID string     `json:"sessionUserId"`
	HostCallLogID string     `json:"hostCallLogId,omitempty"`
	WindowRole    WindowRole `json:"windowRole"`
}

// DialRequest is an outbound dial initiated from host UI.
type DialRequest struct {
	Number      string `json:"number"`
	ContactID   string `json:"contactId"`
	ContactType string `json:"contactType"`
}

// LogCreated reports that the host created an engagement/log record.
type LogCreated struct {
	LogID string `json:"logId"`
}

// Event names on the bridge emitter.
const (
	eventReady         = "ready"
	eventDialRequested = "dial_requested"
	eventLogCreated    = "log_created"
)

// Config holds the configuration for the host bridge.
type Config struct {
	// Logger is the logger for bridge operations. If nil, the core
	// client's logger is used.
	Logger hostsdk.Logger
}

// Bridge is the host facade. All Notify methods are fire-and-report:
// they return the error for logging but callers must never block a
// screen transition on them.
type Bridge struct {
	core    *hostsdk.Client
	logger  hostsdk.Logger
	emitter *emitter.Emitter

	mu       sync.Mutex
	attached map[string]struct{}
}

// New creates a bridge on the given core client. Most callers want
// Shared instead; New exists for tests and embedders that manage their
// own lifecycle.
func New(core *hostsdk.Client, config *Config) *Bridge {
	var logger hostsdk.Logger
	if config != nil && config.Logger != nil {
		logger = config.Logger
	} else if core != nil {
		logger = core.GetLogger()
	} else {
		logger = log.Default()
	}

	return &Bridge{
		core:     core,
		logger:   logger,
		emitter:  emitter.New(),
		attached: make(map[string]struct{}),
	}
}

// Name implements hostsdk.Plugin.
func (b *Bridge) Name() string { return "hostbridge" }

// ---- Singleton ----

var (
	sharedMu sync.Mutex
	shared   *Bridge
)

// Shared returns the process-wide bridge, constructing it lazily on
// first use. The core client of the first call wins; later calls return
// the existing bridge regardless of their argument.
func Shared(core *hostsdk.Client, config *Config) *Bridge {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = New(core, config)
	}
	return shared
}

// resetShared discards the singleton. Tests only.
func resetShared() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	shared = nil
}

// ---- Listener registry ----

// on registers handler for event under key. Duplicate keys are ignored.
func (b *Bridge) on(event, key string, handler emitter.Handler) {
	regKey := event + ":" + key
	b.mu.Lock()
	if _, dup := b.attached[regKey]; dup {
		b.mu.Unlock()
		return
	}
	b.attached[regKey] = struct{}{}
	b.mu.Unlock()
	b.emitter.On(event, handler)
}

// OnReady registers a handler for host readiness under key.
func (b *Bridge) OnReady(key string, handler func(*ReadyEvent)) {
	b.on(eventReady, key, func(data interface{}) {
		if ev, ok := data.(*ReadyEvent); ok {
			handler(ev)
		}
	})
}

// OnDialRequested registers a handler for host dial requests under key.
func (b *Bridge) OnDialRequested(key string, handler func(*DialRequest)) {
	b.on(eventDialRequested, key, func(data interface{}) {
		if req, ok := data.(*DialRequest); ok {
			handler(req)
		}
	})
}

// OnLogCreated registers a handler for engagement creation under key.
func (b *Bridge) OnLogCreated(key string, handler func(*LogCreated)) {
	b.on(eventLogCreated, key, func(data interface{}) {
		if ev, ok := data.(*LogCreated); ok {
			handler(ev)
		}
	})
}

// ---- Host event intake ----

// hostEnvelope is the frame shape for events injected by the host SDK.
type hostEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// HandleHostEvent decodes a host lifecycle event frame and dispatches it
// to listeners. Unknown types are ignored.
func (b *Bridge) HandleHostEvent(raw []byte) {
	var env hostEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.logger.Printf("hostbridge: dropping malformed host event: %v", err)
		return
	}

	switch env.Type {
	case eventReady:
		var ev ReadyEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			b.logger.Printf("hostbridge: dropping malformed ready event: %v", err)
			return
		}
		b.DispatchReady(&ev)

	case eventDialRequested:
		var req DialRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			b.logger.Printf("hostbridge: dropping malformed dial request: %v", err)
			return
		}
		b.DispatchDialRequested(&req)

	case eventLogCreated:
		var ev LogCreated
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			b.logger.Printf("hostbridge: dropping malformed log event: %v", err)
			return
		}
		b.DispatchLogCreated(&ev)
	}
}

// DispatchReady delivers a typed readiness event to listeners.
func (b *Bridge) DispatchReady(ev *ReadyEvent) {
	b.emitter.Emit(eventReady, ev)
}

// DispatchDialRequested delivers a typed dial request to listeners.
func (b *Bridge) DispatchDialRequested(req *DialRequest) {
	b.emitter.Emit(eventDialRequested, req)
}

// DispatchLogCreated delivers a typed engagement event to listeners.
func (b *Bridge) DispatchLogCreated(ev *LogCreated) {
	b.emitter.Emit(eventLogCreated, ev)
}

// ---- Actions ----

// NotifyOutgoingCallStarted tells the host an outbound call began. The
// callID here is the same ID later host events correlate on.
func (b *Bridge) NotifyOutgoingCallStarted(toNumber, fromNumber, callID string) error {
	return b.notify("calls/outgoing", map[string]string{
		"toNumber":   toNumber,
		"fromNumber": fromNumber,
		"callId":     callID,
	})
}

// NotifyIncomingCall announces an inbound call to the host.
func (b *Bridge) NotifyIncomingCall(callID, fromNumber string, startEpochMs int64) error {
	return b.notify("calls/incoming", map[string]interface{}{
		"callId":       callID,
		"fromNumber":   fromNumber,
		"startEpochMs": startEpochMs,
	})
}

// NotifyCallAnswered tells the host a call was answered.
func (b *Bridge) NotifyCallAnswered(callID string) error {
	return b.notify("calls/answered", map[string]string{
		"callId": callID,
	})
}

// NotifyCallEnded tells the host a call ended with the given status.
func (b *Bridge) NotifyCallEnded(callID, logID, endStatus string) error {
	return b.notify("calls/ended", map[string]string{
		"callId":    callID,
		"logId":     logID,
		"endStatus": endStatus,
	})
}

// NotifyCallCompleted finishes the post-call step, attaching notes
// properties to the engagement record.
func (b *Bridge) NotifyCallCompleted(logID string, properties map[string]string) error {
	return b.notify("calls/completed", map[string]interface{}{
		"logId":      logID,
		"properties": properties,
	})
}

// notify POSTs a notification to the host and maps non-2xx responses to
// structured errors.
func (b *Bridge) notify(path string, payload interface{}) error {
	if b.core == nil {
		return fmt.Errorf("hostbridge has no core client")
	}

	resp, err := b.core.Request(http.MethodPost, path, nil, payload)
	if err != nil {
		return fmt.Errorf("host notification %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return hostsdk.NewAPIError(resp, body)
	}
	return nil
}

// ---- Permission ----

// permissionResponse is the payload of the permission endpoint.
type permissionResponse struct {
	Status PermissionStatus `json:"status"`
}

// CheckCallingPermission asks the host whether this user may place and
// receive calls. The business rules behind the answer are the host's.
func (b *Bridge) CheckCallingPermission(ctx context.Context) (PermissionStatus, error) {
	if b.core == nil {
		return "", fmt.Errorf("hostbridge has no core client")
	}

	resp, err := b.core.RequestWithContext(ctx, http.MethodGet, "calling/permission", nil, nil)
	if err != nil {
		return "", fmt.Errorf("permission check: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("permission check: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", hostsdk.NewAPIError(resp, body)
	}

	var parsed permissionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("permission check: %w", err)
	}

	switch parsed.Status {
	case PermissionGranted, PermissionPending, PermissionDenied, PermissionExpired:
		return parsed.Status, nil
	default:
		return "", fmt.Errorf("permission check: unknown status %q", parsed.Status)
	}
}
