/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package session owns the call-session orchestration engine: it
// reconciles voice-transport events, backend push notifications, and
// CRM host lifecycle events into one authoritative call session, and is
// the single caller of host-bridge notifications.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crmdial/softphone-go-sdk/emitter"
	"github.com/crmdial/softphone-go-sdk/hostbridge"
	"github.com/crmdial/softphone-go-sdk/hostsdk"
	"github.com/crmdial/softphone-go-sdk/notifications"
	"github.com/crmdial/softphone-go-sdk/transport"
)

// Transport is the voice-transport surface the orchestrator drives.
// *transport.Client satisfies it.
type Transport interface {
	Subscribe(transport.Handler) error
	Initialize(identity string) error
	PlaceCall(e164Number string) (*transport.CallHandle, error)
	AnswerActiveCall() error
	TerminateActiveCall() error
	SetMuted(muted bool) error
	Destroy()
}

// PushChannel is the inbound notification surface. *notifications.Channel
// satisfies it.
type PushChannel interface {
	Connect(userIdentity string) error
	Disconnect()
	OnInboundCall(func(*notifications.InboundCall)) func()
	OnRemotePartyAnswered(func(*notifications.RemoteAnswered)) func()
	OnCallStatusUpdate(func(json.RawMessage)) func()
}

// HostBridge is the CRM host surface. *hostbridge.Bridge satisfies it.
type HostBridge interface {
	OnReady(key string, handler func(*hostbridge.ReadyEvent))
	OnDialRequested(key string, handler func(*hostbridge.DialRequest))
	OnLogCreated(key string, handler func(*hostbridge.LogCreated))
	NotifyOutgoingCallStarted(toNumber, fromNumber, callID string) error
	NotifyIncomingCall(callID, fromNumber string, startEpochMs int64) error
	NotifyCallAnswered(callID string) error
	NotifyCallEnded(callID, logID, endStatus string) error
	NotifyCallCompleted(logID string, properties map[string]string) error
	CheckCallingPermission(ctx context.Context) (hostbridge.PermissionStatus, error)
}

// ClaimLedger gates inbound-call announcements across surfaces.
// *ledger.Ledger satisfies it.
type ClaimLedger interface {
	TryClaim(callID string, ttl time.Duration) (bool, error)
	Release(callID string) error
	ReleaseAfter(callID string) *time.Timer
}

// Emitter event names.
const (
	eventScreenChanged = "screen_changed"
	eventTick          = "tick"
)

// Config holds the configuration for the orchestrator.
type Config struct {
	// Role is this surface's window role until the host's ready event
	// supplies the authoritative one.
	Role hostbridge.WindowRole

	// FromNumber is the local line number reported on outbound calls.
	FromNumber string

	// EndNotifyDelay is how long to wait before sending the call-end
	// notification, giving an in-flight engagement creation time to
	// finish. Default: 2s.
	EndNotifyDelay time.Duration

	// Logger is the logger for orchestrator operations. If nil, the
	// standard library's default logger is used.
	Logger hostsdk.Logger
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() *Config {
	return &Config{
		Role:           hostbridge.RoleEmbedded,
		EndNotifyDelay: 2 * time.Second,
	}
}

// Orchestrator is the single writer of the call session. All handlers
// serialize on one mutex, so state reads and writes within one handler
// are atomic with respect to every other handler.
type Orchestrator struct {
	mu sync.Mutex

	config *Config
	logger hostsdk.Logger

	machine *Machine
	clock   Clock

	session    CallSession
	screen     Screen
	permission hostbridge.PermissionStatus
	lastError  string

	transport Transport
	channel   PushChannel
	bridge    HostBridge
	claims    ClaimLedger
	timer     *DurationTimer
	emitter   *emitter.Emitter

	userID       string
	pendingLogID string
	started      bool
	unsubs       []func()
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSessionClock sets the time source used for connect and end
// instants.
func WithSessionClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// NewOrchestrator creates an orchestrator over the three channels and
// the dedup ledger.
func NewOrchestrator(t Transport, ch PushChannel, b HostBridge, claims ClaimLedger, config *Config, opts ...Option) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.EndNotifyDelay == 0 {
		config.EndNotifyDelay = 2 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	o := &Orchestrator{
		config:    config,
		logger:    logger,
		clock:     time.Now,
		transport: t,
		channel:   ch,
		bridge:    b,
		claims:    claims,
		emitter:   emitter.New(),
		screen:    ScreenIdle,
		session:   CallSession{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(o)
	}

	o.machine = NewMachine(config.Role, WithClock(o.clock))
	o.timer = NewDurationTimer(o.handleTick)
	return o
}

// Start attaches the orchestrator to its channels. The transport
// subscription happens here, before any call action can occur — the
// transport stream does not buffer, so a late subscriber would miss
// events.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	if err := o.transport.Subscribe(o.handleTransportEvent); err != nil {
		return fmt.Errorf("subscribing to transport: %w", err)
	}

	o.bridge.OnReady("session-orchestrator", o.handleReady)
	o.bridge.OnDialRequested("session-orchestrator", o.handleDialRequested)
	o.bridge.OnLogCreated("session-orchestrator", o.handleLogCreated)

	o.unsubs = append(o.unsubs,
		o.channel.OnInboundCall(o.handleInboundCall),
		o.channel.OnRemotePartyAnswered(o.handleRemoteAnswered),
	)
	return nil
}

// Stop detaches channel subscriptions and tears down the transport.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	unsubs := o.unsubs
	o.unsubs = nil
	o.started = false
	o.mu.Unlock()

	for _, off := range unsubs {
		off()
	}
	o.timer.Stop()
	o.channel.Disconnect()
	o.transport.Destroy()
}

// ---- Accessors ----

// Session returns a copy of the current call session.
func (o *Orchestrator) Session() CallSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// Screen returns the current user-facing screen.
func (o *Orchestrator) Screen() Screen {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.screen
}

// Permission returns the last observed calling-permission status.
func (o *Orchestrator) Permission() hostbridge.PermissionStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.permission
}

// LastError returns the last user-visible error message.
func (o *Orchestrator) LastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastError
}

// OnScreenChanged subscribes to screen transitions. The returned func
// unsubscribes.
func (o *Orchestrator) OnScreenChanged(handler func(Screen)) func() {
	return o.emitter.On(eventScreenChanged, func(data interface{}) {
		if screen, ok := data.(Screen); ok {
			handler(screen)
		}
	})
}

// OnTick subscribes to duration timer ticks.
func (o *Orchestrator) OnTick(handler func(seconds int)) func() {
	return o.emitter.On(eventTick, func(data interface{}) {
		if seconds, ok := data.(int); ok {
			handler(seconds)
		}
	})
}

// ---- User actions ----

// Dial starts an outbound call. It fails if a call cycle is already in
// progress; the caller must re-dial explicitly after a failure.
func (o *Orchestrator) Dial(number, contactID, contactType string) error {
	if number == "" {
		return fmt.Errorf("number cannot be empty")
	}

	o.mu.Lock()
	if o.session.Active() {
		o.mu.Unlock()
		return fmt.Errorf("a call is already active")
	}
	o.mu.Unlock()

	o.dispatch(EventDial{
		CallID:      fmt.Sprintf("local-%s", uuid.New().String()),
		Number:      number,
		ContactID:   contactID,
		ContactType: contactType,
	})
	o.applyPendingLog()
	return nil
}

// Accept answers the ringing inbound call.
func (o *Orchestrator) Accept() {
	o.dispatch(EventAccept{})
}

// Reject declines the inbound call before connect.
func (o *Orchestrator) Reject() {
	o.dispatch(EventReject{})
}

// Hangup ends the active call.
func (o *Orchestrator) Hangup() {
	o.dispatch(EventHangup{})
}

// SetMuted mutes or unmutes the call audio.
func (o *Orchestrator) SetMuted(muted bool) error {
	return o.transport.SetMuted(muted)
}

// CompletePostCall finishes the post-call step, forwarding any notes
// properties to the host, and returns the surface to idle.
func (o *Orchestrator) CompletePostCall(properties map[string]string) {
	o.dispatch(EventPostCallDone{Properties: properties})
}

// RecheckPermission re-runs the permission check, used from the expired
// screen to re-request instead of hard-denying.
func (o *Orchestrator) RecheckPermission(ctx context.Context) {
	o.checkPermissionAndConnect(ctx)
}

// ---- Channel handlers ----

func (o *Orchestrator) handleReady(ev *hostbridge.ReadyEvent) {
	o.mu.Lock()
	o.userID = ev.SessionUserID
	o.pendingLogID = ev.HostCallLogID
	if ev.WindowRole != "" {
		// The host's role assignment is authoritative.
		o.machine = NewMachine(ev.WindowRole, WithClock(o.clock))
	}
	o.mu.Unlock()

	o.checkPermissionAndConnect(context.Background())
}

// checkPermissionAndConnect gates channel and transport bring-up on the
// host's permission answer.
func (o *Orchestrator) checkPermissionAndConnect(ctx context.Context) {
	status, err := o.bridge.CheckCallingPermission(ctx)
	if err != nil {
		o.logger.Printf("session: permission check failed: %v", err)
		o.setScreen(ScreenPermissionRequest)
		return
	}

	o.mu.Lock()
	o.permission = status
	userID := o.userID
	o.mu.Unlock()

	switch status {
	case hostbridge.PermissionPending:
		o.setScreen(ScreenPermissionPending)
		return
	case hostbridge.PermissionDenied:
		o.setScreen(ScreenPermissionDenied)
		return
	case hostbridge.PermissionExpired:
		o.setScreen(ScreenPermissionExpired)
		return
	}

	if err := o.channel.Connect(userID); err != nil {
		// Outbound calling still works without the push channel.
		o.logger.Printf("session: notification channel connect failed: %v", err)
	}

	if err := o.transport.Initialize(userID); err != nil {
		o.logger.Printf("session: transport initialization failed: %v", err)
		o.mu.Lock()
		o.lastError = err.Error()
		o.mu.Unlock()
		return
	}

	o.setScreen(ScreenIdle)
}

func (o *Orchestrator) handleDialRequested(req *hostbridge.DialRequest) {
	if err := o.Dial(req.Number, req.ContactID, req.ContactType); err != nil {
		o.logger.Printf("session: host dial request rejected: %v", err)
	}
}

func (o *Orchestrator) handleLogCreated(ev *hostbridge.LogCreated) {
	o.dispatch(EventLogCreated{LogID: ev.LogID})
}

func (o *Orchestrator) handleInboundCall(call *notifications.InboundCall) {
	o.mu.Lock()
	if o.session.Active() && o.session.CallID == call.CallID {
		// Duplicate delivery after a channel reconnect.
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.dispatch(EventInbound{
		CallID:       call.CallID,
		FromNumber:   call.FromNumber,
		ContactName:  call.ContactName,
		ContactID:    call.ContactID,
		LogID:        call.LogID,
		StartEpochMs: call.StartEpochMs,
	})
	o.applyPendingLog()
}

func (o *Orchestrator) handleRemoteAnswered(answered *notifications.RemoteAnswered) {
	o.dispatch(EventRemoteAnswered{CallID: answered.CallID})
}

func (o *Orchestrator) handleTransportEvent(ev transport.Event) {
	o.dispatch(EventTransport{Event: ev})
}

func (o *Orchestrator) handleTick(seconds int) {
	o.mu.Lock()
	if o.session.Connected {
		o.session.ElapsedSeconds = seconds
	}
	o.mu.Unlock()
	o.emitter.Emit(eventTick, seconds)
}

// applyPendingLog attaches a host-assigned log ID that arrived before
// the session existed.
func (o *Orchestrator) applyPendingLog() {
	o.mu.Lock()
	logID := o.pendingLogID
	active := o.session.Active() && o.session.LogID == ""
	o.mu.Unlock()

	if logID != "" && active {
		o.dispatch(EventLogCreated{LogID: logID})
	}
}

// ---- Dispatch and effects ----

// dispatch folds one event through the state machine and executes the
// resulting effects. The machine runs under the session mutex; effects
// run outside it, because executing an effect can synchronously produce
// the next event.
func (o *Orchestrator) dispatch(ev Event) {
	o.mu.Lock()
	next, effects := o.machine.Transition(o.session, ev)
	o.session = next
	screen := ScreenFor(next)
	changed := screen != o.screen
	o.screen = screen
	o.mu.Unlock()

	for _, effect := range effects {
		o.execute(effect)
	}

	if changed {
		o.emitter.Emit(eventScreenChanged, screen)
	}
}

func (o *Orchestrator) execute(effect Effect) {
	switch e := effect.(type) {
	case EffectPlaceCall:
		handle, err := o.transport.PlaceCall(e.Number)
		if err != nil {
			o.mu.Lock()
			o.lastError = err.Error()
			o.mu.Unlock()
			o.dispatch(EventDialFailed{Message: err.Error()})
			return
		}
		// Reconcile to the transport-confirmed canonical ID.
		o.mu.Lock()
		if o.session.Active() && handle.CallID != "" {
			o.session.CallID = handle.CallID
		}
		o.mu.Unlock()

	case EffectNotifyOutgoingStarted:
		callID := e.CallID
		o.mu.Lock()
		ended := o.session.Phase == PhaseEnded
		if !ended && o.session.CallID != "" {
			callID = o.session.CallID
		}
		from := o.config.FromNumber
		o.mu.Unlock()
		if ended {
			// The place-call effect already failed the cycle.
			return
		}
		o.notifyAsync("outgoing-call-started", func() error {
			return o.bridge.NotifyOutgoingCallStarted(e.ToNumber, from, callID)
		})

	case EffectAnnounceIncoming:
		o.announceIncoming(e)

	case EffectAnswerTransport:
		if err := o.transport.AnswerActiveCall(); err != nil {
			o.logger.Printf("session: answering inbound call failed: %v", err)
			o.dispatch(EventTransport{Event: transport.Event{
				Status:       transport.StatusError,
				ErrorMessage: err.Error(),
			}})
		}

	case EffectTerminateTransport:
		if err := o.transport.TerminateActiveCall(); err != nil {
			o.logger.Printf("session: terminating call failed: %v", err)
		}

	case EffectStartTimer:
		o.timer.Start()

	case EffectStopTimer:
		o.timer.Stop()
		o.mu.Lock()
		o.session.ElapsedSeconds = o.timer.Elapsed()
		o.mu.Unlock()

	case EffectNotifyAnswered:
		o.notifyAsync("call-answered", func() error {
			return o.bridge.NotifyCallAnswered(e.CallID)
		})

	case EffectNotifyEnded:
		// Delayed so an in-flight engagement creation can land first.
		time.AfterFunc(o.config.EndNotifyDelay, func() {
			if err := o.bridge.NotifyCallEnded(e.CallID, e.LogID, string(e.EndStatus)); err != nil {
				o.logger.Printf("session: call-end notification failed: %v", err)
			}
		})

	case EffectNotifyCompleted:
		o.notifyAsync("call-completed", func() error {
			return o.bridge.NotifyCallCompleted(e.LogID, e.Properties)
		})

	case EffectClearSession:
		o.timer.Stop()
		o.timer.Reset()
	}
}

// announceIncoming forwards an inbound call to the host unless another
// surface's live ledger claim shows it already has. Ledger errors fall
// back to announcing: the bounded worst case is a duplicate
// notification, never a lost call.
func (o *Orchestrator) announceIncoming(e EffectAnnounceIncoming) {
	won := true
	if o.claims != nil {
		var err error
		won, err = o.claims.TryClaim(e.CallID, 0)
		if err != nil {
			o.logger.Printf("session: ledger claim for %s failed, announcing anyway: %v", e.CallID, err)
			won = true
		}
	}
	if !won {
		o.logger.Printf("session: inbound call %s already announced by another surface", e.CallID)
		return
	}

	if o.claims != nil {
		o.claims.ReleaseAfter(e.CallID)
	}
	o.notifyAsync("incoming-call", func() error {
		return o.bridge.NotifyIncomingCall(e.CallID, e.FromNumber, e.StartEpochMs)
	})
}

// notifyAsync runs a host notification off the handler path. Failures
// are logged and never retried; the call lifecycle must not get stuck
// waiting on CRM logging.
func (o *Orchestrator) notifyAsync(what string, fn func() error) {
	go func() {
		if err := fn(); err != nil {
			o.logger.Printf("session: host notification %s failed: %v", what, err)
		}
	}()
}

// setScreen sets a non-session screen (permission gates) and notifies
// subscribers.
func (o *Orchestrator) setScreen(screen Screen) {
	o.mu.Lock()
	changed := screen != o.screen
	o.screen = screen
	o.mu.Unlock()
	if changed {
		o.emitter.Emit(eventScreenChanged, screen)
	}
}
