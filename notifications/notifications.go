/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package notifications implements the backend push channel that delivers
// inbound-call and remote-party-answered events for a session user. The
// channel reconnects on failure with exponential backoff; duplicate
// deliveries are possible across reconnects and must be handled by the
// consumer (the orchestrator dedupes by call ID).
package notifications

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crmdial/softphone-go-sdk/emitter"
	"github.com/crmdial/softphone-go-sdk/hostsdk"
)

// Event names dispatched on the channel's emitter.
const (
	eventInboundCall    = "inbound_call"
	eventRemoteAnswered = "remote_answered"
	eventCallStatus     = "call_status"
)

// InboundCall announces a new inbound call for the session user.
type InboundCall struct {
	CallID       string `json:"callId"`
	FromNumber   string `json:"fromNumber"`
	ContactName  string `json:"contactName,omitempty"`
	ContactID    string `json:"contactId,omitempty"`
	LogID        string `json:"logId,omitempty"`
	StartEpochMs int64  `json:"startEpochMs"`
}

// RemoteAnswered reports that the remote party answered an outbound call.
type RemoteAnswered struct {
	CallID string `json:"callId"`
}

// envelope is the wire frame for all push events.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Config holds the configuration for the notification channel.
type Config struct {
	// URL is the websocket endpoint of the push backend.
	URL string

	// PingInterval is how often to send pings to keep the connection alive.
	PingInterval time.Duration

	// PongTimeout is how long to wait for a pong before considering the
	// connection dead.
	PongTimeout time.Duration

	// BackoffTimeReset is the initial reconnect delay.
	BackoffTimeReset time.Duration

	// BackoffTimeMax is the maximum reconnect delay.
	BackoffTimeMax time.Duration

	// MaxRetries is the maximum number of reconnect attempts after an
	// established connection drops.
	MaxRetries int

	// InitialConnectionMaxRetries is the maximum number of attempts for
	// the first connection.
	InitialConnectionMaxRetries int

	// Dialer is the websocket dialer. If nil, websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Logger is the logger for channel operations. If nil, the standard
	// library's default logger is used.
	Logger hostsdk.Logger
}

// DefaultConfig returns the default configuration for the channel.
func DefaultConfig() *Config {
	return &Config{
		PingInterval:                30 * time.Second,
		PongTimeout:                 10 * time.Second,
		BackoffTimeReset:            1 * time.Second,
		BackoffTimeMax:              32 * time.Second,
		MaxRetries:                  3,
		InitialConnectionMaxRetries: 5,
	}
}

// Channel is a persistent push connection keyed by session-user identity.
type Channel struct {
	mu sync.Mutex

	core    *hostsdk.Client
	config  *Config
	logger  hostsdk.Logger
	emitter *emitter.Emitter

	conn         *websocket.Conn
	connected    bool
	connecting   bool
	userIdentity string
	stopCh       chan struct{}
}

// New creates a notification channel riding on the given core client.
func New(core *hostsdk.Client, config *Config) *Channel {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongTimeout == 0 {
		config.PongTimeout = 10 * time.Second
	}
	if config.BackoffTimeReset == 0 {
		config.BackoffTimeReset = 1 * time.Second
	}
	if config.BackoffTimeMax == 0 {
		config.BackoffTimeMax = 32 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		if core != nil {
			logger = core.GetLogger()
		} else {
			logger = log.Default()
		}
	}

	return &Channel{
		core:    core,
		config:  config,
		logger:  logger,
		emitter: emitter.New(),
	}
}

// IsConnected returns true if the channel is currently connected.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect establishes the push connection for the given session-user
// identity. It blocks until the first connection succeeds or the initial
// retry budget is exhausted.
func (c *Channel) Connect(userIdentity string) error {
	if userIdentity == "" {
		return fmt.Errorf("user identity cannot be empty")
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}
	if c.config.URL == "" {
		c.mu.Unlock()
		return fmt.Errorf("push backend URL is not configured")
	}
	c.connecting = true
	c.userIdentity = userIdentity
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	var lastErr error
	backoff := c.config.BackoffTimeReset
	for attempt := 0; attempt < c.config.InitialConnectionMaxRetries; attempt++ {
		if err := c.dial(); err != nil {
			lastErr = err
			c.logger.Printf("notifications: connect attempt %d failed: %v", attempt+1, err)
			time.Sleep(backoff)
			backoff = nextBackoff(backoff, c.config.BackoffTimeMax)
			continue
		}

		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	return fmt.Errorf("failed to connect after %d attempts: %w", c.config.InitialConnectionMaxRetries, lastErr)
}

// dial opens the websocket and starts the read and ping loops.
func (c *Channel) dial() error {
	dialer := c.config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	if c.core != nil {
		header.Set("Authorization", "Bearer "+c.core.GetAccessToken())
	}

	url := fmt.Sprintf("%s?user=%s", c.config.URL, c.userIdentity)
	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		return fmt.Errorf("dialing push backend: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	stopCh := c.stopCh
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.PingInterval + c.config.PongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(c.config.PingInterval + c.config.PongTimeout))

	go c.readLoop(conn, stopCh)
	go c.pingLoop(conn, stopCh)
	return nil
}

// Disconnect closes the channel. Safe to call multiple times.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected && c.stopCh == nil {
		return
	}
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// readLoop reads push frames until the connection drops or the channel
// is stopped, then attempts to reconnect.
func (c *Channel) readLoop(conn *websocket.Conn, stopCh chan struct{}) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
			}
			c.logger.Printf("notifications: connection lost: %v", err)
			c.mu.Lock()
			c.connected = false
			c.conn = nil
			c.mu.Unlock()
			c.reconnect(stopCh)
			return
		}
		c.handleFrame(raw)
	}
}

// pingLoop keeps the connection alive.
func (c *Channel) pingLoop(conn *websocket.Conn, stopCh chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.PongTimeout))
			if err != nil {
				return
			}
		}
	}
}

// reconnect re-dials with exponential backoff up to MaxRetries.
func (c *Channel) reconnect(stopCh chan struct{}) {
	backoff := c.config.BackoffTimeReset
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		select {
		case <-stopCh:
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, c.config.BackoffTimeMax)

		if err := c.dial(); err != nil {
			c.logger.Printf("notifications: reconnect attempt %d failed: %v", attempt+1, err)
			continue
		}
		c.logger.Printf("notifications: reconnected")
		return
	}
	c.logger.Printf("notifications: giving up after %d reconnect attempts", c.config.MaxRetries)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// handleFrame decodes a push frame and dispatches it to subscribers.
// Unknown event types are ignored so the backend can add types without
// breaking older clients.
func (c *Channel) handleFrame(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Printf("notifications: dropping malformed frame: %v", err)
		return
	}

	switch env.Type {
	case eventInboundCall:
		var call InboundCall
		if err := json.Unmarshal(env.Data, &call); err != nil {
			c.logger.Printf("notifications: dropping malformed inbound call: %v", err)
			return
		}
		c.emitter.Emit(eventInboundCall, &call)

	case eventRemoteAnswered:
		var answered RemoteAnswered
		if err := json.Unmarshal(env.Data, &answered); err != nil {
			c.logger.Printf("notifications: dropping malformed remote answer: %v", err)
			return
		}
		c.emitter.Emit(eventRemoteAnswered, &answered)

	case eventCallStatus:
		c.emitter.Emit(eventCallStatus, env.Data)
	}
}

// OnInboundCall subscribes to inbound-call announcements. The returned
// func unsubscribes this handler.
func (c *Channel) OnInboundCall(handler func(*InboundCall)) func() {
	return c.emitter.On(eventInboundCall, func(data interface{}) {
		if call, ok := data.(*InboundCall); ok {
			handler(call)
		}
	})
}

// OnRemotePartyAnswered subscribes to remote-party-answered events.
func (c *Channel) OnRemotePartyAnswered(handler func(*RemoteAnswered)) func() {
	return c.emitter.On(eventRemoteAnswered, func(data interface{}) {
		if answered, ok := data.(*RemoteAnswered); ok {
			handler(answered)
		}
	})
}

// OnCallStatusUpdate subscribes to opaque call status updates. Currently
// informational only.
func (c *Channel) OnCallStatusUpdate(handler func(json.RawMessage)) func() {
	return c.emitter.On(eventCallStatus, func(data interface{}) {
		if raw, ok := data.(json.RawMessage); ok {
			handler(raw)
		}
	})
}
