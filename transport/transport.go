/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package transport adapts the voice-transport signaling service to a
// single callback stream of call lifecycle events. It owns token
// acquisition, device registration, and the signaling feed; it does not
// own media — audio negotiation is the signaling service's concern.
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crmdial/softphone-go-sdk/hostsdk"
)

// Config holds the configuration for the transport client.
type Config struct {
	// SignalingBaseURL is the base URL of the signaling HTTP API.
	SignalingBaseURL string

	// FeedURL is the websocket endpoint of the signaling event feed.
	// Empty disables the feed; events then arrive only via
	// HandleSignalingEvent.
	FeedURL string

	// HTTPClient is the HTTP client for signaling requests. If nil, a
	// default client with a 30s timeout is used.
	HTTPClient *http.Client

	// Dialer is the websocket dialer for the feed. If nil,
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Logger is the logger for transport operations. If nil, the
	// standard library's default logger is used.
	Logger hostsdk.Logger
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() *Config {
	return &Config{
		SignalingBaseURL: "https://voice.crmdial.io/api/v1",
	}
}

// Client is the transport adapter. A Client must be initialized before
// any call action, and the subscriber must be attached before any call
// action occurs — events are never buffered.
type Client struct {
	mu sync.Mutex

	config     *Config
	logger     hostsdk.Logger
	httpClient *http.Client

	// Initialization state. initEpoch increments on every Initialize and
	// Destroy so an in-flight initialization discards its results when it
	// loses the race with a newer one.
	initialized bool
	initEpoch   int
	identity    string
	token       string
	deviceID    string

	// Active call: local ID plus the transport-assigned ID once known.
	// lastEndedCallID remembers the previous call so signaling events
	// racing in after its end cannot re-occupy the slot.
	activeCallID    string
	transportCallID string
	lastEndedCallID string
	muted           bool

	handler Handler

	feedConn *websocket.Conn
	feedStop chan struct{}
}

// NewClient creates a transport client.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		config:     config,
		logger:     logger,
		httpClient: httpClient,
	}
}

// Subscribe attaches the single event subscriber. A second subscriber is
// rejected; the stream has exactly one consumer.
func (c *Client) Subscribe(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return fmt.Errorf("transport already has a subscriber")
	}
	c.handler = handler
	return nil
}

// emit delivers an event to the subscriber, if any.
func (c *Client) emit(ev Event) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// IsInitialized returns true once Initialize has completed.
func (c *Client) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Initialize acquires a signaling token for the given identity, registers
// this client as a device, and opens the signaling feed. It propagates
// token and registration failures to the caller; there is no silent
// retry. If a newer Initialize or Destroy supersedes this one while its
// requests are in flight, the stale results are discarded.
func (c *Client) Initialize(identity string) error {
	if identity == "" {
		return fmt.Errorf("identity cannot be empty")
	}

	c.mu.Lock()
	c.initEpoch++
	epoch := c.initEpoch
	c.mu.Unlock()

	token, err := c.acquireToken(identity)
	if err != nil {
		return fmt.Errorf("token acquisition failed: %w", err)
	}
	if err := validateToken(token, identity, time.Now()); err != nil {
		return fmt.Errorf("token acquisition failed: %w", err)
	}

	deviceID, err := c.register(identity, token)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	c.mu.Lock()
	if c.initEpoch != epoch {
		c.mu.Unlock()
		return fmt.Errorf("initialization superseded")
	}
	c.identity = identity
	c.token = token
	c.deviceID = deviceID
	c.initialized = true
	c.mu.Unlock()

	if c.config.FeedURL != "" {
		if err := c.connectFeed(token); err != nil {
			c.mu.Lock()
			c.initialized = false
			c.mu.Unlock()
			return fmt.Errorf("signaling feed connect failed: %w", err)
		}
	}

	c.logger.Printf("transport: initialized for %s, deviceId=%s", identity, deviceID)
	return nil
}

// acquireToken requests a signaling access token for identity.
func (c *Client) acquireToken(identity string) (string, error) {
	body, err := c.post("tokens", map[string]string{"identity": identity}, "")
	if err != nil {
		return "", err
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parsing token response: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("token response contained no token")
	}
	return resp.Token, nil
}

// register registers this client as a signaling device.
func (c *Client) register(identity, token string) (string, error) {
	body, err := c.post("devices", map[string]string{"identity": identity}, token)
	if err != nil {
		return "", err
	}

	var resp registrationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parsing registration response: %w", err)
	}
	if resp.DeviceID == "" {
		return "", fmt.Errorf("registration response contained no deviceId")
	}
	return resp.DeviceID, nil
}

// PlaceCall opens an outbound call to an E.164 number. It fails if the
// client is not initialized. The returned handle carries the locally
// generated call ID; the transport-assigned ID arrives later on the
// event stream.
func (c *Client) PlaceCall(e164Number string) (*CallHandle, error) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil, fmt.Errorf("transport is not initialized")
	}
	if c.activeCallID != "" {
		c.mu.Unlock()
		return nil, fmt.Errorf("a call is already active")
	}
	callID := fmt.Sprintf("local-%s", uuid.New().String())
	c.activeCallID = callID
	deviceID := c.deviceID
	token := c.token
	c.mu.Unlock()

	c.emit(Event{Status: StatusConnecting})

	body, err := c.post(fmt.Sprintf("devices/%s/calls", deviceID), map[string]string{
		"to":     e164Number,
		"callId": callID,
	}, token)
	if err != nil {
		c.mu.Lock()
		c.activeCallID = ""
		c.mu.Unlock()
		return nil, fmt.Errorf("placing call: %w", err)
	}

	var resp callResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.CallID != "" {
		c.mu.Lock()
		c.transportCallID = resp.CallID
		c.mu.Unlock()
	}

	return &CallHandle{CallID: callID}, nil
}

// AnswerActiveCall accepts the ringing inbound call.
func (c *Client) AnswerActiveCall() error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return fmt.Errorf("transport is not initialized")
	}
	transportCallID := c.transportCallID
	deviceID := c.deviceID
	token := c.token
	c.mu.Unlock()

	if transportCallID == "" {
		return fmt.Errorf("no ringing call to answer")
	}

	_, err := c.post(fmt.Sprintf("devices/%s/calls/%s/answer", deviceID, transportCallID), nil, token)
	if err != nil {
		return fmt.Errorf("answering call: %w", err)
	}
	return nil
}

// TerminateActiveCall tears down the active call, if any. The ended
// event is emitted locally so termination is observable even when the
// signaling feed is down.
func (c *Client) TerminateActiveCall() error {
	c.mu.Lock()
	transportCallID := c.transportCallID
	deviceID := c.deviceID
	token := c.token
	active := c.activeCallID != "" || transportCallID != ""
	c.rememberEnded(transportCallID)
	c.activeCallID = ""
	c.transportCallID = ""
	c.mu.Unlock()

	if !active {
		return nil
	}

	if transportCallID != "" {
		if err := c.delete(fmt.Sprintf("devices/%s/calls/%s", deviceID, transportCallID), token); err != nil {
			c.logger.Printf("transport: terminate request failed: %v", err)
		}
	}

	c.emit(Event{Status: StatusEnded, TransportCallID: transportCallID})
	return nil
}

// SetMuted mutes or unmutes the local audio path.
func (c *Client) SetMuted(muted bool) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return fmt.Errorf("transport is not initialized")
	}
	c.muted = muted
	transportCallID := c.transportCallID
	deviceID := c.deviceID
	token := c.token
	c.mu.Unlock()

	if transportCallID == "" {
		return nil
	}
	_, err := c.post(fmt.Sprintf("devices/%s/calls/%s/mute", deviceID, transportCallID),
		map[string]bool{"muted": muted}, token)
	return err
}

// IsMuted returns the current mute state.
func (c *Client) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// HandleSignalingEvent folds a signaling feed event into the transport
// event stream. It is the single entry point for wire events, whether
// they arrive on the feed or are injected by the embedding host.
func (c *Client) HandleSignalingEvent(ev *SignalingEvent) {
	if ev == nil {
		return
	}

	if ev.CallID != "" {
		c.mu.Lock()
		if ev.CallID == c.lastEndedCallID {
			// Stale event racing in after the call ended; adopting its
			// CallID would wedge the call slot forever.
			c.mu.Unlock()
			c.logger.Printf("transport: ignoring stale %s for ended call %s", ev.EventType, ev.CallID)
			return
		}
		switch ev.EventType {
		case signalingCallRinging, signalingCallConnected:
			c.transportCallID = ev.CallID
			if c.activeCallID == "" {
				// Inbound call: the transport ID is the only ID there is.
				c.activeCallID = ev.CallID
			}
		}
		c.mu.Unlock()
	}

	switch ev.EventType {
	case signalingCallRinging:
		c.emit(Event{Status: StatusRinging, TransportCallID: ev.CallID})

	case signalingCallConnected:
		c.emit(Event{Status: StatusConnected, TransportCallID: ev.CallID})

	case signalingCallEnded:
		c.mu.Lock()
		c.rememberEnded(ev.CallID)
		c.activeCallID = ""
		c.transportCallID = ""
		c.mu.Unlock()
		c.emit(Event{Status: StatusEnded, TransportCallID: ev.CallID, DurationSeconds: ev.DurationSeconds})

	case signalingCallError:
		c.mu.Lock()
		c.rememberEnded(ev.CallID)
		c.activeCallID = ""
		c.transportCallID = ""
		c.mu.Unlock()
		c.emit(Event{Status: StatusError, TransportCallID: ev.CallID, ErrorMessage: ev.Message})

	default:
		c.logger.Printf("transport: ignoring unknown signaling event %q", ev.EventType)
	}
}

// rememberEnded records the call that just ended so its stragglers are
// dropped. Caller holds c.mu.
func (c *Client) rememberEnded(callID string) {
	if callID != "" {
		c.lastEndedCallID = callID
	} else if c.transportCallID != "" {
		c.lastEndedCallID = c.transportCallID
	}
}

// connectFeed opens the signaling feed websocket and pumps its events
// through HandleSignalingEvent.
func (c *Client) connectFeed(token string) error {
	dialer := c.config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := dialer.Dial(c.config.FeedURL, header)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.feedConn = conn
	c.feedStop = stop
	c.mu.Unlock()

	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-stop:
				default:
					c.logger.Printf("transport: signaling feed closed: %v", err)
				}
				return
			}
			var ev SignalingEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				c.logger.Printf("transport: dropping malformed signaling event: %v", err)
				continue
			}
			c.HandleSignalingEvent(&ev)
		}
	}()
	return nil
}

// Destroy tears down the active call (if any), closes the signaling
// feed, and unregisters the device. Safe to call multiple times.
func (c *Client) Destroy() {
	_ = c.TerminateActiveCall()

	c.mu.Lock()
	c.initEpoch++
	initialized := c.initialized
	c.initialized = false
	deviceID := c.deviceID
	token := c.token
	c.deviceID = ""
	c.token = ""
	c.identity = ""
	conn := c.feedConn
	stop := c.feedStop
	c.feedConn = nil
	c.feedStop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		conn.Close()
	}

	if initialized && deviceID != "" {
		if err := c.delete(fmt.Sprintf("devices/%s", deviceID), token); err != nil {
			c.logger.Printf("transport: unregister failed: %v", err)
		}
	}
}

// ---- Signaling HTTP helpers ----

func (c *Client) post(path string, payload interface{}, token string) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling payload: %w", err)
		}
		bodyReader = bytes.NewReader(payloadBytes)
	}

	url := fmt.Sprintf("%s/%s", c.config.SignalingBaseURL, path)
	req, err := http.NewRequest(http.MethodPost, url, bodyReader)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("signaling request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) delete(path, token string) error {
	url := fmt.Sprintf("%s/%s", c.config.SignalingBaseURL, path)
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("signaling request failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("trackingid", fmt.Sprintf("softphone-go-sdk_%s", uuid.New().String()))
}
