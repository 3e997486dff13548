/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package notifications

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crmdial/softphone-go-sdk/hostsdk"
)

func TestNew(t *testing.T) {
	core, _ := hostsdk.NewClient("test-token", nil)

	t.Run("with default config", func(t *testing.T) {
		ch := New(core, nil)
		if ch == nil {
			t.Fatal("Expected non-nil channel")
		}
		if ch.config.PingInterval != 30*time.Second {
			t.Errorf("Expected PingInterval 30s, got %v", ch.config.PingInterval)
		}
		if ch.config.MaxRetries != 3 {
			t.Errorf("Expected MaxRetries 3, got %d", ch.config.MaxRetries)
		}
	})

	t.Run("with custom config", func(t *testing.T) {
		cfg := &Config{PingInterval: 15 * time.Second, MaxRetries: 10}
		ch := New(core, cfg)
		if ch.config.PingInterval != 15*time.Second {
			t.Errorf("Expected PingInterval 15s, got %v", ch.config.PingInterval)
		}
		if ch.config.MaxRetries != 10 {
			t.Errorf("Expected MaxRetries 10, got %d", ch.config.MaxRetries)
		}
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.PongTimeout != 10*time.Second {
		t.Errorf("Expected PongTimeout 10s, got %v", cfg.PongTimeout)
	}
	if cfg.BackoffTimeReset != 1*time.Second {
		t.Errorf("Expected BackoffTimeReset 1s, got %v", cfg.BackoffTimeReset)
	}
	if cfg.BackoffTimeMax != 32*time.Second {
		t.Errorf("Expected BackoffTimeMax 32s, got %v", cfg.BackoffTimeMax)
	}
	if cfg.InitialConnectionMaxRetries != 5 {
		t.Errorf("Expected InitialConnectionMaxRetries 5, got %d", cfg.InitialConnectionMaxRetries)
	}
}

func TestConnectRequiresIdentity(t *testing.T) {
	core, _ := hostsdk.NewClient("test-token", nil)
	ch := New(core, nil)

	if err := ch.Connect(""); err == nil {
		t.Error("Expected error for empty user identity")
	}
}

func TestConnectAlreadyConnected(t *testing.T) {
	core, _ := hostsdk.NewClient("test-token", nil)
	ch := New(core, nil)

	ch.mu.Lock()
	ch.connected = true
	ch.mu.Unlock()

	if err := ch.Connect("user-1"); err != nil {
		t.Errorf("Expected nil error when already connected, got %v", err)
	}
}

func TestConnectAlreadyConnecting(t *testing.T) {
	core, _ := hostsdk.NewClient("test-token", nil)
	ch := New(core, nil)

	ch.mu.Lock()
	ch.connecting = true
	ch.mu.Unlock()

	if err := ch.Connect("user-1"); err == nil {
		t.Error("Expected error when connection attempt already in progress")
	}
}

func TestNextBackoff(t *testing.T) {
	if got := nextBackoff(time.Second, 32*time.Second); got != 2*time.Second {
		t.Errorf("Expected 2s, got %v", got)
	}
	if got := nextBackoff(20*time.Second, 32*time.Second); got != 32*time.Second {
		t.Errorf("Expected cap at 32s, got %v", got)
	}
}

func TestHandleFrame(t *testing.T) {
	core, _ := hostsdk.NewClient("test-token", nil)
	ch := New(core, nil)

	t.Run("inbound call dispatch", func(t *testing.T) {
		var got *InboundCall
		off := ch.OnInboundCall(func(call *InboundCall) { got = call })
		defer off()

		ch.handleFrame([]byte(`{"type":"inbound_call","data":{"callId":"c-1","fromNumber":"+15551234567","contactName":"Ada","startEpochMs":1700000000000}}`))

		if got == nil {
			t.Fatal("Expected inbound call to be dispatched")
		}
		if got.CallID != "c-1" || got.FromNumber != "+15551234567" || got.ContactName != "Ada" {
			t.Errorf("Unexpected payload %+v", got)
		}
	})

	t.Run("remote answered dispatch", func(t *testing.T) {
		var got *RemoteAnswered
		off := ch.OnRemotePartyAnswered(func(a *RemoteAnswered) { got = a })
		defer off()

		ch.handleFrame([]byte(`{"type":"remote_answered","data":{"callId":"c-2"}}`))

		if got == nil || got.CallID != "c-2" {
			t.Fatalf("Expected remote answer for c-2, got %+v", got)
		}
	})

	t.Run("call status dispatch", func(t *testing.T) {
		var got json.RawMessage
		off := ch.OnCallStatusUpdate(func(raw json.RawMessage) { got = raw })
		defer off()

		ch.handleFrame([]byte(`{"type":"call_status","data":{"anything":"goes"}}`))

		if got == nil || !strings.Contains(string(got), "anything") {
			t.Errorf("Expected opaque status payload, got %s", got)
		}
	})

	t.Run("unknown type ignored", func(t *testing.T) {
		fired := false
		off := ch.OnInboundCall(func(*InboundCall) { fired = true })
		defer off()

		ch.handleFrame([]byte(`{"type":"something_new","data":{}}`))

		if fired {
			t.Error("Expected unknown frame type to be ignored")
		}
	})

	t.Run("malformed frame dropped", func(t *testing.T) {
		ch.handleFrame([]byte(`{not json`))
		ch.handleFrame([]byte(`{"type":"inbound_call","data":"not an object"}`))
	})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	core, _ := hostsdk.NewClient("test-token", nil)
	ch := New(core, nil)

	count := 0
	off := ch.OnInboundCall(func(*InboundCall) { count++ })

	frame := []byte(`{"type":"inbound_call","data":{"callId":"c-1"}}`)
	ch.handleFrame(frame)
	off()
	ch.handleFrame(frame)

	if count != 1 {
		t.Errorf("Expected 1 delivery after unsubscribe, got %d", count)
	}
}

// wsTestServer upgrades incoming requests and sends each payload in
// frames, then holds the connection open until the client disconnects.
func wsTestServer(t *testing.T, frames [][]byte, gotAuth *string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			*gotAuth = r.Header.Get("Authorization")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestConnectAndReceive(t *testing.T) {
	var gotAuth string
	frame := []byte(`{"type":"inbound_call","data":{"callId":"c-live","fromNumber":"+15550001111"}}`)
	server := wsTestServer(t, [][]byte{frame}, &gotAuth)
	defer server.Close()

	core, _ := hostsdk.NewClient("test-token", nil)
	cfg := DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(server.URL, "http")

	ch := New(core, cfg)

	received := make(chan *InboundCall, 1)
	ch.OnInboundCall(func(call *InboundCall) { received <- call })

	if err := ch.Connect("user-1"); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}
	defer ch.Disconnect()

	if !ch.IsConnected() {
		t.Error("Expected channel to report connected")
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Expected bearer auth header, got %q", gotAuth)
	}

	select {
	case call := <-received:
		if call.CallID != "c-live" {
			t.Errorf("Unexpected callId %q", call.CallID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for inbound call frame")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	server := wsTestServer(t, nil, nil)
	defer server.Close()

	core, _ := hostsdk.NewClient("test-token", nil)
	cfg := DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(server.URL, "http")

	ch := New(core, cfg)
	if err := ch.Connect("user-1"); err != nil {
		t.Fatalf("Unexpected connect error: %v", err)
	}

	ch.Disconnect()
	ch.Disconnect()

	if ch.IsConnected() {
		t.Error("Expected channel to report disconnected")
	}
}
