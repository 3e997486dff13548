/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// signTestToken creates an HS256-signed signaling token for tests.
func signTestToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()

	key := []byte("0123456789abcdef0123456789abcdef")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, nil)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	claims := map[string]interface{}{"sub": subject}
	if !expiresAt.IsZero() {
		claims["exp"] = expiresAt.Unix()
	}
	payload, _ := json.Marshal(claims)

	jws, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	token, err := jws.CompactSerialize()
	if err != nil {
		t.Fatalf("Failed to serialize token: %v", err)
	}
	return token
}

// signalingServer fakes the token, registration, call, and teardown
// endpoints of the signaling service.
func signalingServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"deviceId": "dev-1"})
	})
	mux.HandleFunc("/devices/dev-1/calls", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"callId": "tc-100"})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SignalingBaseURL = serverURL
	return NewClient(cfg)
}

func TestParseTokenClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	token := signTestToken(t, "user-1", exp)

	claims, err := parseTokenClaims(token)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("Expected subject user-1, got %q", claims.Subject)
	}
	if claims.ExpiresAt != exp.Unix() {
		t.Errorf("Expected exp %d, got %d", exp.Unix(), claims.ExpiresAt)
	}
}

func TestValidateToken(t *testing.T) {
	now := time.Now()

	t.Run("valid token", func(t *testing.T) {
		token := signTestToken(t, "user-1", now.Add(time.Hour))
		if err := validateToken(token, "user-1", now); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	})

	t.Run("wrong subject", func(t *testing.T) {
		token := signTestToken(t, "someone-else", now.Add(time.Hour))
		if err := validateToken(token, "user-1", now); err == nil {
			t.Error("Expected error for mismatched subject")
		}
	})

	t.Run("expired token", func(t *testing.T) {
		token := signTestToken(t, "user-1", now.Add(-time.Minute))
		if err := validateToken(token, "user-1", now); err == nil {
			t.Error("Expected error for expired token")
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		if err := validateToken("not-a-jwt", "user-1", now); err == nil {
			t.Error("Expected error for unparseable token")
		}
	})
}

func TestInitialize(t *testing.T) {
	token := signTestToken(t, "user-1", time.Now().Add(time.Hour))
	server := signalingServer(t, token)
	defer server.Close()

	client := newTestClient(t, server.URL)

	if err := client.Initialize("user-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !client.IsInitialized() {
		t.Error("Expected client to report initialized")
	}
}

func TestInitializeRequiresIdentity(t *testing.T) {
	client := NewClient(nil)
	if err := client.Initialize(""); err == nil {
		t.Error("Expected error for empty identity")
	}
}

func TestInitializeTokenFailurePropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	err := client.Initialize("user-1")
	if err == nil {
		t.Fatal("Expected error when token endpoint fails")
	}
	if !strings.Contains(err.Error(), "token acquisition failed") {
		t.Errorf("Expected token acquisition error, got %v", err)
	}
	if client.IsInitialized() {
		t.Error("Expected client to remain uninitialized")
	}
}

func TestInitializeRegistrationFailurePropagates(t *testing.T) {
	token := signTestToken(t, "user-1", time.Now().Add(time.Hour))
	mux := http.NewServeMux()
	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)

	err := client.Initialize("user-1")
	if err == nil || !strings.Contains(err.Error(), "registration failed") {
		t.Errorf("Expected registration error, got %v", err)
	}
}

func TestInitializeSuperseded(t *testing.T) {
	token := signTestToken(t, "user-1", time.Now().Add(time.Hour))
	proceed := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		<-proceed // hold registration until the init is superseded
		json.NewEncoder(w).Encode(map[string]string{"deviceId": "dev-1"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)

	errCh := make(chan error, 1)
	go func() { errCh <- client.Initialize("user-1") }()

	time.Sleep(50 * time.Millisecond)
	client.Destroy()
	close(proceed)

	err := <-errCh
	if err == nil || !strings.Contains(err.Error(), "superseded") {
		t.Errorf("Expected superseded error, got %v", err)
	}
	if client.IsInitialized() {
		t.Error("Expected stale initialization to be discarded")
	}
}

func TestPlaceCall(t *testing.T) {
	token := signTestToken(t, "user-1", time.Now().Add(time.Hour))
	server := signalingServer(t, token)
	defer server.Close()

	client := newTestClient(t, server.URL)

	t.Run("fails before initialize", func(t *testing.T) {
		if _, err := client.PlaceCall("+15551234567"); err == nil {
			t.Error("Expected error for uninitialized client")
		}
	})

	if err := client.Initialize("user-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var events []Event
	if err := client.Subscribe(func(ev Event) { events = append(events, ev) }); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	t.Run("places call and emits connecting", func(t *testing.T) {
		handle, err := client.PlaceCall("+15551234567")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if handle.CallID == "" {
			t.Error("Expected non-empty local call ID")
		}
		if len(events) != 1 || events[0].Status != StatusConnecting {
			t.Errorf("Expected single connecting event, got %+v", events)
		}
	})

	t.Run("rejects concurrent second call", func(t *testing.T) {
		if _, err := client.PlaceCall("+15559999999"); err == nil {
			t.Error("Expected error while a call is active")
		}
	})
}

func TestSubscribeSingleSubscriber(t *testing.T) {
	client := NewClient(nil)

	if err := client.Subscribe(func(Event) {}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := client.Subscribe(func(Event) {}); err == nil {
		t.Error("Expected error for second subscriber")
	}
	if err := client.Subscribe(nil); err == nil {
		t.Error("Expected error for nil handler")
	}
}

func TestHandleSignalingEvent(t *testing.T) {
	client := NewClient(nil)

	var events []Event
	_ = client.Subscribe(func(ev Event) { events = append(events, ev) })

	client.HandleSignalingEvent(&SignalingEvent{EventType: signalingCallRinging, CallID: "tc-1"})
	client.HandleSignalingEvent(&SignalingEvent{EventType: signalingCallConnected, CallID: "tc-1"})
	client.HandleSignalingEvent(&SignalingEvent{EventType: signalingCallEnded, CallID: "tc-1", DurationSeconds: 42})

	want := []Status{StatusRinging, StatusConnected, StatusEnded}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(events))
	}
	for i, status := range want {
		if events[i].Status != status {
			t.Errorf("Event %d: expected %s, got %s", i, status, events[i].Status)
		}
	}
	if events[2].DurationSeconds != 42 {
		t.Errorf("Expected duration hint 42, got %d", events[2].DurationSeconds)
	}

	t.Run("error event clears active call", func(t *testing.T) {
		client.HandleSignalingEvent(&SignalingEvent{EventType: signalingCallError, CallID: "tc-2", Message: "ICE failed"})
		last := events[len(events)-1]
		if last.Status != StatusError || last.ErrorMessage != "ICE failed" {
			t.Errorf("Unexpected error event %+v", last)
		}
	})

	t.Run("nil and unknown events ignored", func(t *testing.T) {
		before := len(events)
		client.HandleSignalingEvent(nil)
		client.HandleSignalingEvent(&SignalingEvent{EventType: "call.exotic"})
		if len(events) != before {
			t.Errorf("Expected no new events, got %d", len(events)-before)
		}
	})
}

func TestStaleSignalingAfterEndDoesNotWedgeCallSlot(t *testing.T) {
	token := signTestToken(t, "user-1", time.Now().Add(time.Hour))
	server := signalingServer(t, token)
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.Initialize("user-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var events []Event
	_ = client.Subscribe(func(ev Event) { events = append(events, ev) })

	if _, err := client.PlaceCall("+15551234567"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	client.HandleSignalingEvent(&SignalingEvent{EventType: signalingCallRinging, CallID: "tc-100"})
	client.HandleSignalingEvent(&SignalingEvent{EventType: signalingCallEnded, CallID: "tc-100"})

	// A ringing event for the ended call races in after the teardown; it
	// must not re-occupy the call slot or reach the subscriber.
	before := len(events)
	client.HandleSignalingEvent(&SignalingEvent{EventType: signalingCallRinging, CallID: "tc-100"})
	if len(events) != before {
		t.Errorf("Stale ringing reached the subscriber: %+v", events[before:])
	}

	if _, err := client.PlaceCall("+15559999999"); err != nil {
		t.Fatalf("PlaceCall after stale ringing failed: %v", err)
	}
}

func TestStaleSignalingAfterLocalTerminateIsDropped(t *testing.T) {
	token := signTestToken(t, "user-1", time.Now().Add(time.Hour))
	server := signalingServer(t, token)
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.Initialize("user-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if _, err := client.PlaceCall("+15551234567"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	client.HandleSignalingEvent(&SignalingEvent{EventType: signalingCallRinging, CallID: "tc-200"})
	if err := client.TerminateActiveCall(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// The server-side ended and a straggling connected for the torn-down
	// call arrive late; the slot must stay free for the next call.
	client.HandleSignalingEvent(&SignalingEvent{EventType: signalingCallEnded, CallID: "tc-200"})
	client.HandleSignalingEvent(&SignalingEvent{EventType: signalingCallConnected, CallID: "tc-200"})

	if _, err := client.PlaceCall("+15559999999"); err != nil {
		t.Fatalf("PlaceCall after late signaling failed: %v", err)
	}
}

func TestTerminateActiveCall(t *testing.T) {
	token := signTestToken(t, "user-1", time.Now().Add(time.Hour))
	server := signalingServer(t, token)
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.Initialize("user-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var events []Event
	_ = client.Subscribe(func(ev Event) { events = append(events, ev) })

	t.Run("no-op when idle", func(t *testing.T) {
		if err := client.TerminateActiveCall(); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("Expected no events, got %+v", events)
		}
	})

	t.Run("emits ended for active call", func(t *testing.T) {
		if _, err := client.PlaceCall("+15551234567"); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		events = nil
		if err := client.TerminateActiveCall(); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(events) != 1 || events[0].Status != StatusEnded {
			t.Errorf("Expected single ended event, got %+v", events)
		}
	})
}

func TestSetMuted(t *testing.T) {
	token := signTestToken(t, "user-1", time.Now().Add(time.Hour))
	server := signalingServer(t, token)
	defer server.Close()

	client := newTestClient(t, server.URL)

	if err := client.SetMuted(true); err == nil {
		t.Error("Expected error before initialize")
	}

	if err := client.Initialize("user-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := client.SetMuted(true); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !client.IsMuted() {
		t.Error("Expected muted state to be recorded")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	token := signTestToken(t, "user-1", time.Now().Add(time.Hour))
	server := signalingServer(t, token)
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.Initialize("user-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	client.Destroy()
	client.Destroy()

	if client.IsInitialized() {
		t.Error("Expected client to report uninitialized after destroy")
	}

	if _, err := client.PlaceCall("+15551234567"); err == nil {
		t.Error("Expected PlaceCall to fail after destroy")
	}
}

func TestPlaceCallFailureClearsActiveSlot(t *testing.T) {
	token := signTestToken(t, "user-1", time.Now().Add(time.Hour))
	mux := http.NewServeMux()
	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"deviceId": "dev-1"})
	})
	mux.HandleFunc("/devices/dev-1/calls", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"destination unreachable"}`, http.StatusBadGateway)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.Initialize("user-1"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if _, err := client.PlaceCall("+15551234567"); err == nil {
		t.Fatal("Expected error from failed call placement")
	}

	// The slot must be free for an explicit re-dial.
	if _, err := client.PlaceCall("+15551234567"); err == nil {
		t.Fatal("Expected second attempt to also hit the failing endpoint")
	} else if !strings.Contains(err.Error(), "destination unreachable") {
		t.Errorf("Expected placement error, got %v", err)
	}
}

func ExampleClient_Subscribe() {
	client := NewClient(nil)
	_ = client.Subscribe(func(ev Event) {
		fmt.Println(ev.Status)
	})
	client.HandleSignalingEvent(&SignalingEvent{EventType: signalingCallRinging})
	// Output: ringing
}
