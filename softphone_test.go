/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package softphone

import (
	"testing"

	"github.com/crmdial/softphone-go-sdk/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Host.AccessToken = "test-token"
	return cfg
}

func TestNewClientRequiresValidConfig(t *testing.T) {
	if _, err := NewClient(nil); err == nil {
		t.Fatal("expected error for nil config")
	}

	cfg := config.Default()
	// No access token set
	if _, err := NewClient(cfg); err == nil {
		t.Fatal("expected error for config without access token")
	}
}

func TestSoftphoneClientAccessors(t *testing.T) {
	client, err := NewClient(testConfig())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if client.Core() == nil {
		t.Error("Core() should not return nil")
	}
	if client.Bridge() == nil {
		t.Error("Bridge() should not return nil")
	}
	if client.Transport() == nil {
		t.Error("Transport() should not return nil")
	}
	if client.Notifications() == nil {
		t.Error("Notifications() should not return nil")
	}

	// Accessors are cached
	if client.Bridge() != client.Bridge() {
		t.Error("Bridge() should return the same instance on repeated calls")
	}
	if client.Transport() != client.Transport() {
		t.Error("Transport() should return the same instance on repeated calls")
	}
}

func TestLedgerUsesConfiguredBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Ledger.Backend = "file"
	cfg.Ledger.Dir = t.TempDir()

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	led, err := client.Ledger()
	if err != nil {
		t.Fatalf("Ledger() error: %v", err)
	}
	if led == nil {
		t.Fatal("Ledger() should not return nil")
	}

	led2, err := client.Ledger()
	if err != nil {
		t.Fatalf("second Ledger() error: %v", err)
	}
	if led2 != led {
		t.Error("Ledger() should return the cached instance")
	}
}

func TestOrchestratorReturnsSingletonWhenCached(t *testing.T) {
	client, err := NewClient(testConfig())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	// Pre-populate the orchestrator to simulate a previous successful init
	preWired, err := client.Orchestrator()
	if err != nil {
		t.Fatalf("Orchestrator() error: %v", err)
	}
	defer preWired.Stop()

	result, err := client.Orchestrator()
	if err != nil {
		t.Fatalf("Expected no error from cached Orchestrator(), got: %v", err)
	}
	if result != preWired {
		t.Error("Expected Orchestrator() to return the cached singleton instance")
	}
}

func TestOrchestratorFailsOnBadLedgerBackend(t *testing.T) {
	cfg := testConfig()
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	// Corrupt the backend after validation to exercise the error path
	cfg.Ledger.Backend = "bogus"

	if _, err := client.Orchestrator(); err == nil {
		t.Fatal("expected error for unknown ledger backend")
	}
}

func TestLedgerMemoryBackendClaims(t *testing.T) {
	client, err := NewClient(testConfig())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	led, err := client.Ledger()
	if err != nil {
		t.Fatalf("Ledger() error: %v", err)
	}

	won, err := led.TryClaim("call-1", 0)
	if err != nil {
		t.Fatalf("TryClaim error: %v", err)
	}
	if !won {
		t.Error("first claim should win")
	}

	won, err = led.TryClaim("call-1", 0)
	if err != nil {
		t.Fatalf("second TryClaim error: %v", err)
	}
	if won {
		t.Error("second claim for the same call should lose")
	}
}
