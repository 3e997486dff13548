/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package softphone is the top-level client for the CRM softphone SDK.
package softphone

import (
	"fmt"
	"sync"

	"github.com/crmdial/softphone-go-sdk/config"
	"github.com/crmdial/softphone-go-sdk/hostbridge"
	"github.com/crmdial/softphone-go-sdk/hostsdk"
	"github.com/crmdial/softphone-go-sdk/ledger"
	"github.com/crmdial/softphone-go-sdk/notifications"
	"github.com/crmdial/softphone-go-sdk/session"
	"github.com/crmdial/softphone-go-sdk/transport"
)

// SoftphoneClient is the top-level client for the softphone SDK
type SoftphoneClient struct {
	// Core client for the CRM host API
	core *hostsdk.Client
	cfg  *config.Config

	// Plugins
	bridgeClient        *hostbridge.Bridge
	transportClient     *transport.Client
	notificationsClient *notifications.Channel
	claimLedger         *ledger.Ledger
	orchestrator        *session.Orchestrator

	// Mutex for thread-safe lazy initialization of the orchestrator
	orchMu sync.Mutex
}

// NewClient creates a new softphone client from a validated configuration
func NewClient(cfg *config.Config) (*SoftphoneClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	coreConfig := hostsdk.DefaultConfig()
	coreConfig.BaseURL = cfg.Host.BaseURL
	core, err := hostsdk.NewClient(cfg.Host.AccessToken, coreConfig)
	if err != nil {
		return nil, err
	}

	client := &SoftphoneClient{
		core: core,
		cfg:  cfg,
	}

	return client, nil
}

// Bridge returns the CRM host bridge plugin
func (c *SoftphoneClient) Bridge() *hostbridge.Bridge {
	if c.bridgeClient == nil {
		c.bridgeClient = hostbridge.New(c.core, nil)
	}
	return c.bridgeClient
}

// Transport returns the voice-transport plugin
func (c *SoftphoneClient) Transport() *transport.Client {
	if c.transportClient == nil {
		tc := transport.DefaultConfig()
		tc.SignalingBaseURL = c.cfg.Signaling.BaseURL
		tc.FeedURL = c.cfg.Signaling.FeedURL
		c.transportClient = transport.NewClient(tc)
	}
	return c.transportClient
}

// Notifications returns the backend push channel plugin
func (c *SoftphoneClient) Notifications() *notifications.Channel {
	if c.notificationsClient == nil {
		nc := notifications.DefaultConfig()
		nc.URL = c.cfg.Notifications.URL
		c.notificationsClient = notifications.New(c.core, nc)
	}
	return c.notificationsClient
}

// Ledger returns the cross-surface claim ledger, backed by the store
// the configuration selects.
func (c *SoftphoneClient) Ledger() (*ledger.Ledger, error) {
	if c.claimLedger != nil {
		return c.claimLedger, nil
	}

	store, err := c.ledgerStore()
	if err != nil {
		return nil, err
	}

	c.claimLedger = ledger.New(store, &ledger.Config{
		ClaimTTL:     c.cfg.Ledger.ClaimTTL,
		CleanupAfter: c.cfg.Ledger.CleanupAfter,
	})
	return c.claimLedger, nil
}

func (c *SoftphoneClient) ledgerStore() (ledger.Store, error) {
	switch c.cfg.Ledger.Backend {
	case "memory":
		return ledger.NewMemoryStore(), nil
	case "file":
		return ledger.NewFileStore(c.cfg.Ledger.Dir)
	case "mqtt":
		clientID := c.cfg.Ledger.ClientID
		if clientID == "" {
			clientID = "softphone-ledger"
		}
		return ledger.NewMQTTStore(ledger.MQTTStoreOptions{
			Broker:   c.cfg.Ledger.BrokerURL,
			ClientID: clientID,
		})
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", c.cfg.Ledger.Backend)
	}
}

// Orchestrator returns a fully-wired call-session orchestrator.
//
// This is a convenience method that abstracts away the manual wiring of
// the transport client, notification channel, host bridge and claim
// ledger. The orchestrator is lazily initialized on first call, started,
// and cached for subsequent calls.
//
// Simple usage:
//
//	orch, err := client.Orchestrator()
//	orch.OnScreenChanged(handler)
//	orch.Dial("+15551234567", "", "")
//	defer orch.Stop()
//
// For advanced control over the channels, wire session.NewOrchestrator
// directly from the lower-level plugins.
func (c *SoftphoneClient) Orchestrator() (*session.Orchestrator, error) {
	c.orchMu.Lock()
	defer c.orchMu.Unlock()

	if c.orchestrator != nil {
		return c.orchestrator, nil
	}

	claims, err := c.Ledger()
	if err != nil {
		return nil, fmt.Errorf("building claim ledger: %w", err)
	}

	orch := session.NewOrchestrator(
		c.Transport(),
		c.Notifications(),
		c.Bridge(),
		claims,
		&session.Config{
			Role:           hostbridge.WindowRole(c.cfg.WindowRole),
			FromNumber:     c.cfg.FromNumber,
			EndNotifyDelay: c.cfg.EndNotifyDelay,
		},
	)
	if err := orch.Start(); err != nil {
		return nil, fmt.Errorf("starting orchestrator: %w", err)
	}

	c.orchestrator = orch
	return c.orchestrator, nil
}

// Core returns the core host API client
func (c *SoftphoneClient) Core() *hostsdk.Client {
	return c.core
}
