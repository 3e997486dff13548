/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package config loads softphone configuration from a YAML file,
// applying defaults and validating required fields.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Host configures access to the CRM host API.
type Host struct {
	BaseURL     string `yaml:"base_url"`
	AccessToken string `yaml:"access_token"`
}

// Signaling configures the voice-transport signaling service.
type Signaling struct {
	BaseURL string `yaml:"base_url"`
	FeedURL string `yaml:"feed_url"`
}

// Notifications configures the backend push channel.
type Notifications struct {
	URL string `yaml:"url"`
}

// Ledger configures the cross-surface claim ledger.
type Ledger struct {
	// Backend selects the claim store: "memory", "file" or "mqtt".
	Backend string `yaml:"backend"`

	// Dir is the claim directory for the file backend.
	Dir string `yaml:"dir"`

	// BrokerURL and ClientID configure the mqtt backend.
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`

	ClaimTTL     time.Duration `yaml:"claim_ttl"`
	CleanupAfter time.Duration `yaml:"cleanup_after"`
}

// Config is the root softphone configuration.
type Config struct {
	Host          Host          `yaml:"host"`
	Signaling     Signaling     `yaml:"signaling"`
	Notifications Notifications `yaml:"notifications"`
	Ledger        Ledger        `yaml:"ledger"`

	// WindowRole is the starting role for this surface: "call_window"
	// or "embedded". The host's ready event may override it.
	WindowRole string `yaml:"window_role"`

	// FromNumber is the local line number reported on outbound calls.
	FromNumber string `yaml:"from_number"`

	// EndNotifyDelay is the grace period before the call-end
	// notification is sent to the host.
	EndNotifyDelay time.Duration `yaml:"end_notify_delay"`
}

// Default returns a configuration with all defaults applied and no
// credentials set.
func Default() *Config {
	return &Config{
		Host:      Host{BaseURL: "https://api.crmdial.io/v1"},
		Signaling: Signaling{BaseURL: "https://voice.crmdial.io/api/v1"},
		Ledger: Ledger{
			Backend:      "memory",
			ClaimTTL:     10 * time.Second,
			CleanupAfter: 30 * time.Second,
		},
		WindowRole:     "embedded",
		EndNotifyDelay: 2 * time.Second,
	}
}

// Load reads and validates a YAML configuration file. Fields absent
// from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document into a validated configuration.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults restores defaults for fields the file set to zero
// values.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Host.BaseURL == "" {
		c.Host.BaseURL = d.Host.BaseURL
	}
	if c.Signaling.BaseURL == "" {
		c.Signaling.BaseURL = d.Signaling.BaseURL
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = d.Ledger.Backend
	}
	if c.Ledger.ClaimTTL == 0 {
		c.Ledger.ClaimTTL = d.Ledger.ClaimTTL
	}
	if c.Ledger.CleanupAfter == 0 {
		c.Ledger.CleanupAfter = d.Ledger.CleanupAfter
	}
	if c.WindowRole == "" {
		c.WindowRole = d.WindowRole
	}
	if c.EndNotifyDelay == 0 {
		c.EndNotifyDelay = d.EndNotifyDelay
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Host.AccessToken == "" {
		return fmt.Errorf("host.access_token is required")
	}

	switch c.WindowRole {
	case "call_window", "embedded":
	default:
		return fmt.Errorf("window_role must be %q or %q, got %q", "call_window", "embedded", c.WindowRole)
	}

	switch c.Ledger.Backend {
	case "memory":
	case "file":
		if c.Ledger.Dir == "" {
			return fmt.Errorf("ledger.dir is required for the file backend")
		}
	case "mqtt":
		if c.Ledger.BrokerURL == "" {
			return fmt.Errorf("ledger.broker_url is required for the mqtt backend")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}

	if c.Ledger.ClaimTTL < 0 || c.Ledger.CleanupAfter < 0 {
		return fmt.Errorf("ledger durations cannot be negative")
	}
	if c.EndNotifyDelay < 0 {
		return fmt.Errorf("end_notify_delay cannot be negative")
	}
	return nil
}
