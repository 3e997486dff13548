/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package ledger implements the cross-surface deduplication ledger: a
// time-boxed claim per logical call that guarantees at most one client
// surface announces a given inbound call to the CRM host. The ledger is
// a lease, not a lock — an exact simultaneous race between two surfaces
// may let both claim, and the accepted worst case is a duplicate
// announcement, never a duplicate call.
package ledger

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/crmdial/softphone-go-sdk/hostsdk"
)

// KeyPrefix is the shared-store key prefix for claims.
const KeyPrefix = "incoming-call-claim:"

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Claim is the value written to the shared store for a claimed call.
type Claim struct {
	ClaimedAtEpochMs int64 `json:"claimedAtEpochMs"`
}

// Store is the shared key-value surface backing the ledger. It must be
// observable across independent client surfaces after a write completes;
// no stronger consistency is assumed. Expiry is checked at read time only
// — a Store never garbage-collects claims itself.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(key string) ([]byte, bool, error)
	// Set writes the value for key, overwriting any previous value.
	Set(key string, value []byte) error
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(key string) error
}

// Config holds the configuration for the ledger.
type Config struct {
	// ClaimTTL is how long a claim suppresses other surfaces. Default: 10s.
	ClaimTTL time.Duration

	// CleanupAfter is the grace window after which a claim is removed
	// outright. Default: 30s.
	CleanupAfter time.Duration

	// Logger is the logger for ledger operations. If nil, the standard
	// library's default logger is used.
	Logger hostsdk.Logger
}

// DefaultConfig returns the default ledger configuration.
func DefaultConfig() *Config {
	return &Config{
		ClaimTTL:     10 * time.Second,
		CleanupAfter: 30 * time.Second,
	}
}

// Ledger coordinates once-only inbound-call announcements across client
// surfaces through a shared Store.
type Ledger struct {
	store  Store
	config *Config
	clock  Clock
	logger hostsdk.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source for the ledger.
func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// New creates a Ledger over the given store.
func New(store Store, config *Config, opts ...Option) *Ledger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = 10 * time.Second
	}
	if config.CleanupAfter <= 0 {
		config.CleanupAfter = 30 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	l := &Ledger{
		store:  store,
		config: config,
		clock:  time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the shared-store key for a call ID.
func Key(callID string) string {
	return KeyPrefix + callID
}

// TryClaim attempts to claim the announcement for callID. If no live
// (unexpired) claim exists it writes one and returns true; if another
// surface holds a live claim it returns false. A ttl of zero or less
// uses the configured ClaimTTL. The read-then-write is not atomic across
// surfaces; see the package comment for the accepted race.
func (l *Ledger) TryClaim(callID string, ttl time.Duration) (bool, error) {
	if callID == "" {
		return false, fmt.Errorf("callID cannot be empty")
	}
	if ttl <= 0 {
		ttl = l.config.ClaimTTL
	}

	key := Key(callID)
	now := l.clock()

	raw, ok, err := l.store.Get(key)
	if err != nil {
		return false, fmt.Errorf("reading claim for %s: %w", callID, err)
	}
	if ok {
		var existing Claim
		if err := json.Unmarshal(raw, &existing); err == nil {
			claimedAt := time.UnixMilli(existing.ClaimedAtEpochMs)
			if now.Sub(claimedAt) < ttl {
				return false, nil
			}
		}
		// Unparseable or expired claims are treated as released.
	}

	claim := Claim{ClaimedAtEpochMs: now.UnixMilli()}
	value, err := json.Marshal(claim)
	if err != nil {
		return false, fmt.Errorf("encoding claim for %s: %w", callID, err)
	}
	if err := l.store.Set(key, value); err != nil {
		return false, fmt.Errorf("writing claim for %s: %w", callID, err)
	}
	return true, nil
}

// Release removes the claim for callID immediately.
func (l *Ledger) Release(callID string) error {
	if callID == "" {
		return fmt.Errorf("callID cannot be empty")
	}
	if err := l.store.Delete(Key(callID)); err != nil {
		return fmt.Errorf("releasing claim for %s: %w", callID, err)
	}
	return nil
}

// ReleaseAfter schedules a cleanup of the claim for callID after the
// configured grace window. The returned timer may be stopped to cancel
// the cleanup. Release failures are logged, not propagated — the claim
// self-expires at read time regardless.
func (l *Ledger) ReleaseAfter(callID string) *time.Timer {
	return time.AfterFunc(l.config.CleanupAfter, func() {
		if err := l.Release(callID); err != nil {
			l.logger.Printf("ledger: cleanup of claim %s failed: %v", callID, err)
		}
	})
}
