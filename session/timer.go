/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package session

import (
	"sync"
	"time"
)

// DurationTimer emits elapsed-seconds ticks while a call is audibly
// connected. Ticks are a display concern only; logged call duration is
// computed from the recorded connect and end instants.
type DurationTimer struct {
	mu sync.Mutex

	interval  time.Duration
	onTick    func(seconds int)
	startedAt time.Time
	elapsed   int
	stop      chan struct{}
}

// NewDurationTimer creates a timer that calls onTick with the elapsed
// whole seconds roughly once per second while running. onTick may be nil.
func NewDurationTimer(onTick func(seconds int)) *DurationTimer {
	return &DurationTimer{
		interval: time.Second,
		onTick:   onTick,
	}
}

// Start records a monotonic start instant and begins ticking. Any prior
// tick source is cleared first, so repeated Start calls never double the
// elapsed-time growth.
func (t *DurationTimer) Start() {
	t.mu.Lock()
	if t.stop != nil {
		close(t.stop)
	}
	stop := make(chan struct{})
	t.stop = stop
	t.startedAt = time.Now()
	t.elapsed = 0
	interval := t.interval
	t.mu.Unlock()

	go t.run(stop, interval)
}

func (t *DurationTimer) run(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.stop != stop {
				t.mu.Unlock()
				return
			}
			t.elapsed = int(time.Since(t.startedAt) / time.Second)
			elapsed := t.elapsed
			onTick := t.onTick
			t.mu.Unlock()

			if onTick != nil {
				onTick(elapsed)
			}
		}
	}
}

// Stop halts ticking. The last elapsed value stays intact for display
// on the ended screen.
func (t *DurationTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

// Reset zeroes the elapsed value. The timer must be stopped first.
func (t *DurationTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elapsed = 0
	t.startedAt = time.Time{}
}

// Elapsed returns the last observed elapsed seconds.
func (t *DurationTimer) Elapsed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}

// Running returns true while a tick source is active.
func (t *DurationTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}
