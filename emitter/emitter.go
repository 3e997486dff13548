/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 CRMDial Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package emitter provides the event pub/sub primitive shared by every
// channel in the SDK. Each channel owns its own Emitter; there is no
// global event bus.
package emitter

import "sync"

// Handler is a callback function for events.
type Handler func(data interface{})

// Emitter provides a simple event pub/sub system. Subscribing returns an
// unsubscribe func so callers can detach a single handler without
// disturbing other subscribers of the same event.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

// New creates a new Emitter.
func New() *Emitter {
	return &Emitter{
		handlers: make(map[string]map[int]Handler),
	}
}

// On registers an event handler for a specific event type and returns a
// func that removes exactly this registration. A nil handler is ignored
// and returns a no-op unsubscribe.
func (e *Emitter) On(event string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers[event] == nil {
		e.handlers[event] = make(map[int]Handler)
	}
	id := e.nextID
	e.nextID++
	e.handlers[event][id] = handler

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers[event], id)
	}
}

// Off removes all handlers for a specific event type.
func (e *Emitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Emit fires an event, calling all registered handlers. Handlers run on
// the caller's goroutine and must not block.
func (e *Emitter) Emit(event string, data interface{}) {
	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.handlers[event]))
	for _, h := range e.handlers[event] {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}

// ListenerCount returns the number of handlers registered for an event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}
