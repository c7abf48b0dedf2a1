// Package gateway is the per-connection façade: it owns every Connection,
// routes inbound events to the owning component, and guarantees exhaustive
// teardown on disconnect.
package gateway

import (
	"fmt"
	"sync"
)

// Entity routes outbound events to a Go channel, bridging the orchestration
// components to the WebSocket write pump.
type Entity struct {
	connID string
	events chan []byte
	mu     sync.Mutex
	closed bool
}

// NewEntity creates an Entity for the given connection id.
//
// Precondition: connID must be non-empty.
// Postcondition: Returns an Entity with an open events channel.
func NewEntity(connID string, bufferSize int) *Entity {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Entity{
		connID: connID,
		events: make(chan []byte, bufferSize),
	}
}

// ConnID returns the owning connection id.
func (e *Entity) ConnID() string {
	return e.connID
}

// Push enqueues data for the write pump.
//
// Postcondition: Data is enqueued, or an error if the entity is closed or
// the buffer is full. A full buffer drops the event rather than blocking the
// dispatcher; the heartbeat handles genuinely dead peers.
func (e *Entity) Push(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("entity %s is closed", e.connID)
	}
	select {
	case e.events <- data:
		return nil
	default:
		return fmt.Errorf("entity %s event buffer full", e.connID)
	}
}

// Events returns the read-only events channel. The write pump drains it
// until it is closed.
func (e *Entity) Events() <-chan []byte {
	return e.events
}

// Close marks the entity as closed and closes the events channel.
//
// Postcondition: The events channel is closed. Further Push calls return an error.
func (e *Entity) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed {
		e.closed = true
		close(e.events)
	}
	return nil
}

// IsClosed reports whether the entity has been closed.
func (e *Entity) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
