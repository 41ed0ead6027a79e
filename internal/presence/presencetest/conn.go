// Package presencetest provides an in-memory presence.Conn for tests.
package presencetest

import (
	"sync"

	"cipherchat/internal/protocol"
)

// Conn records every frame sent to it.
type Conn struct {
	ID string

	mu     sync.Mutex
	frames []protocol.Outbound
	closed bool
}

func NewConn(userID string) *Conn {
	return &Conn{ID: userID}
}

func (c *Conn) UserID() string { return c.ID }

func (c *Conn) Send(frame protocol.Outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

// Close makes further sends fail, like a dropped socket.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Frames returns a copy of everything received so far.
func (c *Conn) Frames() []protocol.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Outbound(nil), c.frames...)
}

// Events returns the frames named event.
func (c *Conn) Events(event string) []protocol.Outbound {
	var out []protocol.Outbound
	for _, f := range c.Frames() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (c *Conn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}
