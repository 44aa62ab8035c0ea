// Package testutil provides shared helpers for slidewire tests.
package testutil

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/slidewire/slidewire/internal/protocol"
)

// CaptureSender records every envelope sent to it. It satisfies the
// router's Sender interface and is safe for concurrent use.
type CaptureSender struct {
	mu        sync.Mutex
	envelopes []*protocol.Envelope
	// Err, when set, is returned by Send to simulate a dead channel
	Err error
}

// NewCaptureSender creates an empty CaptureSender
func NewCaptureSender() *CaptureSender {
	return &CaptureSender{}
}

// Send records the envelope
func (c *CaptureSender) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.envelopes = append(c.envelopes, env)
	return nil
}

// Envelopes returns a copy of everything sent so far
func (c *CaptureSender) Envelopes() []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Envelope, len(c.envelopes))
	copy(out, c.envelopes)
	return out
}

// ByType returns the sent envelopes of one type, in order
func (c *CaptureSender) ByType(t protocol.Type) []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, env := range c.Envelopes() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// Len returns how many envelopes were sent
func (c *CaptureSender) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envelopes)
}

// Reset discards everything recorded so far
func (c *CaptureSender) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes = nil
}

// DecodePayload unmarshals an envelope payload into v, failing the test
// on error
func DecodePayload(t *testing.T, env *protocol.Envelope, v any) {
	t.Helper()
	if err := json.Unmarshal(env.Payload, v); err != nil {
		t.Fatalf("decoding %s payload: %v", env.Type, err)
	}
}

// WaitFor polls cond until it returns true or the timeout elapses
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// RequireEventually fails the test if cond never becomes true within
// the timeout
func RequireEventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	if !WaitFor(t, timeout, cond) {
		t.Fatal(msg)
	}
}
