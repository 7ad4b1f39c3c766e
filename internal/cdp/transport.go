// Package cdp implements the Chrome DevTools Protocol client side of the
// adapter: framed transports, a connection that demultiplexes flattened
// sessions, and per-session command/event plumbing.
package cdp

import "context"

// Transport is a framed CDP byte channel. Implementations deliver whole
// messages: one Receive returns exactly one JSON message, and one Send
// writes exactly one, never interleaved with another.
type Transport interface {
	// Send writes a single serialised message.
	Send(ctx context.Context, data []byte) error

	// Receive blocks until the next message or transport end.
	Receive(ctx context.Context) ([]byte, error)

	// Close shuts the transport down. Pending Receive calls return an error.
	Close() error
}
