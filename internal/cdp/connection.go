package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Connection owns a single CDP transport and demultiplexes it into logical
// sessions by the sessionId field. Sessions are created explicitly (the
// target manager creates one per Target.attachedToTarget); the only implicit
// session is the empty-id root session.
type Connection struct {
	transport Transport

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	closeErr error

	done chan struct{}
}

// NewConnection starts a connection over the given transport and creates
// the root session. The read loop runs until the transport ends.
func NewConnection(transport Transport) *Connection {
	c := &Connection{
		transport: transport,
		sessions:  make(map[string]*Session),
		done:      make(chan struct{}),
	}
	c.sessions[""] = newSession("", c)
	go c.readLoop()
	return c
}

// RootSession returns the browser-level session.
func (c *Connection) RootSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[""]
}

// CreateSession registers a logical session for the given CDP session id.
// If the id is already registered, the existing session is returned.
func (c *Connection) CreateSession(id string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[id]; ok {
		return s
	}
	s := newSession(id, c)
	if c.closed {
		s.close(ErrConnectionClosed)
	}
	c.sessions[id] = s
	return s
}

// Session returns the session registered for id, if any.
func (c *Connection) Session(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// DestroySession rejects the session's pending waiters and removes it.
// The root session cannot be destroyed.
func (c *Connection) DestroySession(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	s, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	if ok {
		s.close(ErrSessionClosed)
	}
}

// Done is closed once the connection has shut down, either by Close or by
// the transport ending.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, nil for a clean Close.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close tears the connection down: the transport is closed and every
// session's pending waiters are rejected with ErrConnectionClosed.
func (c *Connection) Close() error {
	return c.shutdown(nil)
}

// write serialises a request onto the shared transport. The connection is
// the only writer; per-message atomicity is the transport's concern.
func (c *Connection) write(ctx context.Context, req Request) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	logrus.WithField("session", req.SessionID).Tracef("cdp -> %s", data)
	if err := c.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

// readLoop receives messages and routes them to sessions by session id.
func (c *Connection) readLoop() {
	ctx := context.Background()
	for {
		data, err := c.transport.Receive(ctx)
		if err != nil {
			_ = c.shutdown(err)
			return
		}
		logrus.Tracef("cdp <- %s", data)

		resp, evt, err := parseMessage(data)
		if err != nil {
			logrus.WithError(err).Warn("cdp: dropping malformed message")
			continue
		}

		switch {
		case resp != nil:
			if s, ok := c.Session(resp.SessionID); ok {
				s.dispatchResponse(resp)
			} else {
				logrus.WithField("session", resp.SessionID).
					Warn("cdp: dropping response for unknown session")
			}
		case evt != nil:
			if s, ok := c.Session(evt.SessionID); ok {
				s.dispatchEvent(evt)
			} else {
				logrus.WithFields(logrus.Fields{
					"session": evt.SessionID,
					"method":  evt.Method,
				}).Debug("cdp: dropping event for unknown session")
			}
		}
	}
}

func (c *Connection) shutdown(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = cause
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	err := c.transport.Close()
	for _, s := range sessions {
		s.close(ErrConnectionClosed)
	}
	close(c.done)
	return err
}
