package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrConnectionClosed is returned by in-flight and future Send calls once
// the underlying transport is gone.
var ErrConnectionClosed = errors.New("cdp: connection closed")

// ErrSessionClosed is returned by Send on a session that was destroyed
// while the connection is still alive.
var ErrSessionClosed = errors.New("cdp: session closed")

type callResult struct {
	resp *Response
	err  error
}

// Session is one logical CDP session multiplexed over a shared connection.
// The root (browser-level) session has the empty ID. Each session owns its
// monotonic command-id space and its own event subscriptions.
type Session struct {
	id   string
	conn *Connection

	mu        sync.Mutex
	nextID    int64
	pending   map[int64]chan callResult
	listeners map[string][]*subscription
	closed    bool
}

type subscription struct {
	method string
	fn     func(Event)
}

func newSession(id string, conn *Connection) *Session {
	return &Session{
		id:        id,
		conn:      conn,
		pending:   make(map[int64]chan callResult),
		listeners: make(map[string][]*subscription),
	}
}

// ID returns the CDP session id, empty for the root session.
func (s *Session) ID() string {
	return s.id
}

// Send issues a CDP command and blocks until the matching response, a
// protocol error, session/connection teardown, or context cancellation.
func (s *Session) Send(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.nextID++
	id := s.nextID
	ch := make(chan callResult, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	req := Request{
		ID:        id,
		Method:    method,
		Params:    params,
		SessionID: s.id,
	}

	if err := s.conn.write(ctx, req); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, res.resp.Error
		}
		return res.resp.Result, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// SendAsync issues a command without waiting for the result. Failures are
// logged; fire-and-forget commands have no caller to surface them to.
func (s *Session) SendAsync(method string, params interface{}) {
	go func() {
		if _, err := s.Send(context.Background(), method, params); err != nil &&
			!errors.Is(err, ErrConnectionClosed) && !errors.Is(err, ErrSessionClosed) {
			logrus.WithError(err).WithField("method", method).Debug("cdp: async command failed")
		}
	}()
}

// Subscribe registers a handler for CDP events of this session matching the
// given method. Handlers run on the connection read loop in arrival order.
// The returned function removes the handler; it is safe to call more than
// once.
func (s *Session) Subscribe(method string, fn func(Event)) func() {
	sub := &subscription{method: method, fn: fn}

	s.mu.Lock()
	s.listeners[method] = append(s.listeners[method], sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.listeners[method]
		for i, cur := range subs {
			if cur == sub {
				s.listeners[method] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// dispatchResponse completes the waiter registered for resp.ID.
// A response with no waiter is logged and dropped.
func (s *Session) dispatchResponse(resp *Response) {
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"id":      resp.ID,
			"session": s.id,
		}).Warn("cdp: dropping response with no matching request")
		return
	}
	ch <- callResult{resp: resp}
}

// dispatchEvent calls the handlers registered for the event's method.
func (s *Session) dispatchEvent(evt *Event) {
	s.mu.Lock()
	subs := append([]*subscription(nil), s.listeners[evt.Method]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(*evt)
	}
}

// close rejects every pending waiter with err and refuses further sends.
func (s *Session) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[int64]chan callResult)
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}
