package dap

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Error ids carried in error response bodies.
const (
	// ErrUnrecognizedRequest is sent for commands with no handler.
	ErrUnrecognizedRequest = 1014
	// ErrHandlerFailed is sent when a handler returns an error.
	ErrHandlerFailed = 1104
)

// Handler processes decoded DAP requests. Implementations reply through the
// connection; every request must produce exactly one response, which the
// connection enforces.
type Handler interface {
	OnRequest(ctx context.Context, conn *Conn, req dap.RequestMessage)
}

// Conn is one DAP connection: a framed transport, an outgoing sequence
// counter, and the bookkeeping that pairs requests with their single
// response.
type Conn struct {
	framer *Framer
	w      io.Writer

	writeMu sync.Mutex
	seq     int

	inflightMu sync.Mutex
	inflight   map[int]string // request seq -> command
}

// NewConn wraps a byte stream carrying DAP frames.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		framer:   NewFramer(rw),
		w:        rw,
		inflight: make(map[int]string),
	}
}

// Serve reads messages until the stream ends, dispatching each request to
// the handler on its own goroutine. Non-request messages are logged and
// dropped; malformed JSON is logged and dropped without closing the stream.
// Returns nil on clean end of stream.
func (c *Conn) Serve(ctx context.Context, handler Handler) error {
	eg, ctx := errgroup.WithContext(ctx)

	for {
		body, err := c.framer.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logrus.WithError(err).Debug("dap: read loop ended")
			}
			break
		}
		logrus.Tracef("dap <- %s", body)

		msg, err := dap.DecodeProtocolMessage(body)
		if err != nil {
			var decodeErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &decodeErr) && decodeErr.SubType == "Request" {
				c.sendUnrecognized(decodeErr.Seq, decodeErr.FieldValue)
				continue
			}
			logrus.WithError(err).Warn("dap: dropping undecodable message")
			continue
		}

		req, ok := msg.(dap.RequestMessage)
		if !ok {
			logrus.WithField("seq", msg.GetSeq()).Warn("dap: dropping non-request message")
			continue
		}

		c.inflightMu.Lock()
		c.inflight[req.GetRequest().Seq] = req.GetRequest().Command
		c.inflightMu.Unlock()

		eg.Go(func() error {
			handler.OnRequest(ctx, c, req)
			return nil
		})
	}

	return eg.Wait()
}

// SendEvent emits an event to the client.
func (c *Conn) SendEvent(event dap.EventMessage) {
	c.send(event)
}

// Reply sends the response for a request. A second reply for the same
// request seq is dropped: at most one response per request.
func (c *Conn) Reply(resp dap.ResponseMessage) {
	r := resp.GetResponse()

	c.inflightMu.Lock()
	_, ok := c.inflight[r.RequestSeq]
	if ok {
		delete(c.inflight, r.RequestSeq)
	}
	c.inflightMu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"request_seq": r.RequestSeq,
			"command":     r.Command,
		}).Warn("dap: dropping duplicate response")
		return
	}
	c.send(resp)
}

// ReplyError sends a failure response carrying a structured error body.
func (c *Conn) ReplyError(req dap.RequestMessage, id int, format string, showUser bool) {
	resp := &dap.ErrorResponse{Response: NewResponse(req)}
	resp.Success = false
	resp.Message = format
	resp.Body.Error = &dap.ErrorMessage{
		Id:       id,
		Format:   format,
		ShowUser: showUser,
	}
	c.Reply(resp)
}

// sendUnrecognized answers a request whose command has no handler. The seq
// was never registered as inflight, so it bypasses Reply.
func (c *Conn) sendUnrecognized(requestSeq int, command string) {
	resp := &dap.ErrorResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Type: "response"},
			RequestSeq:      requestSeq,
			Command:         command,
			Success:         false,
			Message:         "unrecognized request",
		},
	}
	resp.Body.Error = &dap.ErrorMessage{
		Id:     ErrUnrecognizedRequest,
		Format: "Unrecognized request: " + command,
	}
	c.send(resp)
}

// send assigns the outgoing seq and writes one frame. The lock covers both
// so frames are neither interleaved nor reordered relative to their seqs.
func (c *Conn) send(msg dap.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.seq++
	switch m := msg.(type) {
	case dap.ResponseMessage:
		m.GetResponse().Seq = c.seq
	case dap.EventMessage:
		m.GetEvent().Seq = c.seq
	case dap.RequestMessage:
		m.GetRequest().Seq = c.seq
	}

	if err := dap.WriteProtocolMessage(c.w, msg); err != nil {
		logrus.WithError(err).Debug("dap: write failed")
	}
}

// NewResponse builds the success response scaffolding for a request.
func NewResponse(req dap.RequestMessage) dap.Response {
	r := req.GetRequest()
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		RequestSeq:      r.Seq,
		Command:         r.Command,
		Success:         true,
	}
}

// NewEvent builds the scaffolding for an event message.
func NewEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           event,
	}
}
