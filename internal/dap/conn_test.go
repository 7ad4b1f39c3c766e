package dap

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
)

// duplex is an in-memory DAP wire: the test writes requests into in and
// reads the adapter's frames from out.
type duplex struct {
	in  *io.PipeReader
	out *syncBuffer
}

func (d *duplex) Read(p []byte) (int, error)  { return d.in.Read(p) }
func (d *duplex) Write(p []byte) (int, error) { return d.out.Write(p) }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// echoHandler replies success to every request.
type echoHandler struct{}

func (echoHandler) OnRequest(ctx context.Context, conn *Conn, req dap.RequestMessage) {
	resp := &dap.Response{}
	*resp = NewResponse(req)
	conn.Reply(resp)
}

// serveWire runs a connection over raw input bytes and returns its output.
func serveWire(t *testing.T, handler Handler, input ...[]byte) []byte {
	t.Helper()

	pr, pw := io.Pipe()
	stream := &duplex{in: pr, out: &syncBuffer{}}
	conn := NewConn(stream)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.Serve(context.Background(), handler)
	}()

	for _, chunk := range input {
		if _, err := pw.Write(chunk); err != nil {
			t.Fatalf("write input: %v", err)
		}
	}
	pw.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not finish")
	}
	return stream.out.bytes()
}

// decodeAll parses every frame the adapter wrote.
func decodeAll(t *testing.T, wire []byte) []dap.Message {
	t.Helper()

	reader := bufio.NewReader(bytes.NewReader(wire))
	var out []dap.Message
	for {
		msg, err := dap.ReadProtocolMessage(reader)
		if err != nil {
			return out
		}
		out = append(out, msg)
	}
}

func TestConn_UnknownCommand(t *testing.T) {
	t.Parallel()

	wire := serveWire(t, echoHandler{},
		Encode([]byte(`{"seq":5,"type":"request","command":"zzz"}`)))

	messages := decodeAll(t, wire)
	if len(messages) != 1 {
		t.Fatalf("expected one response, got %d", len(messages))
	}
	resp, ok := messages[0].(*dap.ErrorResponse)
	if !ok {
		t.Fatalf("expected error response, got %T", messages[0])
	}
	if resp.RequestSeq != 5 {
		t.Errorf("expected request_seq 5, got %d", resp.RequestSeq)
	}
	if resp.Success {
		t.Error("expected success false")
	}
	if resp.Body.Error == nil || resp.Body.Error.Id != ErrUnrecognizedRequest {
		t.Errorf("expected error id %d, got %+v", ErrUnrecognizedRequest, resp.Body.Error)
	}
}

func TestConn_MalformedJSONDropped(t *testing.T) {
	t.Parallel()

	wire := serveWire(t, echoHandler{},
		Encode([]byte(`{not json`)),
		Encode([]byte(`{"seq":1,"type":"request","command":"threads"}`)))

	messages := decodeAll(t, wire)
	if len(messages) != 1 {
		t.Fatalf("expected the valid request to be answered, got %d messages", len(messages))
	}
	resp, ok := messages[0].(dap.ResponseMessage)
	if !ok {
		t.Fatalf("expected response, got %T", messages[0])
	}
	if resp.GetResponse().RequestSeq != 1 {
		t.Errorf("expected request_seq 1, got %d", resp.GetResponse().RequestSeq)
	}
}

func TestConn_OneResponsePerRequest(t *testing.T) {
	t.Parallel()

	// A handler that tries to answer twice.
	doubleReply := handlerFunc(func(ctx context.Context, conn *Conn, req dap.RequestMessage) {
		first := &dap.Response{}
		*first = NewResponse(req)
		conn.Reply(first)
		second := &dap.Response{}
		*second = NewResponse(req)
		conn.Reply(second)
	})

	wire := serveWire(t, doubleReply,
		Encode([]byte(`{"seq":7,"type":"request","command":"threads"}`)))

	messages := decodeAll(t, wire)
	count := 0
	for _, msg := range messages {
		if resp, ok := msg.(dap.ResponseMessage); ok && resp.GetResponse().RequestSeq == 7 {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one response for seq 7, got %d", count)
	}
}

func TestConn_EventSeqsIncrease(t *testing.T) {
	t.Parallel()

	stream := &duplex{in: nil, out: &syncBuffer{}}
	conn := NewConn(struct {
		io.Reader
		io.Writer
	}{bytes.NewReader(nil), stream.out})

	for i := 0; i < 3; i++ {
		event := &dap.InitializedEvent{Event: NewEvent("initialized")}
		conn.SendEvent(event)
	}

	messages := decodeAll(t, stream.out.bytes())
	if len(messages) != 3 {
		t.Fatalf("expected 3 events, got %d", len(messages))
	}
	last := 0
	for i, msg := range messages {
		seq := msg.GetSeq()
		if seq <= last {
			t.Errorf("event %d: seq %d not increasing past %d", i, seq, last)
		}
		last = seq
	}
}

type handlerFunc func(ctx context.Context, conn *Conn, req dap.RequestMessage)

func (f handlerFunc) OnRequest(ctx context.Context, conn *Conn, req dap.RequestMessage) {
	f(ctx, conn, req)
}
