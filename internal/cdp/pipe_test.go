package cdp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

// nopWriteCloser adapts a bytes.Buffer into the transport's write side.
type nopWriteCloser struct {
	*bytes.Buffer
}

func (nopWriteCloser) Close() error { return nil }

func TestPipeTransport_SendAppendsTerminator(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	pr, _ := io.Pipe()
	transport := NewPipeTransport(pr, nopWriteCloser{&out})

	if err := transport.Send(context.Background(), []byte(`{"id":1}`)); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if err := transport.Send(context.Background(), []byte(`{"id":2}`)); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	want := "{\"id\":1}\x00{\"id\":2}\x00"
	if out.String() != want {
		t.Errorf("expected %q, got %q", want, out.String())
	}
}

func TestPipeTransport_ReceiveSplitsOnNul(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	transport := NewPipeTransport(pr, pw)

	go func() {
		// Two messages across three writes, with a split mid-message.
		pw.Write([]byte("{\"id\":1}\x00{\"me"))
		pw.Write([]byte("thod\":\"Page.loadEventFired\"}"))
		pw.Write([]byte("\x00"))
		pw.Close()
	}()

	first, err := transport.Receive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(first) != `{"id":1}` {
		t.Errorf("first message: got %q", first)
	}

	second, err := transport.Receive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(second) != `{"method":"Page.loadEventFired"}` {
		t.Errorf("second message: got %q", second)
	}

	if _, err := transport.Receive(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after stream end, got %v", err)
	}
}

func TestPipeTransport_EmptyMessagesSkipped(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	transport := NewPipeTransport(pr, pw)

	go func() {
		pw.Write([]byte("\x00\x00{\"id\":7}\x00"))
		pw.Close()
	}()

	msg, err := transport.Receive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(msg) != `{"id":7}` {
		t.Errorf("got %q", msg)
	}
}

func TestPipeTransport_CloseUnblocksReceive(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	transport := NewPipeTransport(pr, pw)

	errCh := make(chan error, 1)
	go func() {
		_, err := transport.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	transport.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("expected an error from Receive after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Receive did not unblock after Close")
	}
}
