package cdp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// PipeTransport frames CDP messages over a raw byte stream using a single
// NUL byte as the message delimiter. This is the framing Chromium speaks on
// --remote-debugging-pipe and the framing Node inspector-IPC children use.
type PipeTransport struct {
	r       io.ReadCloser
	w       io.WriteCloser
	scanner *bufio.Scanner

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// maxPipeMessage bounds a single framed message. Scripts with inline source
// maps can produce multi-megabyte scriptParsed payloads.
const maxPipeMessage = 256 << 20

// NewPipeTransport wraps a read/write pipe pair in NUL-delimited framing.
func NewPipeTransport(r io.ReadCloser, w io.WriteCloser) *PipeTransport {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxPipeMessage)
	scanner.Split(scanNulMessages)
	return &PipeTransport{r: r, w: w, scanner: scanner}
}

// scanNulMessages is a bufio.SplitFunc using \0 instead of \n as the
// message separator.
func scanNulMessages(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\000'); i >= 0 {
		return i + 1, data[0:i], nil
	}
	// At EOF with a final, non-terminated message: return it.
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Send writes one message followed by the NUL terminator.
func (t *PipeTransport) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.w.Write(data); err != nil {
		return fmt.Errorf("pipe write: %w", err)
	}
	if _, err := t.w.Write([]byte{0}); err != nil {
		return fmt.Errorf("pipe write terminator: %w", err)
	}
	return nil
}

// Receive returns the next NUL-delimited message. The context is only
// checked between messages; pipe reads are unblocked by Close.
func (t *PipeTransport) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for t.scanner.Scan() {
		msg := t.scanner.Bytes()
		if len(msg) == 0 {
			continue
		}
		// The scanner reuses its buffer between calls.
		out := make([]byte, len(msg))
		copy(out, msg)
		return out, nil
	}

	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close closes both halves of the pipe.
func (t *PipeTransport) Close() error {
	t.closeOnce.Do(func() {
		werr := t.w.Close()
		rerr := t.r.Close()
		t.closeErr = errors.Join(werr, rerr)
	})
	return t.closeErr
}
