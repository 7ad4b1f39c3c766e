// Package dap implements the adapter's client-facing side of the Debug
// Adapter Protocol: Content-Length framing over a byte stream and a
// connection that dispatches typed requests and enforces the one-response
// rule.
package dap

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var headerSeparator = []byte("\r\n\r\n")

// Framer incrementally decodes Content-Length framed messages from a byte
// stream. Chunk boundaries are irrelevant: partial reads accumulate until a
// whole message is available. A header block without a Content-Length field
// is dropped and scanning continues with the following bytes.
type Framer struct {
	r   io.Reader
	buf []byte

	// bodyLen is the Content-Length of the message being assembled,
	// -1 while scanning for the next header block.
	bodyLen int
}

// NewFramer wraps a byte stream.
func NewFramer(r io.Reader) *Framer {
	return &Framer{r: r, bodyLen: -1}
}

// Next blocks until one whole message body is available and returns it.
// Returns the reader's error (io.EOF at end of stream) once the buffered
// bytes contain no further complete message.
func (f *Framer) Next() ([]byte, error) {
	for {
		if f.bodyLen < 0 {
			if i := bytes.Index(f.buf, headerSeparator); i >= 0 {
				f.bodyLen = parseContentLength(f.buf[:i])
				f.buf = f.buf[i+len(headerSeparator):]
				if f.bodyLen < 0 {
					logrus.Warn("dap: dropping header block without Content-Length")
					continue
				}
			}
		}

		if f.bodyLen >= 0 && len(f.buf) >= f.bodyLen {
			body := make([]byte, f.bodyLen)
			copy(body, f.buf[:f.bodyLen])
			f.buf = f.buf[f.bodyLen:]
			f.bodyLen = -1
			return body, nil
		}

		chunk := make([]byte, 4096)
		n, err := f.r.Read(chunk)
		if n > 0 {
			f.buf = append(f.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// parseContentLength extracts Content-Length from a header block of
// "Key: Value" lines. Keys are case-insensitive. Returns -1 when absent or
// unparseable.
func parseContentLength(header []byte) int {
	for _, line := range strings.Split(string(header), "\r\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return -1
			}
			return n
		}
	}
	return -1
}

// Encode renders a message body with its Content-Length header, the exact
// inverse of what Next consumes.
func Encode(body []byte) []byte {
	return append([]byte(fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))), body...)
}
