// Package wire implements the exchange's framed XML protocol: each
// request is an ASCII byte count, a newline, and exactly that many
// bytes of UTF-8 XML. Responses are the raw document bytes followed by
// a newline.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxFrameSize caps how large a single request document may announce
// itself to be.
const MaxFrameSize = 1 << 20

// maxSizeLine bounds the length of the byte-count line itself.
const maxSizeLine = 20

// ReadFrame reads one length-prefixed request from r, draining partial
// reads until the announced byte count arrives or the peer closes.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	// Read the size line byte by byte so a peer streaming garbage with
	// no newline cannot grow the buffer past maxSizeLine.
	line := make([]byte, 0, maxSizeLine)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("wire: read size line: %w", err)
		}
		if b == '\n' {
			break
		}
		if len(line) >= maxSizeLine {
			return nil, fmt.Errorf("wire: size line too long")
		}
		line = append(line, b)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(line)))
	if err != nil {
		return nil, fmt.Errorf("wire: bad size line %q: %w", strings.TrimSpace(string(line)), err)
	}
	if n <= 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame size %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: short frame: %w", err)
	}
	return buf, nil
}

// WriteFrame writes the response document followed by a newline.
func WriteFrame(w io.Writer, doc []byte) error {
	if _, err := w.Write(doc); err != nil {
		return fmt.Errorf("wire: write response: %w", err)
	}
	if _, err := w.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("wire: write response: %w", err)
	}
	return nil
}
