// Package scgi implements the SCGI request framing: the netstring header
// block that precedes each request body, and the environment derived from it.
package scgi

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/rschoon/scgi-pie/internal/buffer"
)

var (
	// ErrMalformedFrame reports a header block whose length prefix is missing,
	// unterminated, out of range or truncated.
	ErrMalformedFrame = errors.New("malformed scgi frame")
	// ErrNoRequest reports a peer that closed before sending a single byte.
	ErrNoRequest = errors.New("connection closed before request")
)

const (
	lengthTerminator = ':'
	trailer          = ','
)

// DefaultMaxHeaderBytes bounds the declared header block size.
const DefaultMaxHeaderBytes = 1 << 20

// Frame is one parsed header block.
type Frame struct {
	// Pairs holds zero-copy (name, value) views into the input buffer in wire
	// order. They are only valid until the buffer is read from again.
	Pairs [][2][]byte
	// ContentLength is the declared body length, or -1 when absent.
	ContentLength int64
	// HeaderSize is the declared length of the header block.
	HeaderSize int
}

// Reset clears the frame for reuse.
func (f *Frame) Reset() {
	f.Pairs = f.Pairs[:0]
	f.ContentLength = -1
	f.HeaderSize = 0
}

// Get returns the last value sent for name.
func (f *Frame) Get(name string) ([]byte, bool) {
	for i := len(f.Pairs) - 1; i >= 0; i-- {
		if string(f.Pairs[i][0]) == name {
			return f.Pairs[i][1], true
		}
	}
	return nil, false
}

// Parser reads frames from an input buffer.
type Parser struct {
	// MaxHeaderBytes is the largest accepted header block. Zero means
	// DefaultMaxHeaderBytes.
	MaxHeaderBytes int
}

// NewParser creates a parser with the given header size limit.
func NewParser(maxHeaderBytes int) *Parser {
	return &Parser{MaxHeaderBytes: maxHeaderBytes}
}

// Parse consumes one header block from b, including its trailer, and fills f.
//
// A stream that ends before its first byte yields ErrNoRequest. Any other
// framing problem yields an error wrapping ErrMalformedFrame.
func (p *Parser) Parse(b *buffer.Buffer, f *Frame) error {
	f.Reset()

	limit := p.MaxHeaderBytes
	if limit <= 0 {
		limit = DefaultMaxHeaderBytes
	}

	size, err := p.readLength(b, limit)
	if err != nil {
		return err
	}
	f.HeaderSize = size

	if err := b.PullUntil(size); err != nil {
		return fmt.Errorf("%w: header block truncated at %d of %d bytes", ErrMalformedFrame, b.Len(), size)
	}

	// Some front ends count the trailer inside the declared length. Otherwise
	// the trailer is buffered before the span is taken, since a fill after
	// that may compact storage under the views. A stream that ends where the
	// trailer should be still yields the request.
	folded := b.Bytes()[size-1] == trailer
	if !folded {
		_ = b.PullUntil(size + 1)
	}

	headers := b.GetSpan(size)
	if !folded && b.Len() > 0 {
		_, _ = b.GetByte()
	}

	f.Pairs = splitPairs(f.Pairs, headers)
	f.ContentLength = contentLength(f.Pairs)
	return nil
}

func (p *Parser) readLength(b *buffer.Buffer, limit int) (int, error) {
	size := 0
	digits := 0
	for {
		c, err := b.GetByte()
		if err != nil {
			if digits == 0 {
				return 0, ErrNoRequest
			}
			return 0, fmt.Errorf("%w: unterminated length prefix", ErrMalformedFrame)
		}
		if c == lengthTerminator {
			break
		}
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: unexpected byte %q in length prefix", ErrMalformedFrame, c)
		}
		digits++
		size = size*10 + int(c-'0')
		if size > limit {
			return 0, fmt.Errorf("%w: header block exceeds %d bytes", ErrMalformedFrame, limit)
		}
	}
	if size == 0 {
		return 0, fmt.Errorf("%w: empty header block", ErrMalformedFrame)
	}
	return size, nil
}

// splitPairs walks NUL separated name/value pairs. An empty name ends the
// walk, as does a name with no value before the end of the block.
func splitPairs(dst [][2][]byte, block []byte) [][2][]byte {
	rest := block
	for len(rest) > 0 && rest[0] != 0 {
		name, tail, ok := bytes.Cut(rest, []byte{0})
		if !ok || len(tail) == 0 {
			break
		}
		value, tail, _ := bytes.Cut(tail, []byte{0})
		dst = append(dst, [2][]byte{name, value})
		rest = tail
	}
	return dst
}

func contentLength(pairs [][2][]byte) int64 {
	n := int64(-1)
	for _, kv := range pairs {
		switch string(kv[0]) {
		case "CONTENT_LENGTH", "HTTP_CONTENT_LENGTH":
			n = parseLength(kv[1])
		}
	}
	return n
}

// parseLength reads a leading decimal number, treating garbage as zero.
func parseLength(v []byte) int64 {
	v = bytes.TrimSpace(v)
	end := 0
	for end < len(v) && v[end] >= '0' && v[end] <= '9' {
		end++
	}
	n, err := strconv.ParseInt(string(v[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// AppendFrame appends the header block for pairs to dst, the way a front end
// sends it. CONTENT_LENGTH should be the first pair.
func AppendFrame(dst []byte, pairs [][2]string) []byte {
	size := 0
	for _, kv := range pairs {
		size += len(kv[0]) + len(kv[1]) + 2
	}
	dst = strconv.AppendInt(dst, int64(size), 10)
	dst = append(dst, lengthTerminator)
	for _, kv := range pairs {
		dst = append(dst, kv[0]...)
		dst = append(dst, 0)
		dst = append(dst, kv[1]...)
		dst = append(dst, 0)
	}
	return append(dst, trailer)
}
