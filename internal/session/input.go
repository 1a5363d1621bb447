package session

import (
	"io"

	"github.com/rschoon/scgi-pie/internal/buffer"
)

var lineEnds = []byte("\r\n")

// Input reads a request body from the session's input buffer. It never
// yields bytes past the declared body length.
type Input struct {
	buf    *buffer.Buffer
	left   int64 // remaining body bytes, -1 reads until the peer closes
	closed bool
}

func (in *Input) reset(buf *buffer.Buffer, left int64) {
	in.buf = buf
	in.left = left
	in.closed = false
}

// Remaining returns the number of unread body bytes, or -1 when the body runs
// until the peer closes.
func (in *Input) Remaining() int64 { return in.left }

// Close makes further reads fail with ErrInputClosed.
func (in *Input) Close() error {
	in.closed = true
	return nil
}

func (in *Input) clamp(n int) int {
	if in.left >= 0 && int64(n) > in.left {
		return int(in.left)
	}
	return n
}

func (in *Input) consume(n int) {
	if in.left > 0 {
		in.left -= int64(n)
	}
}

func (in *Input) eof() error {
	if in.left > 0 {
		return io.ErrUnexpectedEOF
	}
	return io.EOF
}

// Next returns up to n body bytes without copying. The slice is only valid
// until the next read.
func (in *Input) Next(n int) ([]byte, error) {
	if in.closed {
		return nil, ErrInputClosed
	}
	if n = in.clamp(n); n <= 0 {
		return nil, io.EOF
	}
	p := in.buf.GetSpan(n)
	if len(p) == 0 {
		return nil, in.eof()
	}
	in.consume(len(p))
	return p, nil
}

// Read implements io.Reader.
func (in *Input) Read(p []byte) (int, error) {
	if len(p) == 0 {
		if in.closed {
			return 0, ErrInputClosed
		}
		return 0, nil
	}
	span, err := in.Next(len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, span), nil
}

// ReadByte implements io.ByteReader.
func (in *Input) ReadByte() (byte, error) {
	if in.closed {
		return 0, ErrInputClosed
	}
	if in.clamp(1) == 0 {
		return 0, io.EOF
	}
	c, err := in.buf.GetByte()
	if err != nil {
		return 0, in.eof()
	}
	in.consume(1)
	return c, nil
}

// ReadLine returns the next line including its terminator, which is "\n",
// "\r" or "\r\n". A positive hint caps the line length. The last line of a
// body may lack a terminator.
func (in *Input) ReadLine(hint int) ([]byte, error) {
	if in.closed {
		return nil, ErrInputClosed
	}
	if in.left == 0 {
		return nil, io.EOF
	}

	n := in.buf.FindDelimiter(lineEnds, hint) + 1
	if n == 0 {
		n = in.buf.Len()
	} else if in.buf.Bytes()[n-1] == '\r' {
		if in.buf.PullUntil(n+1) == nil && in.buf.Bytes()[n] == '\n' {
			n++
		}
	}
	if hint > 0 && n > hint {
		n = hint
	}
	if n = in.clamp(n); n <= 0 {
		return nil, in.eof()
	}

	span := in.buf.GetSpan(n)
	if len(span) == 0 {
		return nil, in.eof()
	}
	in.consume(len(span))
	return append([]byte(nil), span...), nil
}

// ReadLines reads every remaining line.
func (in *Input) ReadLines() ([][]byte, error) {
	var lines [][]byte
	for {
		line, err := in.ReadLine(0)
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
}
