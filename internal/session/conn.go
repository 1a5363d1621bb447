package session

import (
	"fmt"
	"io"

	"github.com/rschoon/scgi-pie/internal/buffer"
)

const readChunk = 2048

// conn binds a session's buffers to one connection. It fills the input buffer
// from r and drains the output buffer to w.
type conn struct {
	r io.Reader
	w io.Writer

	// input gates reads once the body phase begins.
	input    *Input
	bodyMode bool

	drained int64
	aborted bool

	tmp [readChunk]byte
}

func (c *conn) bind(r io.Reader, w io.Writer, input *Input) {
	c.r = r
	c.w = w
	c.input = input
	c.bodyMode = false
	c.drained = 0
	c.aborted = false
}

func (c *conn) unbind() {
	c.r = nil
	c.w = nil
	c.input = nil
}

// Fill implements buffer.Filler. In body mode it never reads past the
// declared body length, reporting io.EOF instead of touching the socket.
func (c *conn) Fill(b *buffer.Buffer) error {
	p := c.tmp[:]
	if c.bodyMode && c.input.left >= 0 {
		want := c.input.left - int64(b.Len())
		if want <= 0 {
			return io.EOF
		}
		if want < int64(len(p)) {
			p = p[:want]
		}
	}

	for {
		n, err := c.r.Read(p)
		if n > 0 {
			return b.Append(p[:n])
		}
		if err == nil || isInterrupted(err) {
			continue
		}
		return err
	}
}

// Drain implements buffer.Drainer. It blocks until all of p is written,
// retrying interrupted writes, and abandons the connection on any other error.
func (c *conn) Drain(p []byte) error {
	if c.aborted {
		return ErrAborted
	}
	for len(p) > 0 {
		n, err := c.w.Write(p)
		c.drained += int64(n)
		p = p[n:]
		if err != nil {
			if isInterrupted(err) {
				continue
			}
			c.aborted = true
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
		if n == 0 {
			c.aborted = true
			return fmt.Errorf("%w: %w", ErrAborted, io.ErrShortWrite)
		}
	}
	return nil
}

// committed reports whether any response byte reached the connection.
func (c *conn) committed() bool { return c.drained > 0 }
