package session

import (
	"github.com/panjf2000/gnet/v2/pkg/pool/bytebuffer"

	"github.com/rschoon/scgi-pie/internal/buffer"
)

var (
	statusPrefix = []byte("Status: ")
	headerSep    = []byte(": ")
	crlf         = []byte("\r\n")
)

// response implements Responder on top of the session's output buffer.
type response struct {
	out       *buffer.Buffer
	buffering bool

	status  string
	headers [][2]string
	started bool
	sent    bool
}

func (r *response) reset(out *buffer.Buffer, buffering bool) {
	r.out = out
	r.buffering = buffering
	r.status = ""
	r.headers = nil
	r.started = false
	r.sent = false
}

func (r *response) Start(status string, headers [][2]string, exc error) error {
	if exc != nil {
		if r.sent {
			return exc
		}
	} else if r.started {
		return ErrHeadersAlreadySet
	}
	r.status = status
	r.headers = headers
	r.started = true
	return nil
}

func (r *response) Write(p []byte) (int, error) {
	if err := r.emit(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// emit queues one body chunk, sending the header block ahead of the first
// one. Without buffering every chunk is flushed immediately.
func (r *response) emit(p []byte) error {
	if !r.started {
		return ErrHeadersNotStarted
	}
	if len(p) == 0 {
		return nil
	}
	if !r.sent {
		if err := r.sendHeaders(); err != nil {
			return err
		}
	}
	if err := r.out.Append(p); err != nil {
		return err
	}
	if !r.buffering {
		return r.out.Flush()
	}
	return nil
}

// sendHeaders appends the status line and header block to the output.
func (r *response) sendHeaders() error {
	bb := bytebuffer.Get()
	defer bytebuffer.Put(bb)

	_, _ = bb.Write(statusPrefix)
	_, _ = bb.WriteString(r.status)
	_, _ = bb.Write(crlf)
	for _, h := range r.headers {
		_, _ = bb.WriteString(h[0])
		_, _ = bb.Write(headerSep)
		_, _ = bb.WriteString(h[1])
		_, _ = bb.Write(crlf)
	}
	_, _ = bb.Write(crlf)

	r.sent = true
	return r.out.Append(bb.B)
}
