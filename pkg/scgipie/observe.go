package scgipie

import (
	"io"
	"strings"
)

// trackingResponder records the response status and the bytes written
// directly through Write.
type trackingResponder struct {
	Responder
	status  string
	headers [][2]string
	written int64
}

func (t *trackingResponder) Start(status string, headers [][2]string, exc error) error {
	if err := t.Responder.Start(status, headers, exc); err != nil {
		return err
	}
	t.status = status
	t.headers = headers
	return nil
}

func (t *trackingResponder) Write(p []byte) (int, error) {
	n, err := t.Responder.Write(p)
	t.written += int64(n)
	return n, err
}

// code returns the status code, or 0 before Start.
func (t *trackingResponder) code() int { return StatusCode(t.status) }

// header returns the first response header named name.
func (t *trackingResponder) header(name string) string {
	return headerValue(t.headers, name)
}

func headerValue(headers [][2]string, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// hookedBody reports every chunk and calls done exactly once when the
// response ends, with the first error seen.
type hookedBody struct {
	body    Body
	onChunk func([]byte)
	done    func(error)
	err     error
	ended   bool
}

func (b *hookedBody) Next() ([]byte, error) {
	chunk, err := b.body.Next()
	if err != nil && err != io.EOF && b.err == nil {
		b.err = err
	}
	if len(chunk) > 0 && b.onChunk != nil {
		b.onChunk(chunk)
	}
	return chunk, err
}

func (b *hookedBody) Close() error {
	var err error
	if c, ok := b.body.(io.Closer); ok {
		err = c.Close()
	}
	if !b.ended {
		b.ended = true
		if b.err == nil {
			b.err = err
		}
		b.done(b.err)
	}
	return err
}

// afterResponse arranges for done to run once the response produced by a
// handler has finished streaming. Without a body that is immediately.
func afterResponse(body Body, err error, onChunk func([]byte), done func(error)) (Body, error) {
	if err != nil || body == nil {
		done(err)
		return body, err
	}
	return &hookedBody{body: body, onChunk: onChunk, done: done}, nil
}
