package scgipie

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

const defaultReadChunk = 32 * 1024

// BodyFunc adapts a function to the Body interface.
type BodyFunc func() ([]byte, error)

// Next calls f().
func (f BodyFunc) Next() ([]byte, error) { return f() }

type chunksBody struct {
	chunks [][]byte
}

func (b *chunksBody) Next() ([]byte, error) {
	if len(b.chunks) == 0 {
		return nil, io.EOF
	}
	c := b.chunks[0]
	b.chunks = b.chunks[1:]
	return c, nil
}

// Bytes returns a Body yielding each chunk in order.
func Bytes(chunks ...[]byte) Body {
	return &chunksBody{chunks: chunks}
}

// String returns a Body yielding s as a single chunk.
func String(s string) Body {
	return Bytes([]byte(s))
}

type readerBody struct {
	r   io.Reader
	buf []byte
}

func (b *readerBody) Next() ([]byte, error) {
	n, err := b.r.Read(b.buf)
	if n > 0 {
		return b.buf[:n], nil
	}
	if err == nil {
		return nil, nil
	}
	return nil, err
}

func (b *readerBody) Close() error {
	if c, ok := b.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Reader returns a Body streaming r in chunks of up to size bytes. r is
// closed after the last chunk when it implements io.Closer.
func Reader(r io.Reader, size int) Body {
	if size <= 0 {
		size = defaultReadChunk
	}
	return &readerBody{r: r, buf: make([]byte, size)}
}

// StatusLine returns the status line for code, such as "404 Not Found".
func StatusLine(code int) string {
	text := http.StatusText(code)
	if text == "" {
		text = "Status " + strconv.Itoa(code)
	}
	return strconv.Itoa(code) + " " + text
}

// StatusCode parses the numeric code from a status line, or returns 0.
func StatusCode(status string) int {
	if len(status) < 3 {
		return 0
	}
	code, err := strconv.Atoi(status[:3])
	if err != nil {
		return 0
	}
	return code
}

// Text starts a plain text response and returns its body.
func Text(rw Responder, code int, text string) (Body, error) {
	headers := [][2]string{
		{"Content-Type", "text/plain; charset=utf-8"},
		{"Content-Length", strconv.Itoa(len(text))},
	}
	if err := rw.Start(StatusLine(code), headers, nil); err != nil {
		return nil, err
	}
	return String(text), nil
}

// JSON starts a JSON response for v and returns its body.
func JSON(rw Responder, code int, v any) (Body, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	headers := [][2]string{
		{"Content-Type", "application/json"},
		{"Content-Length", strconv.Itoa(len(data))},
	}
	if err := rw.Start(StatusLine(code), headers, nil); err != nil {
		return nil, err
	}
	return Bytes(data), nil
}

// NoContent starts a response with no body.
func NoContent(rw Responder, code int) (Body, error) {
	return nil, rw.Start(StatusLine(code), nil, nil)
}
