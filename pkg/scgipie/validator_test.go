package scgipie

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWith(status string, headers [][2]string) Handler {
	return HandlerFunc(func(_ *Request, rw Responder) (Body, error) {
		if err := rw.Start(status, headers, nil); err != nil {
			return nil, err
		}
		return String("ok"), nil
	})
}

func TestValidator_AcceptsValidResponse(t *testing.T) {
	h := Validator()(startWith("200 OK", [][2]string{{"Content-Type", "text/plain"}}))

	resp := serveOK(t, h, get("/"))
	assert.Equal(t, "200 OK", resp.status)
	assert.Equal(t, "ok", resp.body)
}

func TestValidator_RejectsResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
	}{
		{"no reason", startWith("200", nil)},
		{"non numeric", startWith("2x0 OK", nil)},
		{"below 100", startWith("099 Low", nil)},
		{"bad header name", startWith("200 OK", [][2]string{{"Bad Name", "x"}})},
		{"bad header value", startWith("200 OK", [][2]string{{"X-Test", "a\r\nb"}})},
		{"status header", startWith("200 OK", [][2]string{{"Status", "200"}})},
		{"hop by hop", startWith("200 OK", [][2]string{{"Connection", "close"}})},
		{"started twice", HandlerFunc(func(_ *Request, rw Responder) (Body, error) {
			_ = rw.Start("200 OK", nil, nil)
			_ = rw.Start("201 Created", nil, nil)
			return nil, nil
		})},
		{"write before start", HandlerFunc(func(_ *Request, rw Responder) (Body, error) {
			_, err := rw.Write([]byte("x"))
			return nil, err
		})},
		{"body before start", HandlerFunc(func(*Request, Responder) (Body, error) {
			return String("x"), nil
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := run(t, Validator()(tt.handler), get("/"))
			require.ErrorIs(t, err, ErrInvalidResponse)
			assert.ErrorIs(t, err, ErrHandlerFault)
			assert.True(t, strings.HasPrefix(raw, "Status: 500 Internal Server Error\r\n"))
		})
	}
}

type closingBody struct {
	Body
	closed bool
}

func (b *closingBody) Close() error {
	b.closed = true
	return nil
}

func TestValidator_ClosesDiscardedBody(t *testing.T) {
	body := &closingBody{Body: String("x")}
	h := Validator()(HandlerFunc(func(_ *Request, rw Responder) (Body, error) {
		_ = rw.Start("200 OK", [][2]string{{"Connection", "close"}}, nil)
		return body, nil
	}))

	_, err := run(t, h, get("/"))
	require.ErrorIs(t, err, ErrInvalidResponse)
	assert.True(t, body.closed)
}

func TestValidator_RejectsEnvironment(t *testing.T) {
	called := false
	h := Validator()(HandlerFunc(func(_ *Request, rw Responder) (Body, error) {
		called = true
		return Text(rw, 200, "ok")
	}))

	_, err := run(t, h, frame("CONTENT_LENGTH", "0", "REQUEST_METHOD", "GET"))
	require.ErrorIs(t, err, ErrInvalidResponse)
	assert.False(t, called)

	_, err = run(t, h, frame("CONTENT_LENGTH", "0", "REQUEST_METHOD", "G T", "SERVER_NAME", "x"))
	require.ErrorIs(t, err, ErrInvalidResponse)

	_, err = run(t, h, frame("CONTENT_LENGTH", "0", "PATH_INFO", "relative", "SERVER_NAME", "x"))
	require.ErrorIs(t, err, ErrInvalidResponse)
	assert.False(t, called)
}
