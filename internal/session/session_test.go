package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chunkReader struct {
	chunks []string
	reads  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	r.reads++
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

type recordingWriter struct {
	writes [][]byte
	err    error
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (w *recordingWriter) String() string {
	return string(bytes.Join(w.writes, nil))
}

type ctxKey struct{}

type handlerFunc func(*Request, Responder) (Body, error)

func (f handlerFunc) ServeSCGI(req *Request, rw Responder) (Body, error) { return f(req, rw) }

type sliceBody struct {
	chunks []string
	err    error
	closed bool
}

func (b *sliceBody) Next() ([]byte, error) {
	if len(b.chunks) == 0 {
		if b.err != nil {
			return nil, b.err
		}
		return nil, io.EOF
	}
	c := b.chunks[0]
	b.chunks = b.chunks[1:]
	return []byte(c), nil
}

func (b *sliceBody) Close() error {
	b.closed = true
	return nil
}

func frame(pairs ...string) string {
	var block string
	for _, p := range pairs {
		block += p + "\x00"
	}
	return strconv.Itoa(len(block)) + ":" + block + ","
}

func okHandler(body *sliceBody) Handler {
	return handlerFunc(func(_ *Request, rw Responder) (Body, error) {
		if err := rw.Start("200 OK", [][2]string{{"Content-Type", "text/plain"}}, nil); err != nil {
			return nil, err
		}
		return body, nil
	})
}

const okHead = "Status: 200 OK\r\nContent-Type: text/plain\r\n\r\n"

func TestSession_BodyLengthGating(t *testing.T) {
	r := &chunkReader{chunks: []string{
		frame("CONTENT_LENGTH", "5", "REQUEST_METHOD", "POST"),
		"hel",
		"lo",
		"JUNK",
	}}
	w := &recordingWriter{}

	var got []byte
	var afterErr error
	var readsAtEnd int
	h := handlerFunc(func(req *Request, rw Responder) (Body, error) {
		var err error
		got, err = io.ReadAll(req.Input)
		if err != nil {
			return nil, err
		}
		readsAtEnd = r.reads
		_, afterErr = req.Input.Read(make([]byte, 16))
		assert.Equal(t, readsAtEnd, r.reads, "no socket read past the body")
		return nil, rw.Start("204 No Content", nil, nil)
	})

	s := New(Options{})
	require.NoError(t, s.Serve(context.Background(), r, w, h))

	assert.Equal(t, "hello", string(got))
	assert.ErrorIs(t, afterErr, io.EOF)
	assert.Equal(t, 3, readsAtEnd)
	assert.Equal(t, []string{"JUNK"}, r.chunks)
	assert.Equal(t, "Status: 204 No Content\r\n\r\n", w.String())
}

func TestSession_HeaderBlockEndsOnReadBoundary(t *testing.T) {
	// Two full reads carry exactly the length prefix and header block. The
	// trailer and body arrive afterwards.
	head := "CONTENT_LENGTH\x00100\x00REQUEST_METHOD\x00POST\x00PAD\x00"
	block := head + strings.Repeat("x", 4091-len(head)-1) + "\x00"
	wire := "4091:" + block
	require.Len(t, wire, 2*readChunk)

	body := strings.Repeat("b", 100)
	r := &chunkReader{chunks: []string{wire, ",", body}}

	var env map[string]string
	var got []byte
	h := handlerFunc(func(req *Request, rw Responder) (Body, error) {
		env = req.Env
		var err error
		if got, err = io.ReadAll(req.Input); err != nil {
			return nil, err
		}
		return nil, rw.Start("204 No Content", nil, nil)
	})

	require.NoError(t, New(Options{}).Serve(context.Background(), r, &recordingWriter{}, h))
	assert.Equal(t, "100", env["CONTENT_LENGTH"])
	assert.Equal(t, "POST", env["REQUEST_METHOD"])
	assert.Equal(t, body, string(got))
}

func TestSession_AbsentContentLengthIsEmptyBody(t *testing.T) {
	r := &chunkReader{chunks: []string{frame("REQUEST_METHOD", "GET"), "stray"}}

	var n int64 = -2
	var readErr error
	h := handlerFunc(func(req *Request, rw Responder) (Body, error) {
		n = req.Input.Remaining()
		_, readErr = req.Input.ReadByte()
		return nil, rw.Start("200 OK", nil, nil)
	})

	require.NoError(t, New(Options{}).Serve(context.Background(), r, &recordingWriter{}, h))
	assert.Equal(t, int64(0), n)
	assert.ErrorIs(t, readErr, io.EOF)
	assert.Equal(t, 1, r.reads)
}

func TestSession_ReadBodyUntilClose(t *testing.T) {
	r := &chunkReader{chunks: []string{frame("REQUEST_METHOD", "PUT"), "all ", "of it"}}

	var got []byte
	h := handlerFunc(func(req *Request, rw Responder) (Body, error) {
		got, _ = io.ReadAll(req.Input)
		return nil, rw.Start("200 OK", nil, nil)
	})

	s := New(Options{ReadBodyUntilClose: true})
	require.NoError(t, s.Serve(context.Background(), r, &recordingWriter{}, h))
	assert.Equal(t, "all of it", string(got))
}

func TestSession_UnbufferedDrainsPerChunk(t *testing.T) {
	r := &chunkReader{chunks: []string{frame("REQUEST_METHOD", "GET")}}
	w := &recordingWriter{}
	body := &sliceBody{chunks: []string{"a", "", "b", "c"}}

	require.NoError(t, New(Options{}).Serve(context.Background(), r, w, okHandler(body)))

	require.Len(t, w.writes, 3)
	assert.Equal(t, okHead+"a", string(w.writes[0]))
	assert.Equal(t, "b", string(w.writes[1]))
	assert.Equal(t, "c", string(w.writes[2]))
	assert.True(t, body.closed)
}

func TestSession_BufferedDrainsOnceAtEnd(t *testing.T) {
	r := &chunkReader{chunks: []string{frame("REQUEST_METHOD", "GET")}}
	w := &recordingWriter{}

	var writesDuringBody int
	body := &sliceBody{chunks: []string{"a", "b", "c"}}
	h := handlerFunc(func(_ *Request, rw Responder) (Body, error) {
		_ = rw.Start("200 OK", [][2]string{{"Content-Type", "text/plain"}}, nil)
		_, _ = rw.Write([]byte("w"))
		writesDuringBody = len(w.writes)
		return body, nil
	})

	require.NoError(t, New(Options{Buffering: true}).Serve(context.Background(), r, w, h))

	assert.Equal(t, 0, writesDuringBody)
	require.Len(t, w.writes, 1)
	assert.Equal(t, okHead+"wabc", string(w.writes[0]))
}

func TestSession_BufferedOverflowForcesDrain(t *testing.T) {
	r := &chunkReader{chunks: []string{frame("REQUEST_METHOD", "GET")}}
	w := &recordingWriter{}
	big := string(bytes.Repeat([]byte("x"), 1500))
	body := &sliceBody{chunks: []string{big}}

	require.NoError(t, New(Options{Buffering: true, BufferSize: 1024}).Serve(context.Background(), r, w, okHandler(body)))

	assert.Greater(t, len(w.writes), 1)
	assert.Equal(t, okHead+big, w.String())
}

func TestSession_HeadersSentForEmptyBody(t *testing.T) {
	r := &chunkReader{chunks: []string{frame("REQUEST_METHOD", "HEAD")}}
	w := &recordingWriter{}

	require.NoError(t, New(Options{}).Serve(context.Background(), r, w, okHandler(&sliceBody{})))
	assert.Equal(t, okHead, w.String())
}

func TestSession_HandlerErrorBeforeCommit(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
	}{
		{"returned error", handlerFunc(func(*Request, Responder) (Body, error) {
			return nil, errors.New("boom")
		})},
		{"panic", handlerFunc(func(*Request, Responder) (Body, error) {
			panic("boom")
		})},
		{"body without start", handlerFunc(func(*Request, Responder) (Body, error) {
			return &sliceBody{chunks: []string{"x"}}, nil
		})},
		{"no start at all", handlerFunc(func(*Request, Responder) (Body, error) {
			return nil, nil
		})},
		{"buffered output discarded", handlerFunc(func(_ *Request, rw Responder) (Body, error) {
			_ = rw.Start("200 OK", nil, nil)
			_, _ = rw.Write([]byte("partial"))
			return &sliceBody{err: errors.New("late")}, nil
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &chunkReader{chunks: []string{frame("REQUEST_METHOD", "GET")}}
			w := &recordingWriter{}

			err := New(Options{Buffering: true}).Serve(context.Background(), r, w, tt.handler)

			assert.ErrorIs(t, err, ErrHandlerFault)
			assert.Equal(t, errorHead+reasonHandlerFault+"\r\n", w.String())
		})
	}
}

func TestSession_HandlerErrorAfterCommitDropsConnection(t *testing.T) {
	r := &chunkReader{chunks: []string{frame("REQUEST_METHOD", "GET")}}
	w := &recordingWriter{}
	body := &sliceBody{chunks: []string{"a"}, err: errors.New("late")}

	err := New(Options{}).Serve(context.Background(), r, w, okHandler(body))

	assert.ErrorIs(t, err, ErrHandlerFault)
	assert.Equal(t, okHead+"a", w.String())
	assert.True(t, body.closed)
}

func TestSession_MalformedFrame(t *testing.T) {
	r := &chunkReader{chunks: []string{"12:short"}}
	w := &recordingWriter{}
	called := false
	h := handlerFunc(func(*Request, Responder) (Body, error) {
		called = true
		return nil, nil
	})

	err := New(Options{}).Serve(context.Background(), r, w, h)

	assert.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, errorHead+reasonBadFrame+"\r\n", w.String())
}

func TestSession_EmptyConnection(t *testing.T) {
	w := &recordingWriter{}
	err := New(Options{}).Serve(context.Background(), &chunkReader{}, w, okHandler(&sliceBody{}))

	assert.NoError(t, err)
	assert.Empty(t, w.writes)
}

func TestSession_WriteFailureAborts(t *testing.T) {
	r := &chunkReader{chunks: []string{frame("REQUEST_METHOD", "GET")}}
	w := &recordingWriter{err: errors.New("broken pipe")}
	body := &sliceBody{chunks: []string{"a", "b"}}

	err := New(Options{}).Serve(context.Background(), r, w, okHandler(body))

	assert.ErrorIs(t, err, ErrAborted)
	assert.Empty(t, w.writes)
	assert.Equal(t, []string{"b"}, body.chunks, "no chunk is pulled after the abort")
}

func TestSession_StartRules(t *testing.T) {
	exc := errors.New("app error")
	r := &chunkReader{chunks: []string{frame("REQUEST_METHOD", "GET")}}
	w := &recordingWriter{}

	h := handlerFunc(func(_ *Request, rw Responder) (Body, error) {
		require.NoError(t, rw.Start("200 OK", nil, nil))
		assert.ErrorIs(t, rw.Start("200 OK", nil, nil), ErrHeadersAlreadySet)

		require.NoError(t, rw.Start("503 Service Unavailable", [][2]string{{"Retry-After", "1"}}, exc))

		_, err := rw.Write([]byte("down"))
		require.NoError(t, err)
		assert.Equal(t, exc, rw.Start("500 Internal Server Error", nil, exc))
		return nil, nil
	})

	require.NoError(t, New(Options{}).Serve(context.Background(), r, w, h))
	assert.Equal(t, "Status: 503 Service Unavailable\r\nRetry-After: 1\r\n\r\ndown", w.String())
}

func TestSession_WriteBeforeStart(t *testing.T) {
	r := &chunkReader{chunks: []string{frame("REQUEST_METHOD", "GET")}}

	var writeErr error
	h := handlerFunc(func(_ *Request, rw Responder) (Body, error) {
		_, writeErr = rw.Write([]byte("x"))
		return nil, rw.Start("200 OK", nil, nil)
	})

	require.NoError(t, New(Options{}).Serve(context.Background(), r, &recordingWriter{}, h))
	assert.ErrorIs(t, writeErr, ErrHeadersNotStarted)
}

func TestSession_ReuseDoesNotLeak(t *testing.T) {
	s := New(Options{})

	var seen []string
	h := handlerFunc(func(req *Request, rw Responder) (Body, error) {
		b, _ := io.ReadAll(req.Input)
		seen = append(seen, req.Env.Path()+"|"+req.Env.Get("HTTP_X")+"|"+string(b))
		return nil, rw.Start("200 OK", nil, nil)
	})

	first := &chunkReader{chunks: []string{frame("PATH_INFO", "/one", "HTTP_X", "1", "CONTENT_LENGTH", "3") + "abcLEFTOVER"}}
	require.NoError(t, s.Serve(context.Background(), first, &recordingWriter{}, h))
	assert.Equal(t, Idle, s.State())

	second := &chunkReader{chunks: []string{frame("PATH_INFO", "/two")}}
	require.NoError(t, s.Serve(context.Background(), second, &recordingWriter{}, h))

	assert.Equal(t, []string{"/one|1|abc", "/two||"}, seen)
}

func TestSession_RequestEnvironment(t *testing.T) {
	r := &chunkReader{chunks: []string{frame(
		"REQUEST_METHOD", "POST",
		"REQUEST_URI", "/p?q=1",
		"HTTPS", "on",
		"HTTP_HOST", "example.org",
	)}}

	var req *Request
	h := handlerFunc(func(rq *Request, rw Responder) (Body, error) {
		req = rq
		return nil, rw.Start("200 OK", nil, nil)
	})

	ctx := context.WithValue(context.Background(), ctxKey{}, "v")
	require.NoError(t, New(Options{}).Serve(ctx, r, &recordingWriter{}, h))

	require.NotNil(t, req)
	assert.Equal(t, "POST", req.Env.Method())
	assert.Equal(t, "/p", req.Env.Path())
	assert.Equal(t, "q=1", req.Env.Get("QUERY_STRING"))
	assert.Equal(t, "https", req.Env.Get("scgi.url_scheme"))
	assert.Equal(t, "example.org", req.Env.Get("SERVER_NAME"))
	assert.Equal(t, [2]string{"REQUEST_METHOD", "POST"}, req.Headers[0])
	assert.Equal(t, "v", req.Context().Value(ctxKey{}))
	assert.NotNil(t, req.Errors)
}
