package scgipie

import (
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payload = strings.Repeat("compressible payload ", 200)

func chunkedHandler(contentType string) Handler {
	return HandlerFunc(func(_ *Request, rw Responder) (Body, error) {
		if err := rw.Start("200 OK", [][2]string{{"Content-Type", contentType}}, nil); err != nil {
			return nil, err
		}
		half := len(payload) / 2
		return Bytes([]byte(payload[:half]), []byte(payload[half:])), nil
	})
}

func TestCompress_Gzip(t *testing.T) {
	h := Compress()(chunkedHandler("text/plain"))

	resp := serveOK(t, h, get("/", "HTTP_ACCEPT_ENCODING", "gzip, deflate"))
	assert.Equal(t, "gzip", resp.headers["Content-Encoding"])
	assert.Equal(t, "Accept-Encoding", resp.headers["Vary"])

	zr, err := gzip.NewReader(strings.NewReader(resp.body))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, payload, string(plain))
}

func TestCompress_BrotliPreferred(t *testing.T) {
	h := Compress()(chunkedHandler("text/html"))

	resp := serveOK(t, h, get("/", "HTTP_ACCEPT_ENCODING", "gzip, br"))
	assert.Equal(t, "br", resp.headers["Content-Encoding"])

	plain, err := io.ReadAll(brotli.NewReader(strings.NewReader(resp.body)))
	require.NoError(t, err)
	assert.Equal(t, payload, string(plain))
}

func TestCompress_WriteCallable(t *testing.T) {
	h := Compress()(HandlerFunc(func(_ *Request, rw Responder) (Body, error) {
		if err := rw.Start("200 OK", nil, nil); err != nil {
			return nil, err
		}
		_, err := rw.Write([]byte(payload))
		return nil, err
	}))

	resp := serveOK(t, h, get("/", "HTTP_ACCEPT_ENCODING", "gzip"))
	zr, err := gzip.NewReader(strings.NewReader(resp.body))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, payload, string(plain))
}

func TestCompress_Skips(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
		extra   []string
	}{
		{"no accept encoding", textHandler(payload), nil},
		{"small declared length", textHandler("tiny"), []string{"HTTP_ACCEPT_ENCODING", "gzip"}},
		{"excluded type", chunkedHandler("image/png"), []string{"HTTP_ACCEPT_ENCODING", "gzip"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serveOK(t, Compress()(tt.handler), get("/", tt.extra...))
			assert.NotContains(t, resp.headers, "Content-Encoding")
			assert.NotEmpty(t, resp.body)
		})
	}
}

func TestNegotiateEncoding(t *testing.T) {
	tests := []struct {
		accept string
		want   string
	}{
		{"", ""},
		{"gzip", "gzip"},
		{"gzip, br", "br"},
		{"br;q=0, gzip", "gzip"},
		{"br; q=0.0, gzip;q=0", ""},
		{"brotli, gzip", "gzip"},
		{"x-gzip", "gzip"},
		{"identity", ""},
		{"*", "br"},
		{"*, br;q=0", "gzip"},
		{"GZIP;Q=0.5", "gzip"},
	}

	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			assert.Equal(t, tt.want, negotiateEncoding(tt.accept))
		})
	}
}

func TestCompress_RefusedCoding(t *testing.T) {
	resp := serveOK(t, Compress()(chunkedHandler("text/plain")), get("/", "HTTP_ACCEPT_ENCODING", "br;q=0"))
	assert.NotContains(t, resp.headers, "Content-Encoding")
	assert.Equal(t, payload, resp.body)
}

func TestCompress_DropsContentLength(t *testing.T) {
	h := Compress()(textHandler(payload))

	resp := serveOK(t, h, get("/", "HTTP_ACCEPT_ENCODING", "gzip"))
	assert.Equal(t, "gzip", resp.headers["Content-Encoding"])
	assert.NotContains(t, resp.headers, "Content-Length")
}
