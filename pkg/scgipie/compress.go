package scgipie

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// CompressConfig holds configuration for the Compress middleware.
type CompressConfig struct {
	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int
	// MinSize skips responses whose declared Content-Length is smaller (default: 1024 bytes)
	MinSize int
	// ExcludedTypes lists content type prefixes to skip compression
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6,
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress returns a middleware that streams response bodies through brotli
// or gzip, depending on what the client accepts.
func Compress() Middleware {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig returns a Compress middleware with custom configuration.
func CompressWithConfig(config CompressConfig) Middleware {
	if config.MinSize == 0 {
		config.MinSize = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request, rw Responder) (Body, error) {
			encoding := negotiateEncoding(req.Env.Header("Accept-Encoding"))
			if encoding == "" || req.Env.Method() == "HEAD" {
				return next.ServeSCGI(req, rw)
			}

			cr := &compressResponder{Responder: rw, config: config, encoding: encoding}
			body, err := next.ServeSCGI(req, cr)
			if err != nil {
				cr.discard()
				return body, err
			}
			if body == nil {
				if !cr.active {
					return nil, nil
				}
				body = Bytes()
			}
			return &compressBody{body: body, cr: cr}, nil
		})
	}
}

// negotiateEncoding picks br over gzip from an Accept-Encoding value. Codings
// listed with q=0 are refused, and a wildcard admits any coding not named.
func negotiateEncoding(accept string) string {
	named := map[string]bool{}
	wildcard := false
	for _, part := range strings.Split(accept, ",") {
		coding, params, _ := strings.Cut(part, ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		if coding == "" {
			continue
		}
		ok := acceptable(params)
		if coding == "*" {
			wildcard = ok
			continue
		}
		if coding == "x-gzip" {
			coding = "gzip"
		}
		named[coding] = ok
	}

	for _, coding := range []string{"br", "gzip"} {
		ok, listed := named[coding]
		if ok || (!listed && wildcard) {
			return coding
		}
	}
	return ""
}

// acceptable reports whether the parameters of one Accept-Encoding entry
// leave it a nonzero quality.
func acceptable(params string) bool {
	for _, param := range strings.Split(params, ";") {
		name, value, _ := strings.Cut(param, "=")
		if !strings.EqualFold(strings.TrimSpace(name), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return err == nil && q > 0
	}
	return true
}

type encoder interface {
	io.WriteCloser
	Flush() error
}

// compressResponder decides at Start whether to compress and rewrites the
// headers accordingly. Bytes written through it are compressed.
type compressResponder struct {
	Responder
	config   CompressConfig
	encoding string

	active bool
	enc    encoder
	out    bytes.Buffer
}

func (c *compressResponder) Start(status string, headers [][2]string, exc error) error {
	compress := exc == nil && c.shouldCompress(status, headers)
	if compress {
		headers = c.rewriteHeaders(headers)
	}
	if err := c.Responder.Start(status, headers, exc); err != nil {
		return err
	}
	c.discard()
	if compress {
		c.active = true
		c.enc = c.newEncoder()
	}
	return nil
}

func (c *compressResponder) shouldCompress(status string, headers [][2]string) bool {
	code := StatusCode(status)
	if code < 200 || code == 204 || code == 304 {
		return false
	}
	if headerValue(headers, "Content-Encoding") != "" {
		return false
	}
	if cl := headerValue(headers, "Content-Length"); cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && n < c.config.MinSize {
			return false
		}
	}
	contentType := headerValue(headers, "Content-Type")
	for _, excluded := range c.config.ExcludedTypes {
		if strings.HasPrefix(contentType, excluded) {
			return false
		}
	}
	return true
}

func (c *compressResponder) rewriteHeaders(headers [][2]string) [][2]string {
	out := make([][2]string, 0, len(headers)+2)
	for _, h := range headers {
		if strings.EqualFold(h[0], "Content-Length") {
			continue
		}
		out = append(out, h)
	}
	return append(out,
		[2]string{"Content-Encoding", c.encoding},
		[2]string{"Vary", "Accept-Encoding"},
	)
}

func (c *compressResponder) newEncoder() encoder {
	if c.encoding == "br" {
		return brotli.NewWriterLevel(&c.out, c.config.Level)
	}
	w, err := gzip.NewWriterLevel(&c.out, c.config.Level)
	if err != nil {
		w = gzip.NewWriter(&c.out)
	}
	return w
}

func (c *compressResponder) Write(p []byte) (int, error) {
	if !c.active {
		return c.Responder.Write(p)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := c.compress(p); err != nil {
		return 0, err
	}
	if _, err := c.Responder.Write(c.out.Bytes()); err != nil {
		return 0, err
	}
	c.out.Reset()
	return len(p), nil
}

// compress feeds p to the encoder and flushes it so every chunk produces
// output immediately.
func (c *compressResponder) compress(p []byte) error {
	if _, err := c.enc.Write(p); err != nil {
		return err
	}
	return c.enc.Flush()
}

// finish closes the encoder, leaving the stream trailer in out.
func (c *compressResponder) finish() error {
	if c.enc == nil {
		return nil
	}
	err := c.enc.Close()
	c.enc = nil
	return err
}

func (c *compressResponder) discard() {
	if c.enc != nil {
		_ = c.enc.Close()
		c.enc = nil
	}
	c.out.Reset()
	c.active = false
}

// compressBody streams the inner body through the responder's encoder.
type compressBody struct {
	body Body
	cr   *compressResponder
	done bool
}

func (b *compressBody) Next() ([]byte, error) {
	if !b.cr.active {
		return b.body.Next()
	}
	b.cr.out.Reset()
	if b.done {
		return nil, io.EOF
	}

	chunk, err := b.body.Next()
	if err == io.EOF {
		b.done = true
		if ferr := b.cr.finish(); ferr != nil {
			return nil, ferr
		}
		return b.cr.out.Bytes(), nil
	}
	if err != nil {
		return nil, err
	}
	if len(chunk) == 0 {
		return nil, nil
	}
	if err := b.cr.compress(chunk); err != nil {
		return nil, err
	}
	return b.cr.out.Bytes(), nil
}

func (b *compressBody) Close() error {
	var err error
	if c, ok := b.body.(io.Closer); ok {
		err = c.Close()
	}
	b.cr.discard()
	return err
}
