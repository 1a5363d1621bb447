package scgipie

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/rschoon/scgi-pie/internal/date"
)

// LoggerConfig defines the configuration options for the Logger middleware.
type LoggerConfig struct {
	// Output specifies where logs are written (defaults to os.Stdout)
	Output io.Writer
	// Format specifies the log format: "json" or "text" (default: "text")
	Format string
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
	// CustomFields allows adding custom fields to each log entry
	CustomFields func(req *Request) map[string]any
}

// DefaultLoggerConfig returns a LoggerConfig with sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Output: os.Stdout,
		Format: "text",
	}
}

// Logger returns a middleware that writes one access log line per request
// once its response has finished streaming.
func Logger() Middleware {
	return LoggerWithConfig(DefaultLoggerConfig())
}

// LoggerWithConfig returns a middleware that logs requests with custom configuration.
func LoggerWithConfig(config LoggerConfig) Middleware {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Format == "" {
		config.Format = "text"
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request, rw Responder) (Body, error) {
			if skipMap[req.Env.Path()] {
				return next.ServeSCGI(req, rw)
			}

			start := time.Now()
			tr := &trackingResponder{Responder: rw}
			var bodyBytes int64

			body, err := next.ServeSCGI(req, tr)
			return afterResponse(body, err,
				func(chunk []byte) { bodyBytes += int64(len(chunk)) },
				func(err error) {
					writeAccessLog(config, req, tr.code(), tr.written+bodyBytes, time.Since(start), err)
				})
		})
	}
}

func writeAccessLog(config LoggerConfig, req *Request, status int, size int64, duration time.Duration, err error) {
	entry := map[string]any{
		"time":        date.Current(),
		"method":      req.Env.Method(),
		"path":        req.Env.Path(),
		"status":      status,
		"bytes":       size,
		"duration":    duration.Milliseconds(),
		"remote_addr": req.Env.Get("REMOTE_ADDR"),
	}
	if id := RequestIDFrom(req); id != "" {
		entry["request_id"] = id
	}
	if config.CustomFields != nil {
		for k, v := range config.CustomFields(req) {
			entry[k] = v
		}
	}
	if err != nil {
		entry["error"] = err.Error()
	}

	if config.Format == "json" {
		data, _ := json.Marshal(entry)
		_, _ = fmt.Fprintf(config.Output, "%s\n", data)
		return
	}

	_, _ = fmt.Fprintf(config.Output, "[%s] %s %s %d %d %dms",
		entry["time"], entry["method"], entry["path"], status, size, entry["duration"])
	if id, ok := entry["request_id"]; ok {
		_, _ = fmt.Fprintf(config.Output, " req_id=%v", id)
	}
	if err != nil {
		_, _ = fmt.Fprintf(config.Output, " error=%q", err.Error())
	}
	_, _ = fmt.Fprintln(config.Output)
}

// Recovery returns a middleware that recovers from panics in the handler and
// in its body. A panic before the response is on the wire becomes a 500.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request, rw Responder) (body Body, err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Errors.Printf("panic: %v\n%s", r, debug.Stack())
					exc := fmt.Errorf("%w: panic: %v", ErrHandlerFault, r)
					headers := [][2]string{{"Content-Type", "text/plain; charset=utf-8"}}
					if serr := rw.Start(StatusLine(500), headers, exc); serr != nil {
						body, err = nil, serr
						return
					}
					body, err = String("Internal Server Error"), nil
				}
			}()

			body, err = next.ServeSCGI(req, rw)
			if body != nil {
				body = &recoveringBody{Body: body, req: req}
			}
			return body, err
		})
	}
}

type recoveringBody struct {
	Body
	req *Request
}

func (b *recoveringBody) Next() (chunk []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.req.Errors.Printf("panic in body: %v\n%s", r, debug.Stack())
			chunk, err = nil, fmt.Errorf("%w: panic: %v", ErrHandlerFault, r)
		}
	}()
	return b.Body.Next()
}

func (b *recoveringBody) Close() error {
	if c, ok := b.Body.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDConfig holds configuration for the RequestID middleware.
type RequestIDConfig struct {
	// Header is the request and response header carrying the ID (default: "X-Request-ID")
	Header string
	// Generator creates new IDs (default: random UUID)
	Generator func() string
}

// RequestID returns a middleware that assigns every request an ID, reusing
// one sent by the front end.
func RequestID() Middleware {
	return RequestIDWithConfig(RequestIDConfig{})
}

// RequestIDWithConfig returns a RequestID middleware with custom configuration.
func RequestIDWithConfig(config RequestIDConfig) Middleware {
	if config.Header == "" {
		config.Header = "X-Request-ID"
	}
	if config.Generator == nil {
		config.Generator = uuid.NewString
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request, rw Responder) (Body, error) {
			id := req.Env.Header(config.Header)
			if id == "" {
				id = config.Generator()
			}
			req.WithContext(context.WithValue(req.Context(), requestIDKey, id))
			return next.ServeSCGI(req, &headerAppender{
				Responder: rw,
				extra:     [2]string{config.Header, id},
			})
		})
	}
}

// RequestIDFrom returns the ID assigned by RequestID, or "".
func RequestIDFrom(req *Request) string {
	id, _ := req.Context().Value(requestIDKey).(string)
	return id
}

// headerAppender adds one header to whatever the handler starts.
type headerAppender struct {
	Responder
	extra [2]string
}

func (h *headerAppender) Start(status string, headers [][2]string, exc error) error {
	out := make([][2]string, 0, len(headers)+1)
	out = append(out, headers...)
	out = append(out, h.extra)
	return h.Responder.Start(status, out, exc)
}
