package session

import (
	"context"
	"errors"
	"log"

	"github.com/rschoon/scgi-pie/internal/scgi"
)

var (
	// ErrHandlerFault reports a handler that failed, panicked or broke the
	// response contract.
	ErrHandlerFault = errors.New("handler fault")
	// ErrHeadersAlreadySet reports a second Start without an error to replace
	// the first.
	ErrHeadersAlreadySet = errors.New("headers already set")
	// ErrHeadersNotStarted reports body output before Start.
	ErrHeadersNotStarted = errors.New("start response never called")
	// ErrInputClosed reports a body read after Input.Close.
	ErrInputClosed = errors.New("input closed")
	// ErrAborted reports that the connection failed while writing and the
	// session was abandoned.
	ErrAborted = errors.New("session aborted")
)

// Handler serves one request. It may call Start and Write on rw directly and
// may return a Body whose chunks are streamed after it returns.
type Handler interface {
	ServeSCGI(req *Request, rw Responder) (Body, error)
}

// Body produces response chunks. Next returns io.EOF after the last chunk.
// Bodies implementing io.Closer are closed once iteration stops.
type Body interface {
	Next() ([]byte, error)
}

// Responder begins the response and writes to it.
type Responder interface {
	// Start records the status line (such as "200 OK") and header list. The
	// block is sent ahead of the first non-empty body chunk. Passing a non-nil
	// exc replaces an unsent response, or returns exc unchanged once the
	// headers are on the wire.
	Start(status string, headers [][2]string, exc error) error
	// Write sends p as body bytes, emitting the headers first if needed.
	Write(p []byte) (int, error)
}

// Request is one parsed SCGI request.
type Request struct {
	// Env is the request environment, including derived keys.
	Env scgi.Environ
	// Headers holds the raw frame pairs in wire order.
	Headers [][2]string
	// Input reads the request body.
	Input *Input
	// Errors is the per-request error stream.
	Errors *log.Logger
	// Params holds values bound by a router.
	Params map[string]string

	ctx context.Context
}

// Context returns the request context.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext replaces the request context.
func (r *Request) WithContext(ctx context.Context) {
	r.ctx = ctx
}

// Param returns a router bound value.
func (r *Request) Param(name string) string {
	return r.Params[name]
}

// SetParam binds a router value.
func (r *Request) SetParam(name, value string) {
	if r.Params == nil {
		r.Params = make(map[string]string, 2)
	}
	r.Params[name] = value
}
