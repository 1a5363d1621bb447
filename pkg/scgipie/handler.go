package scgipie

import (
	"github.com/rschoon/scgi-pie/internal/scgi"
	"github.com/rschoon/scgi-pie/internal/session"
)

// Request is one SCGI request: its environment, body input and error stream.
type Request = session.Request

// Responder is the begin-response callback handed to handlers.
type Responder = session.Responder

// Body produces response chunks after the handler returns. Next reports
// io.EOF after the last chunk; bodies implementing io.Closer are closed once
// iteration stops.
type Body = session.Body

// Input reads the request body.
type Input = session.Input

// Environ is the request environment.
type Environ = scgi.Environ

// KeyURLScheme is the derived environment key holding "http" or "https".
const KeyURLScheme = scgi.KeyURLScheme

// Handler defines the interface for SCGI applications.
type Handler interface {
	ServeSCGI(req *Request, rw Responder) (Body, error)
}

// HandlerFunc is an adapter to allow ordinary functions to be used as handlers.
type HandlerFunc func(req *Request, rw Responder) (Body, error)

// ServeSCGI calls f(req, rw).
func (f HandlerFunc) ServeSCGI(req *Request, rw Responder) (Body, error) {
	return f(req, rw)
}

// Middleware is a function that wraps a Handler with additional functionality.
type Middleware func(Handler) Handler

// MiddlewareFunc is a function-based middleware that receives the request and next handler.
type MiddlewareFunc func(req *Request, rw Responder, next Handler) (Body, error)

// ToMiddleware converts a MiddlewareFunc to a Middleware.
func (m MiddlewareFunc) ToMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request, rw Responder) (Body, error) {
			return m(req, rw, next)
		})
	}
}

// Chain combines multiple middlewares into a single middleware. The first
// middleware is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
