package scgipie

import (
	"errors"
	"fmt"
	"strings"
)

// Router matches REQUEST_METHOD and PATH_INFO against registered patterns.
// A pattern segment ":name" binds one path segment and a final "*name" binds
// the rest of the path. Literal segments win over parameters, which win over
// wildcards, and matching backtracks when a literal branch dead-ends.
type Router struct {
	trees        map[string]*pathTree
	middlewares  []Middleware
	notFound     Handler
	errorHandler ErrorHandler
}

// ErrorHandler renders an error returned by a routed handler.
type ErrorHandler func(req *Request, rw Responder, err error) (Body, error)

// pathTree holds the routes below one segment position.
type pathTree struct {
	literal map[string]*pathTree
	param   *pathTree
	wild    *pathTree
	name    string
	handler Handler
}

// NewRouter returns an empty router that answers unmatched requests with a
// plain 404 and renders handler errors with DefaultErrorHandler.
func NewRouter() *Router {
	return &Router{
		trees: make(map[string]*pathTree),
		notFound: HandlerFunc(func(_ *Request, rw Responder) (Body, error) {
			return Text(rw, 404, "Not Found")
		}),
		errorHandler: DefaultErrorHandler,
	}
}

// DefaultErrorHandler renders an HTTPError with its code and message, and
// anything else as a 500. The error is passed as exc so a response that has
// not reached the wire yet is replaced.
func DefaultErrorHandler(req *Request, rw Responder, err error) (Body, error) {
	code, message := 500, "Internal Server Error"
	var details any

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		code, message, details = httpErr.Code, httpErr.Message, httpErr.Details
	} else {
		req.Errors.Printf("handler error: %v", err)
	}

	if strings.Contains(req.Env.Header("Accept"), "application/json") {
		payload := map[string]any{"error": message, "code": code}
		if details != nil {
			payload["details"] = details
		}
		return JSON(&excResponder{Responder: rw, exc: err}, code, payload)
	}
	return Text(&excResponder{Responder: rw, exc: err}, code, message)
}

// excResponder starts every response with exc attached.
type excResponder struct {
	Responder
	exc error
}

func (e *excResponder) Start(status string, headers [][2]string, _ error) error {
	return e.Responder.Start(status, headers, e.exc)
}

// HTTPError represents an HTTP error with status code, message, and optional details.
type HTTPError struct {
	Code    int
	Message string
	Details any
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, message string) *HTTPError {
	return &HTTPError{
		Code:    code,
		Message: message,
	}
}

// WithDetails adds additional details to the HTTPError and returns the modified error.
func (e *HTTPError) WithDetails(details any) *HTTPError {
	e.Details = details
	return e
}

// Use wraps every routed handler, the not found handler included, in the
// given middleware. The first one listed runs outermost.
func (r *Router) Use(middlewares ...Middleware) {
	r.middlewares = append(r.middlewares, middlewares...)
}

// NotFound replaces the handler for requests no route matches.
func (r *Router) NotFound(handler Handler) {
	r.notFound = handler
}

// ErrorHandler sets the error handler function for the router. A nil
// handler passes errors through to the session.
func (r *Router) ErrorHandler(handler ErrorHandler) {
	r.errorHandler = handler
}

// GET registers a handler for GET requests.
func (r *Router) GET(path string, handler any) {
	r.addRoute("GET", path, wrapHandler(handler))
}

// POST registers a handler for POST requests.
func (r *Router) POST(path string, handler any) {
	r.addRoute("POST", path, wrapHandler(handler))
}

// PUT registers a handler for PUT requests.
func (r *Router) PUT(path string, handler any) {
	r.addRoute("PUT", path, wrapHandler(handler))
}

// DELETE registers a handler for DELETE requests.
func (r *Router) DELETE(path string, handler any) {
	r.addRoute("DELETE", path, wrapHandler(handler))
}

// PATCH registers a handler for PATCH requests.
func (r *Router) PATCH(path string, handler any) {
	r.addRoute("PATCH", path, wrapHandler(handler))
}

// HEAD registers a handler for HEAD requests.
func (r *Router) HEAD(path string, handler any) {
	r.addRoute("HEAD", path, wrapHandler(handler))
}

// OPTIONS registers a handler for OPTIONS requests.
func (r *Router) OPTIONS(path string, handler any) {
	r.addRoute("OPTIONS", path, wrapHandler(handler))
}

// Handle registers a handler for any method. handler is a Handler or a
// func(*Request, Responder) (Body, error).
func (r *Router) Handle(method, path string, handler any) {
	r.addRoute(method, path, wrapHandler(handler))
}

func wrapHandler(handler any) Handler {
	switch h := handler.(type) {
	case Handler:
		return h
	case func(*Request, Responder) (Body, error):
		return HandlerFunc(h)
	default:
		panic(fmt.Sprintf("invalid handler type: %T", handler))
	}
}

func (r *Router) addRoute(method, pattern string, handler Handler) {
	if !strings.HasPrefix(pattern, "/") {
		panic(fmt.Sprintf("route %q does not start with /", pattern))
	}
	tree := r.trees[method]
	if tree == nil {
		tree = &pathTree{}
		r.trees[method] = tree
	}
	tree.insert(pattern, segments(pattern), handler)
}

// segments splits a path on "/", dropping empty segments.
func segments(path string) []string {
	return strings.FieldsFunc(path, func(c rune) bool { return c == '/' })
}

func (t *pathTree) insert(pattern string, segs []string, handler Handler) {
	if len(segs) == 0 {
		t.handler = handler
		return
	}

	seg, rest := segs[0], segs[1:]
	switch seg[0] {
	case ':':
		if t.param == nil {
			t.param = &pathTree{name: seg[1:]}
		} else if t.param.name != seg[1:] {
			panic(fmt.Sprintf("route %q: parameter :%s conflicts with :%s", pattern, seg[1:], t.param.name))
		}
		t.param.insert(pattern, rest, handler)
	case '*':
		if len(rest) > 0 {
			panic(fmt.Sprintf("route %q: wildcard must be the last segment", pattern))
		}
		t.wild = &pathTree{name: seg[1:], handler: handler}
	default:
		if t.literal == nil {
			t.literal = make(map[string]*pathTree)
		}
		next := t.literal[seg]
		if next == nil {
			next = &pathTree{}
			t.literal[seg] = next
		}
		next.insert(pattern, rest, handler)
	}
}

// match returns the handler for segs, recording bindings in params.
func (t *pathTree) match(segs []string, params map[string]string) Handler {
	if len(segs) == 0 {
		return t.handler
	}
	if next := t.literal[segs[0]]; next != nil {
		if h := next.match(segs[1:], params); h != nil {
			return h
		}
	}
	if t.param != nil {
		if h := t.param.match(segs[1:], params); h != nil {
			params[t.param.name] = segs[0]
			return h
		}
	}
	if t.wild != nil {
		params[t.wild.name] = strings.Join(segs, "/")
		return t.wild.handler
	}
	return nil
}

// ServeSCGI implements the Handler interface.
func (r *Router) ServeSCGI(req *Request, rw Responder) (Body, error) {
	handler, params := r.FindRoute(req.Env.Method(), req.Env.Path())
	for k, v := range params {
		req.SetParam(k, v)
	}

	if len(r.middlewares) > 0 {
		handler = Chain(r.middlewares...)(handler)
	}

	body, err := handler.ServeSCGI(req, rw)
	if err != nil && r.errorHandler != nil {
		return r.errorHandler(req, rw, err)
	}
	return body, err
}

// FindRoute returns the handler registered for method and path along with
// its parameter bindings. Unmatched requests get the not found handler.
func (r *Router) FindRoute(method, path string) (Handler, map[string]string) {
	tree := r.trees[method]
	if tree == nil {
		return r.notFound, nil
	}
	params := make(map[string]string)
	h := tree.match(segments(path), params)
	if h == nil {
		return r.notFound, nil
	}
	if len(params) == 0 {
		params = nil
	}
	return h, params
}

// Group registers routes under a shared prefix, wrapped in its own
// middleware.
type Group struct {
	router      *Router
	prefix      string
	middlewares []Middleware
}

// Group starts a route group under prefix.
func (r *Router) Group(prefix string, middlewares ...Middleware) *Group {
	return &Group{
		router:      r,
		prefix:      prefix,
		middlewares: middlewares,
	}
}

// Use appends middleware for routes registered on g afterwards.
func (g *Group) Use(middlewares ...Middleware) {
	g.middlewares = append(g.middlewares, middlewares...)
}

// GET registers a handler for GET requests in the group.
func (g *Group) GET(path string, handler any) {
	g.handle("GET", path, wrapHandler(handler))
}

// POST registers a handler for POST requests in the group.
func (g *Group) POST(path string, handler any) {
	g.handle("POST", path, wrapHandler(handler))
}

// PUT registers a handler for PUT requests in the group.
func (g *Group) PUT(path string, handler any) {
	g.handle("PUT", path, wrapHandler(handler))
}

// DELETE registers a handler for DELETE requests in the group.
func (g *Group) DELETE(path string, handler any) {
	g.handle("DELETE", path, wrapHandler(handler))
}

// Handle registers a handler for the specified method in the group.
func (g *Group) Handle(method, path string, handler any) {
	g.handle(method, path, wrapHandler(handler))
}

func (g *Group) handle(method, path string, handler Handler) {
	if len(g.middlewares) > 0 {
		handler = Chain(g.middlewares...)(handler)
	}
	g.router.addRoute(method, g.prefix+path, handler)
}

// Group nests a group below g, inheriting its prefix and middleware.
func (g *Group) Group(prefix string, middlewares ...Middleware) *Group {
	combined := make([]Middleware, 0, len(g.middlewares)+len(middlewares))
	combined = append(combined, g.middlewares...)
	combined = append(combined, middlewares...)
	return &Group{
		router:      g.router,
		prefix:      g.prefix + prefix,
		middlewares: combined,
	}
}

// Param returns a route parameter bound by the router, or "".
func Param(req *Request, name string) string {
	return req.Param(name)
}
