package scgipie

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(req *Request, rw Responder) (Body, error) {
				order = append(order, name)
				return next.ServeSCGI(req, rw)
			})
		}
	}

	h := Chain(mark("outer"), mark("inner"))(HandlerFunc(func(_ *Request, rw Responder) (Body, error) {
		order = append(order, "handler")
		return NoContent(rw, 204)
	}))

	resp := serveOK(t, h, get("/"))
	assert.Equal(t, "204 No Content", resp.status)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestMiddlewareFunc_ToMiddleware(t *testing.T) {
	m := MiddlewareFunc(func(req *Request, rw Responder, next Handler) (Body, error) {
		req.SetParam("seen", "yes")
		return next.ServeSCGI(req, rw)
	}).ToMiddleware()

	var seen string
	h := m(HandlerFunc(func(req *Request, rw Responder) (Body, error) {
		seen = req.Param("seen")
		return Text(rw, 200, "ok")
	}))

	resp := serveOK(t, h, get("/"))
	assert.Equal(t, "ok", resp.body)
	assert.Equal(t, "yes", seen)
}

func TestFallback_Answers500(t *testing.T) {
	raw, err := run(t, Fallback(assert.AnError), get("/anything"))
	assert.NoError(t, err)

	resp := parseResponse(t, raw)
	assert.Equal(t, "500 Internal Server Error", resp.status)
	assert.Equal(t, "Internal Server Error\n", resp.body)
}
