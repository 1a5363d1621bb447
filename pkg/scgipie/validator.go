package scgipie

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ErrInvalidResponse reports an application that broke the gateway's
// response contract.
var ErrInvalidResponse = errors.New("invalid response")

var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Validator returns a middleware that checks both sides of the handler
// contract. Requests missing required environment keys are rejected before
// the application runs; status lines, headers and body chunks are checked as
// the application produces them. Violations are logged to the request error
// stream and returned wrapping ErrInvalidResponse.
func Validator() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request, rw Responder) (Body, error) {
			if err := validateEnviron(req.Env); err != nil {
				req.Errors.Print(err)
				return nil, err
			}

			vr := &validatingResponder{Responder: rw, req: req}
			body, err := next.ServeSCGI(req, vr)
			if vr.err != nil {
				if c, ok := body.(io.Closer); ok {
					_ = c.Close()
				}
				return nil, vr.err
			}
			if err != nil || body == nil {
				return body, err
			}
			return &validatingBody{body: body, vr: vr}, nil
		})
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidResponse, fmt.Sprintf(format, args...))
}

func validateEnviron(env Environ) error {
	for _, key := range []string{"REQUEST_METHOD", "SERVER_NAME", "SERVER_PROTOCOL"} {
		if _, ok := env[key]; !ok {
			return invalid("environment missing %s", key)
		}
	}
	method := env.Method()
	if method == "" || strings.IndexFunc(method, func(r rune) bool { return !httpguts.IsTokenRune(r) }) >= 0 {
		return invalid("bad REQUEST_METHOD %q", method)
	}
	if script := env.Get("SCRIPT_NAME"); script != "" && !strings.HasPrefix(script, "/") {
		return invalid("SCRIPT_NAME %q does not start with /", script)
	}
	if path := env.Path(); path != "" && !strings.HasPrefix(path, "/") {
		return invalid("PATH_INFO %q does not start with /", path)
	}
	return nil
}

func validateStatus(status string) error {
	if len(status) < 4 || status[3] != ' ' {
		return invalid("status %q is not a code followed by a reason", status)
	}
	for i := range 3 {
		if status[i] < '0' || status[i] > '9' {
			return invalid("status %q has a non-numeric code", status)
		}
	}
	if StatusCode(status) < 100 {
		return invalid("status code in %q is below 100", status)
	}
	if strings.ContainsAny(status, "\r\n") {
		return invalid("status %q contains a line break", status)
	}
	return nil
}

func validateHeaders(headers [][2]string) error {
	for _, h := range headers {
		name, value := h[0], h[1]
		if !httpguts.ValidHeaderFieldName(name) {
			return invalid("bad header name %q", name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return invalid("bad value for header %q", name)
		}
		lower := strings.ToLower(name)
		if lower == "status" {
			return invalid("Status must be passed as the status line, not a header")
		}
		if hopByHop[lower] {
			return invalid("hop-by-hop header %q", name)
		}
	}
	return nil
}

type validatingResponder struct {
	Responder
	req     *Request
	started bool
	err     error
}

func (v *validatingResponder) fail(err error) error {
	if v.err == nil {
		v.err = err
		v.req.Errors.Print(err)
	}
	return err
}

func (v *validatingResponder) Start(status string, headers [][2]string, exc error) error {
	if v.started && exc == nil {
		return v.fail(invalid("response started twice without an error"))
	}
	if err := validateStatus(status); err != nil {
		return v.fail(err)
	}
	if err := validateHeaders(headers); err != nil {
		return v.fail(err)
	}
	if err := v.Responder.Start(status, headers, exc); err != nil {
		return err
	}
	v.started = true
	return nil
}

func (v *validatingResponder) Write(p []byte) (int, error) {
	if !v.started {
		return 0, v.fail(invalid("write before the response was started"))
	}
	return v.Responder.Write(p)
}

type validatingBody struct {
	body Body
	vr   *validatingResponder
}

func (b *validatingBody) Next() ([]byte, error) {
	chunk, err := b.body.Next()
	if len(chunk) > 0 && !b.vr.started {
		return nil, b.vr.fail(invalid("body produced before the response was started"))
	}
	return chunk, err
}

func (b *validatingBody) Close() error {
	if c, ok := b.body.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
