package scgipie

import (
	"fmt"
	"io"
	"net/http"
	"net/http/cgi"
	"slices"
)

// FromHTTP adapts a net/http handler. The request is rebuilt from the SCGI
// environment and its body reads from the gated request input.
func FromHTTP(h http.Handler) Handler {
	return HandlerFunc(func(req *Request, rw Responder) (Body, error) {
		hreq, err := cgi.RequestFromMap(req.Env)
		if err != nil {
			return nil, fmt.Errorf("build http request: %w", err)
		}
		hreq.Body = io.NopCloser(req.Input)
		hreq = hreq.WithContext(req.Context())

		w := &httpResponseWriter{rw: rw, header: make(http.Header)}
		h.ServeHTTP(w, hreq)
		if w.err != nil {
			return nil, w.err
		}
		if !w.wroteHeader {
			w.WriteHeader(http.StatusOK)
		}
		return nil, w.err
	})
}

// httpResponseWriter implements http.ResponseWriter and http.Flusher on top
// of a Responder.
type httpResponseWriter struct {
	rw          Responder
	header      http.Header
	wroteHeader bool
	err         error
}

func (w *httpResponseWriter) Header() http.Header {
	return w.header
}

func (w *httpResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	keys := make([]string, 0, len(w.header))
	for k := range w.header {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	headers := make([][2]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range w.header[k] {
			headers = append(headers, [2]string{k, v})
		}
	}
	if err := w.rw.Start(StatusLine(code), headers, nil); err != nil && w.err == nil {
		w.err = err
	}
}

func (w *httpResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		if w.header.Get("Content-Type") == "" && len(p) > 0 {
			w.header.Set("Content-Type", http.DetectContentType(p))
		}
		w.WriteHeader(http.StatusOK)
	}
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.rw.Write(p)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

// Flush is a no-op. Unbuffered sessions already flush every write.
func (w *httpResponseWriter) Flush() {}
