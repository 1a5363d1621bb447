package main

import (
	"fmt"
	"plugin"
	"slices"

	"github.com/rschoon/scgi-pie/pkg/scgipie"
)

// loadPlugin opens a Go plugin and returns its exported Application, which
// may be a Handler value or a func() Handler constructor.
func loadPlugin(path string) (scgipie.Handler, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup("Application")
	if err != nil {
		return nil, err
	}

	switch app := sym.(type) {
	case func() scgipie.Handler:
		return app(), nil
	case *scgipie.Handler:
		if *app == nil {
			return nil, fmt.Errorf("%s: Application is nil", path)
		}
		return *app, nil
	case scgipie.Handler:
		return app, nil
	default:
		return nil, fmt.Errorf("%s: Application has unsupported type %T", path, sym)
	}
}

// builtinApplication serves diagnostics when no plugin is loaded.
func builtinApplication() scgipie.Handler {
	router := scgipie.NewRouter()
	router.GET("/_scgi/env", func(req *scgipie.Request, rw scgipie.Responder) (scgipie.Body, error) {
		keys := make([]string, 0, len(req.Env))
		for k := range req.Env {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		pairs := make([][2]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, [2]string{k, req.Env[k]})
		}
		return scgipie.JSON(rw, 200, map[string]any{
			"environ": pairs,
			"headers": req.Headers,
		})
	})
	router.POST("/_scgi/echo", func(req *scgipie.Request, rw scgipie.Responder) (scgipie.Body, error) {
		headers := [][2]string{{"Content-Type", "application/octet-stream"}}
		if n := req.Input.Remaining(); n >= 0 {
			headers = append(headers, [2]string{"Content-Length", fmt.Sprint(n)})
		}
		if err := rw.Start(scgipie.StatusLine(200), headers, nil); err != nil {
			return nil, err
		}
		return scgipie.Reader(req.Input, 0), nil
	})
	return router
}
