package scgipie

import (
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig defines the configuration options for the OpenTelemetry tracing middleware.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "scgi-pie")
	TracerName string
	// SkipPaths lists paths to skip tracing (e.g., health checks)
	SkipPaths []string
	// Propagator is the propagation format (default: TraceContext)
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "scgi-pie",
		SkipPaths:  []string{"/health", "/metrics"},
		Propagator: propagation.TraceContext{},
	}
}

// Tracing returns a middleware that adds OpenTelemetry tracing to requests.
func Tracing() Middleware {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig returns a middleware that adds OpenTelemetry tracing with custom configuration.
// The parent context is extracted from the forwarded request headers and the
// span ends when the response body is closed.
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "scgi-pie"
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	tracer := otel.Tracer(config.TracerName)

	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request, rw Responder) (Body, error) {
			env := req.Env
			if skipMap[env.Path()] {
				return next.ServeSCGI(req, rw)
			}

			parentCtx := config.Propagator.Extract(req.Context(), environCarrier(env))
			spanCtx, span := tracer.Start(
				parentCtx,
				env.Method()+" "+env.Path(),
				trace.WithSpanKind(trace.SpanKindServer),
			)

			span.SetAttributes(
				attribute.String("http.method", env.Method()),
				attribute.String("http.target", env.Get("REQUEST_URI")),
				attribute.String("http.scheme", env.Get(KeyURLScheme)),
				attribute.String("http.host", env.Get("SERVER_NAME")),
				attribute.Int64("http.request_content_length", req.Input.Remaining()),
			)
			if id := RequestIDFrom(req); id != "" {
				span.SetAttributes(attribute.String("http.request_id", id))
			}

			original := req.Context()
			req.WithContext(spanCtx)
			tr := &trackingResponder{Responder: rw}

			body, err := next.ServeSCGI(req, tr)
			req.WithContext(original)

			return afterResponse(body, err, nil, func(err error) {
				status := tr.code()
				span.SetAttributes(attribute.Int("http.status_code", status))
				switch {
				case err != nil:
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				case status >= 500:
					span.SetStatus(codes.Error, "server error")
				default:
					span.SetStatus(codes.Ok, "")
				}
				span.End()
			})
		})
	}
}

// environCarrier exposes forwarded HTTP headers in the environment to a
// propagator. Keys map to their HTTP_ form, so traceparent reads
// HTTP_TRACEPARENT.
type environCarrier Environ

func (c environCarrier) Get(key string) string {
	return Environ(c).Header(key)
}

func (c environCarrier) Set(key, value string) {
	c[httpKey(key)] = value
}

func (c environCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		if name, ok := strings.CutPrefix(k, "HTTP_"); ok {
			keys = append(keys, strings.ToLower(strings.ReplaceAll(name, "_", "-")))
		}
	}
	return keys
}

func httpKey(name string) string {
	return "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}
