package scgipie

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return sr
}

func TestTracing_SpanEndsWithResponse(t *testing.T) {
	sr := recordSpans(t)

	var inHandler trace.SpanContext
	h := Tracing()(HandlerFunc(func(req *Request, rw Responder) (Body, error) {
		inHandler = trace.SpanContextFromContext(req.Context())
		return Text(rw, 200, "ok")
	}))

	serveOK(t, h, get("/traced",
		"HTTP_TRACEPARENT", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "GET /traced", span.Name())
	assert.Equal(t, trace.SpanKindServer, span.SpanKind())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.Parent().TraceID().String())
	assert.Equal(t, span.SpanContext().SpanID(), inHandler.SpanID())
	assert.Equal(t, codes.Ok, span.Status().Code)
	assert.Contains(t, span.Attributes(), attribute.Int("http.status_code", 200))
}

func TestTracing_RecordsError(t *testing.T) {
	sr := recordSpans(t)

	h := Tracing()(HandlerFunc(func(*Request, Responder) (Body, error) {
		return nil, assert.AnError
	}))

	_, err := run(t, h, get("/oops"))
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestTracing_SkipPaths(t *testing.T) {
	sr := recordSpans(t)

	h := TracingWithConfig(TracingConfig{SkipPaths: []string{"/health"}})(textHandler("ok"))
	serveOK(t, h, get("/health"))

	assert.Empty(t, sr.Ended())
}

func TestEnvironCarrier(t *testing.T) {
	c := environCarrier(Environ{"HTTP_TRACEPARENT": "tp", "PATH_INFO": "/"})
	assert.Equal(t, "tp", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())

	c.Set("tracestate", "a=b")
	assert.Equal(t, "a=b", c["HTTP_TRACESTATE"])
}
