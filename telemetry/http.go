package telemetry

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WrapHandler instruments an HTTP handler with OTel spans and metrics,
// using the route pattern as the span name. The task-submission surface
// mounts its mux through this once at startup.
func WrapHandler(handler http.Handler, operation string) http.Handler {
	return otelhttp.NewHandler(handler, operation)
}

// WrapTransport instruments an outbound HTTP transport so completer,
// embedder, and vector-store calls carry trace context to their providers.
func WrapTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}
