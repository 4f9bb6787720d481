package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the named tracer from the global provider. Without an SDK
// installed this is a no-op tracer.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("portal/" + name)
}
