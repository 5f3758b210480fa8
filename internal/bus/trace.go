package bus

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

var tracePropagator = propagation.TraceContext{}

// InjectTrace copies the span context of ctx into the message headers.
func InjectTrace(ctx context.Context, msg Message) Message {
	out := msg.Clone()
	if out.Headers == nil {
		out.Headers = make(map[string]string)
	}
	tracePropagator.Inject(ctx, propagation.MapCarrier(out.Headers))
	return out
}

// ExtractTrace returns ctx carrying the remote span context found in headers.
func ExtractTrace(ctx context.Context, msg Message) context.Context {
	if len(msg.Headers) == 0 {
		return ctx
	}
	return tracePropagator.Extract(ctx, propagation.MapCarrier(msg.Headers))
}
