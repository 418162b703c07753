package grpctrace

import (
	"context"

	ocpropagation "go.opencensus.io/trace/propagation"
	"go.opentelemetry.io/otel"
	ocbridge "go.opentelemetry.io/otel/bridge/opencensus"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"
)

// grpc-go's opencensus plugin carried its binary span context under this
// metadata key. It is still injected alongside the OpenTelemetry headers
// so pre-otel peers keep seeing a parent, unless OnlyOtel is set.
const traceContextKey = "grpc-trace-bin"

// metadataCarrier adapts gRPC metadata to the otel TextMapCarrier.
type metadataCarrier metadata.MD

func (mc metadataCarrier) Get(key string) string {
	values := metadata.MD(mc).Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (mc metadataCarrier) Set(key, value string) {
	metadata.MD(mc).Set(key, value)
}

func (mc metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(mc))
	for key := range mc {
		keys = append(keys, key)
	}
	return keys
}

// injectContext copies the outgoing metadata, writes the active trace
// context into it and returns a context carrying the new metadata.
func injectContext(ctx context.Context, o *Options) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if ok {
		md = md.Copy()
	} else {
		md = metadata.MD{}
	}

	// the global text map propagator writes the new style
	// tracecontext headers
	otel.GetTextMapPropagator().Inject(ctx, metadataCarrier(md))

	// also send the opencensus binary header for backwards
	// compatibility
	if !o.OnlyOtel {
		sc := trace.SpanFromContext(ctx).SpanContext()
		if sc.IsValid() {
			ocSpan := ocbridge.OTelSpanContextToOC(sc)
			md.Set(traceContextKey, string(ocpropagation.Binary(ocSpan)))
		}
	}

	return metadata.NewOutgoingContext(ctx, md)
}

// extract returns a context parented to the trace context found in the
// incoming metadata. The otel propagator's own fields win; the legacy
// opencensus binary header is the fallback. When neither is present the
// context is returned unchanged and the caller starts a root span.
func extract(ctx context.Context, md metadata.MD, o *Options) context.Context {
	carrier := metadataCarrier(md)
	tmprop := otel.GetTextMapPropagator()

	for _, field := range tmprop.Fields() {
		if carrier.Get(field) != "" {
			return tmprop.Extract(ctx, carrier)
		}
	}

	if o.OnlyOtel {
		return ctx
	}

	values := md.Get(traceContextKey)
	if len(values) == 0 {
		return ctx
	}

	ocSpanContext, ok := ocpropagation.FromBinary([]byte(values[0]))
	if !ok {
		return ctx
	}

	spanContext := ocbridge.OCSpanContextToOTel(ocSpanContext)
	if !spanContext.IsValid() {
		return ctx
	}

	return trace.ContextWithRemoteSpanContext(ctx, spanContext)
}
