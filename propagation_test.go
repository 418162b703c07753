package grpctrace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	octrace "go.opencensus.io/trace"
	ocpropagation "go.opencensus.io/trace/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"
)

func makeOCSpanContext() octrace.SpanContext {
	b := make([]byte, 24)
	rand.Read(b)

	var tid [16]byte
	var sid [8]byte
	copy(tid[:], b[:16])
	copy(sid[:], b[16:])

	return octrace.SpanContext{TraceID: tid, SpanID: sid}
}

func TestInjectCarriesBothFormats(t *testing.T) {
	ctx, span := tracer.Start(context.Background(), "inject-both")
	defer span.End()

	out := injectContext(ctx, defaultOptions())
	md, ok := metadata.FromOutgoingContext(out)
	require.True(t, ok)

	assert.NotEmpty(t, md.Get("traceparent"))
	assert.NotEmpty(t, md.Get(traceContextKey))
}

func TestInjectOnlyOtel(t *testing.T) {
	ctx, span := tracer.Start(context.Background(), "inject-otel-only")
	defer span.End()

	out := injectContext(ctx, buildOptions([]Option{WithOnlyOtel(true)}))
	md, ok := metadata.FromOutgoingContext(out)
	require.True(t, ok)

	assert.NotEmpty(t, md.Get("traceparent"))
	assert.Empty(t, md.Get(traceContextKey))
}

func TestExtractPrefersOtelFields(t *testing.T) {
	ctx, span := tracer.Start(context.Background(), "extract-otel")
	defer span.End()

	out := injectContext(ctx, defaultOptions())
	md, _ := metadata.FromOutgoingContext(out)

	got := extract(context.Background(), md, defaultOptions())
	sc := trace.SpanContextFromContext(got)
	assert.Equal(t, span.SpanContext().TraceID(), sc.TraceID())
	assert.True(t, sc.IsRemote())
}

func TestExtractFallsBackToOpenCensus(t *testing.T) {
	ocSC := makeOCSpanContext()

	md := metadata.MD{}
	md.Set(traceContextKey, string(ocpropagation.Binary(ocSC)))

	got := extract(context.Background(), md, defaultOptions())
	sc := trace.SpanContextFromContext(got)
	require.True(t, sc.IsValid())
	assert.Equal(t, hex.EncodeToString(ocSC.TraceID[:]), sc.TraceID().String())
	assert.Equal(t, hex.EncodeToString(ocSC.SpanID[:]), sc.SpanID().String())
}

func TestExtractFallbackDisabledByOnlyOtel(t *testing.T) {
	md := metadata.MD{}
	md.Set(traceContextKey, string(ocpropagation.Binary(makeOCSpanContext())))

	got := extract(context.Background(), md, buildOptions([]Option{WithOnlyOtel(true)}))
	assert.False(t, trace.SpanContextFromContext(got).IsValid())
}

func TestExtractWithoutContextIsNoop(t *testing.T) {
	got := extract(context.Background(), metadata.MD{}, defaultOptions())
	assert.False(t, trace.SpanContextFromContext(got).IsValid())
}
