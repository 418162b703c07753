package grpctrace

import (
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
)

const (
	requestPayloadKey  = "rpc.grpc.request.payload"
	responsePayloadKey = "rpc.grpc.response.payload"
	statusCodeKey      = "rpc.grpc.status_code"
)

func rpcAttributes(service, method string, c Cardinality) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("rpc.system", "grpc"),
		attribute.String("rpc.service", service),
		attribute.String("rpc.method", method),
		attribute.String("rpc.grpc.cardinality", c.String()),
	}
}

// finishSpan records the call outcome on the span. It does not end it.
func finishSpan(span trace.Span, err error) {
	st, _ := status.FromError(err)
	span.SetAttributes(attribute.Int64(statusCodeKey, int64(st.Code())))
	if err != nil {
		span.SetStatus(codes.Error, st.Message())
		return
	}
	span.SetStatus(codes.Ok, "")
}

func defaultFormat(item any) string {
	if m, ok := item.(proto.Message); ok {
		return prototext.MarshalOptions{}.Format(m)
	}
	return fmt.Sprintf("%v", item)
}

// truncate limits s to n bytes, marking the cut.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (o *Options) formatItem(item any) string {
	return truncate(o.Formatter(item), o.PayloadLimit)
}

// payloadCollector accumulates formatted payload items for one direction
// of a streaming call. It is written by whichever goroutine observes the
// item (handler or introspection drain) and read once when the span is
// finished.
type payloadCollector struct {
	mu    sync.Mutex
	items []string
}

func (c *payloadCollector) add(o *Options, item any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) >= o.PayloadItems {
		return
	}
	c.items = append(c.items, o.Formatter(item))
}

// attribute joins the collected items in arrival order into a single
// truncated span attribute. The second return is false when nothing was
// collected.
func (c *payloadCollector) attribute(o *Options, key string) (attribute.KeyValue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return attribute.KeyValue{}, false
	}
	return attribute.String(key, truncate(strings.Join(c.items, ", "), o.PayloadLimit)), true
}
