package grpctrace

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/zerofox-oss/go-grpctrace/correlate"
)

// A Client issues traced asynchronous unary calls over a connection.
type Client struct {
	conn  grpc.ClientConnInterface
	opts  *Options
	calls *correlate.Table[Future]
}

// NewClient wraps a gRPC connection for asynchronous traced calls.
func NewClient(conn grpc.ClientConnInterface, opts ...Option) *Client {
	return &Client{
		conn:  conn,
		opts:  buildOptions(opts),
		calls: correlate.NewTable[Future](),
	}
}

// Go issues a unary call without waiting for it. The client span is
// started now, before the request leaves, and is ended by Result. A
// Future that is dropped without Result is treated as abandoned: its
// association is discarded once the Future becomes unreachable.
func (c *Client) Go(ctx context.Context, method string, req, reply any, callOpts ...grpc.CallOption) *Future {
	service, name := splitFullMethod(method)
	spanCtx, span := tracer.Start(
		ctx,
		c.opts.SpanName(service, name),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(rpcAttributes(service, name, UnaryUnary)...),
	)

	f := &Future{
		client: c,
		method: method,
		req:    req,
		reply:  reply,
		start:  time.Now(),
		done:   make(chan struct{}),
	}
	c.calls.Open(f, spanCtx, span)

	go func() {
		f.err = c.conn.Invoke(injectContext(spanCtx, c.opts), method, req, reply, callOpts...)
		close(f.done)
	}()

	return f
}

// A Future is the handle for one in-flight asynchronous call.
type Future struct {
	client *Client
	method string
	req    any
	reply  any
	start  time.Time
	done   chan struct{}
	err    error

	resolve sync.Once
}

// Result blocks until the call completes and returns its error. The span
// opened when the call was issued is ended here, exactly once; calling
// Result again just returns the cached outcome.
func (f *Future) Result() error {
	<-f.done

	f.resolve.Do(func() {
		assoc, ok := f.client.calls.Close(f)
		if !ok {
			// The call bypassed the normal issue path or the
			// association expired; never fail the call over it.
			log.Printf("[WARN] grpctrace: no open span found for %s; continuing without closing one", f.method)
			return
		}

		span := assoc.Span
		o := f.client.opts
		if o.ReportRequestPayloads {
			span.SetAttributes(attribute.String(requestPayloadKey, o.formatItem(f.req)))
		}
		if f.err == nil && o.ReportResponsePayloads {
			span.SetAttributes(attribute.String(responsePayloadKey, o.formatItem(f.reply)))
		}
		finishSpan(span, f.err)
		span.End()
		o.observe(time.Since(f.start))
	})

	return f.err
}
