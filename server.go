package grpctrace

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/zerofox-oss/go-grpctrace/tee"
)

// UnaryServerInterceptor returns an interceptor that traces unary
// handlers. The remote trace context is extracted from the incoming
// metadata and the handler runs under a server span; the handler's
// outcome is never altered by tracing.
func UnaryServerInterceptor(opts ...Option) grpc.UnaryServerInterceptor {
	o := buildOptions(opts)

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		ctx = extract(ctx, md, o)

		service, name := splitFullMethod(info.FullMethod)
		ctx, span := tracer.Start(
			ctx,
			o.SpanName(service, name),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(rpcAttributes(service, name, UnaryUnary)...),
		)

		start := time.Now()
		resp, err := handler(ctx, req)

		if o.ReportRequestPayloads {
			span.SetAttributes(attribute.String(requestPayloadKey, o.formatItem(req)))
		}
		if err == nil && o.ReportResponsePayloads {
			span.SetAttributes(attribute.String(responsePayloadKey, o.formatItem(resp)))
		}
		finishSpan(span, err)
		span.End()
		o.observe(time.Since(start))

		return resp, err
	}
}

// StreamServerInterceptor returns an interceptor that traces streaming
// handlers. When request payload reporting is enabled on a method with a
// streaming request, the handler's receive stream is teed: the handler
// reads one branch and an introspection drain reads the other, so payload
// capture never steals items from the handler.
func StreamServerInterceptor(opts ...Option) grpc.StreamServerInterceptor {
	o := buildOptions(opts)

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		md, _ := metadata.FromIncomingContext(ss.Context())
		ctx := extract(ss.Context(), md, o)

		service, name := splitFullMethod(info.FullMethod)
		ctx, span := tracer.Start(
			ctx,
			o.SpanName(service, name),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(rpcAttributes(service, name, cardinalityOf(info.IsClientStream, info.IsServerStream))...),
		)

		ws := &serverStream{
			ServerStream: ss,
			ctx:          ctx,
			opts:         o,
			teeRequests:  o.ReportRequestPayloads && info.IsClientStream,
		}

		start := time.Now()
		err := handler(srv, ws)
		ws.setPayloadAttributes(span)
		finishSpan(span, err)
		span.End()
		o.observe(time.Since(start))

		return err
	}
}

// drainWait bounds how long a finished handler waits for the
// introspection drain. A handler that returns without consuming its
// request stream leaves the drain blocked on the transport; the RPC is
// not held hostage for that.
const drainWait = 100 * time.Millisecond

// serverStream is the handler's view of the call. Context returns the
// span-bearing context, and RecvMsg reads through a tee branch when
// request payloads are being captured.
type serverStream struct {
	grpc.ServerStream

	ctx         context.Context
	opts        *Options
	teeRequests bool

	once    sync.Once
	branch  *tee.Branch[proto.Message]
	drained chan struct{}

	sent     payloadCollector
	received payloadCollector
}

func (s *serverStream) Context() context.Context {
	return s.ctx
}

func (s *serverStream) SendMsg(m any) error {
	err := s.ServerStream.SendMsg(m)
	if err == nil && s.opts.ReportResponsePayloads {
		s.sent.add(s.opts, m)
	}
	return err
}

func (s *serverStream) RecvMsg(m any) error {
	if s.teeRequests {
		if pm, ok := m.(proto.Message); ok {
			return s.recvTeed(pm)
		}
		// Without proto reflection there is no way to pull items on
		// the handler's behalf; fall back to direct reads.
		s.teeRequests = false
	}

	err := s.ServerStream.RecvMsg(m)
	if err == nil && s.opts.ReportRequestPayloads && !s.teeRequests {
		s.received.add(s.opts, m)
	}
	return err
}

// recvTeed reads the handler's next request item through its tee branch
// and copies it into m. The first call sets up the tee and starts the
// introspection drain.
func (s *serverStream) recvTeed(m proto.Message) error {
	s.once.Do(func() {
		source := tee.Wrap[proto.Message](&recvStream{
			ss:  s.ServerStream,
			typ: m.ProtoReflect().Type(),
		})
		s.branch = source.Branch()
		inspect := source.Branch()
		s.drained = make(chan struct{})

		go func() {
			defer close(s.drained)
			for {
				item, err := inspect.Recv()
				if err != nil {
					return
				}
				s.received.add(s.opts, item)
			}
		}()
	})

	item, err := s.branch.Recv()
	if err != nil {
		return err
	}
	proto.Reset(m)
	proto.Merge(m, item)
	return nil
}

// setPayloadAttributes attaches the collected payloads to the span after
// the handler returns, waiting briefly for the introspection drain to
// observe the stream's tail.
func (s *serverStream) setPayloadAttributes(span trace.Span) {
	if s.drained != nil {
		select {
		case <-s.drained:
		case <-s.ServerStream.Context().Done():
		case <-time.After(drainWait):
		}
	}

	if kv, ok := s.received.attribute(s.opts, requestPayloadKey); ok {
		span.SetAttributes(kv)
	}
	if kv, ok := s.sent.attribute(s.opts, responsePayloadKey); ok {
		span.SetAttributes(kv)
	}
}

// recvStream adapts a gRPC server stream to the tee's pull contract,
// allocating a fresh message per pull so buffered items stay independent
// of the handler's own message.
type recvStream struct {
	ss  grpc.ServerStream
	typ protoreflect.MessageType
}

func (r *recvStream) Recv() (proto.Message, error) {
	m := r.typ.New().Interface()
	if err := r.ss.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
