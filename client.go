package grpctrace

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/zerofox-oss/go-grpctrace/correlate"
)

// UnaryClientInterceptor returns an interceptor that traces unary calls.
// A client span is started before the call, the active trace context is
// injected into the outgoing metadata, and the span is ended with the
// call's status once the invoker returns.
func UnaryClientInterceptor(opts ...Option) grpc.UnaryClientInterceptor {
	o := buildOptions(opts)

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		service, name := splitFullMethod(method)
		ctx, span := tracer.Start(
			ctx,
			o.SpanName(service, name),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(rpcAttributes(service, name, UnaryUnary)...),
		)
		ctx = injectContext(ctx, o)

		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, callOpts...)

		if o.ReportRequestPayloads {
			span.SetAttributes(attribute.String(requestPayloadKey, o.formatItem(req)))
		}
		if err == nil && o.ReportResponsePayloads {
			span.SetAttributes(attribute.String(responsePayloadKey, o.formatItem(reply)))
		}
		finishSpan(span, err)
		span.End()
		o.observe(time.Since(start))

		return err
	}
}

// StreamClientInterceptor returns an interceptor that traces streaming
// calls. The span is opened when the stream is created and can only be
// ended when the stream reaches its terminal event, in a later call
// frame; the open span is tracked in a correlation table keyed by the
// stream until then.
func StreamClientInterceptor(opts ...Option) grpc.StreamClientInterceptor {
	o := buildOptions(opts)
	calls := correlate.NewTable[clientStream]()

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
		service, name := splitFullMethod(method)
		spanCtx, span := tracer.Start(
			ctx,
			o.SpanName(service, name),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(rpcAttributes(service, name, cardinalityOf(desc.ClientStreams, desc.ServerStreams))...),
		)

		s, err := streamer(injectContext(spanCtx, o), desc, cc, method, callOpts...)
		if err != nil {
			finishSpan(span, err)
			span.End()
			return nil, err
		}

		cs := &clientStream{
			ClientStream:  s,
			opts:          o,
			calls:         calls,
			serverStreams: desc.ServerStreams,
			start:         time.Now(),
		}
		calls.Open(cs, spanCtx, span)
		return cs, nil
	}
}

// clientStream resolves the span opened by StreamClientInterceptor when
// the stream terminates. The wrapped stream itself is the correlation
// handle.
type clientStream struct {
	grpc.ClientStream

	opts          *Options
	calls         *correlate.Table[clientStream]
	serverStreams bool
	start         time.Time

	sent     payloadCollector
	received payloadCollector
}

func (s *clientStream) SendMsg(m any) error {
	err := s.ClientStream.SendMsg(m)
	if err == nil {
		if s.opts.ReportRequestPayloads {
			s.sent.add(s.opts, m)
		}
		return nil
	}
	// io.EOF from SendMsg means the stream is already done; the real
	// status surfaces on the next RecvMsg, which closes the span.
	if err != io.EOF {
		s.finish(err)
	}
	return err
}

func (s *clientStream) RecvMsg(m any) error {
	err := s.ClientStream.RecvMsg(m)
	switch {
	case err == nil:
		if s.opts.ReportResponsePayloads {
			s.received.add(s.opts, m)
		}
		// For a unary response the single RecvMsg is the terminal
		// event.
		if !s.serverStreams {
			s.finish(nil)
		}
		return nil
	case err == io.EOF:
		s.finish(nil)
		return err
	default:
		s.finish(err)
		return err
	}
}

func (s *clientStream) Header() (metadata.MD, error) {
	md, err := s.ClientStream.Header()
	if err != nil {
		s.finish(err)
	}
	return md, err
}

// finish ends the call's span exactly once. A missing association means
// the terminal event was already handled (or the call bypassed the normal
// issue path); tracing never fails the call over it.
func (s *clientStream) finish(err error) {
	assoc, ok := s.calls.Close(s)
	if !ok {
		return
	}

	span := assoc.Span
	if kv, ok := s.sent.attribute(s.opts, requestPayloadKey); ok {
		span.SetAttributes(kv)
	}
	if kv, ok := s.received.attribute(s.opts, responsePayloadKey); ok {
		span.SetAttributes(kv)
	}
	finishSpan(span, err)
	span.End()
	s.opts.observe(time.Since(s.start))
}
