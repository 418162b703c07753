// Package grpctrace provides OpenTelemetry tracing interceptors for gRPC
// clients and servers, including optional request/response payload capture
// for streaming calls.
//
// Payloads of a streaming request are observed through a tee over the
// handler's receive stream, so the handler's own view of the stream is
// never disturbed. Spans for calls whose result is retrieved in a later
// call frame (client streams, asynchronous unary futures) are tracked in a
// weak-keyed correlation table and closed exactly once when the call
// resolves.
package grpctrace

import (
	"strings"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/zerofox-oss/go-grpctrace")

// Cardinality describes the streaming shape of an RPC.
type Cardinality int

const (
	UnaryUnary Cardinality = iota
	UnaryStream
	StreamUnary
	StreamStream
)

func (c Cardinality) String() string {
	switch c {
	case UnaryStream:
		return "UNARY_STREAM"
	case StreamUnary:
		return "STREAM_UNARY"
	case StreamStream:
		return "STREAM_STREAM"
	default:
		return "UNARY_UNARY"
	}
}

func cardinalityOf(clientStreams, serverStreams bool) Cardinality {
	switch {
	case clientStreams && serverStreams:
		return StreamStream
	case clientStreams:
		return StreamUnary
	case serverStreams:
		return UnaryStream
	default:
		return UnaryUnary
	}
}

// splitFullMethod splits a gRPC full method name of the form
// "/package.Service/Method" into its service and method parts.
func splitFullMethod(full string) (service, method string) {
	full = strings.TrimPrefix(full, "/")
	if i := strings.Index(full, "/"); i >= 0 {
		return full[:i], full[i+1:]
	}
	return "", full
}
