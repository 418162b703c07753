package grpctrace

import "time"

// A Formatter renders one payload item into the string reported on a
// span. Replacing it is the hook for redaction.
type Formatter func(item any) string

// Options holds the recognized reporting knobs for the interceptors.
type Options struct {
	// ReportRequestPayloads attaches request payloads to spans. For
	// methods with a streaming request the payloads are read through a
	// tee so the handler's stream is unaffected.
	ReportRequestPayloads bool

	// ReportResponsePayloads attaches response payloads to spans.
	ReportResponsePayloads bool

	// PayloadLimit caps the length in bytes of a payload attribute
	// value; longer values are truncated.
	PayloadLimit int

	// PayloadItems caps how many items of a streaming payload are
	// collected per direction.
	PayloadItems int

	// Formatter renders payload items. Defaults to prototext for proto
	// messages and fmt formatting otherwise.
	Formatter Formatter

	// OnlyOtel disables the legacy opencensus grpc-trace-bin metadata,
	// leaving only the configured OpenTelemetry propagator.
	OnlyOtel bool

	// Stats, when set, receives the duration of every completed call.
	Stats *CallStats

	// SpanName builds the span name from the service and method parts
	// of the full method name.
	SpanName func(service, method string) string
}

// Option configures the interceptors.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		PayloadLimit: 4096,
		PayloadItems: 16,
		Formatter:    defaultFormat,
		SpanName: func(service, method string) string {
			return service + "." + method
		},
	}
}

func buildOptions(opts []Option) *Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithRequestPayloads toggles request payload reporting.
func WithRequestPayloads(report bool) Option {
	return func(o *Options) {
		o.ReportRequestPayloads = report
	}
}

// WithResponsePayloads toggles response payload reporting.
func WithResponsePayloads(report bool) Option {
	return func(o *Options) {
		o.ReportResponsePayloads = report
	}
}

// WithPayloadLimit sets the byte cap for payload attribute values.
func WithPayloadLimit(n int) Option {
	return func(o *Options) {
		o.PayloadLimit = n
	}
}

// WithPayloadItems sets how many streamed items are collected per
// direction.
func WithPayloadItems(n int) Option {
	return func(o *Options) {
		o.PayloadItems = n
	}
}

// WithFormatter replaces the payload formatter.
func WithFormatter(f Formatter) Option {
	return func(o *Options) {
		o.Formatter = f
	}
}

// WithOnlyOtel disables the legacy opencensus metadata.
func WithOnlyOtel(onlyOtel bool) Option {
	return func(o *Options) {
		o.OnlyOtel = onlyOtel
	}
}

// WithCallStats feeds call durations into s.
func WithCallStats(s *CallStats) Option {
	return func(o *Options) {
		o.Stats = s
	}
}

// WithSpanName replaces the span naming function.
func WithSpanName(f func(service, method string) string) Option {
	return func(o *Options) {
		o.SpanName = f
	}
}

func (o *Options) observe(d time.Duration) {
	if o.Stats != nil {
		o.Stats.observe(d)
	}
}
