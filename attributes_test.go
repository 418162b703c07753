package grpctrace

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab...", truncate("abcd", 2))
	assert.Equal(t, "abcd", truncate("abcd", 0))
}

func TestDefaultFormat(t *testing.T) {
	assert.Contains(t, defaultFormat(wrapperspb.String("hi")), `"hi"`)
	assert.Equal(t, "42", defaultFormat(42))
}

func TestPayloadCollectorCapsItems(t *testing.T) {
	o := buildOptions([]Option{WithPayloadItems(2)})

	c := &payloadCollector{}
	c.add(o, "one")
	c.add(o, "two")
	c.add(o, "three")

	kv, ok := c.attribute(o, requestPayloadKey)
	require.True(t, ok)
	assert.Equal(t, "one, two", kv.Value.AsString())
}

func TestPayloadCollectorEmpty(t *testing.T) {
	c := &payloadCollector{}
	_, ok := c.attribute(defaultOptions(), requestPayloadKey)
	assert.False(t, ok)
}

func TestPayloadAttributeTruncated(t *testing.T) {
	o := buildOptions([]Option{WithPayloadLimit(8)})

	c := &payloadCollector{}
	c.add(o, strings.Repeat("x", 20))

	kv, ok := c.attribute(o, requestPayloadKey)
	require.True(t, ok)
	assert.Equal(t, "xxxxxxxx...", kv.Value.AsString())
}

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/test.Echo/Ping")
	assert.Equal(t, "test.Echo", service)
	assert.Equal(t, "Ping", method)

	service, method = splitFullMethod("Ping")
	assert.Equal(t, "", service)
	assert.Equal(t, "Ping", method)
}

func TestCardinality(t *testing.T) {
	assert.Equal(t, UnaryUnary, cardinalityOf(false, false))
	assert.Equal(t, StreamUnary, cardinalityOf(true, false))
	assert.Equal(t, UnaryStream, cardinalityOf(false, true))
	assert.Equal(t, StreamStream, cardinalityOf(true, true))
	assert.Equal(t, "STREAM_STREAM", StreamStream.String())
}

func TestCallStatsAverage(t *testing.T) {
	s := NewCallStats()
	s.observe(5 * time.Millisecond)
	s.observe(15 * time.Millisecond)
	assert.InDelta(t, 10, s.AverageLatencyMillis(), 0.01)
}
