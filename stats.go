package grpctrace

import (
	"time"

	"github.com/asecurityteam/rolling"
)

// CallStats keeps a rolling window of call durations observed by the
// interceptors it is attached to (see WithCallStats).
type CallStats struct {
	timePolicy *rolling.TimePolicy
}

// NewCallStats returns stats over a ten second rolling window.
func NewCallStats() *CallStats {
	return &CallStats{
		timePolicy: rolling.NewTimePolicy(rolling.NewWindow(10000), 1*time.Millisecond),
	}
}

func (s *CallStats) observe(d time.Duration) {
	s.timePolicy.Append(float64(d.Milliseconds()))
}

// AverageLatencyMillis reports the mean call duration over the window.
// It is NaN until a call has been observed.
func (s *CallStats) AverageLatencyMillis() float64 {
	return s.timePolicy.Reduce(rolling.Avg)
}
