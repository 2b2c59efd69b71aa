package realtime

import (
	"time"

	"github.com/rs/zerolog"
)

// MetricsCollector defines the interface for collecting channel metrics
type MetricsCollector interface {
	RecordStateChange(key EntityKey, from, to State)
	RecordDelta(key EntityKey, transport string, applied bool)
	RecordReconnect(key EntityKey, attempt int, delay time.Duration)
	RecordPoll(key EntityKey, outcome string, duration time.Duration)
}

// Poll outcomes passed to RecordPoll.
const (
	PollChanged   = "changed"
	PollUnchanged = "unchanged"
	PollTimeout   = "timeout"
	PollFailed    = "failed"
)

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordStateChange(key EntityKey, from, to State)                  {}
func (n *NoOpMetricsCollector) RecordDelta(key EntityKey, transport string, applied bool)        {}
func (n *NoOpMetricsCollector) RecordReconnect(key EntityKey, attempt int, delay time.Duration)  {}
func (n *NoOpMetricsCollector) RecordPoll(key EntityKey, outcome string, duration time.Duration) {}

// LogMetrics writes every metric as a debug-level zerolog event.
type LogMetrics struct {
	logger zerolog.Logger
}

func NewLogMetrics(logger zerolog.Logger) *LogMetrics {
	return &LogMetrics{logger: logger.With().Str("component", "sync_metrics").Logger()}
}

func (m *LogMetrics) RecordStateChange(key EntityKey, from, to State) {
	m.logger.Debug().
		Str("entity", key.String()).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("channel state")
}

func (m *LogMetrics) RecordDelta(key EntityKey, transport string, applied bool) {
	m.logger.Debug().
		Str("entity", key.String()).
		Str("transport", transport).
		Bool("applied", applied).
		Msg("delta")
}

func (m *LogMetrics) RecordReconnect(key EntityKey, attempt int, delay time.Duration) {
	m.logger.Debug().
		Str("entity", key.String()).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")
}

func (m *LogMetrics) RecordPoll(key EntityKey, outcome string, duration time.Duration) {
	m.logger.Debug().
		Str("entity", key.String()).
		Str("outcome", outcome).
		Dur("duration", duration).
		Msg("poll")
}
