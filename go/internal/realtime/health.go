package realtime

import (
	"fmt"
	"time"
)

// HealthStatus is a point-in-time view of a channel.
type HealthStatus struct {
	Key                     EntityKey
	State                   State
	Transport               string
	Healthy                 bool
	Unavailable             bool
	ConsecutivePollFailures int
	DeltasApplied           uint64
	LastDeltaAt             time.Time
	LastError               string
	Errors                  []string
}

// HealthChecker is implemented by anything that can report channel health.
type HealthChecker interface {
	Health() HealthStatus
}

var _ HealthChecker = (*Channel)(nil)

// Health reports the channel's current status. A channel is healthy while
// it is open, or polling without having crossed the unavailable threshold.
func (c *Channel) Health() HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := HealthStatus{
		Key:                     c.key,
		State:                   c.state,
		Transport:               c.transport,
		Unavailable:             c.unavailable,
		ConsecutivePollFailures: c.pollFailures,
		DeltasApplied:           c.deltasApplied,
		LastDeltaAt:             c.lastDeltaAt,
		Errors:                  []string{},
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}

	switch c.state {
	case StateOpen:
		status.Healthy = true
	case StateFallbackPolling:
		status.Healthy = !c.unavailable
	}

	if c.unavailable {
		status.Errors = append(status.Errors, fmt.Sprintf("sync unavailable after %d failed polls", c.pollFailures))
	}
	if c.closeErr != nil {
		status.Errors = append(status.Errors, fmt.Sprintf("closed: %v", c.closeErr))
	}
	return status
}
