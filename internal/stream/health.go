package stream

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Monitor evicts sessions that have been silent for longer than a timeout.
// It keeps no state besides its configuration.
type Monitor struct {
	registry *Registry
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewMonitor returns a Monitor over reg. Non-positive durations fall back to
// DefaultHealthTimeout and DefaultSweepInterval.
func NewMonitor(reg *Registry, timeout, interval time.Duration, logger *zap.Logger) *Monitor {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{registry: reg, timeout: timeout, interval: interval, logger: logger}
}

func (m *Monitor) Timeout() time.Duration { return m.timeout }

// Sweep closes every record whose last activity is more than the timeout
// before now and returns the evicted session ids. Pending reconnects of
// evicted records are cancelled.
func (m *Monitor) Sweep(now time.Time) []string {
	var evicted []string
	for _, id := range m.registry.Sessions() {
		if m.registry.evictIdle(id, now, m.timeout) {
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		m.logger.Info("health sweep evicted sessions",
			zap.Strings("sessions", evicted),
			zap.Duration("timeout", m.timeout))
	}
	return evicted
}

// Run sweeps on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started",
		zap.Duration("timeout", m.timeout),
		zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(m.registry.now())
		}
	}
}
