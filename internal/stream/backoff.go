package stream

import "time"

const (
	DefaultMaxAttempts    = 3
	DefaultReconnectDelay = 2 * time.Second
	DefaultHealthTimeout  = 5 * time.Minute
	DefaultSweepInterval  = time.Minute
)

// Backoff is the bounded, fixed-delay reconnect policy of one record.
type Backoff struct {
	MaxAttempts int
	Delay       time.Duration
}

// NextRetry reports whether a record that has already made attempt reconnect
// attempts may try again, and how long to wait first.
func NextRetry(cfg Backoff, attempt int) (bool, time.Duration) {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= cfg.MaxAttempts {
		return false, 0
	}
	if cfg.Delay < 0 {
		return true, 0
	}
	return true, cfg.Delay
}
