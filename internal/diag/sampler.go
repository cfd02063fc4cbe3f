// Package diag samples process resources next to registry counters so leaked
// transports show up as file descriptors or goroutines that outlive their
// sessions.
package diag

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/expdesk/streamcore/internal/stream"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// StatsSource is satisfied by *stream.Registry.
type StatsSource interface {
	Stats() stream.Stats
}

type Sample struct {
	At         time.Time    `json:"at"`
	Goroutines int          `json:"goroutines"`
	Threads    int32        `json:"threads"`
	FDs        int32        `json:"fds"`
	RSSBytes   uint64       `json:"rssBytes"`
	Streams    stream.Stats `json:"streams"`
	// Partial is set when some process counters could not be read.
	Partial bool `json:"partial,omitempty"`
}

type Sampler struct {
	proc   *process.Process
	stats  StatsSource
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	last     Sample
	failures int
}

func NewSampler(ctx context.Context, stats StatsSource, logger *zap.Logger) (*Sampler, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{proc: proc, stats: stats, logger: logger, now: time.Now}, nil
}

// Sample reads the current counters. Counters the platform cannot provide are
// left zero and reported through the returned error.
func (s *Sampler) Sample(ctx context.Context) (Sample, error) {
	out := Sample{
		At:         s.now(),
		Goroutines: runtime.NumGoroutine(),
	}
	if s.stats != nil {
		out.Streams = s.stats.Stats()
	}

	var errs []error
	if n, err := s.proc.NumFDsWithContext(ctx); err == nil {
		out.FDs = n
	} else {
		errs = append(errs, err)
	}
	if n, err := s.proc.NumThreadsWithContext(ctx); err == nil {
		out.Threads = n
	} else {
		errs = append(errs, err)
	}
	if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
		out.RSSBytes = mem.RSS
	} else {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	out.Partial = err != nil

	s.mu.Lock()
	s.last = out
	if err != nil {
		s.failures++
	} else {
		s.failures = 0
	}
	s.mu.Unlock()
	return out, err
}

// Last returns the most recent sample.
func (s *Sampler) Last() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Failures is the number of consecutive partial samples.
func (s *Sampler) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Run samples on every interval until ctx is done, logging each sample at
// debug level and failures at warn.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			smp, err := s.Sample(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("diagnostics sample incomplete", zap.Error(err))
			}
			s.logger.Debug("diagnostics",
				zap.Int("goroutines", smp.Goroutines),
				zap.Int32("threads", smp.Threads),
				zap.Int32("fds", smp.FDs),
				zap.Uint64("rss_bytes", smp.RSSBytes),
				zap.Int("sessions", smp.Streams.Sessions),
				zap.Int("connected", smp.Streams.Connected),
				zap.Int("reconnecting", smp.Streams.Reconnecting))
		}
	}
}
