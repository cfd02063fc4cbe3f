package stream

import (
	"context"
	"testing"
	"time"

	"github.com/expdesk/streamcore/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewMonitorDefaults(t *testing.T) {
	m := NewMonitor(NewRegistry(&fakeDialer{}), 0, -1, nil)
	assert.Equal(t, DefaultHealthTimeout, m.Timeout())
	assert.Equal(t, DefaultSweepInterval, m.interval)
}

func TestSweepEvictsOnlyIdleSessions(t *testing.T) {
	clock := newManualClock()
	d := &fakeDialer{}
	r := newTestRegistry(t, d, WithClock(clock.Now))
	quiet, chatty := newRecorder(), newRecorder()

	_, err := r.Open("quiet", "ws://agent/quiet", quiet.handlers(), Options{})
	require.NoError(t, err)
	_, err = r.Open("chatty", "ws://agent/chatty", chatty.handlers(), Options{})
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	d.at(1).send("still here")
	require.Eventually(t, func() bool { return chatty.eventCount() == 1 }, waitFor, 5*time.Millisecond)

	now := clock.Advance(2 * time.Minute)
	m := NewMonitor(r, 5*time.Minute, time.Minute, zaptest.NewLogger(t))
	evicted := m.Sweep(now)

	assert.Equal(t, []string{"quiet"}, evicted)
	assert.Equal(t, []string{"chatty"}, r.Sessions())
	c := quiet.waitClose(t)
	assert.Equal(t, ReasonEvicted, c.reason)
	assert.Equal(t, int32(1), d.at(0).closes.Load())
}

func TestSweepAtExactTimeoutKeepsSession(t *testing.T) {
	clock := newManualClock()
	r := newTestRegistry(t, &fakeDialer{}, WithClock(clock.Now))

	_, err := r.Open("s", "ws://agent/s", Handlers{}, Options{})
	require.NoError(t, err)

	m := NewMonitor(r, 5*time.Minute, time.Minute, nil)
	assert.Empty(t, m.Sweep(clock.Advance(5*time.Minute)))
	assert.Equal(t, []string{"s"}, m.Sweep(clock.Advance(time.Millisecond)))
}

func TestSweepEvictsMidBackoff(t *testing.T) {
	clock := newManualClock()
	d := &fakeDialer{}
	metrics := NewMetrics(prometheus.NewRegistry())
	r := newTestRegistry(t, d, WithClock(clock.Now), WithMetrics(metrics))
	rec := newRecorder()
	machine := session.NewMachine("s")

	_, err := r.Open("s", "ws://agent/s", rec.handlers(), Options{Delay: 200 * time.Millisecond, Session: machine})
	require.NoError(t, err)

	d.at(0).fail(errDropped)
	require.Eventually(t, func() bool {
		st, ok := r.Status("s")
		return ok && st.Reconnecting
	}, waitFor, time.Millisecond)

	m := NewMonitor(r, 5*time.Minute, time.Minute, nil)
	assert.Equal(t, []string{"s"}, m.Sweep(clock.Advance(6*time.Minute)))

	c := rec.waitClose(t)
	assert.Equal(t, ReasonEvicted, c.reason)
	_, ok := r.Status("s")
	assert.False(t, ok)
	assert.Equal(t, session.Closed, machine.Stage())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Closed.WithLabelValues("evicted")))

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, d.count(), "evicted record must not reconnect")
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	r := newTestRegistry(t, &fakeDialer{})
	m := NewMonitor(r, time.Hour, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMonitorRunEvicts(t *testing.T) {
	clock := newManualClock()
	r := newTestRegistry(t, &fakeDialer{}, WithClock(clock.Now))
	rec := newRecorder()

	_, err := r.Open("s", "ws://agent/s", rec.handlers(), Options{})
	require.NoError(t, err)
	clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewMonitor(r, time.Minute, 5*time.Millisecond, nil).Run(ctx)

	c := rec.waitClose(t)
	assert.Equal(t, ReasonEvicted, c.reason)
}
