package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/expdesk/streamcore/internal/classify"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fakeTransport struct {
	endpoint string
	sink     Sink
	state    atomic.Int32
	closes   atomic.Int32
}

func (t *fakeTransport) State() TransportState { return TransportState(t.state.Load()) }

func (t *fakeTransport) Close() error {
	t.closes.Add(1)
	t.state.Store(int32(StateClosed))
	return nil
}

// open simulates a completed handshake.
func (t *fakeTransport) open() {
	t.state.Store(int32(StateOpen))
	t.sink.OnOpen()
}

func (t *fakeTransport) send(payload string) { t.sink.OnMessage([]byte(payload)) }

func (t *fakeTransport) fail(err error) {
	t.state.Store(int32(StateClosed))
	t.sink.OnError(err)
}

// fakeDialer records every transport it builds. fail, when set, decides
// whether the n-th dial (starting at 1) is refused.
type fakeDialer struct {
	mu    sync.Mutex
	dials []*fakeTransport
	fail  func(n int, endpoint string) error
}

func (d *fakeDialer) Dial(endpoint string, sink Sink) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		if err := d.fail(len(d.dials)+1, endpoint); err != nil {
			return nil, err
		}
	}
	t := &fakeTransport{endpoint: endpoint, sink: sink}
	d.dials = append(d.dials, t)
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[len(d.dials)-1]
}

func (d *fakeDialer) at(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[i]
}

func (d *fakeDialer) waitDials(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return d.count() >= n }, waitFor, 5*time.Millisecond,
		"expected %d dials", n)
}

type closeCall struct {
	reason CloseReason
	err    error
}

// recorder collects handler calls for one session.
type recorder struct {
	mu     sync.Mutex
	events []classify.Event
	errs   []error
	opens  int
	closes []closeCall
	closed chan closeCall
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan closeCall, 4)}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnEvent: func(_ string, ev classify.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnError: func(_ string, err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnOpen: func(string) {
			r.mu.Lock()
			r.opens++
			r.mu.Unlock()
		},
		OnClose: func(_ string, reason CloseReason, err error) {
			c := closeCall{reason: reason, err: err}
			r.mu.Lock()
			r.closes = append(r.closes, c)
			r.mu.Unlock()
			r.closed <- c
		},
	}
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *recorder) snapshotEvents() []classify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]classify.Event(nil), r.events...)
}

func (r *recorder) waitClose(t *testing.T) closeCall {
	t.Helper()
	select {
	case c := <-r.closed:
		return c
	case <-time.After(waitFor):
		t.Fatal("OnClose was not delivered")
		return closeCall{}
	}
}

// manualClock is a settable clock for activity timestamps.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

var errDropped = errors.New("connection reset by peer")
