package stream

import (
	"sort"
	"sync"
	"time"

	"github.com/expdesk/streamcore/internal/classify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry owns one connection record per session id. It is the only
// component that creates, replaces or closes transports.
type Registry struct {
	mu      sync.Mutex
	records map[string]*record

	dialer   Dialer
	defaults Options
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock replaces time.Now for activity timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithDefaults sets the options applied to every Open call that leaves a
// field zero.
func WithDefaults(o Options) Option {
	return func(r *Registry) { r.defaults = o }
}

func NewRegistry(dialer Dialer, opts ...Option) *Registry {
	r := &Registry{
		records: make(map[string]*record),
		dialer:  dialer,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle identifies one record. It goes stale once that record leaves the
// Registry, even if the session id is opened again.
type Handle struct {
	SessionID string
	ConnID    uuid.UUID

	registry *Registry
}

// Status reports the record's status, or false once the record is gone.
func (h *Handle) Status() (Status, bool) {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	rec, ok := h.registry.records[h.SessionID]
	if !ok || rec.connID != h.ConnID {
		return Status{}, false
	}
	return statusLocked(rec), true
}

// Close closes the record this handle refers to. It does nothing if the
// session has since been replaced.
func (h *Handle) Close() {
	r := h.registry
	r.mu.Lock()
	rec, ok := r.records[h.SessionID]
	if !ok || rec.connID != h.ConnID {
		r.mu.Unlock()
		return
	}
	t := r.detachLocked(rec, ReasonClosed, nil)
	r.mu.Unlock()
	r.release(rec, ReasonClosed, t)
}

// Open starts streaming sessionID from endpoint. A record already open for
// the id is replaced and its transport closed. The new transport is
// constructed first, so a failed Dial leaves the existing record untouched;
// the old transport is closed before Open returns and before any callback
// for the new one, and its late signals are dropped. If the transport cannot
// be constructed, OnError receives a TransportInitError, the same error is
// returned and nothing is registered.
func (r *Registry) Open(sessionID, endpoint string, h Handlers, opts Options) (*Handle, error) {
	opts = opts.withDefaults(r.defaults)
	rec := newRecord(sessionID, endpoint, h, opts, r.now())
	log := r.logger.With(zap.String("session_id", sessionID), zap.String("endpoint", endpoint))

	r.mu.Lock()
	t, err := r.dialer.Dial(endpoint, rec.sink(0))
	if err != nil {
		r.mu.Unlock()
		ierr := &TransportInitError{SessionID: sessionID, Endpoint: endpoint, Err: err}
		r.metrics.initFailed()
		log.Warn("transport init failed", zap.Error(err))
		h.err(sessionID, ierr)
		return nil, ierr
	}
	rec.transport = t

	prev := r.records[sessionID]
	var prevT Transport
	if prev != nil {
		prevT = r.detachLocked(prev, ReasonReplaced, nil)
	}
	r.records[sessionID] = rec
	if opts.LivenessInterval > 0 {
		rec.sweep = time.NewTicker(opts.LivenessInterval)
		go r.watchLiveness(rec, rec.sweep.C)
	}
	r.metrics.setOpen(len(r.records))
	r.mu.Unlock()

	if prev != nil {
		r.release(prev, ReasonReplaced, prevT)
	}
	go r.drain(rec)
	log.Info("session opened",
		zap.Stringer("conn_id", rec.connID),
		zap.Int("max_attempts", opts.MaxAttempts),
		zap.Duration("delay", opts.Delay))
	return &Handle{SessionID: sessionID, ConnID: rec.connID, registry: r}, nil
}

// Close closes sessionID. Unknown ids are ignored.
func (r *Registry) Close(sessionID string) {
	r.mu.Lock()
	rec, ok := r.records[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	t := r.detachLocked(rec, ReasonClosed, nil)
	r.mu.Unlock()
	r.release(rec, ReasonClosed, t)
}

// CloseAll closes every record. Used on shutdown.
func (r *Registry) CloseAll() {
	type closing struct {
		rec *record
		t   Transport
	}
	r.mu.Lock()
	all := make([]closing, 0, len(r.records))
	for _, rec := range r.records {
		all = append(all, closing{rec: rec, t: r.detachLocked(rec, ReasonShutdown, nil)})
	}
	r.mu.Unlock()
	for _, c := range all {
		r.release(c.rec, ReasonShutdown, c.t)
	}
}

// Status returns a snapshot for sessionID, or false if it is not tracked.
func (r *Registry) Status(sessionID string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[sessionID]
	if !ok {
		return Status{}, false
	}
	return statusLocked(rec), true
}

func statusLocked(rec *record) Status {
	return Status{
		ConnID:       rec.connID,
		Connected:    rec.transport != nil && rec.transport.State() == StateOpen,
		Attempt:      rec.attempt,
		MaxAttempts:  rec.opts.MaxAttempts,
		Reconnecting: rec.reconnecting,
		LastActivity: rec.lastActivity,
	}
}

// Stats summarises the Registry.
type Stats struct {
	Sessions     int `json:"sessions"`
	Connected    int `json:"connected"`
	Reconnecting int `json:"reconnecting"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Stats
	s.Sessions = len(r.records)
	for _, rec := range r.records {
		if rec.transport != nil && rec.transport.State() == StateOpen {
			s.Connected++
		}
		if rec.reconnecting {
			s.Reconnecting++
		}
	}
	return s
}

// Sessions returns the tracked session ids, sorted.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// evictIdle closes sessionID if it has been silent for longer than timeout
// at now. Idleness is rechecked under the lock.
func (r *Registry) evictIdle(sessionID string, now time.Time, timeout time.Duration) bool {
	r.mu.Lock()
	rec, ok := r.records[sessionID]
	if !ok || now.Sub(rec.lastActivity) <= timeout {
		r.mu.Unlock()
		return false
	}
	idle := now.Sub(rec.lastActivity)
	t := r.detachLocked(rec, ReasonEvicted, nil)
	r.mu.Unlock()
	r.logger.Info("evicting idle session",
		zap.String("session_id", sessionID),
		zap.Duration("idle", idle))
	r.release(rec, ReasonEvicted, t)
	return true
}

// currentLocked reports whether signals of generation gen still belong to
// the live record.
func (r *Registry) currentLocked(rec *record, gen uint64) bool {
	return !rec.closed && rec.gen == gen && r.records[rec.sessionID] == rec
}

// detachLocked marks rec closed, cancels its timers, wakes its worker and
// removes it from the map. The returned transport must be closed by the
// caller after unlocking.
func (r *Registry) detachLocked(rec *record, reason CloseReason, err error) Transport {
	rec.closed = true
	rec.reason = reason
	rec.closeErr = err
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	rec.reconnecting = false
	if rec.sweep != nil {
		rec.sweep.Stop()
		rec.sweep = nil
	}
	close(rec.done)
	if r.records[rec.sessionID] == rec {
		delete(r.records, rec.sessionID)
	}
	r.metrics.setOpen(len(r.records))
	t := rec.transport
	rec.transport = nil
	return t
}

// release finishes a detached record outside the lock.
func (r *Registry) release(rec *record, reason CloseReason, t Transport) {
	if t != nil {
		if err := t.Close(); err != nil {
			r.logger.Debug("transport close", zap.String("session_id", rec.sessionID), zap.Error(err))
		}
	}
	r.metrics.closed(reason)
	if reason.Lost() && rec.opts.Session != nil {
		rec.opts.Session.Close()
	}
	r.logger.Info("session closed",
		zap.String("session_id", rec.sessionID),
		zap.String("reason", string(reason)))
}

// drain is the record's single worker. It runs every handler for the record
// and delivers OnClose last.
func (r *Registry) drain(rec *record) {
	for {
		select {
		case sig := <-rec.inbox:
			r.dispatch(rec, sig)
		case <-rec.done:
			r.mu.Lock()
			reason, err := rec.reason, rec.closeErr
			r.mu.Unlock()
			rec.handlers.close(rec.sessionID, reason, err)
			return
		}
	}
}

func (r *Registry) dispatch(rec *record, sig signal) {
	switch sig.kind {
	case sigOpen:
		r.mu.Lock()
		if !r.currentLocked(rec, sig.gen) {
			r.mu.Unlock()
			return
		}
		rec.lastActivity = r.now()
		r.mu.Unlock()
		r.logger.Debug("transport open", zap.String("session_id", rec.sessionID))
		rec.handlers.open(rec.sessionID)

	case sigMessage:
		ev := classify.ClassifyPayload(sig.payload)
		r.mu.Lock()
		if !r.currentLocked(rec, sig.gen) {
			r.mu.Unlock()
			return
		}
		rec.lastActivity = r.now()
		rec.attempt = 0
		r.mu.Unlock()

		r.metrics.event(ev.Kind())
		if m := rec.opts.Session; m != nil {
			if err := m.Observe(ev); err != nil {
				r.logger.Debug("session rejected event",
					zap.String("session_id", rec.sessionID),
					zap.Stringer("kind", ev.Kind()),
					zap.Error(err))
			}
		}
		rec.handlers.event(rec.sessionID, ev)

	case sigError:
		r.handleError(rec, sig)
	}
}

// handleError reports a transport fault and either schedules a reconnect or
// gives up on the record.
func (r *Registry) handleError(rec *record, sig signal) {
	r.mu.Lock()
	if !r.currentLocked(rec, sig.gen) {
		r.mu.Unlock()
		return
	}
	attempt := rec.attempt
	r.mu.Unlock()

	r.metrics.connectionError()
	rec.handlers.err(rec.sessionID, &ConnectionError{SessionID: rec.sessionID, Attempt: attempt, Err: sig.err})

	r.mu.Lock()
	// The handler may have closed or replaced the record.
	if !r.currentLocked(rec, sig.gen) || rec.reconnecting {
		r.mu.Unlock()
		return
	}
	log := r.logger.With(
		zap.String("session_id", rec.sessionID),
		zap.Int("max_attempts", rec.backoff.MaxAttempts),
		zap.NamedError("error", sig.err))

	retry, delay := NextRetry(rec.backoff, rec.attempt)
	if !retry {
		t := r.detachLocked(rec, ReasonExhausted, ErrRetriesExhausted)
		r.mu.Unlock()
		log.Warn("reconnect attempts exhausted", zap.Int("attempt", attempt))
		r.release(rec, ReasonExhausted, t)
		return
	}
	rec.reconnecting = true
	rec.attempt++
	next := rec.attempt
	gen := rec.gen
	rec.timer = time.AfterFunc(delay, func() { r.reconnect(rec, gen) })
	r.mu.Unlock()

	r.metrics.reconnect()
	log.Info("scheduling reconnect", zap.Int("attempt", next), zap.Duration("delay", delay))
}

// reconnect replaces the failed transport of generation gen. The swap and
// the clearing of the reconnecting flag happen in one critical section so
// faults of the new transport are never mistaken for an overlapping retry.
func (r *Registry) reconnect(rec *record, gen uint64) {
	endpoint := rec.endpoint
	var resolveErr error
	if rec.opts.Endpoint != nil {
		ep, err := rec.opts.Endpoint()
		switch {
		case err != nil:
			resolveErr = err
		case ep != "":
			endpoint = ep
		}
	}

	r.mu.Lock()
	if !r.currentLocked(rec, gen) || !rec.reconnecting {
		r.mu.Unlock()
		return
	}
	stale := rec.transport
	rec.transport = nil
	rec.timer = nil
	rec.reconnecting = false
	rec.gen++
	next := rec.gen

	dialErr := resolveErr
	if dialErr == nil {
		rec.endpoint = endpoint
		t, err := r.dialer.Dial(endpoint, rec.sink(next))
		if err != nil {
			dialErr = err
		} else {
			rec.transport = t
		}
	}
	r.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	if dialErr != nil {
		r.metrics.initFailed()
		rec.post(signal{
			kind: sigError,
			gen:  next,
			err:  &TransportInitError{SessionID: rec.sessionID, Endpoint: endpoint, Err: dialErr},
		})
		return
	}
	r.logger.Debug("transport replaced",
		zap.String("session_id", rec.sessionID),
		zap.String("endpoint", endpoint))
}

// watchLiveness is the record's periodic liveness check. It stops with the
// record.
func (r *Registry) watchLiveness(rec *record, tick <-chan time.Time) {
	for {
		select {
		case <-rec.done:
			return
		case <-tick:
			r.mu.Lock()
			if rec.closed {
				r.mu.Unlock()
				return
			}
			st := statusLocked(rec)
			idle := r.now().Sub(rec.lastActivity)
			r.mu.Unlock()

			r.metrics.idle(idle)
			r.logger.Debug("liveness",
				zap.String("session_id", rec.sessionID),
				zap.Bool("connected", st.Connected),
				zap.Bool("reconnecting", st.Reconnecting),
				zap.Int("attempt", st.Attempt),
				zap.Duration("idle", idle))
		}
	}
}
