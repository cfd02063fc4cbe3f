package stream

import (
	"time"

	"github.com/expdesk/streamcore/internal/classify"
	"github.com/expdesk/streamcore/internal/session"
	"github.com/google/uuid"
)

const inboxSize = 64

// CloseReason says why a record left the Registry.
type CloseReason string

const (
	ReasonClosed    CloseReason = "closed"
	ReasonReplaced  CloseReason = "replaced"
	ReasonExhausted CloseReason = "exhausted"
	ReasonEvicted   CloseReason = "evicted"
	ReasonShutdown  CloseReason = "shutdown"
)

// Lost reports whether the Registry gave up on the session by itself, as
// opposed to the caller closing it.
func (r CloseReason) Lost() bool {
	return r == ReasonExhausted || r == ReasonEvicted
}

// Handlers are the caller's callbacks for one session. All of them run on
// the session's worker goroutine, one at a time, in transport order. Any of
// them may be nil.
type Handlers struct {
	OnEvent func(sessionID string, ev classify.Event)
	OnError func(sessionID string, err error)
	OnOpen  func(sessionID string)
	// OnClose is delivered once, after every other callback for the record.
	// err is ErrRetriesExhausted when reason is ReasonExhausted.
	OnClose func(sessionID string, reason CloseReason, err error)
}

func (h Handlers) event(id string, ev classify.Event) {
	if h.OnEvent != nil {
		h.OnEvent(id, ev)
	}
}

func (h Handlers) err(id string, err error) {
	if h.OnError != nil {
		h.OnError(id, err)
	}
}

func (h Handlers) open(id string) {
	if h.OnOpen != nil {
		h.OnOpen(id)
	}
}

func (h Handlers) close(id string, reason CloseReason, err error) {
	if h.OnClose != nil {
		h.OnClose(id, reason, err)
	}
}

// Options are captured when a record is created and never change for it.
type Options struct {
	// MaxAttempts caps reconnect attempts. Zero means DefaultMaxAttempts.
	MaxAttempts int
	// Delay is the fixed wait before each reconnect. Zero means
	// DefaultReconnectDelay.
	Delay time.Duration
	// Session, when set, observes every classified event and is closed when
	// the Registry itself gives up on the session.
	Session *session.Machine
	// LivenessInterval enables a per-record liveness ticker. Zero disables it.
	LivenessInterval time.Duration
	// Endpoint, when set, is consulted before every reconnect so expiring
	// endpoint tokens can be refreshed. The original endpoint is used
	// otherwise.
	Endpoint func() (string, error)
}

func (o Options) withDefaults(def Options) Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Delay <= 0 {
		o.Delay = def.Delay
	}
	if o.Delay <= 0 {
		o.Delay = DefaultReconnectDelay
	}
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = def.LivenessInterval
	}
	return o
}

// Status is a point-in-time view of a record.
type Status struct {
	ConnID       uuid.UUID `json:"connId"`
	Connected    bool      `json:"connected"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"maxAttempts"`
	Reconnecting bool      `json:"reconnecting"`
	LastActivity time.Time `json:"lastActivity"`
}

type signalKind int

const (
	sigOpen signalKind = iota
	sigMessage
	sigError
)

type signal struct {
	kind    signalKind
	gen     uint64
	payload []byte
	err     error
}

// record is the Registry's bookkeeping for one session. Mutable fields are
// guarded by Registry.mu.
type record struct {
	sessionID string
	connID    uuid.UUID
	endpoint  string
	handlers  Handlers
	opts      Options
	backoff   Backoff

	transport    Transport
	gen          uint64
	attempt      int
	reconnecting bool
	lastActivity time.Time
	timer        *time.Timer
	sweep        *time.Ticker

	closed   bool
	reason   CloseReason
	closeErr error

	inbox chan signal
	done  chan struct{}
}

func newRecord(id, endpoint string, h Handlers, opts Options, now time.Time) *record {
	return &record{
		sessionID:    id,
		connID:       uuid.New(),
		endpoint:     endpoint,
		handlers:     h,
		opts:         opts,
		backoff:      Backoff{MaxAttempts: opts.MaxAttempts, Delay: opts.Delay},
		lastActivity: now,
		inbox:        make(chan signal, inboxSize),
		done:         make(chan struct{}),
	}
}

// post queues a signal for the worker, or drops it once the record is gone.
func (rec *record) post(sig signal) {
	select {
	case rec.inbox <- sig:
	case <-rec.done:
	}
}

// sink returns the Sink for the transport generation gen.
func (rec *record) sink(gen uint64) Sink {
	return recordSink{rec: rec, gen: gen}
}

type recordSink struct {
	rec *record
	gen uint64
}

func (s recordSink) OnOpen() {
	s.rec.post(signal{kind: sigOpen, gen: s.gen})
}

func (s recordSink) OnMessage(payload []byte) {
	s.rec.post(signal{kind: sigMessage, gen: s.gen, payload: payload})
}

func (s recordSink) OnError(err error) {
	s.rec.post(signal{kind: sigError, gen: s.gen, err: err})
}
