package stream

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
)

// TransportState is the observable phase of a transport.
type TransportState int32

const (
	StateConnecting TransportState = iota
	StateOpen
	StateClosed
)

func (s TransportState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Sink receives the three signals a transport emits. OnError is emitted at
// most once, after which the transport emits nothing further.
type Sink interface {
	OnOpen()
	OnMessage(payload []byte)
	OnError(err error)
}

// Transport is one server-push channel. Close releases its resources and
// silences its sink; it is safe to call more than once.
type Transport interface {
	State() TransportState
	Close() error
}

// Dialer constructs transports. Dial must not block on the network: the
// handshake runs in the background and completion is signalled through
// sink.OnOpen. A Dial error means the transport could not be constructed.
type Dialer interface {
	Dial(endpoint string, sink Sink) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(endpoint string, sink Sink) (Transport, error)

func (f DialerFunc) Dial(endpoint string, sink Sink) (Transport, error) {
	return f(endpoint, sink)
}

// SchemeDialer routes ws/wss endpoints to WebSocket and http/https endpoints
// to SSE.
type SchemeDialer struct {
	WebSocket Dialer
	SSE       Dialer
}

// NewSchemeDialer returns a SchemeDialer with default WebSocket and SSE
// dialers.
func NewSchemeDialer() *SchemeDialer {
	return &SchemeDialer{
		WebSocket: &WebSocketDialer{},
		SSE:       &SSEDialer{},
	}
}

func (d *SchemeDialer) Dial(endpoint string, sink Sink) (Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws", "wss":
		if d.WebSocket != nil {
			return d.WebSocket.Dial(endpoint, sink)
		}
	case "http", "https":
		if d.SSE != nil {
			return d.SSE.Dial(endpoint, sink)
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

// lifecycle is the state shared by the concrete transports: an atomic
// observable state plus a closed flag that silences the sink once the owner
// has closed the transport.
type lifecycle struct {
	state  atomic.Int32
	mu     sync.Mutex
	closed bool
}

func (l *lifecycle) State() TransportState {
	return TransportState(l.state.Load())
}

func (l *lifecycle) setState(s TransportState) {
	l.state.Store(int32(s))
}

// markClosed flips the closed flag and reports whether this call did it.
func (l *lifecycle) markClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	l.setState(StateClosed)
	return true
}

func (l *lifecycle) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// fail reports err to the sink unless the owner already closed the transport.
func (l *lifecycle) fail(sink Sink, err error) {
	l.setState(StateClosed)
	if l.isClosed() {
		return
	}
	sink.OnError(err)
}
