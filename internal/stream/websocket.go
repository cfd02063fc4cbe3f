package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPongTimeout  = 60 * time.Second
	defaultPingInterval = 30 * time.Second
)

// WebSocketDialer opens ws:// and wss:// transports.
type WebSocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

func (d *WebSocketDialer) Dial(endpoint string, sink Sink) (Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &wsTransport{
		cancel:       cancel,
		pingInterval: orDefault(d.PingInterval, defaultPingInterval),
		pongTimeout:  orDefault(d.PongTimeout, defaultPongTimeout),
		writeTimeout: orDefault(d.WriteTimeout, defaultWriteTimeout),
	}
	go t.run(ctx, dialer, endpoint, d.Header.Clone(), sink)
	return t, nil
}

type wsTransport struct {
	lifecycle

	cancel       context.CancelFunc
	writeMu      sync.Mutex // serialises pings and the close frame
	conn         *websocket.Conn
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
}

func (t *wsTransport) run(ctx context.Context, dialer *websocket.Dialer, endpoint string, header http.Header, sink Sink) {
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.fail(sink, err)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.setState(StateOpen)
	t.mu.Unlock()
	sink.OnOpen()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.pongTimeout))
	})
	conn.SetReadDeadline(time.Now().Add(t.pongTimeout))

	go t.pingLoop(ctx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.cancel()
			conn.Close()
			t.fail(sink, err)
			return
		}
		sink.OnMessage(data)
	}
}

// pingLoop sends periodic pings on conn until ctx is cancelled or a write
// fails.
func (t *wsTransport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *wsTransport) Close() error {
	if !t.markClosed() {
		return nil
	}
	t.cancel()

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return conn.Close()
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
