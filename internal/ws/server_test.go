package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/expdesk/streamcore/internal/classify"
	"github.com/expdesk/streamcore/internal/session"
	"github.com/expdesk/streamcore/internal/stream"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	store *session.Store
}

func newFakeBackend(ids ...string) *fakeBackend {
	b := &fakeBackend{store: session.NewStore()}
	for _, id := range ids {
		b.store.Begin(id)
	}
	return b
}

func (b *fakeBackend) Decide(id string, d session.Decision) (session.Approval, error) {
	return b.store.Resolve(id, d)
}

func (b *fakeBackend) Sessions() []session.State { return b.store.Snapshots() }

func (b *fakeBackend) requestApproval(t *testing.T, id string) {
	t.Helper()
	m, ok := b.store.Get(id)
	require.True(t, ok)
	require.NoError(t, m.Observe(classify.Classify("Ship it?", classify.Context{ResponseType: classify.ResponseApproval})))
}

func newTestServer(t *testing.T, token string, ids ...string) (*Server, *Hub, *fakeBackend, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil, nil)
	backend := newFakeBackend(ids...)
	s := NewServer(hub, backend, nil, token, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return s, hub, backend, srv
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'self'", rec.Header().Get("Content-Security-Policy"))
}

func TestAuthorize(t *testing.T) {
	_, _, _, srv := newTestServer(t, "secret", "s1")

	tests := []struct {
		name   string
		mutate func(*http.Request)
		want   int
	}{
		{"missing", func(*http.Request) {}, http.StatusUnauthorized},
		{"wrong bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }, http.StatusOK},
		{"header", func(r *http.Request) { r.Header.Set(tokenHeader, "secret") }, http.StatusOK},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=secret" }, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
			require.NoError(t, err)
			tt.mutate(req)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	open := NewServer(NewHub(nil, nil), newFakeBackend(), nil, "", nil)
	strict := NewServer(NewHub(nil, nil), newFakeBackend(), []string{"https://app.example.com"}, "", nil)

	tests := []struct {
		name   string
		s      *Server
		origin string
		want   bool
	}{
		{"no origin", open, "", true},
		{"same host", open, "http://api.internal:8080", true},
		{"localhost", open, "http://localhost:5173", true},
		{"loopback v6", open, "http://[::1]:3000", true},
		{"foreign", open, "https://evil.example", false},
		{"allowed", strict, "https://app.example.com", true},
		{"allowed host other scheme", strict, "http://app.example.com", true},
		{"not allowed", strict, "http://localhost:5173", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://api.internal:8080/ws/s1", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, tt.s.checkOrigin(r))
		})
	}
}

func postDecision(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestApprovalEndpoint(t *testing.T) {
	_, _, backend, srv := newTestServer(t, "", "s1")
	url := srv.URL + "/api/sessions/s1/approval"

	resp := postDecision(t, url, `{"approved": true}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "nothing pending yet")

	resp = postDecision(t, srv.URL+"/api/sessions/ghost/approval", `{"approved": true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postDecision(t, url, `{"approved":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	backend.requestApproval(t, "s1")
	resp = postDecision(t, url, `{"approved": true, "note": "lgtm"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out DecisionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "s1", out.SessionID)
	assert.True(t, out.Approved)
	assert.Equal(t, "Ship it?", out.Approval.Prompt)

	m, _ := backend.store.Get("s1")
	assert.Equal(t, session.Active, m.Stage())
}

func TestApprovalRequiresPost(t *testing.T) {
	_, _, _, srv := newTestServer(t, "", "s1")
	resp, err := http.Get(srv.URL + "/api/sessions/s1/approval")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSessionsAndHealth(t *testing.T) {
	_, hub, _, srv := newTestServer(t, "", "a", "b")
	sub := hub.Subscribe("a")
	defer hub.Unsubscribe(sub)

	resp, err := http.Get(srv.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var sessions []SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].ID)
	assert.Equal(t, 1, sessions[0].Subscribers)
	assert.Equal(t, session.Idle, sessions[1].Stage)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.Sessions)
	assert.Nil(t, health.Diagnostics)
}

func TestWebSocketEndpointStreamsPublishedPayloads(t *testing.T) {
	_, hub, _, srv := newTestServer(t, "", "s1")

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/s1", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers("s1") == 1 }, 2*time.Second, 5*time.Millisecond)
	hub.Publish("s1", []byte(`{"content":"hi"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"hi"}`, string(msg))

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers("s1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

// The registry consumes the server's endpoints end to end, over both
// transports.
func TestRegistryOverServerEndpoints(t *testing.T) {
	for _, scheme := range []string{"ws", "sse"} {
		t.Run(scheme, func(t *testing.T) {
			_, hub, _, srv := newTestServer(t, "", "s1")
			base := strings.TrimPrefix(srv.URL, "http")
			endpoint := "http" + base + "/sse/s1"
			if scheme == "ws" {
				endpoint = "ws" + base + "/ws/s1"
			}

			var mu sync.Mutex
			var got []classify.Event
			opened := make(chan struct{}, 1)
			reg := stream.NewRegistry(stream.NewSchemeDialer())
			defer reg.CloseAll()

			_, err := reg.Open("s1", endpoint, stream.Handlers{
				OnOpen: func(string) { opened <- struct{}{} },
				OnEvent: func(_ string, ev classify.Event) {
					mu.Lock()
					got = append(got, ev)
					mu.Unlock()
				},
			}, stream.Options{})
			require.NoError(t, err)

			select {
			case <-opened:
			case <-time.After(2 * time.Second):
				t.Fatal("transport never opened")
			}
			require.Eventually(t, func() bool { return hub.Subscribers("s1") == 1 }, 2*time.Second, 5*time.Millisecond)

			tool, err := classify.Envelope{
				Content: "\U0001f504 **FetchData**\n\nFetching rows\n\nStatus: Complete",
			}.Encode()
			require.NoError(t, err)
			hub.Publish("s1", tool)
			hub.Publish("s1", []byte("multi\nline"))

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(got) == 2
			}, 2*time.Second, 5*time.Millisecond)

			mu.Lock()
			defer mu.Unlock()
			te, ok := got[0].(classify.ToolExecution)
			require.True(t, ok, "got %T", got[0])
			assert.Equal(t, "FetchData", te.ToolName)
			assert.Equal(t, classify.ToolCompleted, te.Status)
			assert.Equal(t, "multi\nline", got[1].(classify.PlainMessage).Text)

			st, ok := reg.Status("s1")
			require.True(t, ok)
			assert.True(t, st.Connected, fmt.Sprintf("%+v", st))
		})
	}
}
