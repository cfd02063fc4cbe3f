package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/expdesk/streamcore/internal/diag"
	"github.com/expdesk/streamcore/internal/session"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout      = 10 * time.Second
	sseKeepAlive      = 15 * time.Second
	maxDecisionBody   = 4 << 10
	tokenHeader       = "X-Streamcore-Token"
	defaultPingPeriod = 30 * time.Second
)

// Backend owns the sessions the server streams and accepts approval
// decisions for them.
type Backend interface {
	Decide(sessionID string, d session.Decision) (session.Approval, error)
	Sessions() []session.State
}

type Server struct {
	hub            *Hub
	backend        Backend
	diagnostics    *diag.Sampler
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	pingPeriod     time.Duration
	logger         *zap.Logger
}

func NewServer(hub *Hub, backend Backend, allowedOrigins []string, authToken string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		hub:            hub,
		backend:        backend,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
		pingPeriod:     defaultPingPeriod,
		logger:         logger,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetDiagnostics exposes sampler output on /healthz. Must be called before
// SetupRoutes.
func (s *Server) SetDiagnostics(sampler *diag.Sampler) {
	s.diagnostics = sampler
}

// SetPingPeriod sets how often WebSocket subscribers are pinged.
func (s *Server) SetPingPeriod(d time.Duration) {
	if d > 0 {
		s.pingPeriod = d
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{session}", s.handleWS)
	mux.HandleFunc("GET /sse/{session}", s.handleSSE)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("POST /api/sessions/{session}/approval", s.handleApproval)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns the routes wrapped with the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.PathValue("session")

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	sub := s.hub.Subscribe(sessionID)
	log := s.logger.With(zap.String("session_id", sessionID), zap.String("remote", r.RemoteAddr))
	log.Info("ws subscriber connected")

	go s.writePump(conn, sub)
	go func() {
		defer func() {
			s.hub.Unsubscribe(sub)
			log.Info("ws subscriber disconnected")
		}()
		// Reading services control frames, including the client's pings.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writePump(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	sessionID := r.PathValue("session")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.hub.Subscribe(sessionID)
	defer s.hub.Unsubscribe(sub)
	log := s.logger.With(zap.String("session_id", sessionID), zap.String("remote", r.RemoteAddr))
	log.Info("sse subscriber connected")
	defer log.Info("sse subscriber disconnected")

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, ok := <-sub.send:
			if !ok {
				return
			}
			writeSSEData(w, msg)
			flusher.Flush()
		}
	}
}

// writeSSEData frames payload as one event, one data line per payload line.
func writeSSEData(w http.ResponseWriter, payload []byte) {
	for _, line := range strings.Split(string(payload), "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessions := s.backend.Sessions()
	out := make([]SessionInfo, 0, len(sessions))
	for _, st := range sessions {
		out = append(out, SessionInfo{State: st, Subscribers: s.hub.Subscribers(st.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.PathValue("session")

	var req DecisionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDecisionBody)).Decode(&req); err != nil {
		http.Error(w, "invalid decision body", http.StatusBadRequest)
		return
	}

	approval, err := s.backend.Decide(sessionID, session.Decision{Approved: req.Approved, Note: req.Note})
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		http.Error(w, "session not found", http.StatusNotFound)
		return
	case errors.Is(err, session.ErrStateConflict), errors.Is(err, session.ErrSessionClosed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.logger.Info("approval decided",
		zap.String("session_id", sessionID),
		zap.Bool("approved", req.Approved))
	writeJSON(w, http.StatusOK, DecisionResponse{SessionID: sessionID, Approved: req.Approved, Approval: approval})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Sessions: len(s.backend.Sessions())}
	if s.diagnostics != nil {
		smp := s.diagnostics.Last()
		resp.Diagnostics = &smp
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get(tokenHeader) == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	for _, local := range []string{"localhost", "127.0.0.1", "[::1]"} {
		if host == local || strings.HasPrefix(host, local+":") {
			return true
		}
	}
	return host == "::1"
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}
