// Package mock drives scripted agent sessions for the reference server: each
// session cycles through status notices, messages, tool updates and an
// approval gate that holds the script until a decision arrives.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/expdesk/streamcore/internal/classify"
	"github.com/expdesk/streamcore/internal/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher fans a payload out to a session's subscribers.
type Publisher interface {
	Publish(sessionID string, payload []byte) int
}

type mockSession struct {
	id       string
	machine  *session.Machine
	tools    []string
	step     int
	round    int
	toolID   string
	decision *session.Decision
}

var commonTools = []string{"Read", "Grep", "Edit", "Bash", "Write", "Glob"}

var files = []string{
	"internal/api/handler.go",
	"internal/store/rows.go",
	"cmd/server/main.go",
	"internal/auth/token.go",
}

type Generator struct {
	store  *session.Store
	pub    Publisher
	tick   time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	sessions []*mockSession
}

func NewGenerator(store *session.Store, pub Publisher, ids []string, tick time.Duration, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Generator{store: store, pub: pub, tick: tick, logger: logger}
	for i, id := range ids {
		tools := make([]string, 0, 3)
		for j := 0; j < 3; j++ {
			tools = append(tools, commonTools[(i+j)%len(commonTools)])
		}
		g.sessions = append(g.sessions, &mockSession{
			id:      id,
			machine: store.Begin(id),
			tools:   tools,
		})
	}
	return g
}

// Run advances every session once per tick until ctx is done.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	g.logger.Info("mock generator started",
		zap.Int("sessions", len(g.sessions)),
		zap.Duration("tick", g.tick))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.advanceAll()
		}
	}
}

func (g *Generator) advanceAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ms := range g.sessions {
		g.advance(ms)
	}
}

// advance emits the next scripted payload of ms, unless it is waiting for a
// decision.
func (g *Generator) advance(ms *mockSession) {
	if ms.machine.Stage() == session.WaitingApproval {
		return
	}
	if ms.machine.Stage() == session.Closed {
		ms.machine = g.store.Begin(ms.id)
		ms.step, ms.round = 0, 0
	}

	env, next := g.script(ms)
	ms.step = next
	payload, err := env.Encode()
	if err != nil {
		g.logger.Error("encoding mock payload", zap.String("session_id", ms.id), zap.Error(err))
		return
	}
	if err := ms.machine.Observe(classify.ClassifyPayload(payload)); err != nil {
		g.logger.Debug("mock session rejected event", zap.String("session_id", ms.id), zap.Error(err))
	}
	g.pub.Publish(ms.id, payload)
}

// Script steps. The opening notices play once; the rest loop.
const (
	stepConnecting = iota
	stepEstablished
	stepMessage
	stepToolRunning
	stepToolDone
	stepApproval
	stepAfterDecision
	stepMaybeError
)

func (g *Generator) script(ms *mockSession) (classify.Envelope, int) {
	tool := ms.tools[ms.round%len(ms.tools)]
	file := files[ms.round%len(files)]

	switch ms.step {
	case stepConnecting:
		return classify.Envelope{Content: "Connecting to agent runtime..."}, stepEstablished
	case stepEstablished:
		return classify.Envelope{Content: "Stream established"}, stepMessage
	case stepMessage:
		return classify.Envelope{
			Content: fmt.Sprintf("Looking at %s to plan the next change.", file),
		}, stepToolRunning
	case stepToolRunning:
		ms.toolID = uuid.NewString()
		return classify.Envelope{
			Content: toolBlock(tool, "Working on "+file, "Running"),
			ToolID:  ms.toolID,
			Status:  "running",
		}, stepToolDone
	case stepToolDone:
		return classify.Envelope{
			Content: toolBlock(tool, "Finished "+file, "Complete"),
			ToolID:  ms.toolID,
			Status:  "completed",
		}, stepApproval
	case stepApproval:
		ms.decision = nil
		return classify.Envelope{
			Content:      fmt.Sprintf("Apply the proposed edit to %s?", file),
			ResponseType: classify.ResponseApproval,
		}, stepAfterDecision
	case stepAfterDecision:
		text := "Edit applied, moving on."
		if ms.decision != nil && !ms.decision.Approved {
			text = "Edit skipped as requested."
		}
		return classify.Envelope{Content: text}, stepMaybeError
	default:
		round := ms.round
		ms.round++
		if round%3 == 2 {
			return classify.Envelope{Content: "❌ Error: upstream rate limit reached, backing off"}, stepMessage
		}
		return classify.Envelope{Content: fmt.Sprintf("Round %d done.", round+1)}, stepMessage
	}
}

func toolBlock(tool, desc, status string) string {
	return fmt.Sprintf("\U0001f527 **%s**\n\n%s\n\nStatus: %s", tool, desc, status)
}

// Decide answers the pending approval of sessionID; the script resumes on the
// next tick.
func (g *Generator) Decide(sessionID string, d session.Decision) (session.Approval, error) {
	approval, err := g.store.Resolve(sessionID, d)
	if err != nil {
		return session.Approval{}, err
	}
	g.mu.Lock()
	for _, ms := range g.sessions {
		if ms.id == sessionID {
			ms.decision = &d
		}
	}
	g.mu.Unlock()
	g.logger.Info("mock decision recorded",
		zap.String("session_id", sessionID),
		zap.Bool("approved", d.Approved))
	return approval, nil
}

// Sessions returns snapshots of the scripted sessions.
func (g *Generator) Sessions() []session.State {
	return g.store.Snapshots()
}
