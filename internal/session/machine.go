package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/expdesk/streamcore/internal/classify"
)

var (
	ErrStateConflict  = errors.New("session: state conflict")
	ErrSessionClosed  = errors.New("session: closed")
	ErrUnknownSession = errors.New("session: unknown session")
)

// Machine tracks the approval-gated progress of one conversational session.
// Stage only changes through Observe, Resolve and Close.
type Machine struct {
	mu    sync.Mutex
	state State
	now   func() time.Time
}

func NewMachine(id string) *Machine {
	return newMachine(id, time.Now)
}

func newMachine(id string, now func() time.Time) *Machine {
	return &Machine{
		state: State{ID: id, Stage: Idle, StartedAt: now()},
		now:   now,
	}
}

func (m *Machine) ID() string {
	return m.state.ID
}

// Stage returns the current stage.
func (m *Machine) Stage() Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Stage
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Observe applies a classified event. The first event moves an idle session
// to active; an approval or confirmation request moves it to
// waiting_approval. A new request while already waiting replaces the pending
// one.
func (m *Machine) Observe(ev classify.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Stage == Closed {
		return ErrSessionClosed
	}

	m.state.LastActivity = m.now()
	m.state.EventCount++
	if m.state.Stage == Idle {
		m.state.Stage = Active
	}

	meta := ev.Metadata()
	if !meta.RequiresApproval() {
		return nil
	}
	approval := &Approval{
		Kind:        meta.ResponseType,
		Prompt:      meta.Raw,
		RequestedAt: m.state.LastActivity,
	}
	if tool, ok := ev.(classify.ToolExecution); ok {
		approval.ToolName = tool.ToolName
	}
	m.state.PendingApproval = approval
	m.state.Stage = WaitingApproval
	return nil
}

// Resolve answers the pending approval and returns the session to active.
// The pending approval is cleared whether the decision approves or rejects.
// Resolving a session that is not waiting is a state conflict and leaves the
// stage unchanged.
func (m *Machine) Resolve(d Decision) (Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Stage != WaitingApproval || m.state.PendingApproval == nil {
		return Approval{}, fmt.Errorf("%w: session %s is %s, not waiting for approval",
			ErrStateConflict, m.state.ID, m.state.Stage)
	}
	resolved := *m.state.PendingApproval
	m.state.PendingApproval = nil
	m.state.Stage = Active
	m.state.ApprovalCount++
	m.state.LastActivity = m.now()
	return resolved, nil
}

// Close moves the session to closed from any stage. It reports whether this
// call performed the transition.
func (m *Machine) Close() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Stage == Closed {
		return false
	}
	now := m.now()
	m.state.Stage = Closed
	m.state.PendingApproval = nil
	m.state.ClosedAt = &now
	return true
}
