// Package watch is a terminal dashboard over a stream Registry: one row per
// session with its stage, connection health and last event, plus approve and
// reject keys for sessions waiting on a decision.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/expdesk/streamcore/internal/classify"
	"github.com/expdesk/streamcore/internal/session"
	"github.com/expdesk/streamcore/internal/stream"
	"github.com/expdesk/streamcore/internal/ws"
)

const refreshInterval = 500 * time.Millisecond

// Streams is the part of the Registry the model reads and shuts down.
type Streams interface {
	Status(sessionID string) (stream.Status, bool)
	CloseAll()
}

// Approver posts a decision upstream.
type Approver interface {
	Decide(ctx context.Context, sessionID string, approved bool) (*ws.DecisionResponse, error)
}

type row struct {
	id       string
	status   stream.Status
	tracked  bool
	lost     bool
	reason   stream.CloseReason
	last     classify.Event
	lastErr  error
	rendered string
}

// Model is the root Bubble Tea model of the watcher.
type Model struct {
	streams  Streams
	store    *session.Store
	approver Approver
	ctx      context.Context
	cancel   context.CancelFunc

	keys     KeyMap
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	width    int
	height   int

	order    []string
	rows     map[string]*row
	selected int
	notice   string
}

// New creates the root model. approver may be nil, in which case decisions
// are only applied locally.
func New(streams Streams, store *session.Store, approver Approver, ids []string) Model {
	ctx, cancel := context.WithCancel(context.Background())
	m := Model{
		streams:  streams,
		store:    store,
		approver: approver,
		ctx:      ctx,
		cancel:   cancel,
		keys:     DefaultKeyMap(),
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(ColorWarning)),
		),
		rows: make(map[string]*row, len(ids)),
	}
	for _, id := range ids {
		if _, ok := m.rows[id]; ok {
			continue
		}
		m.order = append(m.order, id)
		m.rows[id] = &row{id: id}
	}
	m.renderer = newRenderer(80)
	return m
}

func newRenderer(width int) *glamour.TermRenderer {
	if width < 20 {
		width = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width-4),
	)
	if err != nil {
		return nil
	}
	return r
}

// Init starts the spinner and the status refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, refresh())
}

func refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return refreshMsg{} })
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.renderer = newRenderer(msg.Width)
		for _, r := range m.rows {
			r.rendered = m.render(r.last)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case refreshMsg:
		m.refreshAll()
		return m, refresh()

	case OpenMsg:
		if r := m.lookup(msg.SessionID); r != nil {
			r.lost = false
			r.lastErr = nil
			m.refreshRow(r)
		}
		return m, nil

	case EventMsg:
		if r := m.lookup(msg.SessionID); r != nil {
			r.last = msg.Event
			r.rendered = m.render(msg.Event)
			m.refreshRow(r)
		}
		return m, nil

	case ErrorMsg:
		if r := m.lookup(msg.SessionID); r != nil {
			r.lastErr = msg.Err
			m.refreshRow(r)
		}
		return m, nil

	case ClosedMsg:
		if r := m.lookup(msg.SessionID); r != nil {
			r.tracked = false
			r.status = stream.Status{}
			r.reason = msg.Reason
			r.lost = msg.Reason.Lost()
			if msg.Err != nil {
				r.lastErr = msg.Err
			}
		}
		return m, nil

	case decidedMsg:
		return m.applyDecision(msg), nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		if m.streams != nil {
			m.streams.CloseAll()
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.Down):
		if len(m.order) > 0 {
			m.selected = (m.selected + 1) % len(m.order)
		}
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if len(m.order) > 0 {
			m.selected = (m.selected - 1 + len(m.order)) % len(m.order)
		}
		return m, nil

	case key.Matches(msg, m.keys.Approve):
		return m.decide(true)

	case key.Matches(msg, m.keys.Reject):
		return m.decide(false)
	}

	return m, nil
}

// decide answers the pending approval of the selected session. The upstream
// POST runs as a command; the local machine is resolved once it succeeds.
func (m Model) decide(approved bool) (tea.Model, tea.Cmd) {
	id, ok := m.selectedID()
	if !ok {
		return m, nil
	}
	machine, ok := m.store.Get(id)
	if !ok || machine.Stage() != session.WaitingApproval {
		m.notice = fmt.Sprintf("%s is not waiting for approval", id)
		return m, nil
	}
	if m.approver == nil {
		return m.applyDecision(decidedMsg{SessionID: id, Approved: approved}), nil
	}
	m.notice = "sending decision for " + id + "..."
	approver, ctx := m.approver, m.ctx
	return m, func() tea.Msg {
		_, err := approver.Decide(ctx, id, approved)
		return decidedMsg{SessionID: id, Approved: approved, Err: err}
	}
}

func (m Model) applyDecision(msg decidedMsg) Model {
	if msg.Err != nil {
		m.notice = fmt.Sprintf("decision for %s failed: %v", msg.SessionID, msg.Err)
		return m
	}
	machine, ok := m.store.Get(msg.SessionID)
	if !ok {
		m.notice = fmt.Sprintf("%s: %v", msg.SessionID, session.ErrUnknownSession)
		return m
	}
	if _, err := machine.Resolve(session.Decision{Approved: msg.Approved}); err != nil {
		if errors.Is(err, session.ErrStateConflict) {
			m.notice = fmt.Sprintf("decision for %s not applied: %v", msg.SessionID, err)
			return m
		}
		m.notice = fmt.Sprintf("%s: %v", msg.SessionID, err)
		return m
	}
	verb := "approved"
	if !msg.Approved {
		verb = "rejected"
	}
	m.notice = msg.SessionID + " " + verb
	return m
}

func (m Model) selectedID() (string, bool) {
	if m.selected < 0 || m.selected >= len(m.order) {
		return "", false
	}
	return m.order[m.selected], true
}

func (m Model) lookup(id string) *row {
	return m.rows[id]
}

func (m Model) refreshAll() {
	for _, r := range m.rows {
		m.refreshRow(r)
	}
}

func (m Model) refreshRow(r *row) {
	if m.streams == nil {
		return
	}
	st, ok := m.streams.Status(r.id)
	r.tracked = ok
	if ok {
		r.status = st
	}
}

func (m Model) render(ev classify.Event) string {
	text := eventText(ev)
	if text == "" {
		return ""
	}
	if m.renderer == nil {
		return text
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.Trim(out, "\n")
}

func eventText(ev classify.Event) string {
	switch e := ev.(type) {
	case nil:
		return ""
	case classify.PlainMessage:
		return e.Text
	case classify.ToolExecution:
		return fmt.Sprintf("**%s** %s (%s)", e.ToolName, e.Description, e.Status)
	case classify.SystemStatus:
		return e.Raw + " _(" + string(e.State) + ")_"
	case classify.ErrorEvent:
		return "**error:** " + e.Message
	default:
		return ev.Metadata().Raw
	}
}

// View renders the dashboard.
func (m Model) View() string {
	width := m.width
	if width < 40 {
		width = 40
	}

	lines := []string{
		StyleHeader.Render("=== SESSIONS " + strings.Repeat("=", max(0, width-14))),
	}
	for i, id := range m.order {
		prefix := "  "
		if i == m.selected {
			prefix = "> "
		}
		lines = append(lines, m.renderRow(prefix, i == m.selected, m.rows[id]))
	}
	if len(m.order) == 0 {
		lines = append(lines, StyleDimmed.Render("  No sessions"))
	}

	if id, ok := m.selectedID(); ok {
		if detail := m.renderDetail(m.rows[id]); detail != "" {
			lines = append(lines, StyleDetail.Width(width-2).Render(detail))
		}
	}
	if m.notice != "" {
		lines = append(lines, StyleDimmed.Render("  "+m.notice))
	}
	lines = append(lines, StyleDimmed.Render("  j/k:navigate  a:approve  r:reject  q:quit"))

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderRow(prefix string, selected bool, r *row) string {
	stage := session.Idle
	if machine, ok := m.store.Get(r.id); ok {
		stage = machine.Stage()
	}

	name := r.id
	if selected {
		name = StyleSelected.Render(name)
	}
	stageStr := lipgloss.NewStyle().Foreground(StageColor(stage)).Render(stage.String())

	return prefix + EventGlyph(r.last) + " " + name + "  " + stageStr + "  " + m.connection(r)
}

func (m Model) connection(r *row) string {
	switch {
	case r.lost:
		return lipgloss.NewStyle().Foreground(ColorDanger).Render("session lost (" + string(r.reason) + ")")
	case !r.tracked && r.reason != "":
		return StyleDimmed.Render("closed (" + string(r.reason) + ")")
	case !r.tracked:
		return StyleDimmed.Render("○ pending")
	case r.status.Reconnecting:
		return m.spinner.View() + lipgloss.NewStyle().Foreground(ColorWarning).Render(
			fmt.Sprintf(" reconnecting %d/%d", r.status.Attempt, r.status.MaxAttempts))
	case r.status.Connected:
		return lipgloss.NewStyle().Foreground(ColorHealthy).Render("● connected")
	default:
		return m.spinner.View() + StyleDimmed.Render(" connecting")
	}
}

func (m Model) renderDetail(r *row) string {
	var parts []string
	if machine, ok := m.store.Get(r.id); ok {
		if st := machine.Snapshot(); st.PendingApproval != nil {
			parts = append(parts, lipgloss.NewStyle().Foreground(ColorWaiting).Render(
				"awaiting "+st.PendingApproval.Kind+": "+st.PendingApproval.Prompt))
		}
	}
	if r.rendered != "" {
		parts = append(parts, lipgloss.NewStyle().Foreground(eventColor(r.last)).Render(r.rendered))
	}
	if r.lastErr != nil {
		parts = append(parts, lipgloss.NewStyle().Foreground(ColorDanger).Render(r.lastErr.Error()))
	}
	return strings.Join(parts, "\n")
}
