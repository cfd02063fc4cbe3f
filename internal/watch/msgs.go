package watch

import (
	"github.com/expdesk/streamcore/internal/classify"
	"github.com/expdesk/streamcore/internal/session"
	"github.com/expdesk/streamcore/internal/stream"

	tea "github.com/charmbracelet/bubbletea"
)

// OpenMsg is sent when a session's transport finishes its handshake.
type OpenMsg struct {
	SessionID string
}

// EventMsg carries one classified event.
type EventMsg struct {
	SessionID string
	Event     classify.Event
}

// ErrorMsg carries a transport fault.
type ErrorMsg struct {
	SessionID string
	Err       error
}

// ClosedMsg is the last message for a session.
type ClosedMsg struct {
	SessionID string
	Reason    stream.CloseReason
	Err       error
}

type decidedMsg struct {
	SessionID string
	Approved  bool
	Err       error
}

type refreshMsg struct{}

// Handlers turns registry callbacks into program messages. send is usually
// (*tea.Program).Send.
func Handlers(send func(tea.Msg)) stream.Handlers {
	return stream.Handlers{
		OnOpen: func(id string) {
			send(OpenMsg{SessionID: id})
		},
		OnEvent: func(id string, ev classify.Event) {
			send(EventMsg{SessionID: id, Event: ev})
		},
		OnError: func(id string, err error) {
			send(ErrorMsg{SessionID: id, Err: err})
		},
		OnClose: func(id string, reason stream.CloseReason, err error) {
			send(ClosedMsg{SessionID: id, Reason: reason, Err: err})
		},
	}
}

// Opener is the part of the Registry the watcher opens sessions through.
type Opener interface {
	Open(sessionID, endpoint string, h stream.Handlers, opts stream.Options) (*stream.Handle, error)
}

// OpenAll opens one stream per id, each observed by a machine from store.
// endpointFor maps a session id to its endpoint. Sessions that fail to open
// are reported through send as ClosedMsg and the first error is returned
// after every id has been tried. send is called synchronously, so with a
// tea.Program call OpenAll from a goroutine once the program is running.
func OpenAll(reg Opener, store *session.Store, ids []string, endpointFor func(string) string, opts stream.Options, send func(tea.Msg)) error {
	var first error
	h := Handlers(send)
	for _, id := range ids {
		o := opts
		o.Session = store.Begin(id)
		if _, err := reg.Open(id, endpointFor(id), h, o); err != nil {
			if first == nil {
				first = err
			}
			send(ClosedMsg{SessionID: id, Reason: stream.ReasonClosed, Err: err})
		}
	}
	return first
}
