// Package classify turns raw session payloads into tagged events that the
// session state machine and UI handlers route on. Classification is pure:
// the same payload and context always produce the same event.
package classify

import "encoding/json"

// Kind identifies the category of a classified event.
type Kind int

const (
	KindPlainMessage Kind = iota
	KindToolExecution
	KindSystemStatus
	KindError
)

var kindNames = map[Kind]string{
	KindPlainMessage:  "plain_message",
	KindToolExecution: "tool_execution",
	KindSystemStatus:  "system_status",
	KindError:         "error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// ToolStatus is the normalized progress of a tool execution.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// ConnState is the connection phase announced by a system status line.
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnConnected  ConnState = "connected"
)

// Meta is shared by every event variant.
type Meta struct {
	// Raw is the text the classifier inspected.
	Raw string `json:"raw"`
	// ResponseType is the backend's response tag, e.g. "approval".
	ResponseType string `json:"responseType,omitempty"`
	// Malformed is set when the payload looked structured but did not decode.
	Malformed bool `json:"malformed,omitempty"`
}

// Metadata returns the shared fields of an event.
func (m Meta) Metadata() Meta { return m }

func (Meta) sealed() {}

// RequiresApproval reports whether the backend is waiting on an explicit
// decision before it continues.
func (m Meta) RequiresApproval() bool {
	switch m.ResponseType {
	case ResponseApproval, ResponseConfirmation:
		return true
	}
	return false
}

// Event is a classified payload. The concrete type is one of
// ToolExecution, SystemStatus, ErrorEvent or PlainMessage.
type Event interface {
	Kind() Kind
	Metadata() Meta
	sealed()
}

// ToolExecution reports progress of a tool the assistant invoked.
type ToolExecution struct {
	Meta
	ToolName    string     `json:"toolName"`
	ToolID      string     `json:"toolId,omitempty"`
	Description string     `json:"description"`
	Status      ToolStatus `json:"status"`
}

func (ToolExecution) Kind() Kind { return KindToolExecution }

// SystemStatus is a connection or setup notice.
type SystemStatus struct {
	Meta
	State ConnState `json:"state"`
}

func (SystemStatus) Kind() Kind { return KindSystemStatus }

// ErrorEvent is a failure reported by the backend.
type ErrorEvent struct {
	Meta
	Message string `json:"message"`
}

func (ErrorEvent) Kind() Kind { return KindError }

// PlainMessage is ordinary assistant output.
type PlainMessage struct {
	Meta
	Text string `json:"text"`
}

func (PlainMessage) Kind() Kind { return KindPlainMessage }
