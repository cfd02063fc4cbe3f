package session

import (
	"encoding/json"
	"time"
)

type Stage int

const (
	Idle Stage = iota
	Active
	WaitingApproval
	Closed
)

var stageNames = map[Stage]string{
	Idle:            "idle",
	Active:          "active",
	WaitingApproval: "waiting_approval",
	Closed:          "closed",
}

var stageFromName = map[string]Stage{
	"idle":             Idle,
	"active":           Active,
	"waiting_approval": WaitingApproval,
	"closed":           Closed,
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Stage) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stageFromName[n]; ok {
		*s = v
	}
	return nil
}

// Approval is a pending request for an explicit user decision.
type Approval struct {
	// Kind is the backend response type, "approval" or "confirmation".
	Kind        string    `json:"kind"`
	Prompt      string    `json:"prompt"`
	ToolName    string    `json:"toolName,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Decision is the caller's answer to a pending approval.
type Decision struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

type State struct {
	ID              string     `json:"id"`
	Stage           Stage      `json:"stage"`
	PendingApproval *Approval  `json:"pendingApproval,omitempty"`
	LastActivity    time.Time  `json:"lastActivity"`
	StartedAt       time.Time  `json:"startedAt"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
	EventCount      int        `json:"eventCount"`
	ApprovalCount   int        `json:"approvalCount"`
}

// Clone returns a deep copy of the State, duplicating pointer fields so the
// copy can be mutated independently of the original.
func (s State) Clone() State {
	if s.PendingApproval != nil {
		a := *s.PendingApproval
		s.PendingApproval = &a
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		s.ClosedAt = &t
	}
	return s
}

func (s State) IsTerminal() bool {
	return s.Stage == Closed
}
