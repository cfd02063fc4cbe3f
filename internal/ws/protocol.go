package ws

import (
	"github.com/expdesk/streamcore/internal/diag"
	"github.com/expdesk/streamcore/internal/session"
)

type DecisionRequest struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

type DecisionResponse struct {
	SessionID string           `json:"sessionId"`
	Approved  bool             `json:"approved"`
	Approval  session.Approval `json:"approval"`
}

type SessionInfo struct {
	session.State
	Subscribers int `json:"subscribers"`
}

type HealthResponse struct {
	Status      string       `json:"status"`
	Sessions    int          `json:"sessions"`
	Diagnostics *diag.Sample `json:"diagnostics,omitempty"`
}
