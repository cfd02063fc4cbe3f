package classify

import (
	"bytes"
	"encoding/json"
)

// Response types the backend uses to gate progress on a user decision.
const (
	ResponseApproval     = "approval"
	ResponseConfirmation = "confirmation"
)

// Envelope is the optional JSON wrapper around a streamed payload. Payloads
// that are not JSON objects are treated as bare content.
type Envelope struct {
	Content      string `json:"content"`
	ToolID       string `json:"tool_id,omitempty"`
	Status       string `json:"status,omitempty"`
	ResponseType string `json:"response_type,omitempty"`
}

// Encode marshals the envelope for transmission.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode splits a raw payload into the text to classify and the structured
// context that accompanies it. malformed reports a payload that looked like a
// JSON object but could not be decoded; its raw bytes are returned as text.
func Decode(payload []byte) (text string, ctx Context, malformed bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return string(payload), Context{}, false
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return string(payload), Context{}, true
	}
	return env.Content, Context{
		ToolID:       env.ToolID,
		Status:       env.Status,
		ResponseType: env.ResponseType,
	}, false
}

// ClassifyPayload decodes and classifies a raw transport payload.
func ClassifyPayload(payload []byte) Event {
	text, ctx, malformed := Decode(payload)
	ev := Classify(text, ctx)
	if !malformed {
		return ev
	}
	// Best-effort display: malformed payloads are never dropped.
	return PlainMessage{
		Meta: Meta{Raw: text, ResponseType: ctx.ResponseType, Malformed: true},
		Text: text,
	}
}
