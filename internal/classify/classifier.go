package classify

import (
	"regexp"
	"strings"
)

// Context carries structured fields delivered alongside a payload. Structured
// fields outrank anything parsed from the payload text.
type Context struct {
	ToolID       string
	Status       string
	ResponseType string
}

// toolUpdatePattern matches a node update block:
//
//	🔄 **FetchData**
//
//	Fetching rows
//
//	Status: Complete
var toolUpdatePattern = regexp.MustCompile(`(?s)^\s*([^\s*]+)[ \t]+\*\*([^*\n]+)\*\*(.*?)\n[ \t]*Status:[ \t]*([^\n]+?)\s*$`)

var boldName = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)

var errorWord = regexp.MustCompile(`(?i)\berror\b`)

var errorGlyphs = []string{"\u274c", "\u26a0\ufe0f", "\u26a0"}

// Status notices must open the line, after at most a leading glyph.
var (
	connectingNotice = regexp.MustCompile(`(?i)^[^\p{L}\p{N}]*(connecting|establishing connection)\b`)
	connectedNotice  = regexp.MustCompile(`(?i)^[^\p{L}\p{N}]*(stream established|connection established|connected)\b`)
)

// Classify tags payload text with its category. Checks run in fixed
// priority: tool execution, system status, error, plain message.
func Classify(text string, ctx Context) Event {
	meta := Meta{Raw: text, ResponseType: ctx.ResponseType}

	if ev, ok := classifyTool(text, ctx, meta); ok {
		return ev
	}
	if state, ok := classifyStatus(text); ok {
		return SystemStatus{Meta: meta, State: state}
	}
	if isError(text) {
		return ErrorEvent{Meta: meta, Message: errorMessage(text)}
	}
	return PlainMessage{Meta: meta, Text: text}
}

func classifyTool(text string, ctx Context, meta Meta) (ToolExecution, bool) {
	m := toolUpdatePattern.FindStringSubmatch(text)
	if m != nil {
		ev := ToolExecution{
			Meta:        meta,
			ToolName:    strings.TrimSpace(m[2]),
			ToolID:      ctx.ToolID,
			Description: strings.TrimSpace(m[3]),
			Status:      NormalizeStatus(m[4]),
		}
		if ctx.ToolID != "" && ctx.Status != "" {
			ev.Status = NormalizeStatus(ctx.Status)
		}
		return ev, true
	}

	if ctx.ToolID == "" || ctx.Status == "" {
		return ToolExecution{}, false
	}
	name := ctx.ToolID
	if b := boldName.FindStringSubmatch(text); b != nil {
		name = strings.TrimSpace(b[1])
	}
	return ToolExecution{
		Meta:        meta,
		ToolName:    name,
		ToolID:      ctx.ToolID,
		Description: strings.TrimSpace(boldName.ReplaceAllString(text, "")),
		Status:      NormalizeStatus(ctx.Status),
	}, true
}

// classifyStatus only considers single-line notices that open with a
// connection phrase, so prose that mentions a connection stays a message.
// A line led by an error glyph is never a status notice.
func classifyStatus(text string) (ConnState, bool) {
	line := strings.TrimSpace(text)
	if line == "" || strings.Contains(line, "\n") {
		return "", false
	}
	for _, g := range errorGlyphs {
		if strings.HasPrefix(line, g) {
			return "", false
		}
	}
	switch {
	case connectingNotice.MatchString(line):
		return ConnConnecting, true
	case connectedNotice.MatchString(line):
		return ConnConnected, true
	}
	return "", false
}

func isError(text string) bool {
	for _, g := range errorGlyphs {
		if strings.Contains(text, g) {
			return true
		}
	}
	return errorWord.MatchString(text)
}

func errorMessage(text string) string {
	msg := strings.TrimSpace(text)
	for _, g := range errorGlyphs {
		msg = strings.TrimSpace(strings.TrimPrefix(msg, g))
	}
	if len(msg) >= 6 && strings.EqualFold(msg[:6], "error:") {
		msg = strings.TrimSpace(msg[6:])
	}
	return msg
}

// NormalizeStatus maps free-form status text onto the ToolStatus set.
// Unrecognized text is returned lower-cased.
func NormalizeStatus(raw string) ToolStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimRight(s, ".!")
	switch s {
	case "complete", "completed", "done", "success", "succeeded", "finished":
		return ToolCompleted
	case "running", "in progress", "in_progress", "executing", "started", "working":
		return ToolRunning
	case "pending", "queued", "waiting":
		return ToolPending
	case "failed", "failure", "error", "errored":
		return ToolFailed
	}
	return ToolStatus(s)
}
