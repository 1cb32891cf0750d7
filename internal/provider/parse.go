package provider

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ai-village/villaged/internal/policy"
)

// eventMarker prefixes structured event lines in the provider's terminal
// stream. Everything else is plain terminal output and is not interpreted.
const eventMarker = "@event "

// wireEvent is the JSON shape providers print after the event marker.
type wireEvent struct {
	Type     string                 `json:"type"`
	Text     string                 `json:"text,omitempty"`
	Tool     string                 `json:"tool,omitempty"`
	Path     string                 `json:"path,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	ExitCode int                    `json:"exit_code,omitempty"`

	ApprovalID string                 `json:"approval_id,omitempty"`
	Category   string                 `json:"category,omitempty"`
	Summary    string                 `json:"summary,omitempty"`
	Risk       string                 `json:"risk,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	TimeoutMs  int64                  `json:"timeout_ms,omitempty"`

	FilesChanged int      `json:"files_changed,omitempty"`
	LinesAdded   int      `json:"lines_added,omitempty"`
	LinesRemoved int      `json:"lines_removed,omitempty"`
	Files        []string `json:"files,omitempty"`
}

// outputParser extracts structured events from a byte stream, buffering
// partial lines across chunks.
type outputParser struct {
	sessionID string
	mu        sync.Mutex
	pending   []byte
	emit      func(Event)
}

func newOutputParser(sessionID string, emit func(Event)) *outputParser {
	return &outputParser{sessionID: sessionID, emit: emit}
}

// Feed consumes a chunk of terminal output.
func (p *outputParser) Feed(data []byte) {
	p.mu.Lock()
	p.pending = append(p.pending, data...)
	var lines [][]byte
	for {
		idx := bytes.IndexByte(p.pending, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, p.pending[:idx])
		p.pending = p.pending[idx+1:]
		lines = append(lines, line)
	}
	p.mu.Unlock()

	for _, line := range lines {
		p.parseLine(strings.TrimSpace(string(line)))
	}
}

func (p *outputParser) parseLine(line string) {
	// Terminal streams carry ANSI noise; the marker must start the line
	// after any escape sequences are stripped.
	line = stripANSI(line)
	if !strings.HasPrefix(line, eventMarker) {
		return
	}

	var we wireEvent
	if err := json.Unmarshal([]byte(line[len(eventMarker):]), &we); err != nil {
		return
	}

	ev := Event{
		Type:      EventType(we.Type),
		Text:      we.Text,
		Tool:      we.Tool,
		Path:      we.Path,
		Reason:    we.Reason,
		Data:      we.Data,
		ExitCode:  we.ExitCode,
		Timestamp: time.Now().UTC(),
	}

	switch ev.Type {
	case EventRequestApproval:
		approval := &ApprovalRequest{
			ApprovalID:  we.ApprovalID,
			SessionID:   p.sessionID,
			Category:    policy.ApprovalCategory(we.Category),
			Summary:     we.Summary,
			Risk:        we.Risk,
			Context:     we.Context,
			RequestedAt: time.Now().UTC(),
		}
		if we.TimeoutMs > 0 {
			deadline := approval.RequestedAt.Add(time.Duration(we.TimeoutMs) * time.Millisecond)
			approval.TimeoutAt = &deadline
		}
		ev.Approval = approval
	case EventDiffSummary:
		ev.Diff = &DiffSummary{
			FilesChanged: we.FilesChanged,
			LinesAdded:   we.LinesAdded,
			LinesRemoved: we.LinesRemoved,
			Files:        we.Files,
		}
	case EventThought, EventToolUse, EventFileTouched, EventInfo, EventError, EventExited:
	default:
		// Unknown structured events pass through as INFO.
		ev.Type = EventInfo
	}

	p.emit(ev)
}

var ansiPattern = []byte("\x1b[")

// stripANSI removes CSI escape sequences from a line.
func stripANSI(s string) string {
	if !strings.Contains(s, string(ansiPattern)) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if i+1 < len(s) && s[i] == 0x1b && s[i+1] == '[' {
			i += 2
			for i < len(s) && (s[i] < 0x40 || s[i] > 0x7e) {
				i++
			}
			if i < len(s) {
				i++
			}
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}
