package parser

import "encoding/json"

// claudeLine is the wire shape of one stream-json line emitted by the
// Claude Code and Kimi CLIs (both registered under parser_id
// "claude-stream-json" — Kimi's CLI reuses Claude's wire format).
type claudeLine struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Message   *claudeMessage  `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Subtype   string          `json:"subtype,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content,omitempty"`
}

type claudeContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// ClaudeStreamJSONParser parses the stream-json protocol shared by the
// Claude Code and Kimi CLIs.
type ClaudeStreamJSONParser struct{}

func NewClaudeStreamJSONParser() *ClaudeStreamJSONParser {
	return &ClaudeStreamJSONParser{}
}

func (p *ClaudeStreamJSONParser) ParseLine(line string) ([]Event, error) {
	var cl claudeLine
	if err := json.Unmarshal([]byte(line), &cl); err != nil {
		// Non-JSON noise on stdout (e.g. an npm warning) — not a protocol
		// error, just nothing to report.
		return nil, nil
	}

	switch cl.Type {
	case "system":
		return nil, nil

	case "assistant":
		if cl.Message == nil || len(cl.Message.Content) == 0 {
			return nil, nil
		}
		var blocks []claudeContentBlock
		if err := json.Unmarshal(cl.Message.Content, &blocks); err != nil {
			var text string
			if err := json.Unmarshal(cl.Message.Content, &text); err == nil && text != "" {
				return []Event{{Kind: EventMessageChunk, Text: text, Raw: line}}, nil
			}
			return nil, nil
		}
		return blocksToEvents(blocks, line), nil

	case "result":
		status := "completed"
		if cl.IsError {
			status = "failed"
		}
		return []Event{{Kind: EventComplete, Status: status, Raw: line}}, nil

	default:
		return nil, nil
	}
}

func blocksToEvents(blocks []claudeContentBlock, raw string) []Event {
	events := make([]Event, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			events = append(events, Event{Kind: EventMessageChunk, Text: b.Text, Raw: raw})
		case "thinking":
			events = append(events, Event{Kind: EventThought, Text: b.Thinking, Raw: raw})
		case "tool_use":
			events = append(events, Event{
				Kind:     EventToolCall,
				ToolName: b.Name,
				ToolID:   b.ID,
				Status:   "running",
				Data:     map[string]interface{}{"input": b.Input},
				Raw:      raw,
			})
		case "tool_result":
			status := "complete"
			if b.IsError {
				status = "error"
			}
			events = append(events, Event{
				Kind:   EventToolResult,
				ToolID: b.ToolUseID,
				Status: status,
				Text:   b.Content,
				Raw:    raw,
			})
		}
	}
	return events
}
