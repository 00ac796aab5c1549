package parser

import (
	"encoding/json"

	"github.com/kandev/kandev-core/pkg/acp/jsonrpc"
)

// ACPParser parses the Agent Client Protocol's session/update notification
// stream (used by the Gemini and Qwen CLIs, both registered under
// parser_id "acp-ndjson"). It ignores every JSON-RPC frame that is not a
// session/update notification, so requests and responses for methods like
// session/request_permission produce no events.
type ACPParser struct{}

func NewACPParser() *ACPParser {
	return &ACPParser{}
}

func (p *ACPParser) ParseLine(line string) ([]Event, error) {
	var notif jsonrpc.Notification
	if err := json.Unmarshal([]byte(line), &notif); err != nil {
		return nil, nil
	}
	if notif.Method != jsonrpc.NotificationSessionUpdate {
		return nil, nil
	}

	var update jsonrpc.SessionUpdate
	if err := json.Unmarshal(notif.Params, &update); err != nil {
		return nil, nil
	}

	switch update.Type {
	case "content":
		var c jsonrpc.SessionUpdateContent
		if err := json.Unmarshal(update.Data, &c); err != nil {
			return nil, nil
		}
		return []Event{{Kind: EventMessageChunk, Text: c.Text, Raw: line}}, nil

	case "thinking":
		var c jsonrpc.SessionUpdateContent
		if err := json.Unmarshal(update.Data, &c); err != nil {
			return nil, nil
		}
		return []Event{{Kind: EventThought, Text: c.Text, Raw: line}}, nil

	case "toolCall":
		var tc struct {
			ToolName string `json:"toolName"`
			Status   string `json:"status"`
			Result   string `json:"result,omitempty"`
		}
		if err := json.Unmarshal(update.Data, &tc); err != nil {
			return nil, nil
		}
		kind := EventToolCall
		if tc.Status == "complete" || tc.Status == "error" {
			kind = EventToolResult
		}
		return []Event{{Kind: kind, ToolName: tc.ToolName, Status: tc.Status, Text: tc.Result, Raw: line}}, nil

	case "complete":
		var c struct {
			Success bool `json:"success"`
		}
		_ = json.Unmarshal(update.Data, &c)
		status := "completed"
		if !c.Success {
			status = "failed"
		}
		return []Event{{Kind: EventComplete, Status: status, Raw: line}}, nil

	case "input_requested":
		var ir struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(update.Data, &ir); err != nil {
			return nil, nil
		}
		return []Event{{Kind: EventInputNeeded, Text: ir.Message, Raw: line}}, nil

	case "error":
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(update.Data, &e)
		return []Event{{Kind: EventError, Text: e.Message, Raw: line}}, nil

	default:
		return nil, nil
	}
}
