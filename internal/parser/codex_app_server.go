package parser

import "encoding/json"

// codexEnvelope is the wire shape of one line emitted by the Codex
// app-server: a JSON-RPC 2.0 variant that omits the "jsonrpc" header and
// models turns as a sequence of item lifecycle notifications rather than
// ACP's single session/update stream.
type codexEnvelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type codexItemDelta struct {
	ItemID string `json:"itemId"`
	Delta  string `json:"delta"`
}

type codexItemPayload struct {
	ItemID string          `json:"itemId"`
	Type   string          `json:"type,omitempty"`
	Status string          `json:"status,omitempty"`
	Name   string          `json:"name,omitempty"`
	Output string          `json:"output,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
}

type codexTurnCompleted struct {
	TurnID string `json:"turnId"`
	Error  string `json:"error,omitempty"`
}

// CodexAppServerParser parses the Codex exec --json stdout stream.
type CodexAppServerParser struct{}

func NewCodexAppServerParser() *CodexAppServerParser {
	return &CodexAppServerParser{}
}

func (p *CodexAppServerParser) ParseLine(line string) ([]Event, error) {
	var env codexEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return nil, nil
	}
	if env.Method == "" {
		return nil, nil
	}

	switch env.Method {
	case "item/agentMessage/delta":
		var d codexItemDelta
		if err := json.Unmarshal(env.Params, &d); err != nil {
			return nil, nil
		}
		return []Event{{Kind: EventMessageChunk, Text: d.Delta, Raw: line}}, nil

	case "item/reasoning/summaryTextDelta", "item/reasoning/textDelta":
		var d codexItemDelta
		if err := json.Unmarshal(env.Params, &d); err != nil {
			return nil, nil
		}
		return []Event{{Kind: EventThought, Text: d.Delta, Raw: line}}, nil

	case "item/commandExecution/outputDelta":
		var d codexItemDelta
		if err := json.Unmarshal(env.Params, &d); err != nil {
			return nil, nil
		}
		return []Event{{
			Kind: EventToolResult, ToolID: d.ItemID, Status: "running", Text: d.Delta, Raw: line,
		}}, nil

	case "item/started", "item/completed":
		var it codexItemPayload
		if err := json.Unmarshal(env.Params, &it); err != nil {
			return nil, nil
		}
		status := "running"
		if env.Method == "item/completed" {
			status = "complete"
		}
		return []Event{{
			Kind:     EventToolCall,
			ToolID:   it.ItemID,
			ToolName: it.Name,
			Status:   status,
			Text:     it.Output,
			Raw:      line,
		}}, nil

	case "turn/completed":
		var t codexTurnCompleted
		if err := json.Unmarshal(env.Params, &t); err != nil {
			return nil, nil
		}
		status := "completed"
		if t.Error != "" {
			status = "failed"
		}
		return []Event{{Kind: EventComplete, Status: status, Text: t.Error, Raw: line}}, nil

	case "error":
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Params, &e)
		return []Event{{Kind: EventError, Text: e.Message, Raw: line}}, nil

	default:
		return nil, nil
	}
}
