package parser

import "encoding/json"

// opencodeExecutorEvent mirrors the flattened ndjson lines the OpenCode
// CLI's "run --print-logs" mode writes to stdout: each line wraps an SDK
// event relayed from its internal /event SSE stream.
type opencodeExecutorEvent struct {
	Type       string          `json:"type"`
	Message    string          `json:"message,omitempty"`
	Event      json.RawMessage `json:"event,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Status     string          `json:"status,omitempty"`
}

type opencodeSDKEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

type opencodeMessagePart struct {
	Part struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		ToolName string `json:"tool,omitempty"`
		CallID   string `json:"callID,omitempty"`
		State    struct {
			Status string `json:"status,omitempty"`
			Output string `json:"output,omitempty"`
		} `json:"state"`
	} `json:"part"`
}

// OpenCodeSSEParser parses the OpenCode CLI's relayed SSE event stream.
type OpenCodeSSEParser struct{}

func NewOpenCodeSSEParser() *OpenCodeSSEParser {
	return &OpenCodeSSEParser{}
}

func (p *OpenCodeSSEParser) ParseLine(line string) ([]Event, error) {
	var outer opencodeExecutorEvent
	if err := json.Unmarshal([]byte(line), &outer); err != nil {
		return nil, nil
	}

	switch outer.Type {
	case "error":
		return []Event{{Kind: EventError, Text: outer.Message, Raw: line}}, nil
	case "done":
		status := "completed"
		if outer.Status == "error" {
			status = "failed"
		}
		return []Event{{Kind: EventComplete, Status: status, Raw: line}}, nil
	case "sdk_event":
		return parseSDKEvent(outer.Event, line)
	default:
		return nil, nil
	}
}

func parseSDKEvent(raw json.RawMessage, line string) ([]Event, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var sdk opencodeSDKEvent
	if err := json.Unmarshal(raw, &sdk); err != nil {
		return nil, nil
	}

	switch sdk.Type {
	case "message.part.updated":
		var mp opencodeMessagePart
		if err := json.Unmarshal(sdk.Properties, &mp); err != nil {
			return nil, nil
		}
		switch mp.Part.Type {
		case "text":
			return []Event{{Kind: EventMessageChunk, Text: mp.Part.Text, Raw: line}}, nil
		case "reasoning":
			return []Event{{Kind: EventThought, Text: mp.Part.Text, Raw: line}}, nil
		case "tool":
			kind := EventToolCall
			if mp.Part.State.Status == "completed" || mp.Part.State.Status == "error" {
				kind = EventToolResult
			}
			return []Event{{
				Kind:     kind,
				ToolName: mp.Part.ToolName,
				ToolID:   mp.Part.CallID,
				Status:   mp.Part.State.Status,
				Text:     mp.Part.State.Output,
				Raw:      line,
			}}, nil
		}
		return nil, nil

	case "session.error":
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(sdk.Properties, &e)
		return []Event{{Kind: EventError, Text: e.Message, Raw: line}}, nil

	case "session.idle":
		return []Event{{Kind: EventComplete, Status: "completed", Raw: line}}, nil

	default:
		return nil, nil
	}
}
