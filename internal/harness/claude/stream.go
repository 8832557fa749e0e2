package claude

import (
	"encoding/json"
	"strings"

	"github.com/ship-commander/sessiond/internal/harness"
)

type contentBlock struct {
	Type     string          `json:"type,omitempty"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type messageContent struct {
	Role    string         `json:"role,omitempty"`
	Content []contentBlock `json:"content,omitempty"`
}

type errorInfo struct {
	Message string `json:"message,omitempty"`
}

type streamRecord struct {
	Type    string          `json:"type"`
	SubType string          `json:"subtype,omitempty"`
	Message *messageContent `json:"message,omitempty"`
	Error   *errorInfo      `json:"error,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Result  string          `json:"result,omitempty"`
}

type resultRecord struct {
	subtype string
	text    string
	isError bool
}

// parseRecord converts one stream-json line into progress events and, for the
// final record, the run result. Lines that are not JSON are ignored.
func parseRecord(line []byte) ([]harness.ProgressEvent, *resultRecord) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return nil, nil
	}

	var record streamRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, nil
	}

	switch record.Type {
	case "assistant":
		return assistantEvents(record.Message), nil
	case "result":
		return nil, &resultRecord{
			subtype: record.SubType,
			text:    record.Result,
			isError: record.IsError || strings.HasPrefix(record.SubType, "error"),
		}
	case "error":
		message := "unknown error"
		if record.Error != nil && strings.TrimSpace(record.Error.Message) != "" {
			message = record.Error.Message
		}
		return []harness.ProgressEvent{harness.Failure{Message: message}}, nil
	default:
		return nil, nil
	}
}

func assistantEvents(message *messageContent) []harness.ProgressEvent {
	if message == nil {
		return nil
	}
	events := make([]harness.ProgressEvent, 0, len(message.Content))
	for _, block := range message.Content {
		switch block.Type {
		case "thinking":
			events = append(events, harness.Thinking{Content: block.Thinking})
		case "text":
			if strings.TrimSpace(block.Text) == "" {
				continue
			}
			events = append(events, harness.Output{Content: block.Text})
		case "tool_use":
			events = append(events, harness.ToolUse{
				ID:    block.ID,
				Name:  block.Name,
				Input: decodeInput(block.Input),
			})
		}
	}
	return events
}

func decodeInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil
	}
	return input
}
