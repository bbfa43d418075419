package claudecli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/redgreen/internal/agent"
)

// streamLine is one line of `--output-format stream-json`.
type streamLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   *streamMessage  `json:"message,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	NumTurns  int             `json:"num_turns,omitempty"`
	TotalCost *float64        `json:"total_cost_usd,omitempty"`
	Duration  int64           `json:"duration_ms,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type streamMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    map[string]any  `json:"input,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
}

// parseLine converts one stream line to agent messages. Unknown line types
// yield nothing.
func parseLine(line []byte) ([]agent.Message, error) {
	var l streamLine
	if err := json.Unmarshal(line, &l); err != nil {
		return nil, fmt.Errorf("decode stream line: %w", err)
	}

	switch l.Type {
	case "system":
		if l.Subtype != "init" {
			return nil, nil
		}
		return []agent.Message{{Kind: agent.KindInit, Text: l.SessionID}}, nil

	case "assistant":
		if l.Message == nil {
			return nil, nil
		}
		var out []agent.Message
		for _, b := range l.Message.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					out = append(out, agent.Message{Kind: agent.KindText, Text: b.Text})
				}
			case "thinking":
				if b.Thinking != "" {
					out = append(out, agent.Message{Kind: agent.KindThinking, Text: b.Thinking})
				}
			case "tool_use":
				out = append(out, agent.Message{Kind: agent.KindToolUse, Tool: b.Name, Input: b.Input})
			}
		}
		return out, nil

	case "user":
		if l.Message == nil {
			return nil, nil
		}
		var out []agent.Message
		for _, b := range l.Message.Content {
			if b.Type == "tool_result" && b.IsError {
				out = append(out, agent.Message{Kind: agent.KindToolError, Text: blockText(b.Content)})
			}
		}
		return out, nil

	case "result":
		res := &agent.Result{
			SessionID: l.SessionID,
			Turns:     l.NumTurns,
			Duration:  time.Duration(l.Duration) * time.Millisecond,
			IsError:   l.IsError,
			Text:      blockText(l.Result),
		}
		if l.TotalCost != nil {
			res.CostUSD = *l.TotalCost
			res.HasCost = true
		}
		return []agent.Message{{Kind: agent.KindResult, Result: res}}, nil
	}
	return nil, nil
}

// blockText flattens a content field that is either a string or a list of
// text blocks.
func blockText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
