// Package proxy implements the model-routing HTTP proxy: it accepts
// requests in a canonical message format, picks a provider handler by
// the model string prefix, and translates to and from each provider's
// dialect. Transforms are pure; the proxy holds no request state.
package proxy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request is the canonical chat request.
type Request struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []Message       `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
}

// Message is one canonical conversation turn. Content is either a plain
// string or a block list.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content holds either plain text or structured blocks.
type Content struct {
	Text   string
	Blocks []Block
}

// UnmarshalJSON accepts both the string and the block-list form.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Blocks = nil
		return nil
	}
	var blocks []Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content is neither string nor block list: %w", err)
	}
	c.Blocks = blocks
	return nil
}

// MarshalJSON emits the string form when no blocks are present.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Blocks == nil {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// Flatten renders the content as plain text. Non-text blocks contribute
// a short marker so downstream models still see the structure.
func (c Content) Flatten() string {
	if c.Blocks == nil {
		return c.Text
	}
	parts := make([]string, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		switch b.Type {
		case BlockText:
			parts = append(parts, b.Text)
		case BlockToolUse:
			parts = append(parts, fmt.Sprintf("[tool call: %s]", b.Name))
		case BlockToolResult:
			parts = append(parts, fmt.Sprintf("[tool result: %s]", string(b.Content)))
		}
	}
	return strings.Join(parts, "\n")
}

// Block kinds.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Block is one structured content element.
type Block struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use fields.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Usage is the canonical token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the canonical chat response.
type Response struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Role       string  `json:"role"`
	Model      string  `json:"model"`
	Content    []Block `json:"content"`
	StopReason string  `json:"stop_reason"`
	Usage      Usage   `json:"usage"`
}

// Stop reasons in the canonical dialect.
const (
	StopEndTurn   = "end_turn"
	StopMaxTokens = "max_tokens"
	StopToolUse   = "tool_use"
)

// Validate rejects requests the proxy cannot route.
func (r *Request) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "user", "assistant", "system":
		default:
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
	}
	return nil
}
