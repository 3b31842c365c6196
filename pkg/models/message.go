// Package models defines the shared data types for the strata context
// engine: conversation messages with structured content blocks, and the
// persisted index document describing archived conversation history at
// three resolutions.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType tags a structured content block. The set is closed; the token
// estimator dispatches on it.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a structured message body.
//
// Which fields are meaningful depends on Type:
//   - BlockText: Text
//   - BlockImage: Source (opaque reference; never inspected by the engine)
//   - BlockToolUse: Name, Input
//   - BlockToolResult: ToolCallID, Text or Blocks (array-valued results
//     carry nested text/image blocks), IsError
type ContentBlock struct {
	Type       BlockType       `json:"type"`
	Text       string          `json:"text,omitempty"`
	Source     string          `json:"source,omitempty"`
	Name       string          `json:"name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Blocks     []ContentBlock  `json:"blocks,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// Message is a single conversation turn. Content carries plain text; when
// Blocks is non-empty it takes precedence and Content is ignored for
// estimation and transcription.
type Message struct {
	ID        string         `json:"id,omitempty"`
	Role      Role           `json:"role"`
	Content   string         `json:"content,omitempty"`
	Blocks    []ContentBlock `json:"blocks,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
}

// Text returns the message's plain-text rendering: Content for simple
// messages, the concatenated text blocks for structured ones. Non-text
// blocks are omitted.
func (m Message) Text() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Type != BlockText || b.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}
