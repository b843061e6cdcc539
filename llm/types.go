// Package llm defines the model backend contract: a provider-agnostic
// client that accepts an ordered message list plus a tool schema and
// returns either text or tool calls.
package llm

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-initiated tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes a tool for the model (name, parameter schema,
// descriptions).
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Message is the fundamental unit of conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool result messages
	IsError    bool       `json:"is_error,omitempty"`
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage creates a user Message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage creates an assistant Message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolResultMessage creates a tool result Message correlated to a call.
func ToolResultMessage(toolCallID, content string, isError bool) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID, IsError: isError}
}

// Usage tracks token consumption reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// FinishReason describes why generation stopped.
type FinishReason struct {
	Reason string `json:"reason"` // "stop", "length", "tool_calls", "error"
	Raw    string `json:"raw,omitempty"`
}

// Request is the input to Complete. Messages are ordered; the first is
// typically the system prompt.
type Request struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Provider    string           `json:"provider,omitempty"`
	ToolDefs    []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

// Response is the output of Complete: natural-language text, an ordered
// list of tool calls, or both.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// Text returns the text content of the response message.
func (r Response) Text() string {
	return strings.TrimSpace(r.Message.Content)
}

// ToolCalls returns the ordered tool calls from the response, if any.
func (r Response) ToolCalls() []ToolCall {
	return r.Message.ToolCalls
}
