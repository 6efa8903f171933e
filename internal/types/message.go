// Package types holds the shared data model passed between every
// component of the harness: messages, tool calls and results, LM
// responses, plans, checkpoints, and tasks. None of these types carry
// behavior beyond small invariant helpers — the components in
// internal/llm, internal/tools, internal/contextstore, etc. own the
// logic that operates on them.
package types

import "time"

// Role identifies who produced a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single, immutable turn in the conversation. Once
// appended to a context store it is never mutated — compression
// produces new, derived messages rather than rewriting this one.
type Message struct {
	Role          Role
	Content       string
	ToolCalls     []ToolCall
	ToolCallID    string // set on RoleTool replies, binds to ToolCall.ID
	Name          string // tool name, set on RoleTool replies
	Timestamp     time.Time
	TokenEstimate int
}

// ToolCall is a single invocation the assistant asked for. ID binds the
// call to its later RoleTool reply.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolResult is the outcome of executing a ToolCall. Payload has
// already been truncated to the tool's output limit by the executor.
type ToolResult struct {
	CallID         string
	OK             bool
	Payload        string
	ElapsedMS      int64
	TruncationNote string
}

// ToMessage renders a ToolResult as the content of the RoleTool message
// that must follow the originating assistant turn.
func (r ToolResult) ToMessage(toolName string) Message {
	content := r.Payload
	if r.TruncationNote != "" {
		content += "\n" + r.TruncationNote
	}
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: r.CallID,
		Name:       toolName,
		Timestamp:  time.Now(),
	}
}

// LMResponse is the normalized result of one chat-completion turn,
// whether it arrived streamed or whole.
type LMResponse struct {
	AssistantText string
	ToolCalls     []ToolCall
	RawChunks     string
	FinishReason  string
	Usage         Usage
}

// Usage mirrors the token accounting an OpenAI-compatible endpoint reports.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// HasToolCalls reports whether the response carries at least one tool call.
func (r LMResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}
