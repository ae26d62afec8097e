package domain

import "context"

// Provider is a chat model backend.
type Provider interface {
	Name() string
	Models() []string
	SupportsToolCalling() bool
	// Healthy reports whether the backend is reachable and configured.
	Healthy(ctx context.Context) error
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// StreamingProvider is implemented by backends that can emit text as it is
// generated. ChatStream must close out before it returns.
type StreamingProvider interface {
	Provider
	ChatStream(ctx context.Context, req ChatRequest, out chan<- StreamEvent) error
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Message is one entry of a model conversation. Assistant messages may carry
// ToolCalls; tool messages answer one of them by ToolCallID.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolName   string     `json:"toolName,omitempty"`
}

type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"args"`
}

// ToolDefinition is what the model is told about a tool. Parameters is a
// JSON Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type ChatRequest struct {
	Model       string // empty selects the provider default
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64 // zero leaves the provider default
}

type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	// FinishReason is normalised to "tool_calls" whenever ToolCalls is set;
	// otherwise it is the backend's own value.
	FinishReason string
	Usage        Usage
}

func (r *ChatResponse) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Usage counts model tokens.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

func (u Usage) Total() int { return u.Input + u.Output }

func (u *Usage) Add(o Usage) {
	u.Input += o.Input
	u.Output += o.Output
}

type StreamEventType string

const (
	StreamToken StreamEventType = "token" // Content is the new text
	StreamDone  StreamEventType = "done"  // Content is the full text
	StreamError StreamEventType = "error" // Content is the error message
)

// StreamEvent is one step of a streamed completion. ToolCalls and Usage are
// only set on the final StreamDone event.
type StreamEvent struct {
	Type      StreamEventType
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}
