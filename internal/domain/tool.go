package domain

import "context"

// Tool is a capability the agent loop can invoke on the model's behalf.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToolScope is the per-message context a tool may need: who it is running
// for and how to reach the conversation that triggered it.
type ToolScope struct {
	AssistantID    string
	ConversationID string
	Reply          ReplyHandle
	Sender         Sender
}

type toolScopeKey struct{}

// WithToolScope attaches a ToolScope to ctx.
func WithToolScope(ctx context.Context, s ToolScope) context.Context {
	return context.WithValue(ctx, toolScopeKey{}, s)
}

// ToolScopeFrom returns the ToolScope attached to ctx, if any.
func ToolScopeFrom(ctx context.Context) (ToolScope, bool) {
	s, ok := ctx.Value(toolScopeKey{}).(ToolScope)
	return s, ok
}
