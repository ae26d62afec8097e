package tool

import (
	"context"
	"fmt"
	"strings"

	"chanbridge/internal/domain"
)

// ProgressTool lets the model post an interim message into the conversation
// that triggered the current turn, before the final reply.
type ProgressTool struct{}

func NewProgressTool() *ProgressTool { return &ProgressTool{} }

func (t *ProgressTool) Name() string { return "send_progress" }
func (t *ProgressTool) Description() string {
	return "Send a short interim status message to the user while you keep working. Use sparingly."
}
func (t *ProgressTool) Parameters() map[string]any {
	return params().str("text", "message to send now", true).schema()
}

func (t *ProgressTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	text := strings.TrimSpace(Args(args).String("text"))
	if text == "" {
		return "", fmt.Errorf("missing argument: text")
	}
	scope, ok := domain.ToolScopeFrom(ctx)
	if !ok || scope.Sender == nil {
		return "", fmt.Errorf("no conversation to send to")
	}
	if limit := scope.Sender.ChunkLimit(); limit > 0 && len(text) > limit {
		text = text[:limit]
	}
	if _, err := scope.Sender.Send(ctx, scope.Reply, text); err != nil {
		return "", fmt.Errorf("send progress: %w", err)
	}
	return "sent", nil
}
