package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chanbridge/internal/domain"
)

const contextTimeout = 10 * time.Second

// PromptBuilder assembles the system prompt for one connection: identity,
// persona, custom instructions and memory text from the context provider.
type PromptBuilder struct {
	assistantID  string
	platform     string
	persona      string
	instructions string
	cwd          string
	memory       domain.ContextProvider
	logger       *slog.Logger
	now          func() time.Time
}

// PromptConfig holds configuration for the prompt builder.
type PromptConfig struct {
	AssistantID  string
	Platform     string
	Persona      string
	Instructions string
	Cwd          string
	Memory       domain.ContextProvider // optional
	Logger       *slog.Logger
	Now          func() time.Time
}

func NewPromptBuilder(cfg PromptConfig) *PromptBuilder {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PromptBuilder{
		assistantID:  cfg.AssistantID,
		platform:     cfg.Platform,
		persona:      cfg.Persona,
		instructions: cfg.Instructions,
		cwd:          cfg.Cwd,
		memory:       cfg.Memory,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

// BuildSystemPrompt renders the system prompt for a message. A failing
// context provider is logged and its section omitted.
func (p *PromptBuilder) BuildSystemPrompt(ctx context.Context, msg domain.InboundMessage, prompt string) string {
	var sb strings.Builder

	if p.persona != "" {
		sb.WriteString(p.persona)
	} else {
		sb.WriteString("You are a helpful assistant taking part in a chat conversation.")
	}

	fmt.Fprintf(&sb, "\n\n## Conversation\nPlatform: %s | Scope: %s", p.platform, msg.Scope)
	if msg.SenderName != "" {
		fmt.Fprintf(&sb, " | Sender: %s", msg.SenderName)
	}
	fmt.Fprintf(&sb, "\nCurrent time: %s", p.now().Format("2006-01-02 15:04 (Monday)"))

	sb.WriteString(`

## Rules
1. Reply in plain chat style; keep answers concise unless asked for detail.
2. Use tools through the tool calling mechanism, never as raw JSON in your reply.
3. Attachment paths listed in the message can be opened with read_file.
4. Respond in the language the user writes in.`)

	if p.instructions != "" {
		sb.WriteString("\n\n## Custom Instructions\n")
		sb.WriteString(p.instructions)
	}

	if p.memory != nil {
		cctx, cancel := context.WithTimeout(ctx, contextTimeout)
		mem, err := p.memory.BuildContext(cctx, prompt, p.assistantID, p.cwd)
		cancel()
		if err != nil {
			p.logger.Warn("failed to build memory context", "assistant", p.assistantID, "err", err)
		} else if mem = strings.TrimSpace(mem); mem != "" {
			sb.WriteString("\n\n## Memory\n")
			sb.WriteString(mem)
		}
	}

	return sb.String()
}

// BuildMessages constructs [history + user message] for a model call.
func BuildMessages(history []domain.Message, currentMessage string) []domain.Message {
	messages := make([]domain.Message, 0, len(history)+1)
	for _, m := range history {
		msg := domain.Message{
			Role:    m.Role,
			Content: m.Content,
		}
		if m.ToolCallID != "" {
			msg.ToolCallID = m.ToolCallID
			msg.ToolName = m.ToolName
		}
		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = m.ToolCalls
		}
		messages = append(messages, msg)
	}
	return append(messages, domain.Message{Role: domain.RoleUser, Content: currentMessage})
}

func AddAssistantMessage(messages []domain.Message, content string, toolCalls []domain.ToolCall) []domain.Message {
	msg := domain.Message{Role: domain.RoleAssistant, Content: content}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}
	return append(messages, msg)
}

func AddToolResult(messages []domain.Message, toolCallID, toolName, result string) []domain.Message {
	return append(messages, domain.Message{
		Role:       "tool",
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Content:    result,
	})
}
