package provider

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"chanbridge/internal/domain"
)

const (
	anthropicBase      = "https://api.anthropic.com/v1"
	anthropicVersion   = "2023-06-01"
	claudeDefaultModel = "claude-sonnet-4-5"
	defaultMaxTokens   = 4096
)

// Claude talks to the Anthropic Messages API.
type Claude struct {
	name   string
	model  string
	keyed  bool
	client *resty.Client
	logger *slog.Logger
}

type ClaudeConfig struct {
	Name    string
	APIKey  string
	APIBase string
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewClaude(cfg ClaudeConfig) *Claude {
	name := cmp.Or(cfg.Name, "claude")
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Claude{
		name:  name,
		model: cmp.Or(cfg.Model, claudeDefaultModel),
		keyed: cfg.APIKey != "",
		client: newRESTClient(name, cmp.Or(cfg.APIBase, anthropicBase), cfg.Timeout, logger).
			SetHeaders(map[string]string{"x-api-key": cfg.APIKey, "anthropic-version": anthropicVersion}),
		logger: logger,
	}
}

func (c *Claude) Name() string              { return c.name }
func (c *Claude) Models() []string          { return []string{c.model} }
func (c *Claude) SupportsToolCalling() bool { return true }

// Healthy only checks configuration; the API has no free probe endpoint.
func (c *Claude) Healthy(context.Context) error {
	if !c.keyed {
		return fmt.Errorf("%s: API key missing", c.name)
	}
	return nil
}

// anthropicBlock is one content block. Which fields are set depends on Type:
// text, tool_use or tool_result.
type anthropicBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTurn struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []anthropicTurn `json:"messages"`
	Tools       []anthropicTool `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		In  int `json:"input_tokens"`
		Out int `json:"output_tokens"`
	} `json:"usage"`
}

// toAnthropic converts the neutral request. System messages fold into the
// system prompt and consecutive tool results share one user turn.
func (c *Claude) toAnthropic(req domain.ChatRequest) anthropicRequest {
	out := anthropicRequest{
		Model:     cmp.Or(req.Model, c.model),
		MaxTokens: req.MaxTokens,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		out.Temperature = &temp
	}
	system := []string{}
	if req.System != "" {
		system = append(system, req.System)
	}

	push := func(role string, blocks ...anthropicBlock) {
		n := len(out.Messages)
		if role == "user" && blocks[0].Type == "tool_result" && n > 0 {
			prev := &out.Messages[n-1]
			if prev.Role == "user" && prev.Content[0].Type == "tool_result" {
				prev.Content = append(prev.Content, blocks...)
				return
			}
		}
		out.Messages = append(out.Messages, anthropicTurn{Role: role, Content: blocks})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)
		case domain.RoleTool:
			push("user", anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
		case domain.RoleAssistant:
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: orEmpty(tc.Arguments)})
			}
			if len(blocks) > 0 {
				push("assistant", blocks...)
			}
		default:
			push(m.Role, anthropicBlock{Type: "text", Text: m.Content})
		}
	}
	out.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return out
}

func (c *Claude) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := c.client.R().SetContext(ctx).SetBody(c.toAnthropic(req)).Post("/messages")
	if err != nil {
		return nil, requestError(c.name, err)
	}
	if resp.IsError() {
		return nil, statusError(c.name, resp)
	}
	var ar anthropicResponse
	if err := json.Unmarshal(resp.Body(), &ar); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.name, err)
	}

	out := &domain.ChatResponse{
		FinishReason: ar.StopReason,
		Usage:        domain.Usage{Input: ar.Usage.In, Output: ar.Usage.Out},
	}
	var text strings.Builder
	for _, b := range ar.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{ID: b.ID, Name: b.Name, Arguments: inputArgs(b.Input)})
		}
	}
	out.Content = text.String()
	if len(out.ToolCalls) > 0 {
		out.FinishReason = "tool_calls"
	}
	return out, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func inputArgs(v any) map[string]any {
	m, _ := v.(map[string]any)
	return orEmpty(m)
}
