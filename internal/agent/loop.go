package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chanbridge/internal/domain"
)

const (
	DefaultMaxToolTurns = 8
	defaultLLMMaxTokens = 4096
	defaultTemperature  = 0.7
	defaultCallTimeout  = 2 * time.Minute
	defaultToolTimeout  = 15 * time.Second
)

// ExhaustedReply is returned when the model keeps requesting tools past the cap.
const ExhaustedReply = "I was unable to complete that request. Please try rephrasing it."

// ToolRunner is the part of the tool registry the loop needs.
type ToolRunner interface {
	Definitions() []domain.ToolDefinition
	Names() []string
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// Loop runs one bounded model/tool exchange per inbound message.
type Loop struct {
	provider     domain.Provider
	tools        ToolRunner
	logger       *slog.Logger
	maxToolTurns int
	maxTokens    int
	temperature  float64
	callTimeout  time.Duration
	toolTimeout  time.Duration
}

// LoopConfig holds all dependencies and tuning parameters for the agent loop.
type LoopConfig struct {
	Provider     domain.Provider
	Tools        ToolRunner // optional
	Logger       *slog.Logger
	MaxToolTurns int
	MaxTokens    int
	Temperature  float64
	CallTimeout  time.Duration // per model call
	ToolTimeout  time.Duration // per tool execution
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxToolTurns <= 0 {
		cfg.MaxToolTurns = DefaultMaxToolTurns
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultLLMMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	return &Loop{
		provider:     cfg.Provider,
		tools:        cfg.Tools,
		logger:       cfg.Logger,
		maxToolTurns: cfg.MaxToolTurns,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		callTimeout:  cfg.CallTimeout,
		toolTimeout:  cfg.ToolTimeout,
	}
}

// Provider returns the backend the loop talks to.
func (l *Loop) Provider() domain.Provider { return l.provider }

// Turn is the input of one Run.
type Turn struct {
	System  string
	History []domain.Message
	Prompt  string
	// OnPartial receives the accumulated text of the current model call while
	// it streams. Nil disables streaming.
	OnPartial func(text string)
}

// Result is the outcome of one Run.
type Result struct {
	Text      string
	ToolTurns int
	ToolCalls int
	Exhausted bool
	Usage     domain.Usage
}

// Run sends the turn to the model and executes requested tools one at a time,
// in the order returned, until the model answers without tools or the tool
// turn cap is reached. Only a model backend failure is returned as an error.
func (l *Loop) Run(ctx context.Context, turn Turn) (Result, error) {
	messages := BuildMessages(turn.History, turn.Prompt)

	var toolDefs []domain.ToolDefinition
	var known map[string]bool
	if l.tools != nil {
		toolDefs = l.tools.Definitions()
		known = make(map[string]bool, len(toolDefs))
		for _, n := range l.tools.Names() {
			known[n] = true
		}
	}

	var res Result
	for round := 0; ; round++ {
		req := domain.ChatRequest{
			System:      turn.System,
			Messages:    messages,
			Tools:       toolDefs,
			MaxTokens:   l.maxTokens,
			Temperature: l.temperature,
		}

		resp, err := l.call(ctx, req, turn.OnPartial)
		if err != nil {
			return res, err
		}
		res.Usage.Add(resp.Usage)

		// Some smaller models embed tool calls as JSON in the content field.
		if !resp.HasToolCalls() && resp.Content != "" && len(known) > 0 {
			if extracted := parseTextToolCalls(resp.Content, known); len(extracted) > 0 {
				resp.ToolCalls = extracted
				resp.Content = ""
				l.logger.Info("extracted tool calls from content text", "count", len(extracted))
			}
		}

		if !resp.HasToolCalls() {
			res.Text = strings.TrimSpace(stripRolePrefix(resp.Content))
			return res, nil
		}

		if round >= l.maxToolTurns {
			l.logger.Warn("tool turn cap reached", "max_tool_turns", l.maxToolTurns, "pending_calls", len(resp.ToolCalls))
			res.Text = ExhaustedReply
			res.Exhausted = true
			return res, nil
		}

		messages = AddAssistantMessage(messages, resp.Content, resp.ToolCalls)
		for _, tc := range resp.ToolCalls {
			result := l.executeTool(ctx, tc)
			messages = AddToolResult(messages, tc.ID, tc.Name, result)
			res.ToolCalls++
		}
		res.ToolTurns++
	}
}

// call performs one model request, streaming when asked and supported.
func (l *Loop) call(ctx context.Context, req domain.ChatRequest, onPartial func(string)) (*domain.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	sp, ok := l.provider.(domain.StreamingProvider)
	if onPartial == nil || !ok {
		resp, err := l.provider.Chat(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("model error: %w", err)
		}
		return resp, nil
	}

	streamCh := make(chan domain.StreamEvent, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- sp.ChatStream(ctx, req, streamCh)
	}()

	var (
		accumulated strings.Builder
		done        *domain.StreamEvent
		streamErr   string
	)
	for evt := range streamCh {
		switch evt.Type {
		case domain.StreamToken:
			accumulated.WriteString(evt.Content)
			onPartial(accumulated.String())
		case domain.StreamDone:
			e := evt
			done = &e
		case domain.StreamError:
			streamErr = evt.Content
		}
	}
	// ChatStream closes streamCh before returning, so its error is ready.
	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("model stream error: %w", err)
	}
	if streamErr != "" {
		return nil, fmt.Errorf("model stream error: %s", streamErr)
	}

	resp := &domain.ChatResponse{Content: accumulated.String(), FinishReason: "stop"}
	if done != nil {
		if done.Content != "" {
			resp.Content = done.Content
		}
		resp.ToolCalls = done.ToolCalls
		resp.Usage = done.Usage
		if len(done.ToolCalls) > 0 {
			resp.FinishReason = "tool_calls"
		}
	}
	return resp, nil
}

// executeTool never fails: errors become a textual result so the model gets
// one result per call.
func (l *Loop) executeTool(ctx context.Context, tc domain.ToolCall) string {
	if l.tools == nil {
		return "tool failed: no tools are available"
	}

	if l.logger.Enabled(ctx, slog.LevelDebug) {
		if argsJSON, err := json.Marshal(tc.Arguments); err == nil {
			l.logger.Debug("tool arguments", "tool", tc.Name, "args", string(argsJSON))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, l.toolTimeout)
	defer cancel()

	start := time.Now()
	result, err := l.tools.Execute(ctx, tc.Name, tc.Arguments)
	if err != nil {
		l.logger.Warn("tool failed", "tool", tc.Name, "err", err)
		return "tool failed: " + err.Error()
	}
	l.logger.Debug("tool completed", "tool", tc.Name, "result_len", len(result), "took", time.Since(start))
	return result
}
