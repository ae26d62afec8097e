package provider

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"chanbridge/internal/domain"
)

const (
	openAIBase         = "https://api.openai.com/v1"
	openAIDefaultModel = "gpt-4o-mini"
	maxSSELine         = 1 << 20
)

// OpenAI speaks the chat completions protocol shared by OpenAI, Ollama,
// vLLM and other compatible servers. It can stream.
type OpenAI struct {
	name   string
	model  string
	client *resty.Client
	logger *slog.Logger
}

type OpenAIConfig struct {
	Name    string
	APIKey  string
	APIBase string
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	name := cmp.Or(cfg.Name, "openai")
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := newRESTClient(name, cmp.Or(cfg.APIBase, openAIBase), cfg.Timeout, logger)
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &OpenAI{name: name, model: cmp.Or(cfg.Model, openAIDefaultModel), client: client, logger: logger}
}

func (o *OpenAI) Name() string              { return o.name }
func (o *OpenAI) Models() []string          { return []string{o.model} }
func (o *OpenAI) SupportsToolCalling() bool { return true }

// Healthy lists models, which every compatible server answers cheaply.
func (o *OpenAI) Healthy(ctx context.Context) error {
	resp, err := o.client.R().SetContext(ctx).Get("/models")
	if err != nil {
		return requestError(o.name, err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: API key rejected (%d)", o.name, code)
	case resp.IsError():
		return statusError(o.name, resp)
	}
	return nil
}

type completionRequest struct {
	Model         string           `json:"model"`
	Messages      []completionMsg  `json:"messages"`
	Tools         []functionTool   `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	Stream        bool             `json:"stream"`
	StreamOptions *json.RawMessage `json:"stream_options,omitempty"`
}

type completionMsg struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type functionTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

// wireToolCall is a tool call as sent and received. In stream deltas only
// Index is always present and Arguments arrives in pieces.
type wireToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (c wireToolCall) toDomain() domain.ToolCall {
	return domain.ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: decodeArgs(c.Function.Arguments)}
}

type completionResponse struct {
	Choices []struct {
		Message      completionMsg `json:"message"`
		Delta        completionMsg `json:"delta"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		Prompt     int `json:"prompt_tokens"`
		Completion int `json:"completion_tokens"`
	} `json:"usage"`
}

func (r *completionResponse) usage() domain.Usage {
	if r.Usage == nil {
		return domain.Usage{}
	}
	return domain.Usage{Input: r.Usage.Prompt, Output: r.Usage.Completion}
}

var includeUsage = json.RawMessage(`{"include_usage":true}`)

func (o *OpenAI) request(req domain.ChatRequest, stream bool) completionRequest {
	body := completionRequest{
		Model:     cmp.Or(req.Model, o.model),
		Messages:  make([]completionMsg, 0, len(req.Messages)+1),
		MaxTokens: max(req.MaxTokens, 0),
		Stream:    stream,
	}
	if stream {
		body.StreamOptions = &includeUsage
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		body.Temperature = &temp
	}
	if req.System != "" {
		body.Messages = append(body.Messages, completionMsg{Role: domain.RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		cm := completionMsg{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		if m.ToolCallID != "" {
			cm.Name = m.ToolName
		}
		for _, tc := range m.ToolCalls {
			wc := wireToolCall{ID: tc.ID, Type: "function"}
			wc.Function.Name = tc.Name
			if raw, err := json.Marshal(tc.Arguments); err == nil {
				wc.Function.Arguments = string(raw)
			}
			cm.ToolCalls = append(cm.ToolCalls, wc)
		}
		body.Messages = append(body.Messages, cm)
	}
	for _, def := range req.Tools {
		ft := functionTool{Type: "function"}
		ft.Function.Name = def.Name
		ft.Function.Description = def.Description
		ft.Function.Parameters = def.Parameters
		body.Tools = append(body.Tools, ft)
	}
	return body
}

func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := o.client.R().SetContext(ctx).SetBody(o.request(req, false)).Post("/chat/completions")
	if err != nil {
		return nil, requestError(o.name, err)
	}
	if resp.IsError() {
		return nil, statusError(o.name, resp)
	}
	var cr completionResponse
	if err := json.Unmarshal(resp.Body(), &cr); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", o.name, err)
	}
	out := &domain.ChatResponse{FinishReason: "stop", Usage: cr.usage()}
	if len(cr.Choices) == 0 {
		return out, nil
	}
	choice := cr.Choices[0]
	out.Content = choice.Message.Content
	out.FinishReason = choice.FinishReason
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, tc.toDomain())
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = "tool_calls"
	}
	return out, nil
}

// openStream posts a streaming completion and returns the open SSE body.
func (o *OpenAI) openStream(ctx context.Context, body completionRequest) (io.ReadCloser, error) {
	resp, err := o.client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetBody(body).
		SetDoNotParseResponse(true).
		Post("/chat/completions")
	if err != nil {
		return nil, requestError(o.name, err)
	}
	raw := resp.RawBody()
	if resp.IsError() {
		defer raw.Close()
		msg, _ := io.ReadAll(io.LimitReader(raw, 4096))
		return nil, fmt.Errorf("%s %d: %s", o.name, resp.StatusCode(), strings.TrimSpace(string(msg)))
	}
	return raw, nil
}

// ChatStream forwards content deltas as token events. Tool call fragments are
// merged by index and delivered whole with the done event.
func (o *OpenAI) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)

	body, err := o.openStream(ctx, o.request(req, true))
	if err != nil {
		return err
	}
	defer body.Close()

	var (
		text  strings.Builder
		usage domain.Usage
		parts = map[int]*wireToolCall{}
	)
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), maxSSELine)
	for sc.Scan() {
		data, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "data:")
		if !ok {
			continue
		}
		if data = strings.TrimSpace(data); data == "[DONE]" {
			break
		}
		var chunk completionResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			o.logger.Debug("stream chunk ignored", "provider", o.name, "err", err)
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.usage()
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			select {
			case out <- domain.StreamEvent{Type: domain.StreamToken, Content: delta.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for _, frag := range delta.ToolCalls {
			p, seen := parts[frag.Index]
			if !seen {
				p = &wireToolCall{Index: frag.Index}
				parts[frag.Index] = p
			}
			p.ID = cmp.Or(frag.ID, p.ID)
			p.Function.Name = cmp.Or(frag.Function.Name, p.Function.Name)
			p.Function.Arguments += frag.Function.Arguments
		}
	}
	if err := sc.Err(); err != nil {
		out <- domain.StreamEvent{Type: domain.StreamError, Content: err.Error()}
		return fmt.Errorf("%s: read stream: %w", o.name, err)
	}

	var calls []domain.ToolCall
	for _, i := range slices.Sorted(maps.Keys(parts)) {
		calls = append(calls, parts[i].toDomain())
	}
	out <- domain.StreamEvent{Type: domain.StreamDone, Content: text.String(), ToolCalls: calls, Usage: usage}
	return nil
}

// decodeArgs parses a JSON arguments string. Malformed input yields an
// empty map so the tool reports the missing argument itself.
func decodeArgs(raw string) map[string]any {
	args := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}
