package bridge

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"chanbridge/internal/agent"
	"chanbridge/internal/bus"
	"chanbridge/internal/content"
	"chanbridge/internal/domain"
	"chanbridge/internal/registry"
	"chanbridge/internal/security"
)

const (
	ApologyReply   = "Sorry, something went wrong while answering. Please try again."
	SlowDownReply  = "You're sending messages faster than I can answer. Please wait a moment."
	EmptyReply     = "I've finished, but I have nothing to add."
	apologyTimeout = 10 * time.Second
)

// Extractor maps an inbound payload to prompt content. It never fails.
type Extractor interface {
	Extract(ctx context.Context, msg domain.InboundMessage, resolver domain.MediaResolver) domain.Content
}

// Conversations is the session tracker surface the handler uses.
type Conversations interface {
	History(assistantID, conversationID string) []domain.Message
	RecordUser(ctx context.Context, msg domain.InboundMessage, text string) error
	RecordAssistant(ctx context.Context, assistantID, conversationID, text string)
}

// Agent runs one bounded model/tool exchange.
type Agent interface {
	Run(ctx context.Context, turn agent.Turn) (agent.Result, error)
}

// SystemPrompter renders the system prompt for a message.
type SystemPrompter interface {
	BuildSystemPrompt(ctx context.Context, msg domain.InboundMessage, prompt string) string
}

// Limiter gates messages per conversation key.
type Limiter interface {
	Allow(key string) bool
}

// HandlerConfig wires a Handler. Commands, Limiter and Prompt are optional.
type HandlerConfig struct {
	Sender        domain.Sender
	Registries    *registry.Registries
	Access        security.AccessPolicy
	Extractor     Extractor
	Conversations Conversations
	Agent         Agent
	Prompt        SystemPrompter
	Commands      *agent.Commands
	Limiter       Limiter
	Status        func() Status
	Streaming     bool
	DraftInterval time.Duration
	SendTimeout   time.Duration
	Events        bus.Emitter
	Logger        *slog.Logger
	Now           func() time.Time
}

// Handler runs the inbound pipeline for one connection: expiry, dedup,
// in-flight guard, access, commands, extraction, history, the agent loop and
// delivery.
type Handler struct {
	sender        domain.Sender
	resolver      domain.MediaResolver
	reg           *registry.Registries
	inflight      *registry.InFlight
	convs         *convLocks
	access        security.AccessPolicy
	extractor     Extractor
	conversations Conversations
	agent         Agent
	prompt        SystemPrompter
	commands      *agent.Commands
	limiter       Limiter
	status        func() Status
	streaming     bool
	draftInterval time.Duration
	sendTimeout   time.Duration
	events        bus.Emitter
	logger        *slog.Logger
	now           func() time.Time
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.DraftInterval <= 0 {
		cfg.DraftInterval = DefaultDraftInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultCallTimeout
	}
	if cfg.Events == nil {
		cfg.Events = bus.Discard
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Status == nil {
		cfg.Status = func() Status { return StatusConnected }
	}
	h := &Handler{
		sender:        cfg.Sender,
		reg:           cfg.Registries,
		inflight:      registry.NewInFlight(),
		convs:         newConvLocks(),
		access:        cfg.Access,
		extractor:     cfg.Extractor,
		conversations: cfg.Conversations,
		agent:         cfg.Agent,
		prompt:        cfg.Prompt,
		commands:      cfg.Commands,
		limiter:       cfg.Limiter,
		status:        cfg.Status,
		streaming:     cfg.Streaming,
		draftInterval: cfg.DraftInterval,
		sendTimeout:   cfg.SendTimeout,
		events:        cfg.Events,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
	if r, ok := cfg.Sender.(domain.MediaResolver); ok {
		h.resolver = r
	}
	return h
}

// Handle processes msg to completion. Nothing is returned: every failure is
// logged, reported on the bus and, once user-visible, answered with a single
// apology.
func (h *Handler) Handle(ctx context.Context, msg domain.InboundMessage) {
	start := h.now()
	log := h.logger.With("message", msg.ID, "conversation", msg.ConversationID, "scope", msg.Scope)

	if msg.Expired(start) {
		h.dropped(msg, "expired")
		return
	}

	key := msg.DedupKey()
	claimed, err := h.reg.Dedup.Claim(ctx, key)
	if err != nil {
		log.Warn("dedup claim failed, processing anyway", "err", err)
		claimed = true
	}
	if !claimed {
		log.Debug("duplicate message dropped")
		h.dropped(msg, "duplicate")
		return
	}
	if !h.inflight.Acquire(key) {
		h.dropped(msg, "in_flight")
		return
	}
	defer h.inflight.Release(key)

	if !security.IsAllowed(msg, h.access) {
		log.Info("message rejected by access policy", "sender", msg.SenderID)
		h.dropped(msg, "access")
		return
	}

	// One turn at a time per conversation, so history reads and writes
	// stay ordered.
	unlock := h.convs.lock(msg.ConversationKey())
	defer unlock()

	c := h.extractor.Extract(ctx, msg, h.resolver)

	if h.commands != nil {
		if cmd, ok := agent.ParseCommand(c.Text); ok {
			if text, handled := h.commands.Handle(cmd, msg, string(h.status())); handled {
				if err := h.reply(ctx, msg.Reply, text); err != nil {
					log.Warn("command reply failed", "command", cmd.Name, "err", err)
				}
				h.handled(msg, start, map[string]any{"command": cmd.Name})
				return
			}
		}
	}

	if h.limiter != nil && !h.limiter.Allow(msg.ConversationKey()) {
		log.Info("conversation rate limited")
		if err := h.reply(ctx, msg.Reply, SlowDownReply); err != nil {
			log.Warn("rate limit reply failed", "err", err)
		}
		h.dropped(msg, "rate_limited")
		return
	}

	prompt := content.PromptText(c)
	history := h.conversations.History(msg.AssistantID, msg.ConversationID)
	recorded := true
	if err := h.conversations.RecordUser(ctx, msg, prompt); err != nil {
		log.Warn("recording user turn failed", "err", err)
		recorded = false
	}

	var system string
	if h.prompt != nil {
		system = h.prompt.BuildSystemPrompt(ctx, msg, prompt)
	}

	d := newDelivery(h.sender, msg.Reply, h.streaming, h.draftInterval, h.sendTimeout, h.now, log)
	turn := agent.Turn{System: system, History: history, Prompt: prompt}
	if d.Streaming() {
		turn.OnPartial = d.Partial
	}

	tctx := domain.WithToolScope(ctx, domain.ToolScope{
		AssistantID:    msg.AssistantID,
		ConversationID: msg.ConversationID,
		Reply:          msg.Reply,
		Sender:         h.sender,
	})
	res, err := h.agent.Run(tctx, turn)
	if err != nil {
		d.Abort(ctx)
		h.failed(msg, start, "agent", err)
		return
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		text = EmptyReply
	}
	if err := d.Finish(ctx, text); err != nil {
		h.failed(msg, start, "deliver", err)
		return
	}
	if recorded {
		h.conversations.RecordAssistant(ctx, msg.AssistantID, msg.ConversationID, text)
	}
	log.Info("message handled", "tool_turns", res.ToolTurns, "tool_calls", res.ToolCalls, "exhausted", res.Exhausted, "duration", h.now().Sub(start))
	h.handled(msg, start, map[string]any{
		"tool_turns":    res.ToolTurns,
		"tool_calls":    res.ToolCalls,
		"exhausted":     res.Exhausted,
		"input_tokens":  res.Usage.Input,
		"output_tokens": res.Usage.Output,
	})
}

func (h *Handler) reply(ctx context.Context, handle domain.ReplyHandle, text string) error {
	for _, chunk := range SplitChunks(text, h.sender.ChunkLimit()) {
		sctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
		_, err := h.sender.Send(sctx, handle, chunk)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

// failed reports the failure and starts the one apology this message gets.
// The apology runs detached; its own failure is only logged.
func (h *Handler) failed(msg domain.InboundMessage, start time.Time, stage string, err error) {
	h.logger.Error("message failed", "message", msg.ID, "conversation", msg.ConversationID, "stage", stage, "err", err)
	h.events.Emit(bus.Event{
		Type:   bus.EventMessageFailed,
		Source: msg.AssistantID + ":" + msg.Platform,
		Payload: map[string]any{
			"conversation": msg.ConversationID,
			"stage":        stage,
			"error":        err.Error(),
			"duration_ms":  h.now().Sub(start).Milliseconds(),
		},
	})

	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("apology panic", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), apologyTimeout)
		defer cancel()
		if _, err := h.sender.Send(ctx, msg.Reply, ApologyReply); err != nil {
			h.logger.Warn("apology reply failed", "message", msg.ID, "err", err)
		}
	}()
}

func (h *Handler) handled(msg domain.InboundMessage, start time.Time, extra map[string]any) {
	payload := map[string]any{
		"conversation": msg.ConversationID,
		"scope":        string(msg.Scope),
		"duration_ms":  h.now().Sub(start).Milliseconds(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	h.events.Emit(bus.Event{Type: bus.EventMessageHandled, Source: msg.AssistantID + ":" + msg.Platform, Payload: payload})
}

func (h *Handler) dropped(msg domain.InboundMessage, reason string) {
	h.events.Emit(bus.Event{
		Type:    bus.EventMessageDropped,
		Source:  msg.AssistantID + ":" + msg.Platform,
		Payload: map[string]any{"conversation": msg.ConversationID, "reason": reason},
	})
}
