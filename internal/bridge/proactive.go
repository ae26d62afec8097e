package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chanbridge/internal/bus"
	"chanbridge/internal/domain"
	"chanbridge/internal/registry"
)

const defaultRecentTargets = 3

// RecentConversations lists the conversations an assistant saw most recently.
type RecentConversations interface {
	Recent(assistantID string, limit int) []domain.Target
}

// ProactiveConfig configures a ProactiveSender.
type ProactiveConfig struct {
	Risk    *registry.Risk
	Recent  RecentConversations // optional
	Events  bus.Emitter
	Logger  *slog.Logger
	Timeout time.Duration // per send
	// RecentLimit caps how many recent conversations are used when neither
	// explicit nor owner targets exist.
	RecentLimit int
}

// ProactiveSender delivers messages that no inbound message triggered.
type ProactiveSender struct {
	risk        *registry.Risk
	recent      RecentConversations
	events      bus.Emitter
	logger      *slog.Logger
	timeout     time.Duration
	recentLimit int
}

func NewProactiveSender(cfg ProactiveConfig) *ProactiveSender {
	if cfg.Events == nil {
		cfg.Events = bus.Discard
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = defaultRecentTargets
	}
	return &ProactiveSender{
		risk:        cfg.Risk,
		recent:      cfg.Recent,
		events:      cfg.Events,
		logger:      cfg.Logger,
		timeout:     cfg.Timeout,
		recentLimit: cfg.RecentLimit,
	}
}

// ProactiveRequest describes one proactive send.
type ProactiveRequest struct {
	AssistantID string
	Source      string // connection key, for events
	Targets     []string
	Owners      []string
	Text        string
}

// ProactiveResult lists per-target outcomes as "scope:id" strings.
type ProactiveResult struct {
	Sent    []string `json:"sent"`
	Skipped []string `json:"skipped,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

// ErrNoTargets is returned when no recipient could be resolved.
var ErrNoTargets = errors.New("no proactive targets")

// ResolveTargets picks explicit targets, else the owner list, else the
// assistant's most recent conversations.
func (p *ProactiveSender) ResolveTargets(req ProactiveRequest) []domain.Target {
	pick := req.Targets
	if len(pick) == 0 {
		pick = req.Owners
	}
	if len(pick) > 0 {
		seen := make(map[string]bool, len(pick))
		var out []domain.Target
		for _, s := range pick {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			t := domain.ParseTarget(s)
			if seen[t.String()] {
				continue
			}
			seen[t.String()] = true
			out = append(out, t)
		}
		return out
	}
	if p.recent == nil {
		return nil
	}
	return p.recent.Recent(req.AssistantID, p.recentLimit)
}

// Send delivers req.Text to every resolved target. Targets flagged high risk
// are skipped without a network call. A permission-class failure flags the
// target; a success clears it. The call fails only when no target succeeded.
func (p *ProactiveSender) Send(ctx context.Context, sender domain.Sender, req ProactiveRequest) (ProactiveResult, error) {
	var res ProactiveResult
	if strings.TrimSpace(req.Text) == "" {
		return res, fmt.Errorf("proactive send: empty text")
	}
	targets := p.ResolveTargets(req)
	if len(targets) == 0 {
		return res, ErrNoTargets
	}

	var lastErr error
	for _, t := range targets {
		name := t.String()
		if p.risk != nil && p.risk.IsHigh(req.AssistantID, t.ID) {
			res.Skipped = append(res.Skipped, name)
			p.emit(bus.EventProactiveSkipped, req, name, nil)
			p.logger.Info("skipping high-risk proactive target", "assistant", req.AssistantID, "target", name)
			continue
		}
		if err := p.sendOne(ctx, sender, t, req.Text); err != nil {
			lastErr = err
			res.Failed = append(res.Failed, name)
			if errors.Is(err, domain.ErrPermission) && p.risk != nil {
				p.risk.Record(req.AssistantID, t.ID, registry.RiskHigh, err.Error())
			}
			p.emit(bus.EventProactiveFailed, req, name, err)
			p.logger.Warn("proactive send failed", "assistant", req.AssistantID, "target", name, "err", err)
			continue
		}
		if p.risk != nil {
			p.risk.Clear(req.AssistantID, t.ID)
		}
		res.Sent = append(res.Sent, name)
		p.emit(bus.EventProactiveSent, req, name, nil)
	}

	if len(res.Sent) > 0 {
		return res, nil
	}
	if lastErr == nil {
		return res, fmt.Errorf("proactive send: all %d targets skipped", len(res.Skipped))
	}
	return res, fmt.Errorf("proactive send: %w", lastErr)
}

func (p *ProactiveSender) sendOne(ctx context.Context, sender domain.Sender, t domain.Target, text string) error {
	h := t.Handle()
	for _, chunk := range SplitChunks(text, sender.ChunkLimit()) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, p.timeout)
		_, err := sender.Send(sctx, h, strings.TrimRight(chunk, " \n"))
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *ProactiveSender) emit(typ string, req ProactiveRequest, target string, err error) {
	payload := map[string]any{"assistant": req.AssistantID, "target": target}
	if err != nil {
		payload["error"] = err.Error()
	}
	p.events.Emit(bus.Event{Type: typ, Source: req.Source, Payload: payload})
}
