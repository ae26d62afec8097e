package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"chanbridge/internal/domain"
)

const defaultCooldown = 30 * time.Second

var errEmptyChain = errors.New("failover chain is empty")

// FailoverProvider walks an ordered chain of providers. A provider that fails
// is benched for a cooldown and tried after the healthy ones until then.
type FailoverProvider struct {
	chain    []domain.Provider
	benched  *cache.Cache
	cooldown time.Duration
	logger   *slog.Logger
}

func NewFailoverProvider(providers []domain.Provider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{
		chain:    providers,
		benched:  cache.New(defaultCooldown, 2*defaultCooldown),
		cooldown: defaultCooldown,
		logger:   logger,
	}
}

func (fp *FailoverProvider) Name() string {
	names := make([]string, len(fp.chain))
	for i, p := range fp.chain {
		names[i] = p.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (fp *FailoverProvider) Models() []string {
	seen := make(map[string]struct{})
	var models []string
	for _, p := range fp.chain {
		for _, m := range p.Models() {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			models = append(models, m)
		}
	}
	return models
}

func (fp *FailoverProvider) SupportsToolCalling() bool {
	for _, p := range fp.chain {
		if p.SupportsToolCalling() {
			return true
		}
	}
	return false
}

func (fp *FailoverProvider) Healthy(ctx context.Context) error {
	var errs []error
	for _, p := range fp.chain {
		err := p.Healthy(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return fmt.Errorf("no healthy provider in failover chain: %w", errors.Join(errs...))
}

// order returns the chain with benched providers moved to the back, keeping
// the configured order within each group.
func (fp *FailoverProvider) order() []domain.Provider {
	ready := make([]domain.Provider, 0, len(fp.chain))
	var benched []domain.Provider
	for _, p := range fp.chain {
		if _, out := fp.benched.Get(p.Name()); out {
			benched = append(benched, p)
			continue
		}
		ready = append(ready, p)
	}
	return append(ready, benched...)
}

func (fp *FailoverProvider) bench(p domain.Provider, err error) {
	fp.benched.Set(p.Name(), err.Error(), fp.cooldown)
}

// Chat returns the first successful response along the chain.
func (fp *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var lastErr error
	for i, p := range fp.order() {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			fp.benched.Delete(p.Name())
			if i > 0 {
				fp.logger.Info("failover: answered by fallback provider", "provider", p.Name(), "position", i+1)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		fp.bench(p, err)
		fp.logger.Warn("failover: provider failed", "provider", p.Name(), "position", i+1, "err", err)
	}
	if lastErr == nil {
		return nil, errEmptyChain
	}
	return nil, fmt.Errorf("all providers in failover chain failed: %w", lastErr)
}

// ChatStream streams from the first ready provider that can stream. A stream
// that already emitted tokens cannot be replayed elsewhere, so there is no
// retry; without any streaming provider Chat's result is emitted as one token.
func (fp *FailoverProvider) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	for _, p := range fp.order() {
		sp, ok := p.(domain.StreamingProvider)
		if !ok {
			continue
		}
		err := sp.ChatStream(ctx, req, out)
		if err != nil && ctx.Err() == nil {
			fp.bench(p, err)
		}
		return err
	}

	defer close(out)
	resp, err := fp.Chat(ctx, req)
	if err != nil {
		return err
	}
	if resp.Content != "" {
		out <- domain.StreamEvent{Type: domain.StreamToken, Content: resp.Content}
	}
	out <- domain.StreamEvent{
		Type:      domain.StreamDone,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
		Usage:     resp.Usage,
	}
	return nil
}
