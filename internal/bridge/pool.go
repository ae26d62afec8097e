package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"chanbridge/internal/config"
)

// BuildFunc creates a stopped Connection from config.
type BuildFunc func(cc config.ConnectionConfig) (*Connection, error)

// PoolConfig wires a Pool. Proactive is optional.
type PoolConfig struct {
	Build     BuildFunc
	Proactive *ProactiveSender
	Logger    *slog.Logger
}

// Pool owns every live Connection, keyed by "assistantId:platform".
type Pool struct {
	build     BuildFunc
	proactive *ProactiveSender
	logger    *slog.Logger

	mu       sync.Mutex
	conns    map[string]*poolEntry
	keyLocks map[string]*sync.Mutex
}

type poolEntry struct {
	conn *Connection
	cfg  config.ConnectionConfig
}

// ErrUnknownConnection is returned for keys the pool does not hold.
var ErrUnknownConnection = errors.New("unknown connection")

func NewPool(cfg PoolConfig) *Pool {
	return &Pool{
		build:     cfg.Build,
		proactive: cfg.Proactive,
		logger:    cfg.Logger,
		conns:     make(map[string]*poolEntry),
		keyLocks:  make(map[string]*sync.Mutex),
	}
}

// keyLock serializes Start/Stop per key without blocking other keys while a
// handshake is in progress.
func (p *Pool) keyLock(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		p.keyLocks[key] = l
	}
	return l
}

// Start builds and starts a connection for cc. An existing connection for
// the same key is stopped first. A connection whose start fails is not kept.
// ctx bounds the handshake only; a started connection runs until Stop.
func (p *Pool) Start(ctx context.Context, cc config.ConnectionConfig) error {
	key := cc.Key()
	l := p.keyLock(key)
	l.Lock()
	defer l.Unlock()

	conn, err := p.build(cc)
	if err != nil {
		return fmt.Errorf("build connection %s: %w", key, err)
	}

	p.mu.Lock()
	old := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()
	if old != nil {
		p.logger.Info("replacing connection", "key", key)
		old.conn.Stop()
	}

	if err := conn.Start(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[key] = &poolEntry{conn: conn, cfg: cc}
	p.mu.Unlock()
	return nil
}

// StartAll starts every enabled connection and returns the joined errors of
// those that failed. Successful ones keep running.
func (p *Pool) StartAll(ctx context.Context, ccs []config.ConnectionConfig) error {
	var errs []error
	for _, cc := range ccs {
		if cc.Disabled {
			continue
		}
		if err := p.Start(ctx, cc); err != nil {
			p.logger.Error("connection did not start", "key", cc.Key(), "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop stops and removes the connection for key.
func (p *Pool) Stop(key string) error {
	l := p.keyLock(key)
	l.Lock()
	defer l.Unlock()

	p.mu.Lock()
	e := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, key)
	}
	e.conn.Stop()
	return nil
}

// StopAll stops every connection, then waits for in-flight handlers until
// ctx ends.
func (p *Pool) StopAll(ctx context.Context) error {
	p.mu.Lock()
	entries := make([]*poolEntry, 0, len(p.conns))
	for _, e := range p.conns {
		entries = append(entries, e)
	}
	p.conns = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.conn.Stop()
	}
	for _, e := range entries {
		if err := e.conn.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for %s: %w", e.conn.Key(), err)
		}
	}
	return nil
}

// Restart rebuilds the connection for key from its last config. This is how
// a connection that gave up reconnecting is brought back.
func (p *Pool) Restart(ctx context.Context, key string) error {
	p.mu.Lock()
	e := p.conns[key]
	p.mu.Unlock()
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, key)
	}
	return p.Start(ctx, e.cfg)
}

func (p *Pool) Get(key string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.conns[key]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Snapshot returns the state of every connection, sorted by key.
func (p *Pool) Snapshot() []ConnectionSnapshot {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, e := range p.conns {
		conns = append(conns, e.conn)
	}
	p.mu.Unlock()

	out := make([]ConnectionSnapshot, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Proactive sends text through the connection for key. Without explicit
// targets the connection's owner targets are used, then recent conversations.
func (p *Pool) Proactive(ctx context.Context, key string, targets []string, text string) (ProactiveResult, error) {
	if p.proactive == nil {
		return ProactiveResult{}, errors.New("proactive sends are not configured")
	}
	p.mu.Lock()
	e := p.conns[key]
	p.mu.Unlock()
	if e == nil {
		return ProactiveResult{}, fmt.Errorf("%w: %s", ErrUnknownConnection, key)
	}
	return p.proactive.Send(ctx, e.conn.Sender(), ProactiveRequest{
		AssistantID: e.cfg.AssistantID,
		Source:      key,
		Targets:     targets,
		Owners:      e.cfg.OwnerTargets,
		Text:        text,
	})
}
