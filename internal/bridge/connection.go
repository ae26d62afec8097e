// Package bridge binds platform transports to the agent: the per-connection
// state machine, the pool that owns connections, the inbound handler
// pipeline, streaming delivery and proactive sends.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chanbridge/internal/bus"
	"chanbridge/internal/domain"
)

// Status is the lifecycle state of a Connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

const (
	DefaultMaxAttempts       = 10
	DefaultHeartbeatInterval = 60 * time.Second
	defaultCallTimeout       = 15 * time.Second
	defaultQueueSize         = 100
	defaultMaxConcurrent     = 5
)

// MessageHandler processes one inbound message to completion.
type MessageHandler interface {
	Handle(ctx context.Context, msg domain.InboundMessage)
}

// ConnectionConfig wires a Connection.
type ConnectionConfig struct {
	AssistantID       string
	Transport         domain.Transport
	Handler           MessageHandler
	Backoff           Backoff
	MaxAttempts       int
	HeartbeatInterval time.Duration // <0 disables the probe
	CallTimeout       time.Duration // handshake, open and probe
	QueueSize         int
	MaxConcurrent     int
	Events            bus.Emitter
	Logger            *slog.Logger
}

// Connection drives one Transport through handshake, open, serve and
// reconnect. It holds at most one live transport handle at a time.
type Connection struct {
	id          string
	key         string
	assistantID string
	platform    string
	transport   domain.Transport
	handler     MessageHandler
	backoff     Backoff
	maxAttempts int
	heartbeat   time.Duration
	callTimeout time.Duration
	events      bus.Emitter
	logger      *slog.Logger

	queue *bus.Queue
	sem   chan struct{}

	mu            sync.Mutex
	started       bool
	stopped       bool
	status        Status
	attempts      int
	everConnected bool
	lastErr       error
	connectedAt   time.Time
	gen           int
	serveCancel   context.CancelFunc
	serveDone     chan struct{}
	timer         *time.Timer
	ctx           context.Context
	cancel        context.CancelFunc

	workers sync.WaitGroup
}

// NewConnection builds a Connection in the disconnected state.
func NewConnection(cfg ConnectionConfig) *Connection {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = time.Second
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = 60 * time.Second
	}
	if cfg.Events == nil {
		cfg.Events = bus.Discard
	}
	platform := cfg.Transport.Platform()
	key := cfg.AssistantID + ":" + platform
	logger := cfg.Logger.With("assistant", cfg.AssistantID, "platform", platform)
	return &Connection{
		id:          uuid.NewString(),
		key:         key,
		assistantID: cfg.AssistantID,
		platform:    platform,
		transport:   cfg.Transport,
		handler:     cfg.Handler,
		backoff:     cfg.Backoff,
		maxAttempts: cfg.MaxAttempts,
		heartbeat:   cfg.HeartbeatInterval,
		callTimeout: cfg.CallTimeout,
		events:      cfg.Events,
		logger:      logger,
		queue:       bus.NewQueue(cfg.QueueSize, logger),
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		status:      StatusDisconnected,
	}
}

func (c *Connection) Key() string                 { return c.key }
func (c *Connection) AssistantID() string         { return c.assistantID }
func (c *Connection) Platform() string            { return c.platform }
func (c *Connection) Sender() domain.Sender       { return c.transport }
func (c *Connection) Transport() domain.Transport { return c.transport }

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempts returns the number of reconnects scheduled since the last
// successful connect.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Start negotiates the endpoint and opens the transport. A failure here is
// final: the connection ends in StatusError and is never retried
// automatically, since it has not connected yet.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("connection %s already started", c.key)
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.status = StatusConnecting
	ev := c.statusEventLocked()
	c.mu.Unlock()
	c.events.Emit(ev)

	// ctx bounds only the first handshake and open; the connection itself
	// lives until Stop.
	opCtx, opCancel := context.WithCancel(ctx)
	stopOp := context.AfterFunc(c.ctx, opCancel)
	c.logger.Info("connecting")
	err := c.handshake(opCtx)
	if err == nil {
		err = c.open(opCtx)
	}
	stopOp()
	opCancel()
	if err != nil {
		c.mu.Lock()
		c.status = StatusError
		c.lastErr = err
		c.cancel()
		ev := c.statusEventLocked()
		c.mu.Unlock()
		c.events.Emit(ev)
		c.closeTransport()
		c.queue.Close()
		c.logger.Error("connection failed to start", "err", err)
		return fmt.Errorf("start %s: %w", c.key, err)
	}

	c.workers.Add(1)
	go c.dispatch()

	if !c.markConnected() {
		return fmt.Errorf("start %s: stopped while connecting", c.key)
	}
	if c.heartbeat > 0 {
		go c.heartbeatLoop(c.ctx)
	}
	return nil
}

func (c *Connection) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := c.transport.Handshake(hctx); err != nil {
		if errors.Is(err, domain.ErrHandshake) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrHandshake, err)
	}
	return nil
}

func (c *Connection) open(ctx context.Context) error {
	octx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := c.transport.Open(octx); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	return nil
}

// markConnected records a successful open and starts serving. It reports
// false if the connection was stopped in the meantime.
func (c *Connection) markConnected() bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.closeTransport()
		return false
	}
	c.everConnected = true
	c.attempts = 0
	c.status = StatusConnected
	c.lastErr = nil
	c.connectedAt = time.Now()
	c.gen++
	gen := c.gen
	serveCtx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.serveCancel = cancel
	c.serveDone = done
	ev := c.statusEventLocked()
	c.mu.Unlock()

	c.events.Emit(ev)
	c.logger.Info("connected")
	go c.serve(serveCtx, gen, done)
	return true
}

func (c *Connection) serve(ctx context.Context, gen int, done chan struct{}) {
	defer close(done)
	err := c.transport.Serve(ctx, c.deliver)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = domain.ErrTransportClosed
	}
	c.transportFailed(gen, err)
}

// transportFailed moves a live connection to StatusError and schedules a
// reconnect. Failures reported for an older transport generation are ignored.
func (c *Connection) transportFailed(gen int, err error) {
	c.mu.Lock()
	if c.stopped || gen != c.gen || c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	if c.serveCancel != nil {
		c.serveCancel()
	}
	c.status = StatusError
	c.lastErr = err
	ev := c.statusEventLocked()
	c.mu.Unlock()

	c.events.Emit(ev)
	c.logger.Warn("transport failed", "err", err)
	c.closeTransport()
	c.ScheduleReconnect()
}

// ScheduleReconnect arms the reconnect timer. It does nothing unless the
// connection has connected at least once and has not been stopped. Once
// maxAttempts retries have been scheduled the connection stays in
// StatusError until restarted.
func (c *Connection) ScheduleReconnect() bool {
	c.mu.Lock()
	if !c.everConnected || c.stopped {
		c.mu.Unlock()
		return false
	}
	if c.timer != nil {
		c.mu.Unlock()
		return false
	}
	if c.attempts >= c.maxAttempts {
		c.status = StatusError
		if c.lastErr == nil {
			c.lastErr = errors.New("reconnect attempts exhausted")
		}
		ev := c.statusEventLocked()
		attempts := c.attempts
		c.mu.Unlock()
		c.events.Emit(ev)
		c.logger.Error("giving up on reconnect, manual restart required", "attempts", attempts)
		return false
	}
	delay := c.backoff.Delay(c.attempts)
	c.attempts++
	attempt := c.attempts
	c.status = StatusConnecting
	c.timer = time.AfterFunc(delay, c.reconnect)
	ev := c.statusEventLocked()
	c.mu.Unlock()

	c.events.Emit(ev)
	c.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	return true
}

func (c *Connection) reconnect() {
	c.mu.Lock()
	c.timer = nil
	if c.stopped {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	done := c.serveDone
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}

	err := c.handshake(ctx)
	if err == nil {
		err = c.open(ctx)
	}
	if err != nil {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		c.status = StatusError
		c.lastErr = err
		ev := c.statusEventLocked()
		c.mu.Unlock()
		c.events.Emit(ev)
		c.logger.Warn("reconnect failed", "err", err)
		c.closeTransport()
		c.ScheduleReconnect()
		return
	}
	c.markConnected()
}

func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe(ctx)
		}
	}
}

func (c *Connection) probe(ctx context.Context) {
	c.mu.Lock()
	if c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	err := c.transport.Probe(pctx)
	cancel()
	if err != nil && ctx.Err() == nil {
		c.transportFailed(gen, fmt.Errorf("heartbeat: %w", err))
	}
}

// deliver is handed to Transport.Serve. It only enqueues, so the transport
// can acknowledge the frame before any processing starts.
func (c *Connection) deliver(msg domain.InboundMessage) {
	if msg.AssistantID == "" {
		msg.AssistantID = c.assistantID
	}
	if msg.Platform == "" {
		msg.Platform = c.platform
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	if !c.queue.Publish(msg) {
		c.events.Emit(bus.Event{
			Type:    bus.EventMessageDropped,
			Source:  c.key,
			Payload: map[string]any{"reason": "queue", "message": msg.ID},
		})
	}
}

func (c *Connection) dispatch() {
	defer c.workers.Done()
	hctx := context.WithoutCancel(c.ctx)
	for msg := range c.queue.Messages() {
		c.sem <- struct{}{}
		c.workers.Add(1)
		go func(m domain.InboundMessage) {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("handler panic", "message", m.ID, "panic", r)
				}
				<-c.sem
				c.workers.Done()
			}()
			c.handler.Handle(hctx, m)
		}(msg)
	}
}

// Stop cancels the heartbeat and any pending reconnect and closes the
// transport. Messages already being handled run to completion; use Wait to
// block on them.
func (c *Connection) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.status = StatusDisconnected
	ev := c.statusEventLocked()
	c.mu.Unlock()

	c.events.Emit(ev)
	c.closeTransport()
	c.queue.Close()
	c.logger.Info("connection stopped")
}

// Wait blocks until in-flight handlers finish or ctx ends.
func (c *Connection) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) closeTransport() {
	if err := c.transport.Close(); err != nil {
		c.logger.Debug("transport close", "err", err)
	}
}

// ConnectionSnapshot is a point-in-time view for status reporting.
type ConnectionSnapshot struct {
	Key           string    `json:"key"`
	InstanceID    string    `json:"instance_id"`
	AssistantID   string    `json:"assistant_id"`
	Platform      string    `json:"platform"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	EverConnected bool      `json:"ever_connected"`
	ConnectedAt   time.Time `json:"connected_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	Queued        int       `json:"queued"`
}

func (c *Connection) Snapshot() ConnectionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := ConnectionSnapshot{
		Key:           c.key,
		InstanceID:    c.id,
		AssistantID:   c.assistantID,
		Platform:      c.platform,
		Status:        c.status,
		Attempts:      c.attempts,
		EverConnected: c.everConnected,
		ConnectedAt:   c.connectedAt,
		Queued:        c.queue.Len(),
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Connection) statusEventLocked() bus.Event {
	payload := map[string]any{
		"status":    string(c.status),
		"attempts":  c.attempts,
		"assistant": c.assistantID,
		"platform":  c.platform,
	}
	if c.lastErr != nil && c.status == StatusError {
		payload["error"] = c.lastErr.Error()
	}
	return bus.Event{Type: bus.EventConnectionStatus, Source: c.key, Payload: payload}
}
