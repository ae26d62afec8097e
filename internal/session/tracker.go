// Package session tracks per-(assistant, conversation) chat history and
// mirrors it into the external session store.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chanbridge/internal/domain"
)

const (
	DefaultMaxTurns     = 20
	defaultTitleTimeout = 30 * time.Second
)

// TitleGenerator writes a short session title from recent turns.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, turns []domain.Message) (string, error)
}

// TrackerConfig configures a Tracker. Store and Titles are optional.
type TrackerConfig struct {
	Store        domain.SessionStore
	Titles       TitleGenerator
	MaxTurns     int
	TitleTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Tracker owns every conversation buffer for the process. Each buffer has its
// own lock, so different conversations never contend.
type Tracker struct {
	store        domain.SessionStore
	titles       TitleGenerator
	maxTurns     int
	titleTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu    sync.RWMutex
	convs map[string]*conversation

	pending sync.WaitGroup
}

type conversation struct {
	mu             sync.Mutex
	assistantID    string
	conversationID string
	platform       string
	scope          domain.Scope
	sessionID      string
	history        []domain.Message
	turns          int
	firstMessage   string
	lastSeen       time.Time
}

// Snapshot is a read-only view of one conversation.
type Snapshot struct {
	AssistantID    string    `json:"assistant_id"`
	ConversationID string    `json:"conversation_id"`
	Scope          string    `json:"scope"`
	SessionID      string    `json:"session_id"`
	Turns          int       `json:"turns"`
	Messages       int       `json:"messages"`
	LastSeen       time.Time `json:"last_seen"`
}

func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = defaultTitleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		store:        cfg.Store,
		titles:       cfg.Titles,
		maxTurns:     cfg.MaxTurns,
		titleTimeout: cfg.TitleTimeout,
		logger:       cfg.Logger,
		now:          cfg.Now,
		convs:        make(map[string]*conversation),
	}
}

func key(assistantID, conversationID string) string {
	return assistantID + ":" + conversationID
}

func (t *Tracker) lookup(assistantID, conversationID string) *conversation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.convs[key(assistantID, conversationID)]
}

// getOrCreate returns the buffer for msg, creating it on first sight.
func (t *Tracker) getOrCreate(msg domain.InboundMessage) *conversation {
	k := msg.ConversationKey()

	t.mu.RLock()
	c, ok := t.convs[k]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.convs[k]; ok {
		return c
	}
	c = &conversation{
		assistantID:    msg.AssistantID,
		conversationID: msg.ConversationID,
		platform:       msg.Platform,
		scope:          msg.Scope,
	}
	t.convs[k] = c
	return c
}

// History returns a copy of the conversation's current window.
func (t *Tracker) History(assistantID, conversationID string) []domain.Message {
	c := t.lookup(assistantID, conversationID)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.history))
	copy(out, c.history)
	return out
}

// RecordUser appends the user turn, creating the session record on the
// first message of the conversation. Store failures are logged, not returned,
// except when the session cannot be created at all.
func (t *Tracker) RecordUser(ctx context.Context, msg domain.InboundMessage, text string) error {
	c := t.getOrCreate(msg)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID == "" && t.store != nil {
		id, err := t.store.CreateSession(ctx, domain.SessionMeta{
			AssistantID:    msg.AssistantID,
			Platform:       msg.Platform,
			ConversationID: msg.ConversationID,
			Scope:          msg.Scope,
			Title:          generateTitle(text),
		})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		c.sessionID = id
		t.logger.Info("session created", "assistant", msg.AssistantID, "conversation", msg.ConversationID, "session", id)
	}
	if c.firstMessage == "" {
		c.firstMessage = text
	}
	c.lastSeen = t.now()
	t.appendLocked(ctx, c, domain.Message{Role: domain.RoleUser, Content: text})
	return nil
}

// RecordAssistant appends the assistant turn and, after the first and third
// completed turn, starts a detached title update.
func (t *Tracker) RecordAssistant(ctx context.Context, assistantID, conversationID, text string) {
	c := t.lookup(assistantID, conversationID)
	if c == nil {
		t.logger.Warn("assistant turn for unknown conversation", "assistant", assistantID, "conversation", conversationID)
		return
	}

	c.mu.Lock()
	t.appendLocked(ctx, c, domain.Message{Role: domain.RoleAssistant, Content: text})
	c.turns++
	turns := c.turns
	sessionID := c.sessionID
	first := c.firstMessage
	recent := make([]domain.Message, len(c.history))
	copy(recent, c.history)
	c.mu.Unlock()

	if (turns == 1 || turns == 3) && sessionID != "" && t.store != nil {
		t.spawnTitle(sessionID, first, recent)
	}
}

func (t *Tracker) appendLocked(ctx context.Context, c *conversation, m domain.Message) {
	c.history = append(c.history, m)
	if limit := t.maxTurns * 2; len(c.history) > limit {
		c.history = append([]domain.Message(nil), c.history[len(c.history)-limit:]...)
	}
	if t.store == nil || c.sessionID == "" {
		return
	}
	err := t.store.RecordMessage(ctx, c.sessionID, domain.SessionEvent{Role: m.Role, Content: m.Content, CreatedAt: t.now()})
	if err != nil {
		t.logger.Warn("mirror turn to session store failed", "session", c.sessionID, "role", m.Role, "error", err)
	}
}

// spawnTitle runs title generation off the reply path. Failures fall back
// to a truncated first message; nothing propagates to the caller.
func (t *Tracker) spawnTitle(sessionID, firstMessage string, recent []domain.Message) {
	t.pending.Add(1)
	go func() {
		defer t.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("title generation panic", "session", sessionID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), t.titleTimeout)
		defer cancel()

		title := ""
		if t.titles != nil {
			generated, err := t.titles.GenerateTitle(ctx, recent)
			if err != nil {
				t.logger.Warn("title generation failed", "session", sessionID, "error", err)
			} else {
				title = cleanTitle(generated)
			}
		}
		if title == "" {
			title = generateTitle(firstMessage)
		}
		if err := t.store.UpdateSession(ctx, sessionID, domain.SessionPatch{Title: &title}); err != nil {
			t.logger.Warn("update session title failed", "session", sessionID, "error", err)
			return
		}
		t.logger.Debug("session titled", "session", sessionID, "title", title)
	}()
}

// Wait blocks until detached title updates have finished.
func (t *Tracker) Wait() {
	t.pending.Wait()
}

// Reset clears history and forgets the session binding, so the next message
// starts a fresh session.
func (t *Tracker) Reset(assistantID, conversationID string) {
	c := t.lookup(assistantID, conversationID)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.history = nil
	c.turns = 0
	c.sessionID = ""
	c.firstMessage = ""
	c.mu.Unlock()
	t.logger.Info("conversation reset", "assistant", assistantID, "conversation", conversationID)
}

// Stat returns a snapshot of one conversation.
func (t *Tracker) Stat(assistantID, conversationID string) (Snapshot, bool) {
	c := t.lookup(assistantID, conversationID)
	if c == nil {
		return Snapshot{}, false
	}
	return c.snapshot(), true
}

func (c *conversation) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		AssistantID:    c.assistantID,
		ConversationID: c.conversationID,
		Scope:          string(c.scope),
		SessionID:      c.sessionID,
		Turns:          c.turns,
		Messages:       len(c.history),
		LastSeen:       c.lastSeen,
	}
}

// Recent lists the assistant's conversations, most recently active first.
func (t *Tracker) Recent(assistantID string, limit int) []domain.Target {
	t.mu.RLock()
	snaps := make([]Snapshot, 0, len(t.convs))
	for _, c := range t.convs {
		if c.assistantID == assistantID {
			snaps = append(snaps, c.snapshot())
		}
	}
	t.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].LastSeen.After(snaps[j].LastSeen) })
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	out := make([]domain.Target, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, domain.Target{Scope: domain.Scope(s.Scope), ID: s.ConversationID})
	}
	return out
}
