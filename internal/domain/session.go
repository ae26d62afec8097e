package domain

import (
	"context"
	"time"
)

// SessionMeta describes a session at creation time.
type SessionMeta struct {
	AssistantID    string
	Platform       string
	ConversationID string
	Scope          Scope
	Title          string
}

// SessionEvent is one turn mirrored into the session store.
type SessionEvent struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// SessionPatch carries the mutable session fields; nil means unchanged.
type SessionPatch struct {
	Title *string
}

// SessionStore persists sessions outside the process.
type SessionStore interface {
	CreateSession(ctx context.Context, meta SessionMeta) (string, error)
	RecordMessage(ctx context.Context, sessionID string, ev SessionEvent) error
	UpdateSession(ctx context.Context, sessionID string, patch SessionPatch) error
}

// ContextProvider supplies memory text that is injected verbatim into the
// system prompt.
type ContextProvider interface {
	BuildContext(ctx context.Context, prompt, assistantID, cwd string) (string, error)
}
