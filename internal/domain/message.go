package domain

import "time"

// Scope tells whether a conversation is one-to-one or a group.
type Scope string

const (
	ScopeDirect Scope = "direct"
	ScopeGroup  Scope = "group"
)

// ReplyHandle carries everything a platform needs to answer a message:
// the conversation, an optional thread/reply anchor, and platform-issued
// session webhooks that some gateways hand out per inbound message.
type ReplyHandle struct {
	ConversationID string    `json:"conversation_id"`
	Scope          Scope     `json:"scope"`
	ThreadID       string    `json:"thread_id,omitempty"`
	ReplyTo        string    `json:"reply_to,omitempty"`
	Webhook        string    `json:"webhook,omitempty"`
	WebhookExpiry  time.Time `json:"webhook_expiry,omitempty"`
}

// InboundMessage is the normalized envelope every transport produces.
type InboundMessage struct {
	ID             string
	AssistantID    string
	Platform       string
	ConversationID string
	Scope          Scope
	SenderID       string
	SenderName     string
	Payload        Payload
	Reply          ReplyHandle
	Expiry         time.Time // zero when the platform gives none
	ReceivedAt     time.Time
}

// DedupKey namespaces the platform message id by assistant and platform.
func (m InboundMessage) DedupKey() string {
	return m.AssistantID + ":" + m.Platform + ":" + m.ID
}

// ConversationKey identifies the history partition for this message.
func (m InboundMessage) ConversationKey() string {
	return m.AssistantID + ":" + m.ConversationID
}

// Expired reports whether the platform-provided expiry has passed.
func (m InboundMessage) Expired(now time.Time) bool {
	return !m.Expiry.IsZero() && now.After(m.Expiry)
}

// Target is a resolved proactive recipient.
type Target struct {
	Scope Scope  `json:"scope"`
	ID    string `json:"id"`
}

// String renders the target as "direct:<id>" or "group:<id>".
func (t Target) String() string {
	return string(t.Scope) + ":" + t.ID
}

// Handle turns the target into a reply handle for a fresh outbound message.
func (t Target) Handle() ReplyHandle {
	return ReplyHandle{ConversationID: t.ID, Scope: t.Scope}
}

// ParseTarget accepts "direct:<id>", "group:<id>" or a bare id (treated as direct).
func ParseTarget(s string) Target {
	for _, sc := range []Scope{ScopeDirect, ScopeGroup} {
		prefix := string(sc) + ":"
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return Target{Scope: sc, ID: s[len(prefix):]}
		}
	}
	return Target{Scope: ScopeDirect, ID: s}
}
