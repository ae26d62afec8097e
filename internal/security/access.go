package security

import (
	"fmt"
	"strings"

	"chanbridge/internal/domain"
)

// PolicyMode decides who may talk to the bot within a scope.
type PolicyMode string

const (
	PolicyOpen      PolicyMode = "open"
	PolicyAllowlist PolicyMode = "allowlist"
)

// ParsePolicyMode maps a config string onto a PolicyMode. Empty means open.
func ParsePolicyMode(s string) (PolicyMode, error) {
	switch PolicyMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyOpen:
		return PolicyOpen, nil
	case PolicyAllowlist:
		return PolicyAllowlist, nil
	default:
		return "", fmt.Errorf("unknown policy mode %q (want open or allowlist)", s)
	}
}

// AccessPolicy is immutable once built; a config update builds a new one.
type AccessPolicy struct {
	dm        PolicyMode
	group     PolicyMode
	allowFrom map[string]struct{}
}

// NewAccessPolicy builds a policy. Empty modes default to open.
func NewAccessPolicy(dm, group PolicyMode, allowFrom []string) AccessPolicy {
	if dm == "" {
		dm = PolicyOpen
	}
	if group == "" {
		group = PolicyOpen
	}
	allow := make(map[string]struct{}, len(allowFrom))
	for _, id := range allowFrom {
		id = strings.TrimSpace(id)
		if id != "" {
			allow[id] = struct{}{}
		}
	}
	return AccessPolicy{dm: dm, group: group, allowFrom: allow}
}

func (p AccessPolicy) DMMode() PolicyMode    { return p.dm }
func (p AccessPolicy) GroupMode() PolicyMode { return p.group }

// IsAllowed evaluates msg against p. Group scope checks the conversation id,
// direct scope checks the sender id.
func IsAllowed(msg domain.InboundMessage, p AccessPolicy) bool {
	switch msg.Scope {
	case domain.ScopeGroup:
		if p.group != PolicyAllowlist {
			return true
		}
		_, ok := p.allowFrom[msg.ConversationID]
		return ok
	default:
		if p.dm != PolicyAllowlist {
			return true
		}
		_, ok := p.allowFrom[msg.SenderID]
		return ok
	}
}
