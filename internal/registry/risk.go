package registry

import (
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
)

const DefaultRiskTTL = 7 * 24 * time.Hour

// RiskLevel grades how likely a proactive target is to reject a send.
type RiskLevel string

const (
	RiskLow  RiskLevel = "low"
	RiskHigh RiskLevel = "high"
)

// RiskEntry records why a target was flagged.
type RiskEntry struct {
	AssistantID string    `json:"assistant_id"`
	Target      string    `json:"target"`
	Level       RiskLevel `json:"level"`
	Reason      string    `json:"reason"`
	ObservedAt  time.Time `json:"observed_at"`
}

// RiskConfig configures a Risk registry.
type RiskConfig struct {
	TTL time.Duration
	Now func() time.Time
}

// Risk tracks proactive targets that recently refused messages, keyed by
// (assistantId, targetId).
type Risk struct {
	items *cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewRisk creates a Risk registry with defaults applied.
func NewRisk(cfg RiskConfig) *Risk {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultRiskTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Risk{
		items: cache.New(cache.NoExpiration, 0),
		ttl:   cfg.TTL,
		now:   cfg.Now,
	}
}

func riskKey(assistantID, target string) string {
	return assistantID + ":" + target
}

// Record inserts or refreshes the entry for (assistantID, target).
func (r *Risk) Record(assistantID, target string, level RiskLevel, reason string) {
	r.items.Set(riskKey(assistantID, target), RiskEntry{
		AssistantID: assistantID,
		Target:      target,
		Level:       level,
		Reason:      reason,
		ObservedAt:  r.now(),
	}, cache.NoExpiration)
}

// Get returns the live entry for (assistantID, target). Expired entries are
// evicted and reported as absent.
func (r *Risk) Get(assistantID, target string) (RiskEntry, bool) {
	key := riskKey(assistantID, target)
	v, ok := r.items.Get(key)
	if !ok {
		return RiskEntry{}, false
	}
	entry := v.(RiskEntry)
	if r.now().Sub(entry.ObservedAt) > r.ttl {
		r.items.Delete(key)
		return RiskEntry{}, false
	}
	return entry, true
}

// IsHigh reports whether target is flagged high for assistantID within the TTL.
func (r *Risk) IsHigh(assistantID, target string) bool {
	entry, ok := r.Get(assistantID, target)
	return ok && entry.Level == RiskHigh
}

// Clear drops any entry for (assistantID, target).
func (r *Risk) Clear(assistantID, target string) {
	r.items.Delete(riskKey(assistantID, target))
}

// Entries lists live entries ordered by most recent observation first.
func (r *Risk) Entries() []RiskEntry {
	now := r.now()
	var out []RiskEntry
	for key, item := range r.items.Items() {
		entry, ok := item.Object.(RiskEntry)
		if !ok || now.Sub(entry.ObservedAt) > r.ttl {
			r.items.Delete(key)
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.After(out[j].ObservedAt) })
	return out
}
