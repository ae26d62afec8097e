package registry

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	DefaultDedupTTL       = 5 * time.Minute
	DefaultSweepThreshold = 5000
)

// Deduper suppresses reprocessing of message keys seen within a TTL window.
type Deduper interface {
	IsDuplicate(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
	// Claim marks key as seen and reports whether this call was the first
	// within the TTL. Check and mark happen as one step.
	Claim(ctx context.Context, key string) (claimed bool, err error)
}

// DedupConfig configures an in-process Dedup registry.
type DedupConfig struct {
	TTL            time.Duration
	SweepThreshold int
	Now            func() time.Time
}

// Dedup is the in-process "seen message" registry. Entries are never expired
// by a timer: an expired entry is evicted when it is looked up, and a full
// sweep runs once the map grows past SweepThreshold.
type Dedup struct {
	items     *cache.Cache
	ttl       time.Duration
	threshold int
	now       func() time.Time
	claimMu   sync.Mutex
	sweepMu   sync.Mutex
}

// NewDedup creates a Dedup registry with defaults applied.
func NewDedup(cfg DedupConfig) *Dedup {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultDedupTTL
	}
	if cfg.SweepThreshold <= 0 {
		cfg.SweepThreshold = DefaultSweepThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dedup{
		items:     cache.New(cache.NoExpiration, 0),
		ttl:       cfg.TTL,
		threshold: cfg.SweepThreshold,
		now:       cfg.Now,
	}
}

// IsDuplicate reports whether key was marked within the TTL. An expired
// entry is deleted on the way out.
func (d *Dedup) IsDuplicate(_ context.Context, key string) (bool, error) {
	v, ok := d.items.Get(key)
	if !ok {
		return false, nil
	}
	firstSeen := v.(time.Time)
	if d.now().Sub(firstSeen) <= d.ttl {
		return true, nil
	}
	d.items.Delete(key)
	return false, nil
}

// MarkProcessed inserts or refreshes key.
func (d *Dedup) MarkProcessed(_ context.Context, key string) error {
	d.items.Set(key, d.now(), cache.NoExpiration)
	if d.items.ItemCount() > d.threshold {
		d.Sweep()
	}
	return nil
}

// Claim marks key unless it is already marked within the TTL.
func (d *Dedup) Claim(ctx context.Context, key string) (bool, error) {
	d.claimMu.Lock()
	dup, _ := d.IsDuplicate(ctx, key)
	if !dup {
		d.items.Set(key, d.now(), cache.NoExpiration)
	}
	d.claimMu.Unlock()

	if !dup && d.items.ItemCount() > d.threshold {
		d.Sweep()
	}
	return !dup, nil
}

// Sweep removes every expired entry and returns how many were removed.
func (d *Dedup) Sweep() int {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	now := d.now()
	removed := 0
	for key, item := range d.items.Items() {
		firstSeen, ok := item.Object.(time.Time)
		if !ok || now.Sub(firstSeen) > d.ttl {
			d.items.Delete(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries currently held, expired or not.
func (d *Dedup) Len() int {
	return d.items.ItemCount()
}
