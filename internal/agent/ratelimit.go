package agent

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	defaultBurst      = 10
	defaultPerMinute  = 30
	limiterIdleExpiry = 30 * time.Minute
)

// bucket is a token bucket. Callers hold ConversationLimiter.mu.
type bucket struct {
	level    float64
	capacity float64
	perSec   float64
	last     time.Time
}

func newBucket(burst int, perMinute float64, at time.Time) *bucket {
	if burst <= 0 {
		burst = defaultBurst
	}
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	return &bucket{
		level:    float64(burst),
		capacity: float64(burst),
		perSec:   perMinute / 60,
		last:     at,
	}
}

// take refills for the time since the last call and spends one token.
func (b *bucket) take(at time.Time) bool {
	if gap := at.Sub(b.last); gap > 0 {
		b.level = min(b.capacity, b.level+gap.Seconds()*b.perSec)
		b.last = at
	}
	if b.level < 1 {
		return false
	}
	b.level--
	return true
}

// ConversationLimiter throttles turns per conversation key. Buckets idle for
// half an hour are evicted.
type ConversationLimiter struct {
	mu        sync.Mutex
	buckets   *cache.Cache
	burst     int
	perMinute float64
	clock     func() time.Time
}

func NewConversationLimiter(burst int, perMinute float64) *ConversationLimiter {
	return &ConversationLimiter{
		buckets:   cache.New(limiterIdleExpiry, limiterIdleExpiry/3),
		burst:     burst,
		perMinute: perMinute,
		clock:     time.Now,
	}
}

// Allow reports whether key may start another turn now. A non-positive rate
// turns limiting off.
func (c *ConversationLimiter) Allow(key string) bool {
	if c.perMinute <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	at := c.clock()
	var b *bucket
	if v, ok := c.buckets.Get(key); ok {
		b = v.(*bucket)
	} else {
		b = newBucket(c.burst, c.perMinute, at)
	}
	c.buckets.SetDefault(key, b)
	return b.take(at)
}
