package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestDedup_SecondSightingWithinTTLIsDuplicate(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	d := NewDedup(DedupConfig{Now: clock.Now})

	dup, err := d.IsDuplicate(ctx, "a1:telegram:42")
	require.NoError(t, err)
	assert.False(t, dup)

	require.NoError(t, d.MarkProcessed(ctx, "a1:telegram:42"))
	clock.Advance(4 * time.Minute)

	dup, _ = d.IsDuplicate(ctx, "a1:telegram:42")
	assert.True(t, dup)
}

func TestDedup_ExactlyAtTTLStillDuplicate(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	d := NewDedup(DedupConfig{Now: clock.Now})

	_ = d.MarkProcessed(ctx, "k")
	clock.Advance(DefaultDedupTTL)

	dup, _ := d.IsDuplicate(ctx, "k")
	assert.True(t, dup)
}

func TestDedup_ExpiredKeyIsEvictedOnLookup(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	d := NewDedup(DedupConfig{Now: clock.Now})

	_ = d.MarkProcessed(ctx, "k")
	clock.Advance(DefaultDedupTTL + time.Second)

	dup, _ := d.IsDuplicate(ctx, "k")
	assert.False(t, dup)
	assert.Equal(t, 0, d.Len(), "expired entry should be evicted")
}

func TestDedup_SweepRunsPastThreshold(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	d := NewDedup(DedupConfig{Now: clock.Now, SweepThreshold: 10})

	for i := 0; i < 10; i++ {
		_ = d.MarkProcessed(ctx, fmt.Sprintf("old-%d", i))
	}
	require.Equal(t, 10, d.Len())

	clock.Advance(10 * time.Minute)
	_ = d.MarkProcessed(ctx, "fresh")

	assert.Equal(t, 1, d.Len(), "sweep should leave only the fresh key")
	dup, _ := d.IsDuplicate(ctx, "fresh")
	assert.True(t, dup)
}

func TestDedup_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	d := NewDedup(DedupConfig{Now: clock.Now})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := d.Claim(ctx, "a1:telegram:7")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	clock.Advance(DefaultDedupTTL + time.Second)
	ok, _ := d.Claim(ctx, "a1:telegram:7")
	assert.True(t, ok, "an expired key can be claimed again")
}

func TestRisk_HighTargetSkippedUntilTTL(t *testing.T) {
	clock := newFakeClock()
	r := NewRisk(RiskConfig{Now: clock.Now})

	r.Record("a1", "direct:u1", RiskHigh, "forbidden")
	assert.True(t, r.IsHigh("a1", "direct:u1"))
	assert.False(t, r.IsHigh("a2", "direct:u1"), "risk is scoped per assistant")

	clock.Advance(6 * 24 * time.Hour)
	assert.True(t, r.IsHigh("a1", "direct:u1"))

	clock.Advance(25 * time.Hour)
	assert.False(t, r.IsHigh("a1", "direct:u1"))
	assert.Empty(t, r.Entries())
}

func TestRisk_ClearAndLowLevel(t *testing.T) {
	r := NewRisk(RiskConfig{})

	r.Record("a1", "group:g1", RiskLow, "slow")
	assert.False(t, r.IsHigh("a1", "group:g1"))
	_, ok := r.Get("a1", "group:g1")
	assert.True(t, ok)

	r.Record("a1", "group:g1", RiskHigh, "kicked")
	require.Len(t, r.Entries(), 1)
	assert.Equal(t, "kicked", r.Entries()[0].Reason)

	r.Clear("a1", "group:g1")
	assert.False(t, r.IsHigh("a1", "group:g1"))
}

func TestInFlight_AcquireRelease(t *testing.T) {
	s := NewInFlight()

	assert.True(t, s.Acquire("k"))
	assert.False(t, s.Acquire("k"))
	assert.Equal(t, 1, s.Len())

	s.Release("k")
	assert.True(t, s.Acquire("k"))
}

func TestInFlight_ConcurrentAcquireSingleWinner(t *testing.T) {
	s := NewInFlight()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Acquire("same") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
