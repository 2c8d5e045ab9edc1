package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gateway/internal/kernel"
	t "github.com/relaymesh/gateway/internal/store/types"
)

// memStore is a minimal in-memory BucketStore for tests.
type memStore struct {
	buckets map[string]*t.RateBucket
}

func newMemStore() *memStore { return &memStore{buckets: map[string]*t.RateBucket{}} }

func (m *memStore) RateBucketGet(_ context.Context, sessionID string) (*t.RateBucket, error) {
	b, ok := m.buckets[sessionID]
	if !ok {
		b = &t.RateBucket{SessionID: sessionID}
		m.buckets[sessionID] = b
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) RateBucketUpsert(_ context.Context, b *t.RateBucket) error {
	cp := *b
	m.buckets[b.SessionID] = &cp
	return nil
}

func TestCheck_HourCapDeniesFourthSend(t2 *testing.T) {
	store := newMemStore()
	clock := kernel.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rng := kernel.NewFakeRNG(0.5)
	lim := New(store, Config{
		MessagesPerHour: 3, MessagesPerDay: 1000,
		MinDelay: time.Second, MaxDelay: 2 * time.Second,
		CooldownAfterMessages: 50, CooldownDuration: time.Minute,
	}, clock, rng)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d, err := lim.Check(ctx, "s1")
		require.NoError(t2, err)
		require.True(t2, d.CanSend)
		require.NoError(t2, lim.RecordSent(ctx, "s1"))
	}

	d, err := lim.Check(ctx, "s1")
	require.NoError(t2, err)
	require.False(t2, d.CanSend)
	require.Equal(t2, ReasonHourCap, d.Reason)
}

func TestCheck_CooldownAfterThreshold(t2 *testing.T) {
	store := newMemStore()
	clock := kernel.NewFakeClock(time.Now())
	rng := kernel.NewFakeRNG(0.5)
	lim := New(store, Config{
		MessagesPerHour: 100, MessagesPerDay: 1000,
		MinDelay: time.Second, MaxDelay: 2 * time.Second,
		CooldownAfterMessages: 2, CooldownDuration: 5 * time.Minute,
	}, clock, rng)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		d, err := lim.Check(ctx, "s1")
		require.NoError(t2, err)
		require.True(t2, d.CanSend)
		require.NoError(t2, lim.RecordSent(ctx, "s1"))
	}

	d, err := lim.Check(ctx, "s1")
	require.NoError(t2, err)
	require.False(t2, d.CanSend)
	require.Equal(t2, ReasonCooldown, d.Reason)
}

func TestCheck_MinuteCapUsesTokenBucket(t2 *testing.T) {
	store := newMemStore()
	clock := kernel.NewFakeClock(time.Now())
	rng := kernel.NewFakeRNG(0.5)
	lim := New(store, Config{
		MessagesPerMinute: 60, MessagesPerHour: 1000, MessagesPerDay: 10000,
		MinDelay: time.Second, MaxDelay: 2 * time.Second,
		CooldownAfterMessages: 1000, CooldownDuration: time.Minute,
	}, clock, rng)

	ctx := context.Background()
	d, err := lim.Check(ctx, "s1")
	require.NoError(t2, err)
	require.True(t2, d.CanSend)

	// Second immediate check exhausts the burst-1 minute token bucket.
	d, err = lim.Check(ctx, "s1")
	require.NoError(t2, err)
	require.False(t2, d.CanSend)
	require.Equal(t2, ReasonMinuteCap, d.Reason)
}
