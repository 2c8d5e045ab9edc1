// Package ratelimit implements the adaptive per-session admission control
// from spec §4.5, grounded on the teacher's per-resource row-level
// serialization pattern ("get-or-create then conditional update", spec §5)
// applied here to the rate_limits row instead of a topic/subscription row.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaymesh/gateway/internal/kernel"
	"github.com/relaymesh/gateway/internal/kernel/errs"
	t "github.com/relaymesh/gateway/internal/store/types"
)

// BucketStore is the slice of adapter.Adapter the limiter actually needs —
// kept narrow so it can be faked in tests without stubbing the full
// persistence contract.
type BucketStore interface {
	RateBucketGet(ctx context.Context, sessionID string) (*t.RateBucket, error)
	RateBucketUpsert(ctx context.Context, b *t.RateBucket) error
}

// Reason explains why Check denied a send.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonCooldown  Reason = "cooldown"
	ReasonHourCap   Reason = "hour limit"
	ReasonDayCap    Reason = "day limit"
	ReasonMinuteCap Reason = "rate limit: minute cap exceeded"
)

// Decision is the result of Check.
type Decision struct {
	CanSend bool
	Delay   time.Duration
	Reason  Reason
}

// Config is the per-session ceiling configuration (spec §4.5 table).
type Config struct {
	MessagesPerMinute     int
	MessagesPerHour       int
	MessagesPerDay        int
	MinDelay              time.Duration
	MaxDelay              time.Duration
	CooldownAfterMessages int
	CooldownDuration      time.Duration
}

// Limiter admits or delays sends per session.
type Limiter struct {
	store  BucketStore
	cfg    Config
	clock  kernel.Clock
	rng    kernel.RNG

	mu       sync.Mutex
	minuteTB map[string]*rate.Limiter // SPEC_FULL.md §B.2: the reserved messagesPerMinute option, given real teeth
}

func New(store BucketStore, cfg Config, clock kernel.Clock, rng kernel.RNG) *Limiter {
	return &Limiter{store: store, cfg: cfg, clock: clock, rng: rng, minuteTB: make(map[string]*rate.Limiter)}
}

func (l *Limiter) minuteLimiter(sessionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	tb, ok := l.minuteTB[sessionID]
	if !ok {
		perSec := float64(l.cfg.MessagesPerMinute) / 60.0
		tb = rate.NewLimiter(rate.Limit(perSec), 1)
		l.minuteTB[sessionID] = tb
	}
	return tb
}

// Check implements spec §4.5's Check(sessionID) -> {canSend, delayMs, reason}.
func (l *Limiter) Check(ctx context.Context, sessionID string) (Decision, error) {
	bucket, err := l.store.RateBucketGet(ctx, sessionID)
	if err != nil {
		return Decision{}, errs.Internalf(err, "ratelimit: load bucket for %s", sessionID)
	}

	now := l.clock.Now()

	// Step 1: refresh counters.
	if !bucket.LastSentAt.IsZero() {
		if now.Sub(bucket.LastSentAt) >= time.Hour {
			bucket.MessagesLastHour = 0
		}
		if now.Sub(bucket.LastSentAt) >= 24*time.Hour {
			bucket.MessagesToday = 0
		}
	}
	if bucket.CooldownUntil != nil && now.After(*bucket.CooldownUntil) {
		bucket.CooldownUntil = nil
	}
	if err := l.store.RateBucketUpsert(ctx, bucket); err != nil {
		return Decision{}, errs.Internalf(err, "ratelimit: refresh bucket for %s", sessionID)
	}

	// Step 2: cooldown gate.
	if bucket.CooldownUntil != nil && bucket.CooldownUntil.After(now) {
		return Decision{CanSend: false, Delay: bucket.CooldownUntil.Sub(now), Reason: ReasonCooldown}, nil
	}

	// Minute-level token bucket (§B.2): consulted before the hour/day gates.
	if l.cfg.MessagesPerMinute > 0 {
		tb := l.minuteLimiter(sessionID)
		if !tb.AllowN(now, 1) {
			delay := tb.ReserveN(now, 1).DelayFrom(now)
			return Decision{CanSend: false, Delay: delay, Reason: ReasonMinuteCap}, nil
		}
	}

	// Step 3: hour ceiling.
	if l.cfg.MessagesPerHour > 0 && bucket.MessagesLastHour >= l.cfg.MessagesPerHour {
		return Decision{CanSend: false, Delay: time.Hour, Reason: ReasonHourCap}, nil
	}

	// Step 4: day ceiling.
	if l.cfg.MessagesPerDay > 0 && bucket.MessagesToday >= l.cfg.MessagesPerDay {
		return Decision{CanSend: false, Delay: 24 * time.Hour, Reason: ReasonDayCap}, nil
	}

	// Step 5: adaptive delay.
	delay := l.adaptiveDelay(bucket.MessagesLastHour)
	return Decision{CanSend: true, Delay: delay, Reason: ReasonNone}, nil
}

// adaptiveDelay implements spec §4.5 step 5: base scales linearly with
// hour-bucket occupancy, then gets +/-20% multiplicative jitter, clamped to
// [minDelay, maxDelay].
func (l *Limiter) adaptiveDelay(hourCount int) time.Duration {
	if l.cfg.MessagesPerHour <= 0 {
		return l.cfg.MinDelay
	}
	frac := float64(hourCount) / float64(l.cfg.MessagesPerHour)
	if frac > 1 {
		frac = 1
	}
	base := l.cfg.MinDelay + time.Duration(float64(l.cfg.MaxDelay-l.cfg.MinDelay)*frac)
	jittered := kernel.Jitter(base, 0.2, l.rng)
	if jittered < l.cfg.MinDelay {
		jittered = l.cfg.MinDelay
	}
	if jittered > l.cfg.MaxDelay {
		jittered = l.cfg.MaxDelay
	}
	return jittered
}

// RecordSent implements spec §4.5's RecordSent(sessionID).
func (l *Limiter) RecordSent(ctx context.Context, sessionID string) error {
	bucket, err := l.store.RateBucketGet(ctx, sessionID)
	if err != nil {
		return errs.Internalf(err, "ratelimit: load bucket for %s", sessionID)
	}

	now := l.clock.Now()
	bucket.MessagesLastHour++
	bucket.MessagesToday++
	bucket.LastSentAt = now

	if l.cfg.CooldownAfterMessages > 0 && bucket.MessagesLastHour >= l.cfg.CooldownAfterMessages {
		until := now.Add(l.cfg.CooldownDuration)
		bucket.CooldownUntil = &until
	}

	if err := l.store.RateBucketUpsert(ctx, bucket); err != nil {
		return errs.Internalf(err, "ratelimit: record sent for %s", sessionID)
	}
	return nil
}

// FromKernelConfig adapts kernel.RateLimitConfig into ratelimit.Config.
func FromKernelConfig(c kernel.RateLimitConfig) Config {
	return Config{
		MessagesPerMinute:     c.MessagesPerMinute,
		MessagesPerHour:       c.MessagesPerHour,
		MessagesPerDay:        c.MessagesPerDay,
		MinDelay:              c.MinDelay,
		MaxDelay:              c.MaxDelay,
		CooldownAfterMessages: c.CooldownAfterMessages,
		CooldownDuration:      c.CooldownDuration,
	}
}
