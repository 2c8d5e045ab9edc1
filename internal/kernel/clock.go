// Package kernel holds the shared leaf dependencies every other package in
// the gateway is built on: a clock, id generation, the error taxonomy, and
// configuration loading.
package kernel

import (
	"math/rand"
	"sync"
	"time"
)

// Clock abstracts time so pacing, jitter, and backoff delays are
// deterministic in tests (Design Note: "expose a clock/RNG interface").
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

// RealClock is the production Clock backed by the standard library.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Sleep(d time.Duration)            { time.Sleep(d) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// FakeClock is a controllable Clock for tests: Now() moves only when
// Advance, Sleep or After is called; Sleep/After return immediately after
// recording the requested duration and advancing Now() by it.
type FakeClock struct {
	mu   sync.Mutex
	now  time.Time
	logs []time.Duration
}

// NewFakeClock returns a FakeClock starting at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *FakeClock) Sleep(d time.Duration) {
	f.mu.Lock()
	f.logs = append(f.logs, d)
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.Sleep(d)
	ch := make(chan time.Time, 1)
	ch <- f.Now()
	return ch
}

// Slept returns the durations previously passed to Sleep/After, in order.
func (f *FakeClock) Slept() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.logs))
	copy(out, f.logs)
	return out
}

// RNG abstracts randomness for jitter calculations.
type RNG interface {
	// Float64 returns a pseudo-random number in [0, 1).
	Float64() float64
}

type realRNG struct{ r *rand.Rand }

// NewRealRNG returns an RNG seeded from the current time.
func NewRealRNG() RNG {
	return &realRNG{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *realRNG) Float64() float64 { return r.r.Float64() }

// FakeRNG returns a fixed sequence of values, cycling once exhausted.
type FakeRNG struct {
	mu     sync.Mutex
	values []float64
	idx    int
}

// NewFakeRNG builds an RNG that replays values in order, looping.
func NewFakeRNG(values ...float64) *FakeRNG {
	if len(values) == 0 {
		values = []float64{0.5}
	}
	return &FakeRNG{values: values}
}

func (f *FakeRNG) Float64() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.values[f.idx%len(f.values)]
	f.idx++
	return v
}

// Jitter returns base scaled by a uniform multiplicative factor in
// [1-pct, 1+pct], using rng for randomness.
func Jitter(base time.Duration, pct float64, rng RNG) time.Duration {
	factor := 1 - pct + rng.Float64()*2*pct
	return time.Duration(float64(base) * factor)
}

// UniformDuration returns a uniformly distributed duration in [min, max].
func UniformDuration(min, max time.Duration, rng RNG) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Float64()*float64(max-min))
}
