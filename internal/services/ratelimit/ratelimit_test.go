package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"herald/internal/store"
	logx "herald/pkg/logx"
)

type fakePolicy struct {
	p   store.RatePolicy
	ok  bool
	err error
}

func (f fakePolicy) RatePolicy(context.Context) (store.RatePolicy, bool, error) {
	return f.p, f.ok, f.err
}

func newAt(t *testing.T, src PolicySource, start time.Time) (*Limiter, *time.Time) {
	t.Helper()
	now := start
	l := New(src, logx.Nop())
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterCeilingIsStrict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newAt(t, fakePolicy{p: store.RatePolicy{MessagesPerMinute: 3}, ok: true},
		time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		if !l.CanSend(ctx) {
			t.Fatalf("send %d should be admitted", i+1)
		}
		l.RecordSent()
	}
	if l.CanSend(ctx) {
		t.Fatal("fourth send within the window must be refused")
	}
	if got := l.RatePerMinute(); got != 3 {
		t.Fatalf("RatePerMinute = %d, want 3", got)
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l, now := newAt(t, fakePolicy{p: store.RatePolicy{MessagesPerMinute: 2}, ok: true}, start)

	l.RecordSent()
	l.RecordSent()
	if l.CanSend(ctx) {
		t.Fatal("window full, expected refusal")
	}

	// 61 seconds later both sends have aged out.
	*now = start.Add(61 * time.Second)
	if !l.CanSend(ctx) {
		t.Fatal("expected admission after window passed")
	}
	if got := l.RatePerMinute(); got != 0 {
		t.Fatalf("RatePerMinute after slide = %d, want 0", got)
	}
}

func TestLimiterBucketReuseAfterWrap(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	l, now := newAt(t, fakePolicy{p: store.RatePolicy{MessagesPerMinute: 100}, ok: true}, start)

	l.RecordSent()
	l.RecordSent()
	// Exactly one ring revolution later the same slot is reused; the old
	// count must be discarded, not accumulated.
	*now = start.Add(60 * time.Second)
	l.RecordSent()
	if got := l.RatePerMinute(); got != 1 {
		t.Fatalf("RatePerMinute = %d, want 1", got)
	}
}

func TestLimiterFallbackCeiling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		src  PolicySource
	}{
		{"policy read error", fakePolicy{err: errors.New("disk gone")}},
		{"policy missing", fakePolicy{ok: false}},
		{"nonpositive rate", fakePolicy{p: store.RatePolicy{MessagesPerMinute: 0}, ok: true}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			l, _ := newAt(t, tc.src, start)
			l.RecordSent()
			if !l.CanSend(ctx) {
				t.Fatal("second send should pass under fallback ceiling of 2")
			}
			l.RecordSent()
			if l.CanSend(ctx) {
				t.Fatal("third send must be refused under fallback ceiling of 2")
			}
		})
	}
}

func TestLimiterCompactClearsStaleBuckets(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l, now := newAt(t, fakePolicy{p: store.RatePolicy{MessagesPerMinute: 10}, ok: true}, start)

	l.RecordSent()
	*now = start.Add(2 * time.Minute)
	l.Compact()

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.counts {
		if l.counts[i] != 0 || l.stamps[i] != 0 {
			t.Fatalf("bucket %d not cleared: count=%d stamp=%d", i, l.counts[i], l.stamps[i])
		}
	}
}

func TestLimiterUsageFraction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newAt(t, fakePolicy{p: store.RatePolicy{MessagesPerMinute: 4}, ok: true},
		time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	l.RecordSent()
	if got := l.UsageFraction(ctx); got != 0.25 {
		t.Fatalf("UsageFraction = %v, want 0.25", got)
	}
}
