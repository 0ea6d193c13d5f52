// Package ratelimit admits outbound messages against the global rate
// policy using a sliding one-minute window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"herald/internal/store"
	logx "herald/pkg/logx"
)

// fallbackPerMinute applies when the policy cannot be read. Deliberately
// conservative so a storage hiccup never turns into a send burst.
const fallbackPerMinute = 2

// PolicySource yields the current rate policy. Satisfied by store.Store.
type PolicySource interface {
	RatePolicy(ctx context.Context) (store.RatePolicy, bool, error)
}

// Limiter counts sends in a ring of 60 one-second buckets. The window is
// the 60 seconds ending now; a bucket is live only while its stamp is
// inside that window, so stale buckets are ignored without scanning on
// every send.
type Limiter struct {
	policy PolicySource
	log    logx.Logger

	mu     sync.Mutex
	counts [60]int
	stamps [60]int64 // unix second each bucket was last written
	now    func() time.Time
}

func New(policy PolicySource, log logx.Logger) *Limiter {
	return &Limiter{
		policy: policy,
		log:    log,
		now:    time.Now,
	}
}

// CanSend reports whether one more send is admissible right now. The
// policy is consulted on every call so admin changes apply to the very
// next message.
func (l *Limiter) CanSend(ctx context.Context) bool {
	ceiling := l.ceiling(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked(l.now().Unix()) < ceiling
}

// RecordSent counts one delivery attempt against the window. Failed
// attempts count too: they consumed a platform API call.
func (l *Limiter) RecordSent() {
	l.mu.Lock()
	defer l.mu.Unlock()
	sec := l.now().Unix()
	slot := int(sec % 60)
	if l.stamps[slot] != sec {
		l.counts[slot] = 0
		l.stamps[slot] = sec
	}
	l.counts[slot]++
}

// RatePerMinute returns the number of sends recorded in the current window.
func (l *Limiter) RatePerMinute() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked(l.now().Unix())
}

// UsageFraction returns window occupancy against the ceiling, in [0, 1+].
func (l *Limiter) UsageFraction(ctx context.Context) float64 {
	ceiling := l.ceiling(ctx)
	if ceiling <= 0 {
		return 1
	}
	return float64(l.RatePerMinute()) / float64(ceiling)
}

// Compact zeroes buckets that fell out of the window. Correctness does
// not depend on it; it only keeps stale counts from lingering in
// diagnostics dumps. Run periodically.
func (l *Limiter) Compact() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Unix() - 60
	for i := range l.counts {
		if l.stamps[i] <= cutoff {
			l.counts[i] = 0
			l.stamps[i] = 0
		}
	}
}

func (l *Limiter) ceiling(ctx context.Context) int {
	p, ok, err := l.policy.RatePolicy(ctx)
	if err != nil {
		l.log.Warn("rate policy read failed; using fallback ceiling", logx.Err(err))
		return fallbackPerMinute
	}
	if !ok || p.MessagesPerMinute <= 0 {
		return fallbackPerMinute
	}
	return p.MessagesPerMinute
}

func (l *Limiter) countLocked(nowSec int64) int {
	cutoff := nowSec - 60
	total := 0
	for i := range l.counts {
		if l.stamps[i] > cutoff {
			total += l.counts[i]
		}
	}
	return total
}
