// Package security tracks failed attestations per peer and locks out
// peers that keep failing.
package security

import (
	"sync"
	"time"
)

// Lockout implements progressive backoff after failed attestations.
// A peer that fails maxFailures times within resetAfter of each other is
// locked out for lockDuration.
type Lockout struct {
	mu           sync.Mutex
	failures     map[string]*failureRecord
	baseDelay    time.Duration
	maxDelay     time.Duration
	resetAfter   time.Duration
	maxFailures  int
	lockDuration time.Duration

	now func() time.Time
}

type failureRecord struct {
	count       int
	lastFailed  time.Time
	lockedUntil time.Time
}

// NewLockout creates a lockout tracker. maxFailures <= 0 disables locking;
// delays are still reported.
func NewLockout(maxFailures int, lockDuration time.Duration) *Lockout {
	return &Lockout{
		failures:     make(map[string]*failureRecord),
		baseDelay:    500 * time.Millisecond,
		maxDelay:     30 * time.Second,
		resetAfter:   15 * time.Minute,
		maxFailures:  maxFailures,
		lockDuration: lockDuration,
		now:          time.Now,
	}
}

// RecordFailure records a failed attestation for peer and returns the
// backoff the peer should observe before retrying.
func (l *Lockout) RecordFailure(peer string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.failures[peer]
	if !ok {
		rec = &failureRecord{}
		l.failures[peer] = rec
	}

	if now.Sub(rec.lastFailed) > l.resetAfter {
		rec.count = 0
	}
	rec.count++
	rec.lastFailed = now

	if l.maxFailures > 0 && rec.count >= l.maxFailures {
		rec.lockedUntil = now.Add(l.lockDuration)
	}
	return l.delay(rec.count)
}

// RecordSuccess forgets peer's failures.
func (l *Lockout) RecordSuccess(peer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, peer)
}

// IsLocked reports whether peer is currently locked out.
func (l *Lockout) IsLocked(peer string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.failures[peer]
	if !ok {
		return false
	}
	return l.now().Before(rec.lockedUntil)
}

// Remaining returns how long peer stays locked out, or 0.
func (l *Lockout) Remaining(peer string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.failures[peer]
	if !ok {
		return 0
	}
	if d := rec.lockedUntil.Sub(l.now()); d > 0 {
		return d
	}
	return 0
}

// Prune drops records whose failures have aged out and whose lock has
// expired. It returns the number of records removed.
func (l *Lockout) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for peer, rec := range l.failures {
		if now.Sub(rec.lastFailed) > l.resetAfter && !now.Before(rec.lockedUntil) {
			delete(l.failures, peer)
			removed++
		}
	}
	return removed
}

func (l *Lockout) delay(count int) time.Duration {
	if count > 16 {
		return l.maxDelay
	}
	d := l.baseDelay * time.Duration(1<<uint(count-1))
	if d > l.maxDelay {
		d = l.maxDelay
	}
	return d
}
