package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type memoryEntry struct {
	limiter  *rate.Limiter
	limit    int
	period   time.Duration
	lastSeen time.Time
}

// MemoryWindow keeps a token bucket per key: limit tokens refilled evenly
// over period. Keys idle for longer than the idle TTL are dropped.
type MemoryWindow struct {
	mu        sync.Mutex
	entries   map[string]*memoryEntry
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryWindow returns an in-process window
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{
		entries: make(map[string]*memoryEntry),
		idleTTL: time.Hour,
		now:     time.Now,
	}
}

func (w *MemoryWindow) entry(key string, limit int, period time.Duration, now time.Time) *memoryEntry {
	w.sweep(now)
	e, ok := w.entries[key]
	if !ok || e.limit != limit || e.period != period {
		every := rate.Every(period / time.Duration(limit))
		e = &memoryEntry{limiter: rate.NewLimiter(every, limit), limit: limit, period: period}
		w.entries[key] = e
	}
	e.lastSeen = now
	return e
}

// sweep removes idle keys, at most once a minute
func (w *MemoryWindow) sweep(now time.Time) {
	if now.Sub(w.lastSweep) < time.Minute {
		return
	}
	w.lastSweep = now
	cutoff := now.Add(-w.idleTTL)
	for k, e := range w.entries {
		if e.lastSeen.Before(cutoff) {
			delete(w.entries, k)
		}
	}
}

// Take implements Window
func (w *MemoryWindow) Take(_ context.Context, key string, limit int, period time.Duration) (Admission, error) {
	if limit <= 0 || period <= 0 {
		return Admission{Allowed: true, ResetAt: w.now()}, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	e := w.entry(key, limit, period, now)
	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return Admission{RetryAfter: period, ResetAt: now.Add(period)}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Admission{RetryAfter: delay, ResetAt: now.Add(delay)}, nil
	}
	return Admission{Allowed: true, ResetAt: e.refilledAt(now)}, nil
}

// Peek implements Window
func (w *MemoryWindow) Peek(_ context.Context, key string, limit int, period time.Duration) (int, time.Time, error) {
	if limit <= 0 || period <= 0 {
		return 0, w.now(), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	e, ok := w.entries[key]
	if !ok || e.limit != limit || e.period != period {
		return 0, now, nil
	}
	used := limit - int(math.Floor(e.limiter.TokensAt(now)))
	if used < 0 {
		used = 0
	}
	return used, e.refilledAt(now), nil
}

// refilledAt is when the bucket holds its full limit again
func (e *memoryEntry) refilledAt(now time.Time) time.Time {
	missing := float64(e.limit) - e.limiter.TokensAt(now)
	if missing <= 0 {
		return now
	}
	perToken := e.period / time.Duration(e.limit)
	return now.Add(time.Duration(missing * float64(perToken)))
}

// Len reports the number of tracked keys
func (w *MemoryWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
