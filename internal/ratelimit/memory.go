package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/castellan/castellan/internal/models"
	"github.com/google/uuid"
)

// MemoryLimiter keeps the counting windows in process memory. Each
// credential's window carries its own mutex, so concurrent attempts
// against distinct credentials never contend.
type MemoryLimiter struct {
	mu      sync.RWMutex
	windows map[uuid.UUID]*window
}

type window struct {
	mu      sync.Mutex
	start   time.Time
	total   int
	success int
}

// NewMemoryLimiter creates an empty in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[uuid.UUID]*window)}
}

var _ Limiter = (*MemoryLimiter)(nil)

// RecordAttempt checks the credential's window and counts the attempt when
// it is allowed. Disabled configurations pass without bookkeeping.
func (l *MemoryLimiter) RecordAttempt(_ context.Context, id uuid.UUID, cfg models.RateLimit, succeeded bool, now time.Time) (bool, error) {
	if !cfg.Enabled {
		return true, nil
	}

	w := l.windowOf(id)

	w.mu.Lock()
	defer w.mu.Unlock()

	// The window is anchored at the first attempt. Once now passes its end,
	// a fresh window starts before the attempt is evaluated.
	if w.start.IsZero() || !now.Before(w.start.Add(windowFor(cfg))) {
		w.start = now
		w.total = 0
		w.success = 0
	}

	if w.total >= cfg.MaxRequests {
		return false, nil
	}
	if succeeded && w.success >= cfg.MaxSuccesses {
		return false, nil
	}

	w.total++
	if succeeded {
		w.success++
	}
	return true, nil
}

// Reset discards the credential's window. Used when a credential is
// deleted or its limits are edited.
func (l *MemoryLimiter) Reset(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	delete(l.windows, id)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLimiter) windowOf(id uuid.UUID) *window {
	l.mu.RLock()
	w, ok := l.windows[id]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[id]; ok {
		return w
	}
	w = &window{}
	l.windows[id] = w
	return w
}
