// Package ratelimit enforces per-credential fixed-window caps on total and
// successful requests. The window is anchored at the first attempt it
// observes and resets in place once now passes its end.
package ratelimit

import (
	"context"
	"time"

	"github.com/castellan/castellan/internal/models"
	"github.com/google/uuid"
)

// Limiter records attempts against a credential's window and decides
// whether each one is allowed. A rejected attempt is not counted.
//
// Both caps are applied as configured: an attempt is rejected when the
// window's total count has reached MaxRequests, or when the attempt is a
// success and the success count has reached MaxSuccesses. When an operator
// sets MaxSuccesses above MaxRequests the total cap simply binds first;
// the configuration is stored verbatim and never rejected.
type Limiter interface {
	RecordAttempt(ctx context.Context, id uuid.UUID, cfg models.RateLimit, succeeded bool, now time.Time) (bool, error)

	// Reset discards the credential's current window. Called when a
	// credential is deleted or its rate limit is reconfigured.
	Reset(ctx context.Context, id uuid.UUID) error
}

// windowFor normalizes the configured window length.
func windowFor(cfg models.RateLimit) time.Duration {
	secs := cfg.WindowSeconds
	if secs <= 0 {
		secs = models.DefaultWindowSeconds
	}
	return time.Duration(secs) * time.Second
}
