// Package engine composes the request-time policy path: scope checks,
// rate limiting, and quota debit, in that order, against one credential.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/castellan/castellan/internal/credential"
	"github.com/castellan/castellan/internal/models"
	"github.com/castellan/castellan/internal/monitoring"
	"github.com/castellan/castellan/internal/quota"
	"github.com/castellan/castellan/internal/ratelimit"
	"github.com/castellan/castellan/internal/scope"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// UseRequest describes one attempted use of a credential.
type UseRequest struct {
	Model    string `json:"model"`
	SourceIP string `json:"source_ip"`
	// Amount of quota units the use consumes. Defaults to 1.
	Amount int64 `json:"amount"`
}

// UseResult is the engine's decision. Denials carry the denial kind in
// Reason; RemainingQuota is models.QuotaUnlimited for unlimited
// credentials.
type UseResult struct {
	Allowed        bool            `json:"allowed"`
	Reason         string          `json:"reason,omitempty"`
	Group          string          `json:"group,omitempty"`
	Ratio          decimal.Decimal `json:"ratio"`
	RemainingQuota int64           `json:"remaining_quota"`
}

// Denial reason strings surfaced to callers.
const (
	ReasonQuotaExhausted = "quota_exhausted"
	ReasonRateLimited    = "rate_limited"
)

// Engine drives the use-path for the gateway. Every check runs against a
// fresh snapshot of the record; expired and exhausted are derived states,
// recomputed on each call.
type Engine struct {
	store     credential.Store
	validator *scope.Validator
	limiter   ratelimit.Limiter
	quota     *quota.Accountant
	now       func() time.Time
}

// New creates an Engine. The now function is the wall clock; tests inject
// a fake.
func New(store credential.Store, validator *scope.Validator, limiter ratelimit.Limiter, accountant *quota.Accountant, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:     store,
		validator: validator,
		limiter:   limiter,
		quota:     accountant,
		now:       now,
	}
}

// Use evaluates one attempted use: scope first, then the rate-limit
// window, then the quota debit, finally the last-used bookkeeping. The
// attempt is recorded against the rate window as a success; a use the
// engine admits is handed to the upstream, and a subsequent quota denial
// counts against the stricter side of the same window.
func (e *Engine) Use(ctx context.Context, id uuid.UUID, req *UseRequest) (*UseResult, error) {
	amount := req.Amount
	if amount <= 0 {
		amount = 1
	}
	now := e.now()

	cred, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	decision, err := e.validator.Authorize(ctx, cred, req.Model, req.SourceIP, now)
	if err != nil {
		return nil, fmt.Errorf("scope check failed: %w", err)
	}
	if !decision.Allowed {
		monitoring.RecordScopeDenial(string(decision.Reason))
		return &UseResult{
			Reason:         string(decision.Reason),
			Group:          decision.Group,
			RemainingQuota: remainingOf(cred),
		}, nil
	}

	allowed, err := e.limiter.RecordAttempt(ctx, id, cred.RateLimit, true, now)
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if !allowed {
		monitoring.RecordRateLimitHit()
		return &UseResult{
			Reason:         ReasonRateLimited,
			Group:          decision.Group,
			Ratio:          decision.Ratio,
			RemainingQuota: remainingOf(cred),
		}, nil
	}

	debit, err := e.quota.CheckAndDebit(ctx, id, amount)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExhausted) {
			return &UseResult{
				Reason:         ReasonQuotaExhausted,
				Group:          decision.Group,
				Ratio:          decision.Ratio,
				RemainingQuota: debit.Remaining,
			}, nil
		}
		return nil, err
	}

	if err := e.store.Touch(ctx, id, now); err != nil {
		// Bookkeeping only; the use already went through.
		log.Warn().Err(err).Str("credential_id", id.String()).Msg("Failed to record last-used timestamp")
	}

	return &UseResult{
		Allowed:        true,
		Group:          decision.Group,
		Ratio:          decision.Ratio,
		RemainingQuota: debit.Remaining,
	}, nil
}

// Forget drops a credential's rate-limit window. Called after a delete
// and after a rate-limit edit so stale counts never outlive the record
// or the old configuration.
func (e *Engine) Forget(ctx context.Context, id uuid.UUID) error {
	return e.limiter.Reset(ctx, id)
}

func remainingOf(cred *models.Credential) int64 {
	if cred.UnlimitedQuota {
		return models.QuotaUnlimited
	}
	return cred.RemainQuota
}
