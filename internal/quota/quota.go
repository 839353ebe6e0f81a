// Package quota tracks the consumable balance attached to each credential.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/castellan/castellan/internal/credential"
	"github.com/castellan/castellan/internal/models"
	"github.com/castellan/castellan/internal/monitoring"
	"github.com/google/uuid"
)

// Accountant errors
var (
	ErrQuotaExhausted = errors.New("credential quota exhausted")
	ErrInvalidAmount  = errors.New("debit amount must be positive")
)

// Result is the outcome of a check-and-debit. Remaining reports the
// balance after a successful debit, the untouched balance after a denial,
// and models.QuotaUnlimited for unlimited credentials.
type Result struct {
	Allowed   bool  `json:"allowed"`
	Remaining int64 `json:"remaining"`
}

// Accountant performs atomic check-and-debit against the store. The store
// serializes concurrent debits per credential, so the balance never goes
// negative and two callers can never both win the last unit.
type Accountant struct {
	store credential.Store
}

// NewAccountant creates an Accountant over the given store.
func NewAccountant(store credential.Store) *Accountant {
	return &Accountant{store: store}
}

// CheckAndDebit debits amount from the credential's balance if it covers
// the amount. Unlimited credentials always pass and are never mutated.
// A denial returns ErrQuotaExhausted alongside the untouched balance; it
// is a policy decision, not a system fault.
func (a *Accountant) CheckAndDebit(ctx context.Context, id uuid.UUID, amount int64) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	cred, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential for debit: %w", err)
	}

	if cred.UnlimitedQuota {
		return &Result{Allowed: true, Remaining: models.QuotaUnlimited}, nil
	}

	remaining, err := a.store.Debit(ctx, id, amount)
	if err != nil {
		if errors.Is(err, credential.ErrInsufficientQuota) {
			monitoring.RecordQuotaDenied()
			return &Result{Allowed: false, Remaining: remaining}, ErrQuotaExhausted
		}
		return nil, fmt.Errorf("failed to debit credential: %w", err)
	}

	monitoring.RecordQuotaDebit(float64(amount))
	return &Result{Allowed: true, Remaining: remaining}, nil
}

// Refund returns amount to the credential's balance. Unlimited credentials
// are left untouched.
func (a *Accountant) Refund(ctx context.Context, id uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	cred, err := a.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load credential for refund: %w", err)
	}
	if cred.UnlimitedQuota {
		return nil
	}

	if _, err := a.store.Credit(ctx, id, amount); err != nil {
		return fmt.Errorf("failed to refund credential: %w", err)
	}
	return nil
}
