package credential

import (
	"context"
	"errors"
	"time"

	"github.com/castellan/castellan/internal/models"
	"github.com/google/uuid"
)

// Store errors
var (
	ErrNotFound          = errors.New("credential not found")
	ErrInsufficientQuota = errors.New("insufficient credential quota")
)

// Store is the durable keyed repository of credential records. All
// operations are atomic with respect to a single record; cross-record
// operations (batch creation) are composed above this interface and make
// no global atomicity promise.
type Store interface {
	// Create persists a new record and returns it with its assigned id and
	// creation timestamp filled in.
	Create(ctx context.Context, cred *models.Credential) (*models.Credential, error)

	// Get returns a snapshot of the record, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*models.Credential, error)

	// Update applies a partial field delta and returns the updated record.
	// Fields the delta leaves nil are untouched.
	Update(ctx context.Context, id uuid.UUID, delta *models.CredentialDelta) (*models.Credential, error)

	// Delete removes the record permanently.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListByOwner returns all credentials owned by ownerID, newest first.
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Credential, error)

	// Debit atomically subtracts amount from the remaining balance when the
	// balance covers it, returning the new balance. When it does not, the
	// balance is left untouched and ErrInsufficientQuota is returned along
	// with the current balance. Debit ignores the unlimited flag; callers
	// short-circuit unlimited credentials before reaching the store.
	Debit(ctx context.Context, id uuid.UUID, amount int64) (int64, error)

	// Credit atomically adds amount back to the remaining balance and
	// returns the new balance.
	Credit(ctx context.Context, id uuid.UUID, amount int64) (int64, error)

	// Touch records the last-used timestamp.
	Touch(ctx context.Context, id uuid.UUID, usedAt time.Time) error
}
