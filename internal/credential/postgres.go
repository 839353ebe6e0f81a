package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/castellan/castellan/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a Store over the given connection pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const credentialColumns = `
	id, owner_id, name, status, remain_quota, unlimited_quota, expired_time,
	rate_limit_enabled, rate_limit_period, rate_limit_count, rate_limit_success,
	model_limits_enabled, model_limits, allow_ips, group_name,
	created_at, last_used_at`

// Create persists a new record and returns it with its assigned id.
func (s *PostgresStore) Create(ctx context.Context, cred *models.Credential) (*models.Credential, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO credentials (
			owner_id, name, status, remain_quota, unlimited_quota, expired_time,
			rate_limit_enabled, rate_limit_period, rate_limit_count, rate_limit_success,
			model_limits_enabled, model_limits, allow_ips, group_name
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+credentialColumns,
		cred.OwnerID, cred.Name, cred.Status, cred.RemainQuota, cred.UnlimitedQuota, cred.ExpiredTime,
		cred.RateLimit.Enabled, cred.RateLimit.WindowSeconds, cred.RateLimit.MaxRequests, cred.RateLimit.MaxSuccesses,
		cred.ModelLimitsEnabled, cred.ModelLimits.String(), cred.AllowIPs.String(), cred.Group,
	)

	created, err := scanCredential(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}
	return created, nil
}

// Get returns the record, or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE id = $1
	`, id)

	cred, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// Update applies a partial field delta in a single UPDATE so concurrent
// debits against the same record never see a torn write.
func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, delta *models.CredentialDelta) (*models.Credential, error) {
	set := make([]string, 0, 12)
	args := make([]any, 0, 13)

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if delta.Name != nil {
		add("name", *delta.Name)
	}
	if delta.Status != nil {
		add("status", *delta.Status)
	}
	if delta.RemainQuota != nil {
		add("remain_quota", *delta.RemainQuota)
	}
	if delta.UnlimitedQuota != nil {
		add("unlimited_quota", *delta.UnlimitedQuota)
	}
	if delta.ExpiredTime != nil {
		add("expired_time", *delta.ExpiredTime)
	}
	if delta.RateLimit != nil {
		add("rate_limit_enabled", delta.RateLimit.Enabled)
		add("rate_limit_period", delta.RateLimit.WindowSeconds)
		add("rate_limit_count", delta.RateLimit.MaxRequests)
		add("rate_limit_success", delta.RateLimit.MaxSuccesses)
	}
	if delta.ModelLimitsEnabled != nil {
		add("model_limits_enabled", *delta.ModelLimitsEnabled)
	}
	if delta.ModelLimits != nil {
		add("model_limits", delta.ModelLimits.String())
	}
	if delta.AllowIPs != nil {
		add("allow_ips", delta.AllowIPs.String())
	}
	if delta.Group != nil {
		add("group_name", *delta.Group)
	}

	if len(set) == 0 {
		return s.Get(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(`
		UPDATE credentials
		SET %s
		WHERE id = $%d
		RETURNING `+credentialColumns,
		strings.Join(set, ", "), len(args))

	cred, err := scanCredential(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update credential: %w", err)
	}
	return cred, nil
}

// Delete removes the record permanently.
func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns all credentials owned by ownerID, newest first.
func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Credential, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		out = append(out, *cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}
	return out, nil
}

// Debit subtracts amount via a conditional UPDATE, so two concurrent calls
// can never both succeed on a balance that only covers one of them.
func (s *PostgresStore) Debit(ctx context.Context, id uuid.UUID, amount int64) (int64, error) {
	var remaining int64
	err := s.db.QueryRow(ctx, `
		UPDATE credentials
		SET remain_quota = remain_quota - $1
		WHERE id = $2 AND remain_quota >= $1
		RETURNING remain_quota
	`, amount, id).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to debit credential: %w", err)
	}

	// The conditional update matched nothing: either the record is gone or
	// the balance is short. Distinguish with a plain read.
	err = s.db.QueryRow(ctx, `
		SELECT remain_quota FROM credentials WHERE id = $1
	`, id).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to read credential balance: %w", err)
	}
	return remaining, ErrInsufficientQuota
}

// Credit atomically adds amount back to the remaining balance.
func (s *PostgresStore) Credit(ctx context.Context, id uuid.UUID, amount int64) (int64, error) {
	var remaining int64
	err := s.db.QueryRow(ctx, `
		UPDATE credentials
		SET remain_quota = remain_quota + $1
		WHERE id = $2
		RETURNING remain_quota
	`, amount, id).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to credit credential: %w", err)
	}
	return remaining, nil
}

// Touch records the last-used timestamp.
func (s *PostgresStore) Touch(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE credentials SET last_used_at = $1 WHERE id = $2
	`, usedAt, id)
	if err != nil {
		return fmt.Errorf("failed to touch credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCredential(row pgx.Row) (*models.Credential, error) {
	var (
		cred        models.Credential
		modelLimits string
		allowIPs    string
	)
	err := row.Scan(
		&cred.ID, &cred.OwnerID, &cred.Name, &cred.Status,
		&cred.RemainQuota, &cred.UnlimitedQuota, &cred.ExpiredTime,
		&cred.RateLimit.Enabled, &cred.RateLimit.WindowSeconds,
		&cred.RateLimit.MaxRequests, &cred.RateLimit.MaxSuccesses,
		&cred.ModelLimitsEnabled, &modelLimits, &allowIPs, &cred.Group,
		&cred.CreatedAt, &cred.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	cred.ModelLimits = models.ParseModelSet(modelLimits)
	cred.AllowIPs = models.ParseIPList(allowIPs)
	return &cred, nil
}
