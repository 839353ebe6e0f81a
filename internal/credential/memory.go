package credential

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/castellan/castellan/internal/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store. It backs tests and single-node
// deployments that do not need durability. The map lock only guards the
// index; each record carries its own mutex so concurrent operations on
// distinct credentials never contend.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*memoryRecord
}

type memoryRecord struct {
	mu   sync.Mutex
	cred models.Credential
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]*memoryRecord)}
}

var _ Store = (*MemoryStore)(nil)

// Create persists a new record and returns it with its assigned id.
func (s *MemoryStore) Create(_ context.Context, cred *models.Credential) (*models.Credential, error) {
	rec := &memoryRecord{cred: *cred.Clone()}
	rec.cred.ID = uuid.New()
	if rec.cred.CreatedAt.IsZero() {
		rec.cred.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.records[rec.cred.ID] = rec
	s.mu.Unlock()

	return rec.cred.Clone(), nil
}

// Get returns a snapshot of the record, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Credential, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.cred.Clone(), nil
}

// Update applies a partial field delta and returns the updated record.
func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, delta *models.CredentialDelta) (*models.Credential, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	delta.Apply(&rec.cred)
	return rec.cred.Clone(), nil
}

// Delete removes the record permanently.
func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

// ListByOwner returns all credentials owned by ownerID, newest first.
func (s *MemoryStore) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]models.Credential, error) {
	s.mu.RLock()
	recs := make([]*memoryRecord, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	var out []models.Credential
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.cred.OwnerID == ownerID {
			out = append(out, *rec.cred.Clone())
		}
		rec.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Debit atomically subtracts amount when the balance covers it.
func (s *MemoryStore) Debit(_ context.Context, id uuid.UUID, amount int64) (int64, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return 0, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.cred.RemainQuota < amount {
		return rec.cred.RemainQuota, ErrInsufficientQuota
	}
	rec.cred.RemainQuota -= amount
	return rec.cred.RemainQuota, nil
}

// Credit atomically adds amount back to the remaining balance.
func (s *MemoryStore) Credit(_ context.Context, id uuid.UUID, amount int64) (int64, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return 0, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.cred.RemainQuota += amount
	return rec.cred.RemainQuota, nil
}

// Touch records the last-used timestamp.
func (s *MemoryStore) Touch(_ context.Context, id uuid.UUID, usedAt time.Time) error {
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	t := usedAt
	rec.cred.LastUsedAt = &t
	return nil
}

func (s *MemoryStore) lookup(id uuid.UUID) (*memoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}
