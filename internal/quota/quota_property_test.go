package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/castellan/castellan/internal/credential"
	"github.com/castellan/castellan/internal/models"
	"pgregory.net/rapid"
)

func newTestCredential(t *testing.T, store credential.Store, quota int64, unlimited bool) *models.Credential {
	t.Helper()
	cred, err := store.Create(context.Background(), &models.Credential{
		Name:           "test",
		Status:         models.StatusActive,
		RemainQuota:    quota,
		UnlimitedQuota: unlimited,
		ExpiredTime:    models.NeverExpires,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return cred
}

func TestCheckAndDebit_SufficientBalance(t *testing.T) {
	store := credential.NewMemoryStore()
	a := NewAccountant(store)
	cred := newTestCredential(t, store, 100, false)

	res, err := a.CheckAndDebit(context.Background(), cred.ID, 30)
	if err != nil {
		t.Fatalf("CheckAndDebit failed: %v", err)
	}
	if !res.Allowed || res.Remaining != 70 {
		t.Errorf("Expected allowed with 70 remaining, got %+v", res)
	}
}

func TestCheckAndDebit_ExhaustedBalance(t *testing.T) {
	store := credential.NewMemoryStore()
	a := NewAccountant(store)
	cred := newTestCredential(t, store, 10, false)

	res, err := a.CheckAndDebit(context.Background(), cred.ID, 11)
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("Expected ErrQuotaExhausted, got %v", err)
	}
	if res.Allowed || res.Remaining != 10 {
		t.Errorf("Denial must leave the balance untouched, got %+v", res)
	}
}

func TestCheckAndDebit_UnlimitedNeverDebits(t *testing.T) {
	store := credential.NewMemoryStore()
	a := NewAccountant(store)
	cred := newTestCredential(t, store, 0, true)

	for i := 0; i < 10; i++ {
		res, err := a.CheckAndDebit(context.Background(), cred.ID, 1<<40)
		if err != nil {
			t.Fatalf("CheckAndDebit failed: %v", err)
		}
		if !res.Allowed || res.Remaining != models.QuotaUnlimited {
			t.Errorf("Expected unlimited pass, got %+v", res)
		}
	}
}

func TestCheckAndDebit_InvalidAmount(t *testing.T) {
	store := credential.NewMemoryStore()
	a := NewAccountant(store)
	cred := newTestCredential(t, store, 10, false)

	for _, amount := range []int64{0, -1, -100} {
		if _, err := a.CheckAndDebit(context.Background(), cred.ID, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestRefund_RestoresBalance(t *testing.T) {
	store := credential.NewMemoryStore()
	a := NewAccountant(store)
	cred := newTestCredential(t, store, 100, false)

	if _, err := a.CheckAndDebit(context.Background(), cred.ID, 60); err != nil {
		t.Fatalf("CheckAndDebit failed: %v", err)
	}
	if err := a.Refund(context.Background(), cred.ID, 60); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	got, err := store.Get(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RemainQuota != 100 {
		t.Errorf("Expected balance 100 after refund, got %d", got.RemainQuota)
	}
}

// TestCheckAndDebit_ConcurrentExactAdmissions tests the no-overdraft
// guarantee under contention: with quota for exactly K debits, K of the
// concurrent attempts succeed and the rest are denied.
func TestCheckAndDebit_ConcurrentExactAdmissions(t *testing.T) {
	const (
		workers = 50
		amount  = int64(10)
		budget  = int64(200) // room for exactly 20 debits
	)

	store := credential.NewMemoryStore()
	a := NewAccountant(store)
	cred := newTestCredential(t, store, budget, false)

	var wg sync.WaitGroup
	var succeeded, denied atomic.Int64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.CheckAndDebit(context.Background(), cred.ID, amount)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrQuotaExhausted):
				denied.Add(1)
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := succeeded.Load(); got != budget/amount {
		t.Errorf("Expected exactly %d successful debits, got %d", budget/amount, got)
	}
	if succeeded.Load()+denied.Load() != workers {
		t.Errorf("Lost attempts: %d + %d != %d", succeeded.Load(), denied.Load(), workers)
	}

	got, err := store.Get(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RemainQuota != 0 {
		t.Errorf("Expected fully drained balance, got %d", got.RemainQuota)
	}
}

// TestProperty_Quota_BalanceNeverNegative tests the core invariant. *For
// any* sequence of debit attempts, the remaining balance SHALL never go
// negative and SHALL equal the initial balance minus the admitted debits.
func TestProperty_Quota_BalanceNeverNegative(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		initial := rapid.Int64Range(0, 10000).Draw(rt, "initial")
		amounts := rapid.SliceOfN(rapid.Int64Range(1, 500), 1, 50).Draw(rt, "amounts")

		store := credential.NewMemoryStore()
		a := NewAccountant(store)
		cred := newTestCredential(t, store, initial, false)

		var debited int64
		for _, amount := range amounts {
			res, err := a.CheckAndDebit(context.Background(), cred.ID, amount)
			if err != nil && !errors.Is(err, ErrQuotaExhausted) {
				t.Fatalf("CheckAndDebit failed: %v", err)
			}
			if err == nil {
				debited += amount
			}
			if res.Remaining < 0 {
				t.Fatalf("PROPERTY VIOLATION: remaining balance went negative: %d", res.Remaining)
			}
		}

		got, err := store.Get(context.Background(), cred.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.RemainQuota != initial-debited {
			t.Fatalf("PROPERTY VIOLATION: balance %d != initial %d - debited %d", got.RemainQuota, initial, debited)
		}
	})
}
