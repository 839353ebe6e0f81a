package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/castellan/castellan/internal/catalog"
	"github.com/castellan/castellan/internal/credential"
	"github.com/castellan/castellan/internal/models"
	"github.com/castellan/castellan/internal/quota"
	"github.com/castellan/castellan/internal/ratelimit"
	"github.com/castellan/castellan/internal/scope"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func testEngine(store credential.Store, now time.Time) *Engine {
	registry := catalog.NewStatic(map[string]catalog.GroupInfo{
		"default": {Ratio: decimal.NewFromInt(1)},
	}, []string{"gpt-4"})
	validator := scope.NewValidator(registry, "default")
	accountant := quota.NewAccountant(store)
	return New(store, validator, ratelimit.NewMemoryLimiter(), accountant, func() time.Time { return now })
}

func issue(t *testing.T, store credential.Store, cred *models.Credential) uuid.UUID {
	t.Helper()
	created, err := store.Create(context.Background(), cred)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return created.ID
}

func TestUse_HappyPath(t *testing.T) {
	store := credential.NewMemoryStore()
	now := time.Unix(1700000000, 0)
	eng := testEngine(store, now)

	id := issue(t, store, &models.Credential{
		Name:        "relay",
		Status:      models.StatusActive,
		RemainQuota: 100,
		ExpiredTime: models.NeverExpires,
	})

	res, err := eng.Use(context.Background(), id, &UseRequest{Model: "gpt-4", SourceIP: "203.0.113.7", Amount: 25})
	if err != nil {
		t.Fatalf("Use failed: %v", err)
	}
	if !res.Allowed || res.RemainingQuota != 75 {
		t.Errorf("Expected allow with 75 remaining, got %+v", res)
	}
	if res.Group != "default" || !res.Ratio.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Group/ratio not resolved: %+v", res)
	}

	got, _ := store.Get(context.Background(), id)
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(now) {
		t.Errorf("LastUsedAt not recorded, got %v", got.LastUsedAt)
	}
}

func TestUse_UnknownCredential(t *testing.T) {
	store := credential.NewMemoryStore()
	eng := testEngine(store, time.Unix(1700000000, 0))

	_, err := eng.Use(context.Background(), uuid.New(), &UseRequest{Model: "gpt-4"})
	if !errors.Is(err, credential.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUse_ScopeDenialSkipsLimiterAndQuota(t *testing.T) {
	store := credential.NewMemoryStore()
	now := time.Unix(1700000000, 0)
	eng := testEngine(store, now)

	id := issue(t, store, &models.Credential{
		Name:        "disabled",
		Status:      models.StatusDisabled,
		RemainQuota: 100,
		ExpiredTime: models.NeverExpires,
		RateLimit:   models.RateLimit{Enabled: true, WindowSeconds: 60, MaxRequests: 1, MaxSuccesses: 1},
	})

	for i := 0; i < 3; i++ {
		res, err := eng.Use(context.Background(), id, &UseRequest{Model: "gpt-4", SourceIP: "203.0.113.7"})
		if err != nil {
			t.Fatalf("Use failed: %v", err)
		}
		if res.Allowed || res.Reason != string(scope.ReasonDisabled) {
			t.Fatalf("Expected disabled denial, got %+v", res)
		}
	}

	// Scope denials consume neither quota nor the rate window.
	got, _ := store.Get(context.Background(), id)
	if got.RemainQuota != 100 {
		t.Errorf("Quota was debited on a scope denial: %d", got.RemainQuota)
	}
	if got.LastUsedAt != nil {
		t.Error("LastUsedAt was stamped on a denial")
	}
}

func TestUse_RateLimitBeforeQuota(t *testing.T) {
	store := credential.NewMemoryStore()
	now := time.Unix(1700000000, 0)
	eng := testEngine(store, now)

	id := issue(t, store, &models.Credential{
		Name:        "limited",
		Status:      models.StatusActive,
		RemainQuota: 100,
		ExpiredTime: models.NeverExpires,
		RateLimit:   models.RateLimit{Enabled: true, WindowSeconds: 60, MaxRequests: 2, MaxSuccesses: 10},
	})

	for i := 0; i < 2; i++ {
		res, err := eng.Use(context.Background(), id, &UseRequest{Model: "gpt-4", SourceIP: "203.0.113.7"})
		if err != nil || !res.Allowed {
			t.Fatalf("Use %d should pass: res=%+v err=%v", i, res, err)
		}
	}

	res, err := eng.Use(context.Background(), id, &UseRequest{Model: "gpt-4", SourceIP: "203.0.113.7"})
	if err != nil {
		t.Fatalf("Use failed: %v", err)
	}
	if res.Allowed || res.Reason != ReasonRateLimited {
		t.Fatalf("Expected rate limit denial, got %+v", res)
	}

	// The rejected attempt must not touch the balance.
	got, _ := store.Get(context.Background(), id)
	if got.RemainQuota != 98 {
		t.Errorf("Balance = %d, want 98", got.RemainQuota)
	}
}

func TestUse_QuotaExhaustion(t *testing.T) {
	store := credential.NewMemoryStore()
	now := time.Unix(1700000000, 0)
	eng := testEngine(store, now)

	id := issue(t, store, &models.Credential{
		Name:        "broke",
		Status:      models.StatusActive,
		RemainQuota: 5,
		ExpiredTime: models.NeverExpires,
	})

	res, err := eng.Use(context.Background(), id, &UseRequest{Model: "gpt-4", SourceIP: "203.0.113.7", Amount: 6})
	if err != nil {
		t.Fatalf("Use failed: %v", err)
	}
	if res.Allowed || res.Reason != ReasonQuotaExhausted {
		t.Fatalf("Expected quota denial, got %+v", res)
	}
	if res.RemainingQuota != 5 {
		t.Errorf("Denial must report the untouched balance, got %d", res.RemainingQuota)
	}
}

func TestUse_UnlimitedQuota(t *testing.T) {
	store := credential.NewMemoryStore()
	now := time.Unix(1700000000, 0)
	eng := testEngine(store, now)

	id := issue(t, store, &models.Credential{
		Name:           "unlimited",
		Status:         models.StatusActive,
		UnlimitedQuota: true,
		ExpiredTime:    models.NeverExpires,
	})

	res, err := eng.Use(context.Background(), id, &UseRequest{Model: "gpt-4", SourceIP: "203.0.113.7", Amount: 1 << 40})
	if err != nil {
		t.Fatalf("Use failed: %v", err)
	}
	if !res.Allowed || res.RemainingQuota != models.QuotaUnlimited {
		t.Errorf("Expected unlimited pass, got %+v", res)
	}
}

func TestUse_ExpiredAtBoundary(t *testing.T) {
	store := credential.NewMemoryStore()
	now := time.Unix(1700000000, 0)
	eng := testEngine(store, now)

	id := issue(t, store, &models.Credential{
		Name:        "boundary",
		Status:      models.StatusActive,
		RemainQuota: 100,
		ExpiredTime: now.Unix(),
	})

	res, err := eng.Use(context.Background(), id, &UseRequest{Model: "gpt-4", SourceIP: "203.0.113.7"})
	if err != nil {
		t.Fatalf("Use failed: %v", err)
	}
	if res.Allowed || res.Reason != string(scope.ReasonExpired) {
		t.Errorf("Expected expiry denial at the boundary, got %+v", res)
	}
}

func TestForget_ClearsRateWindow(t *testing.T) {
	store := credential.NewMemoryStore()
	now := time.Unix(1700000000, 0)
	eng := testEngine(store, now)

	id := issue(t, store, &models.Credential{
		Name:        "throttled",
		Status:      models.StatusActive,
		RemainQuota: 100,
		ExpiredTime: models.NeverExpires,
		RateLimit:   models.RateLimit{Enabled: true, WindowSeconds: 60, MaxRequests: 1, MaxSuccesses: 10},
	})
	req := &UseRequest{Model: "gpt-4", SourceIP: "203.0.113.7"}

	if res, _ := eng.Use(context.Background(), id, req); !res.Allowed {
		t.Fatalf("First use should be admitted, got %+v", res)
	}
	if res, _ := eng.Use(context.Background(), id, req); res.Allowed || res.Reason != ReasonRateLimited {
		t.Fatalf("Second use should hit the rate limit, got %+v", res)
	}

	if err := eng.Forget(context.Background(), id); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}

	if res, _ := eng.Use(context.Background(), id, req); !res.Allowed {
		t.Errorf("Use after Forget should be admitted, got %+v", res)
	}
}
