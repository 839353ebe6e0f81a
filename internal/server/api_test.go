package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/castellan/castellan/internal/catalog"
	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/credential"
	"github.com/castellan/castellan/internal/engine"
	"github.com/castellan/castellan/internal/models"
	"github.com/castellan/castellan/internal/provision"
	"github.com/castellan/castellan/internal/quota"
	"github.com/castellan/castellan/internal/ratelimit"
	"github.com/castellan/castellan/internal/scope"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	srv     *APIServer
	store   credential.Store
	limiter *spyLimiter
}

// spyLimiter records which credentials had their windows reset.
type spyLimiter struct {
	*ratelimit.MemoryLimiter
	resets []uuid.UUID
}

func (l *spyLimiter) Reset(ctx context.Context, id uuid.UUID) error {
	l.resets = append(l.resets, id)
	return l.MemoryLimiter.Reset(ctx, id)
}

func newTestEnv(checks ...HealthChecker) *testEnv {
	cfg := &config.Config{
		Server: config.ServerConfig{
			Name:           "castellan",
			Env:            "test",
			AllowedOrigins: []string{"*"},
		},
	}

	store := credential.NewMemoryStore()
	registry := catalog.NewStatic(map[string]catalog.GroupInfo{
		"default": {Description: "Default group", Ratio: decimal.NewFromInt(1)},
	}, []string{"gpt-4", "claude-3"})
	validator := scope.NewValidator(registry, "default")
	accountant := quota.NewAccountant(store)
	limiter := &spyLimiter{MemoryLimiter: ratelimit.NewMemoryLimiter()}
	eng := engine.New(store, validator, limiter, accountant,
		func() time.Time { return time.Unix(1700000000, 0) })
	prov := provision.NewProvisioner(store, models.RateLimit{})

	return &testEnv{
		srv:     NewAPIServer(cfg, store, prov, eng, registry, checks...),
		store:   store,
		limiter: limiter,
	}
}

type healthCheckFunc func(ctx context.Context) error

func (f healthCheckFunc) Health(ctx context.Context) error { return f(ctx) }

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.srv.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) issueOne(t *testing.T, ownerID uuid.UUID, template gin.H) models.Credential {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/credentials", gin.H{
		"owner_id": ownerID,
		"count":    1,
		"template": template,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var result provision.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Succeeded, 1)
	return result.Succeeded[0]
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(healthCheckFunc(func(context.Context) error { return nil }))
	w := env.do(t, "GET", "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestHealthEndpoint_DegradedWhenBackendDown(t *testing.T) {
	env := newTestEnv(
		healthCheckFunc(func(context.Context) error { return nil }),
		healthCheckFunc(func(context.Context) error { return errors.New("connection refused") }),
	)
	w := env.do(t, "GET", "/health", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

func TestIssueCredentials_Batch(t *testing.T) {
	env := newTestEnv()
	ownerID := uuid.New()

	w := env.do(t, "POST", "/api/v1/credentials", gin.H{
		"owner_id": ownerID,
		"count":    3,
		"template": gin.H{"name": "team-key"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var result provision.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 3, result.SuccessCount)
	assert.Equal(t, provision.NoFailure, result.FailedAtIndex)
	assert.Equal(t, "team-key", result.Succeeded[0].Name)
	for _, cred := range result.Succeeded {
		assert.Equal(t, ownerID, cred.OwnerID)
		assert.Equal(t, models.DefaultRemainQuota, cred.RemainQuota)
	}
}

func TestIssueCredentials_ValidationErrors(t *testing.T) {
	env := newTestEnv()

	// Missing owner
	w := env.do(t, "POST", "/api/v1/credentials", gin.H{
		"count":    1,
		"template": gin.H{"name": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Empty template name
	w = env.do(t, "POST", "/api/v1/credentials", gin.H{
		"owner_id": uuid.New(),
		"count":    1,
		"template": gin.H{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetCredential(t *testing.T) {
	env := newTestEnv()
	cred := env.issueOne(t, uuid.New(), gin.H{"name": "reader"})

	w := env.do(t, "GET", "/api/v1/credentials/"+cred.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got models.Credential
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "reader", got.Name)

	w = env.do(t, "GET", "/api/v1/credentials/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "GET", "/api/v1/credentials/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateCredential(t *testing.T) {
	env := newTestEnv()
	cred := env.issueOne(t, uuid.New(), gin.H{"name": "editable"})

	w := env.do(t, "PUT", "/api/v1/credentials/"+cred.ID.String(), gin.H{
		"status":    "disabled",
		"allow_ips": "10.0.0.0/8\n192.168.1.1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got models.Credential
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, models.StatusDisabled, got.Status)
	assert.Equal(t, "10.0.0.0/8,192.168.1.1", got.AllowIPs.String())
	assert.Equal(t, "editable", got.Name)

	// Invalid IP entries are rejected before the store is touched.
	w = env.do(t, "PUT", "/api/v1/credentials/"+cred.ID.String(), gin.H{
		"allow_ips": "999.999.0.1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Negative quota is rejected.
	w = env.do(t, "PUT", "/api/v1/credentials/"+cred.ID.String(), gin.H{
		"remain_quota": -1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Only -1 is a valid negative expiry; anything below it is rejected.
	w = env.do(t, "PUT", "/api/v1/credentials/"+cred.ID.String(), gin.H{
		"expired_time": -5,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "PUT", "/api/v1/credentials/"+cred.ID.String(), gin.H{
		"expired_time": -1,
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestUpdateCredential_RateLimitEditResetsWindow(t *testing.T) {
	env := newTestEnv()
	cred := env.issueOne(t, uuid.New(), gin.H{
		"name":       "throttled",
		"rate_limit": gin.H{"enabled": true, "period": 60, "count": 2, "success": 10},
	})

	use := func() *httptest.ResponseRecorder {
		return env.do(t, "POST", "/api/v1/credentials/"+cred.ID.String()+"/use", gin.H{
			"model":     "gpt-4",
			"source_ip": "203.0.113.7",
		})
	}
	require.Equal(t, http.StatusOK, use().Code)
	require.Equal(t, http.StatusOK, use().Code)
	require.Equal(t, http.StatusTooManyRequests, use().Code)

	// Editing the rate limit discards the old window: even a tighter cap
	// starts counting from zero, so the next use is admitted.
	w := env.do(t, "PUT", "/api/v1/credentials/"+cred.ID.String(), gin.H{
		"rate_limit": gin.H{"enabled": true, "period": 60, "count": 1, "success": 10},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, http.StatusOK, use().Code)
	assert.Equal(t, http.StatusTooManyRequests, use().Code)
}

func TestDeleteCredential(t *testing.T) {
	env := newTestEnv()
	cred := env.issueOne(t, uuid.New(), gin.H{"name": "doomed"})

	w := env.do(t, "DELETE", "/api/v1/credentials/"+cred.ID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// The rate-limit window goes with the record.
	assert.Contains(t, env.limiter.resets, cred.ID)

	w = env.do(t, "GET", "/api/v1/credentials/"+cred.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "DELETE", "/api/v1/credentials/"+cred.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListCredentials(t *testing.T) {
	env := newTestEnv()
	ownerID := uuid.New()
	for i := 0; i < 2; i++ {
		env.issueOne(t, ownerID, gin.H{"name": fmt.Sprintf("k%d", i)})
	}
	env.issueOne(t, uuid.New(), gin.H{"name": "other-owner"})

	w := env.do(t, "GET", "/api/v1/credentials?owner="+ownerID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Credentials []models.Credential `json:"credentials"`
		Count       int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	w = env.do(t, "GET", "/api/v1/credentials?owner=nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUseCredential_Allowed(t *testing.T) {
	env := newTestEnv()
	cred := env.issueOne(t, uuid.New(), gin.H{"name": "relay", "remain_quota": 100})

	w := env.do(t, "POST", "/api/v1/credentials/"+cred.ID.String()+"/use", gin.H{
		"model":     "gpt-4",
		"source_ip": "203.0.113.7",
		"amount":    40,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result engine.UseResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Allowed)
	assert.Equal(t, int64(60), result.RemainingQuota)
	assert.Equal(t, "default", result.Group)
}

func TestUseCredential_Denials(t *testing.T) {
	env := newTestEnv()

	t.Run("scope", func(t *testing.T) {
		cred := env.issueOne(t, uuid.New(), gin.H{
			"name":                 "scoped",
			"model_limits_enabled": true,
			"model_limits":         "claude-3",
		})

		w := env.do(t, "POST", "/api/v1/credentials/"+cred.ID.String()+"/use", gin.H{
			"model":     "gpt-4",
			"source_ip": "203.0.113.7",
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "model")
	})

	t.Run("quota", func(t *testing.T) {
		cred := env.issueOne(t, uuid.New(), gin.H{"name": "broke", "remain_quota": 3})

		w := env.do(t, "POST", "/api/v1/credentials/"+cred.ID.String()+"/use", gin.H{
			"model":     "gpt-4",
			"source_ip": "203.0.113.7",
			"amount":    10,
		})
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Contains(t, w.Body.String(), "42901")
	})

	t.Run("rate limit", func(t *testing.T) {
		cred := env.issueOne(t, uuid.New(), gin.H{
			"name":       "limited",
			"rate_limit": gin.H{"enabled": true, "period": 60, "count": 1, "success": 10},
		})

		use := func() *httptest.ResponseRecorder {
			return env.do(t, "POST", "/api/v1/credentials/"+cred.ID.String()+"/use", gin.H{
				"model":     "gpt-4",
				"source_ip": "203.0.113.7",
			})
		}
		require.Equal(t, http.StatusOK, use().Code)

		w := use()
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Contains(t, w.Body.String(), "42902")
	})

	t.Run("unknown credential", func(t *testing.T) {
		w := env.do(t, "POST", "/api/v1/credentials/"+uuid.New().String()+"/use", gin.H{
			"model": "gpt-4",
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestCatalogEndpoints(t *testing.T) {
	env := newTestEnv()

	w := env.do(t, "GET", "/api/v1/catalog/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gpt-4")

	w = env.do(t, "GET", "/api/v1/catalog/groups", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "default")
}

func TestErrorResponseCarriesRequestID(t *testing.T) {
	env := newTestEnv()

	w := env.do(t, "GET", "/api/v1/credentials/"+uuid.New().String(), nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp struct {
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
}
