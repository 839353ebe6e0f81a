package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/castellan/castellan/internal/catalog"
	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/credential"
	"github.com/castellan/castellan/internal/engine"
	apierrors "github.com/castellan/castellan/internal/errors"
	"github.com/castellan/castellan/internal/logging"
	"github.com/castellan/castellan/internal/middleware"
	"github.com/castellan/castellan/internal/models"
	"github.com/castellan/castellan/internal/monitoring"
	"github.com/castellan/castellan/internal/provision"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HealthChecker is a backing service the health endpoint pings.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// APIServer represents the main API server
type APIServer struct {
	config      *config.Config
	router      *gin.Engine
	store       credential.Store
	provisioner *provision.Provisioner
	engine      *engine.Engine
	registry    catalog.Registry
	checks      []HealthChecker
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.Config, store credential.Store, prov *provision.Provisioner, eng *engine.Engine, registry catalog.Registry, checks ...HealthChecker) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware in order
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &APIServer{
		config:      cfg,
		router:      router,
		store:       store,
		provisioner: prov,
		engine:      eng,
		registry:    registry,
		checks:      checks,
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	// Health check
	s.router.GET("/health", s.healthCheck)

	// Metrics are also exposed here for deployments without the dedicated
	// metrics listener.
	s.router.GET("/metrics", monitoring.GinHandler())

	// API v1 routes
	v1 := s.router.Group("/api/v1")
	{
		// Credential lifecycle
		credentials := v1.Group("/credentials")
		{
			credentials.POST("", s.handleIssueCredentials)
			credentials.GET("", s.handleListCredentials)
			credentials.GET("/:id", s.handleGetCredential)
			credentials.PUT("/:id", s.handleUpdateCredential)
			credentials.DELETE("/:id", s.handleDeleteCredential)
			credentials.POST("/:id/use", s.handleUseCredential)
		}

		// Catalog routes (public)
		catalogGroup := v1.Group("/catalog")
		{
			catalogGroup.GET("/models", s.handleCatalogModels)
			catalogGroup.GET("/groups", s.handleCatalogGroups)
		}
	}
}

// healthCheck pings every backing service and reports degraded when any
// of them fails.
func (s *APIServer) healthCheck(c *gin.Context) {
	for _, check := range s.checks {
		if err := check.Health(c.Request.Context()); err != nil {
			logging.LogError(err, middleware.GetRequestIDFromContext(c), "server", "health_check")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "degraded",
				"service": s.config.Server.Name,
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": s.config.Server.Name,
	})
}

// IssueRequest is the batch issuance payload. Template carries every
// per-credential field; Count defaults to 1.
type IssueRequest struct {
	OwnerID  uuid.UUID         `json:"owner_id" binding:"required"`
	Count    int               `json:"count"`
	Template models.Credential `json:"template"`
}

// handleIssueCredentials issues one or more credentials from a template.
// A partial batch reports the records issued before the failure and the
// index of the failing item.
func (s *APIServer) handleIssueCredentials(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}

	tmpl := req.Template
	tmpl.OwnerID = req.OwnerID

	result, err := s.provisioner.IssueBatch(c.Request.Context(), &tmpl, req.Count)
	if err != nil {
		switch {
		case errors.Is(err, provision.ErrInvalidCount),
			errors.Is(err, provision.ErrNameRequired),
			errors.Is(err, provision.ErrNegativeQuota),
			errors.Is(err, provision.ErrInvalidExpiry),
			errors.Is(err, provision.ErrEmptyModelScope):
			respondError(c, apierrors.NewInvalidRequestError(err.Error()))
			return
		}
		if result == nil {
			logging.LogError(err, middleware.GetRequestIDFromContext(c), "server", "issue_credentials")
			respondError(c, apierrors.ErrStoreFailureError)
			return
		}
		// Partial batch: some records were issued before the store failed.
		logging.LogBatchIssue(middleware.GetRequestIDFromContext(c), req.OwnerID.String(),
			req.Count, result.SuccessCount, result.FailedAtIndex)
		c.JSON(http.StatusMultiStatus, result)
		return
	}

	logging.LogBatchIssue(middleware.GetRequestIDFromContext(c), req.OwnerID.String(),
		req.Count, result.SuccessCount, result.FailedAtIndex)
	c.JSON(http.StatusCreated, result)
}

// handleListCredentials lists credentials for an owner
func (s *APIServer) handleListCredentials(c *gin.Context) {
	ownerID, err := uuid.Parse(c.Query("owner"))
	if err != nil {
		respondError(c, apierrors.NewInvalidRequestError("Query parameter 'owner' must be a UUID"))
		return
	}

	creds, err := s.store.ListByOwner(c.Request.Context(), ownerID)
	if err != nil {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "server", "list_credentials")
		respondError(c, apierrors.ErrStoreFailureError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"credentials": creds, "count": len(creds)})
}

// handleGetCredential fetches a single credential by id
func (s *APIServer) handleGetCredential(c *gin.Context) {
	id, ok := s.credentialID(c)
	if !ok {
		return
	}

	cred, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		s.respondStoreError(c, err, "get_credential")
		return
	}

	c.JSON(http.StatusOK, cred)
}

// handleUpdateCredential applies a partial update to a credential
func (s *APIServer) handleUpdateCredential(c *gin.Context) {
	id, ok := s.credentialID(c)
	if !ok {
		return
	}

	var delta models.CredentialDelta
	if err := c.ShouldBindJSON(&delta); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}
	if delta.AllowIPs != nil {
		if err := delta.AllowIPs.Validate(); err != nil {
			respondError(c, apierrors.NewValidationError(err.Error()))
			return
		}
	}
	if delta.RemainQuota != nil && *delta.RemainQuota < 0 {
		respondError(c, apierrors.NewInvalidRequestError("remain_quota must not be negative"))
		return
	}
	if delta.ExpiredTime != nil && *delta.ExpiredTime < models.NeverExpires {
		respondError(c, apierrors.NewInvalidRequestError("expired_time must be a unix timestamp or -1"))
		return
	}

	cred, err := s.store.Update(c.Request.Context(), id, &delta)
	if err != nil {
		s.respondStoreError(c, err, "update_credential")
		return
	}

	// A changed rate limit starts counting from a fresh window.
	if delta.RateLimit != nil {
		if err := s.engine.Forget(c.Request.Context(), id); err != nil {
			logging.LogError(err, middleware.GetRequestIDFromContext(c), "server", "update_credential")
		}
	}

	c.JSON(http.StatusOK, cred)
}

// handleDeleteCredential removes a credential
func (s *APIServer) handleDeleteCredential(c *gin.Context) {
	id, ok := s.credentialID(c)
	if !ok {
		return
	}

	if err := s.store.Delete(c.Request.Context(), id); err != nil {
		s.respondStoreError(c, err, "delete_credential")
		return
	}

	// Drop the rate-limit window so the limiter does not retain state for
	// a credential that no longer exists.
	if err := s.engine.Forget(c.Request.Context(), id); err != nil {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "server", "delete_credential")
	}

	monitoring.RecordCredentialDeleted()
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// handleUseCredential runs the full policy path for one use attempt
func (s *APIServer) handleUseCredential(c *gin.Context) {
	id, ok := s.credentialID(c)
	if !ok {
		return
	}

	var req engine.UseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}
	if req.SourceIP == "" {
		req.SourceIP = c.ClientIP()
	}

	result, err := s.engine.Use(c.Request.Context(), id, &req)
	if err != nil {
		s.respondStoreError(c, err, "use_credential")
		return
	}

	outcome := "allowed"
	if !result.Allowed {
		outcome = "denied"
	}
	logging.LogPolicyDecision(middleware.GetRequestIDFromContext(c), id.String(),
		req.Model, req.SourceIP, outcome, result.Reason, result.RemainingQuota)

	if result.Allowed {
		c.JSON(http.StatusOK, result)
		return
	}

	switch result.Reason {
	case engine.ReasonQuotaExhausted:
		respondError(c, apierrors.ErrQuotaExhaustedError)
	case engine.ReasonRateLimited:
		respondError(c, apierrors.ErrRateLimitedError)
	default:
		respondError(c, apierrors.NewScopeDeniedError(result.Reason))
	}
}

// handleCatalogModels lists the models known to the upstream catalog
func (s *APIServer) handleCatalogModels(c *gin.Context) {
	names, err := s.registry.Models(c.Request.Context())
	if err != nil {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "server", "catalog_models")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": names})
}

// handleCatalogGroups lists the pricing groups and their ratios
func (s *APIServer) handleCatalogGroups(c *gin.Context) {
	groups, err := s.registry.Groups(c.Request.Context())
	if err != nil {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "server", "catalog_groups")
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (s *APIServer) credentialID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.NewInvalidRequestError("Path parameter 'id' must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func (s *APIServer) respondStoreError(c *gin.Context, err error, operation string) {
	if errors.Is(err, credential.ErrNotFound) {
		respondError(c, apierrors.ErrCredentialNotFoundError)
		return
	}
	logging.LogError(err, middleware.GetRequestIDFromContext(c), "server", operation)
	respondError(c, apierrors.ErrStoreFailureError)
}

// respondError sends a standardized error response
func respondError(c *gin.Context, err *apierrors.APIError) {
	requestID, _ := c.Get("request_id")
	reqIDStr, _ := requestID.(string)

	c.JSON(err.HTTPStatus, apierrors.ErrorResponse{
		Error:     *err,
		RequestID: reqIDStr,
	})
}
