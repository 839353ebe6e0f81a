package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Credential lifecycle metrics
	CredentialsIssued  prometheus.Counter
	CredentialsDeleted prometheus.Counter
	BatchSize          prometheus.Histogram
	BatchFailures      prometheus.Counter

	// Quota metrics. Unlabeled so series cardinality stays flat no matter
	// how many credentials exist; per-credential balances live in the store.
	QuotaDebited prometheus.Counter
	QuotaDenied  prometheus.Counter

	// Policy metrics
	RateLimitHits prometheus.Counter
	ScopeDenials  *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

var metrics *Metrics

// Init initializes all Prometheus metrics
func Init() *Metrics {
	if metrics != nil {
		return metrics
	}

	metrics = &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		CredentialsIssued: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credentials_issued_total",
				Help: "Total number of credentials issued",
			},
		),
		CredentialsDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credentials_deleted_total",
				Help: "Total number of credentials deleted",
			},
		),
		BatchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "credential_batch_size",
				Help:    "Requested size of credential issuance batches",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
			},
		),
		BatchFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credential_batch_failures_total",
				Help: "Total number of batches that stopped early on a failure",
			},
		),

		QuotaDebited: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "quota_debited_total",
				Help: "Total quota units debited",
			},
		),
		QuotaDenied: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "quota_denied_total",
				Help: "Total check-and-debit denials",
			},
		),

		RateLimitHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limit_hits_total",
				Help: "Total number of rate limit rejections",
			},
		),
		ScopeDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scope_denials_total",
				Help: "Total number of scope denials by reason",
			},
			[]string{"reason"},
		),

		DBConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	return metrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	if metrics == nil {
		return Init()
	}
	return metrics
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler returns a Gin-compatible handler for Prometheus metrics
func GinHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// RecordCredentialIssued records a credential creation
func RecordCredentialIssued() {
	Get().CredentialsIssued.Inc()
}

// RecordCredentialDeleted records a credential deletion
func RecordCredentialDeleted() {
	Get().CredentialsDeleted.Inc()
}

// RecordBatch records a batch issuance request and whether it stopped early
func RecordBatch(requested int, failed bool) {
	Get().BatchSize.Observe(float64(requested))
	if failed {
		Get().BatchFailures.Inc()
	}
}

// RecordQuotaDebit records debited quota units
func RecordQuotaDebit(amount float64) {
	Get().QuotaDebited.Add(amount)
}

// RecordQuotaDenied records a check-and-debit denial
func RecordQuotaDenied() {
	Get().QuotaDenied.Inc()
}

// RecordRateLimitHit records a rate limit rejection
func RecordRateLimitHit() {
	Get().RateLimitHits.Inc()
}

// RecordScopeDenial records a scope denial by reason
func RecordScopeDenial(reason string) {
	Get().ScopeDenials.WithLabelValues(reason).Inc()
}

// SetDBConnections sets database connection metrics
func SetDBConnections(active, idle int) {
	Get().DBConnectionsActive.Set(float64(active))
	Get().DBConnectionsIdle.Set(float64(idle))
}
