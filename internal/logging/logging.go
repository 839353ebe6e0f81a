package logging

import (
	"io"
	"os"
	"time"

	"github.com/castellan/castellan/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger based on configuration
func Setup(cfg *config.LoggingConfig, env string) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer
	if cfg.Format == "json" || env == "production" {
		output = os.Stdout
	} else {
		// Pretty console output for development
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
			NoColor:    false,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "castellan").
		Logger()
}

// NewLogger creates a new logger with additional context
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// RequestLogger is a Gin middleware for structured request logging
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID := c.GetString("request_id")

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		} else if c.Writer.Status() >= 400 {
			event = log.Warn()
		}

		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Int("body_size", c.Writer.Size()).
			Msg("HTTP request")
	}
}

// LogPolicyDecision logs the outcome of a credential use-path evaluation.
func LogPolicyDecision(requestID, credentialID, model, sourceIP, outcome, reason string, remaining int64) {
	event := log.Info()
	if outcome != "allowed" {
		event = log.Warn()
	}

	event.
		Str("request_id", requestID).
		Str("credential_id", credentialID).
		Str("model", model).
		Str("source_ip", sourceIP).
		Str("outcome", outcome).
		Str("reason", reason).
		Int64("remaining_quota", remaining).
		Msg("Policy decision")
}

// LogBatchIssue logs a batch provisioning result.
func LogBatchIssue(requestID, ownerID string, requested, succeeded int, failedAtIndex int) {
	event := log.Info()
	if failedAtIndex >= 0 {
		event = log.Warn()
	}

	event.
		Str("request_id", requestID).
		Str("owner_id", ownerID).
		Int("requested", requested).
		Int("succeeded", succeeded).
		Int("failed_at_index", failedAtIndex).
		Msg("Batch issuance")
}

// LogError logs an error with context
func LogError(err error, requestID, component, operation string) {
	log.Error().
		Err(err).
		Str("request_id", requestID).
		Str("component", component).
		Str("operation", operation).
		Msg("Error occurred")
}
