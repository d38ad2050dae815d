package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"economy-api/internal/monitoring"
)

// LoggingMiddleware emits one structured log line per request and feeds the
// HTTP metrics. Economy mutations additionally get an audit line.
type LoggingMiddleware struct {
	logger               *logrus.Logger
	excludePaths         []string
	slowRequestThreshold time.Duration
}

func NewLoggingMiddleware(logger *logrus.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{
		logger:               logger,
		excludePaths:         []string{"/health", "/ready", "/metrics"},
		slowRequestThreshold: 2 * time.Second,
	}
}

// RequestLogger logs every request with latency and status.
func (l *LoggingMiddleware) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.shouldExcludePath(c.Request.URL.Path) {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		status := c.Writer.Status()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}

		monitoring.HTTPRequestsTotal.WithLabelValues(c.Request.Method, endpoint, statusLabel(status)).Inc()
		monitoring.HTTPRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(latency.Seconds())

		entry := l.logger.WithFields(logrus.Fields{
			"request_id":  c.GetHeader("X-Request-ID"),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": status,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
		})
		if userID, exists := c.Get("user_id"); exists {
			entry = entry.WithField("user_id", userID)
		}
		if latency > l.slowRequestThreshold {
			entry = entry.WithField("slow_request", true)
		}

		switch {
		case status >= 500:
			entry.Error("Server error")
		case status >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request completed")
		}
	}
}

// AuditLogger records every mutation of balances, inventory or trades with
// enough context to reconstruct who did what.
func (l *LoggingMiddleware) AuditLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "GET" || !l.isEconomyMutation(c.Request.URL.Path) {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		entry := l.logger.WithFields(logrus.Fields{
			"type":        "audit",
			"request_id":  c.GetHeader("X-Request-ID"),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status_code": c.Writer.Status(),
			"success":     c.Writer.Status() < 400,
			"client_ip":   c.ClientIP(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if userID, exists := c.Get("user_id"); exists {
			entry = entry.WithField("user_id", userID)
		}
		if isAdmin, exists := c.Get("is_admin"); exists && isAdmin.(bool) {
			entry = entry.WithField("admin_action", true)
		}
		entry.Info("Audit event")
	}
}

func (l *LoggingMiddleware) shouldExcludePath(path string) bool {
	for _, excluded := range l.excludePaths {
		if strings.HasPrefix(path, excluded) {
			return true
		}
	}
	return false
}

func (l *LoggingMiddleware) isEconomyMutation(path string) bool {
	for _, fragment := range []string{"/ledger", "/inventory", "/nfts", "/trades", "/admin"} {
		if strings.Contains(path, fragment) {
			return true
		}
	}
	return false
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
