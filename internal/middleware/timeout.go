package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callorchestrator-backend/pkg/logger"
	"callorchestrator-backend/pkg/metrics"
)

// Timeout bounds the request context. Handlers see the deadline through
// c.Request.Context(); a request that ran past it is logged and counted.
// WebSocket upgrades are long lived and skipped.
func Timeout(timeout time.Duration, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 || strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			m.RecordRequestTimeout(c.Request.Method, c.FullPath())
			logger.Warn("Request timed out",
				zap.Duration("timeout", timeout),
				zap.Duration("duration", time.Since(start)),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path))
		}
	}
}
