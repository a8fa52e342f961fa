package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yashrajoria/commerce-webhooks/services/common/logger"
)

// RequestLogger emits one structured line per request: 5xx at Error, 4xx at
// Warn, health probes at Debug, everything else at Info. Causes attached
// with c.Error are logged even though responses never include them.
func RequestLogger(l *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("body_size", c.Writer.Size()),
			zap.String(logger.RequestIDKey, logger.RequestIDFrom(c.Request.Context())),
		}
		if last := c.Errors.Last(); last != nil {
			fields = append(fields, zap.String("error", last.Error()))
		}

		level := zapcore.InfoLevel
		switch {
		case status >= 500:
			level = zapcore.ErrorLevel
		case status >= 400:
			level = zapcore.WarnLevel
		case c.FullPath() == "/health":
			level = zapcore.DebugLevel
		}
		if ce := l.Check(level, "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}
