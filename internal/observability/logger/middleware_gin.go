package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/tokenmeter/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const HeaderRequestID = "X-Request-Id"

// Gin keys handlers set so the request log carries billing context.
const (
	ClientIDKey    = "client_id"
	TierChargesKey = "tier_charges"
)

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps the last handler error to its class and code.
	ErrorClassifier func(err error) (string, string)
	// QuietRoutes are logged at debug level unless they fail.
	QuietRoutes []string
	// Log defaults to the global logger.
	Log *zap.Logger
}

// GinMiddleware logs one http_request entry per request.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	quiet := make(map[string]bool, len(cfg.QuietRoutes))
	for _, route := range cfg.QuietRoutes {
		quiet[route] = true
	}

	return func(c *gin.Context) {
		start := time.Now()
		requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(HeaderRequestID, requestID)
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if clientID := c.GetString(ClientIDKey); clientID != "" {
			fields = append(fields, zap.String("client_id", clientID))
		}
		if _, ok := c.Get(TierChargesKey); ok {
			fields = append(fields, zap.Int("tier_charges", c.GetInt(TierChargesKey)))
		}

		level := zapcore.InfoLevel
		switch {
		case status >= http.StatusInternalServerError:
			level = zapcore.ErrorLevel
		case quiet[route]:
			level = zapcore.DebugLevel
		}

		if lastErr := c.Errors.Last(); lastErr != nil && cfg.ErrorClassifier != nil {
			class, code := cfg.ErrorClassifier(lastErr.Err)
			fields = append(fields, zap.String("error_class", class), zap.String("error_code", code))
			if cfg.Debug && level == zapcore.ErrorLevel {
				fields = append(fields, zap.Stack("stack"))
			}
		}

		base := cfg.Log
		if base == nil {
			base = zap.L()
		}
		if ce := WithContext(c.Request.Context(), base).Check(level, "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}
