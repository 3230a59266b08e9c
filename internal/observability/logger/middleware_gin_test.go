package logger

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newLoggedEngine(t *testing.T, level zapcore.Level) (*gin.Engine, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(level)
	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{
		Log:         zap.New(core),
		QuietRoutes: []string{"/health"},
		ErrorClassifier: func(err error) (string, string) {
			return "server", err.Error()
		},
	}))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/v1/usage", func(c *gin.Context) {
		c.Set(ClientIDKey, "client-a")
		c.Set(TierChargesKey, 2)
		c.Status(http.StatusOK)
	})
	r.GET("/boom", func(c *gin.Context) {
		_ = c.Error(errors.New("internal_error"))
		c.Status(http.StatusInternalServerError)
	})
	return r, logs
}

func TestGinMiddlewareLogsBillingFields(t *testing.T) {
	r, logs := newLoggedEngine(t, zapcore.InfoLevel)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/usage", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/api/v1/usage", fields["route"])
	assert.Equal(t, "client-a", fields["client_id"])
	assert.Equal(t, int64(2), fields["tier_charges"])
	assert.Equal(t, "req-42", fields["request_id"])
}

func TestGinMiddlewareQuietRoutesLogAtDebug(t *testing.T) {
	r, logs := newLoggedEngine(t, zapcore.InfoLevel)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
	assert.Equal(t, 0, logs.Len())
}

func TestGinMiddlewareServerErrorsLogAtError(t *testing.T) {
	r, logs := newLoggedEngine(t, zapcore.InfoLevel)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "internal_error", entries[0].ContextMap()["error_code"])
	assert.Equal(t, "server", entries[0].ContextMap()["error_class"])
}
