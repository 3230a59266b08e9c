package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tokenmeter/internal/billingprovisioning"
	"go.uber.org/zap"
)

const maxWebhookPayloadBytes = 1 << 20

// HandlePaymentWebhook acknowledges duplicate and unsupported events with 200
// so the provider stops redelivering them.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookPayloadBytes))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err = s.paymentSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, billingprovisioning.ErrEventAlreadyProcessed):
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
	case errors.Is(err, billingprovisioning.ErrUnknownWebhookEvent):
		s.log.Info("unsupported payment webhook ignored", zap.String("provider", provider))
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	default:
		AbortWithError(c, err)
	}
}
