package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	chargedomain "github.com/smallbiznis/tokenmeter/internal/charge/domain"
	obsmiddleware "github.com/smallbiznis/tokenmeter/internal/observability/logger"
	"github.com/smallbiznis/tokenmeter/internal/tier"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	"go.uber.org/zap"
)

const HeaderIdempotencyKey = "Idempotency-Key"

type reportUsageRequest struct {
	ClientID       string     `json:"client_id"`
	TokensUsed     int64      `json:"tokens_used"`
	Responses      int64      `json:"responses"`
	OccurredAt     *time.Time `json:"occurred_at"`
	IdempotencyKey string     `json:"idempotency_key"`
}

type reportUsageResponse struct {
	ClientID             string                 `json:"client_id"`
	TotalTokens          int64                  `json:"total_tokens"`
	TotalResponses       int64                  `json:"total_responses"`
	IncludedAllowance    int64                  `json:"included_allowance"`
	CurrentTier          string                 `json:"current_tier"`
	BillingPeriodStart   time.Time              `json:"billing_period_start"`
	BillingPeriodEnd     time.Time              `json:"billing_period_end"`
	Deduplicated         bool                   `json:"deduplicated"`
	TierChargesTriggered []chargedomain.Outcome `json:"tier_charges_triggered"`
}

// ReportUsage records a usage delta and charges every tier it made owed.
// Charge problems never fail the request; they are reported per tier.
func (s *Server) ReportUsage(c *gin.Context) {
	var req reportUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	}
	record := usagedomain.RecordUsageRequest{
		ClientID:       strings.TrimSpace(req.ClientID),
		Tokens:         req.TokensUsed,
		Responses:      req.Responses,
		IdempotencyKey: key,
	}
	if req.OccurredAt != nil {
		record.OccurredAt = req.OccurredAt.UTC()
	}
	c.Set(obsmiddleware.ClientIDKey, record.ClientID)

	ctx := c.Request.Context()
	result, err := s.usagesvc.RecordUsage(ctx, record)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	outcomes, err := s.chargeSvc.ProcessCrossedTiers(ctx, result.ClientID, result.Crossed)
	if err != nil {
		obsmiddleware.WithContext(ctx, s.log).Error("tier charge processing failed",
			zap.String("client_id", result.ClientID),
			zap.Error(err),
		)
	}
	if outcomes == nil {
		outcomes = []chargedomain.Outcome{}
	}
	c.Set(obsmiddleware.TierChargesKey, len(outcomes))

	calc := s.calculator()
	c.JSON(http.StatusOK, reportUsageResponse{
		ClientID:             result.ClientID,
		TotalTokens:          result.CumulativeTokens,
		TotalResponses:       result.CumulativeResponses,
		IncludedAllowance:    result.IncludedAllowance,
		CurrentTier:          calc.CurrentLabel(result.CumulativeTokens, result.IncludedAllowance),
		BillingPeriodStart:   result.Period.Start,
		BillingPeriodEnd:     result.Period.End,
		Deduplicated:         result.Deduplicated,
		TierChargesTriggered: outcomes,
	})
}

func (s *Server) calculator() tier.Calculator {
	cfg := s.billing.Get()
	return tier.Calculator{TierSize: cfg.TierSizeTokens, AmountCents: cfg.TierAmountCents}
}
