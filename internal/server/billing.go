package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	chargedomain "github.com/smallbiznis/tokenmeter/internal/charge/domain"
	"github.com/smallbiznis/tokenmeter/internal/tier"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	"github.com/smallbiznis/tokenmeter/pkg/db/pagination"
)

type billingSummaryResponse struct {
	ClientID                 string     `json:"client_id"`
	Status                   string     `json:"status"`
	SubscriptionAnchorDay    *int       `json:"subscription_anchor_day"`
	BillingPeriodStart       time.Time  `json:"billing_period_start"`
	BillingPeriodEnd         time.Time  `json:"billing_period_end"`
	TokensUsed               int64      `json:"tokens_used"`
	Responses                int64      `json:"responses"`
	AverageTokensPerResponse string     `json:"average_tokens_per_response"`
	IncludedAllowance        int64      `json:"included_allowance"`
	IncludedAllowanceLabel   string     `json:"included_allowance_label"`
	CurrentTier              string     `json:"current_tier"`
	Currency                 string     `json:"currency"`
	TotalChargedCents        int64      `json:"total_charged_cents"`
	TotalCharged             string     `json:"total_charged"`
	FixedFeeChargedCents     int64      `json:"fixed_fee_charged_cents"`
	PaymentFailureCount      int        `json:"payment_failure_count"`
	StatusChangedAt          *time.Time `json:"status_changed_at,omitempty"`
}

type listTierChargesRequest struct {
	pagination.Pagination
}

type listTierChargesResponse struct {
	Data     []chargedomain.TierCharge `json:"data"`
	PageInfo *pagination.PageInfo      `json:"page_info"`
}

type setAnchorDayRequest struct {
	Day   int  `json:"day"`
	Reset bool `json:"reset"`
}

func (s *Server) GetBillingSummary(c *gin.Context) {
	clientID := strings.TrimSpace(c.Param("client_id"))
	acct, err := s.usagesvc.GetAccount(c.Request.Context(), clientID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	view := acct.AsOf(s.clock.Now().UTC())
	cfg := s.billing.Get()
	c.JSON(http.StatusOK, billingSummaryResponse{
		ClientID:                 view.ClientID,
		Status:                   string(view.Status),
		SubscriptionAnchorDay:    view.SubscriptionAnchorDay,
		BillingPeriodStart:       view.BillingPeriodStart.UTC(),
		BillingPeriodEnd:         view.BillingPeriodEnd.UTC(),
		TokensUsed:               view.TokensUsedInPeriod,
		Responses:                view.ResponsesInPeriod,
		AverageTokensPerResponse: averagePerResponse(view.TokensUsedInPeriod, view.ResponsesInPeriod),
		IncludedAllowance:        view.IncludedAllowance,
		IncludedAllowanceLabel:   tier.FormatTokens(view.IncludedAllowance),
		CurrentTier:              s.calculator().CurrentLabel(view.TokensUsedInPeriod, view.IncludedAllowance),
		Currency:                 cfg.Currency,
		TotalChargedCents:        view.TotalAmountChargedCents,
		TotalCharged:             formatCents(view.TotalAmountChargedCents),
		FixedFeeChargedCents:     view.FixedFeeChargedCents,
		PaymentFailureCount:      view.PaymentFailureCount,
		StatusChangedAt:          view.StatusChangedAt,
	})
}

func (s *Server) ListTierCharges(c *gin.Context) {
	var query listTierChargesRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.chargeSvc.ListCharges(c.Request.Context(), chargedomain.ListChargesRequest{
		ClientID:   strings.TrimSpace(c.Param("client_id")),
		Pagination: query.Pagination,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	data := resp.Charges
	if data == nil {
		data = []chargedomain.TierCharge{}
	}
	c.JSON(http.StatusOK, listTierChargesResponse{Data: data, PageInfo: resp.PageInfo})
}

func (s *Server) SetAnchorDay(c *gin.Context) {
	var req setAnchorDayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	acct, err := s.usagesvc.SetAnchorDay(c.Request.Context(), usagedomain.SetAnchorDayRequest{
		ClientID: strings.TrimSpace(c.Param("client_id")),
		Day:      req.Day,
		Reset:    req.Reset,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": acct})
}

func (s *Server) RecomputeAllowance(c *gin.Context) {
	clientID := strings.TrimSpace(c.Param("client_id"))
	allowance, err := s.allowanceSvc.RecomputeAllowance(c.Request.Context(), clientID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"client_id":                clientID,
		"included_allowance":       allowance,
		"included_allowance_label": tier.FormatTokens(allowance),
	})
}

func averagePerResponse(tokens, responses int64) string {
	if responses <= 0 {
		return "0.00"
	}
	return decimal.NewFromInt(tokens).Div(decimal.NewFromInt(responses)).StringFixed(2)
}

func formatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
