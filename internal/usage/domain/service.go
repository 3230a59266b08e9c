package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/tokenmeter/internal/billingcycle"
	"github.com/smallbiznis/tokenmeter/internal/tier"
	"gorm.io/gorm"
)

type RecordUsageRequest struct {
	ClientID       string    `json:"client_id"`
	Tokens         int64     `json:"tokens_used"`
	Responses      int64     `json:"responses"`
	OccurredAt     time.Time `json:"occurred_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type RecordUsageResult struct {
	ClientID            string              `json:"client_id"`
	CumulativeTokens    int64               `json:"total_tokens"`
	CumulativeResponses int64               `json:"total_responses"`
	IncludedAllowance   int64               `json:"included_allowance"`
	Period              billingcycle.Period `json:"billing_period"`
	Crossed             []tier.Crossing     `json:"crossed_tiers"`
	Deduplicated        bool                `json:"deduplicated"`
}

type SetAnchorDayRequest struct {
	ClientID string `json:"client_id"`
	Day      int    `json:"day"`
	// Reset replaces an existing anchor and restarts the period counters.
	Reset bool `json:"reset"`
}

// AccountMutation runs while the account row is locked. Returning an error
// rolls the mutation back.
type AccountMutation func(acct *BillingAccount) error

type Service interface {
	RecordUsage(ctx context.Context, req RecordUsageRequest) (*RecordUsageResult, error)
	SetAnchorDay(ctx context.Context, req SetAnchorDayRequest) (*BillingAccount, error)
	GetAccount(ctx context.Context, clientID string) (*BillingAccount, error)
	EnsureAccount(ctx context.Context, clientID string) (*BillingAccount, error)
	FindByProviderCustomer(ctx context.Context, providerCustomerID string) (*BillingAccount, error)
	UpdateAccount(ctx context.Context, clientID string, fn AccountMutation) (*BillingAccount, error)
	UpdateAccountTx(ctx context.Context, tx *gorm.DB, clientID string, fn AccountMutation) (*BillingAccount, error)
	RecordChargeSucceeded(ctx context.Context, clientID string, amountCents int64) error
	RecordChargeSucceededTx(ctx context.Context, tx *gorm.DB, clientID string, amountCents int64) error
}

var (
	ErrInvalidClient    = errors.New("invalid_client")
	ErrInvalidTokens    = errors.New("invalid_tokens")
	ErrInvalidResponses = errors.New("invalid_responses")
	ErrEmptyUsage       = errors.New("empty_usage")
	ErrInvalidAnchorDay = errors.New("invalid_anchor_day")
	ErrAccountNotFound  = errors.New("account_not_found")
	ErrStalePeriod      = errors.New("stale_period")
)
