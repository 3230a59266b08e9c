// Package domain contains the per-client metering ledger models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenmeter/internal/billingcycle"
)

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusPaused    AccountStatus = "paused"
	AccountStatusCancelled AccountStatus = "cancelled"
)

// BillingAccount is the single mutable record per client. Counters only move
// forward within a period and are reset when a new period starts.
type BillingAccount struct {
	ID                      snowflake.ID  `json:"id" gorm:"primaryKey"`
	ClientID                string        `json:"client_id" gorm:"type:text;not null;uniqueIndex"`
	SubscriptionAnchorDay   *int          `json:"subscription_anchor_day"`
	BillingPeriodStart      time.Time     `json:"billing_period_start" gorm:"not null"`
	BillingPeriodEnd        time.Time     `json:"billing_period_end" gorm:"not null"`
	TokensUsedInPeriod      int64         `json:"tokens_used_in_period" gorm:"not null"`
	ResponsesInPeriod       int64         `json:"responses_in_period" gorm:"not null"`
	IncludedAllowance       int64         `json:"included_allowance" gorm:"not null"`
	FixedFeeChargedCents    int64         `json:"fixed_fee_charged_cents" gorm:"not null"`
	TotalAmountChargedCents int64         `json:"total_amount_charged_cents" gorm:"not null"`
	ProviderCustomerID      string        `json:"provider_customer_id" gorm:"type:text;index"`
	ProviderSubscriptionID  string        `json:"provider_subscription_id" gorm:"type:text"`
	PaymentFailureCount     int           `json:"payment_failure_count" gorm:"not null"`
	Status                  AccountStatus `json:"status" gorm:"type:text;not null"`
	StatusChangedAt         *time.Time    `json:"status_changed_at"`
	CreatedAt               time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt               time.Time     `json:"updated_at" gorm:"not null"`
}

func (BillingAccount) TableName() string { return "billing_accounts" }

// AnchorDay falls back to the creation day until a subscription sets one.
func (a BillingAccount) AnchorDay() int {
	if a.SubscriptionAnchorDay != nil {
		return *a.SubscriptionAnchorDay
	}
	return billingcycle.ProvisionalAnchorDay(a.CreatedAt)
}

func (a BillingAccount) HasAnchor() bool {
	return a.SubscriptionAnchorDay != nil
}

func (a BillingAccount) Period() billingcycle.Period {
	return billingcycle.Period{Start: a.BillingPeriodStart.UTC(), End: a.BillingPeriodEnd.UTC()}
}

// AsOf returns the account as it would look at now without persisting a
// rollover.
func (a BillingAccount) AsOf(now time.Time) BillingAccount {
	if a.BillingPeriodEnd.IsZero() || now.Before(a.BillingPeriodEnd) {
		return a
	}
	period, err := billingcycle.Resolve(a.AnchorDay(), now)
	if err != nil {
		return a
	}
	a.BillingPeriodStart = period.Start
	a.BillingPeriodEnd = period.End
	a.TokensUsedInPeriod = 0
	a.ResponsesInPeriod = 0
	return a
}

// ApplyAnchorDay sets the subscription anchor. An existing anchor is kept
// unless reset is true. Without reset, an account that already consumed in
// its provisional period keeps that period and moves to the anchor at the
// next rollover; reset restarts the period and its counters from now.
func (a *BillingAccount) ApplyAnchorDay(day int, reset bool, now time.Time) error {
	if err := billingcycle.ValidateAnchorDay(day); err != nil {
		return ErrInvalidAnchorDay
	}
	if a.HasAnchor() && !reset {
		return nil
	}
	a.SubscriptionAnchorDay = &day

	if !reset && (a.TokensUsedInPeriod > 0 || a.ResponsesInPeriod > 0) {
		return nil
	}
	period, err := billingcycle.Resolve(day, now)
	if err != nil {
		return err
	}
	a.BillingPeriodStart = period.Start
	a.BillingPeriodEnd = period.End
	if reset {
		a.TokensUsedInPeriod = 0
		a.ResponsesInPeriod = 0
	}
	return nil
}

func (a BillingAccount) IsCancelled() bool {
	return a.Status == AccountStatusCancelled
}

// UsageReport records an accepted usage delta keyed by the caller's
// idempotency key so retried reports are applied once.
type UsageReport struct {
	ID                  snowflake.ID `json:"id" gorm:"primaryKey"`
	ClientID            string       `json:"client_id" gorm:"type:text;not null;uniqueIndex:ux_usage_reports_client_key"`
	IdempotencyKey      string       `json:"idempotency_key" gorm:"type:text;not null;uniqueIndex:ux_usage_reports_client_key"`
	Tokens              int64        `json:"tokens" gorm:"not null"`
	Responses           int64        `json:"responses" gorm:"not null"`
	OccurredAt          time.Time    `json:"occurred_at" gorm:"not null"`
	BillingPeriodStart  time.Time    `json:"billing_period_start" gorm:"not null"`
	CumulativeTokens    int64        `json:"cumulative_tokens" gorm:"not null"`
	CumulativeResponses int64        `json:"cumulative_responses" gorm:"not null"`
	CreatedAt           time.Time    `json:"created_at" gorm:"not null"`
}

func (UsageReport) TableName() string { return "usage_reports" }
