package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenmeter/internal/tier"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// TierCharge is the charge attempt for one overage band of a client. The
// (client, label) key is unique across all billing periods, so a band is
// charged at most once for the lifetime of the client. BillingPeriodStart
// records the period the band was first entered in.
type TierCharge struct {
	ID                     snowflake.ID `json:"id" gorm:"primaryKey"`
	ClientID               string       `json:"client_id" gorm:"type:text;not null;uniqueIndex:ux_tier_charges_client_label"`
	BillingPeriodStart     time.Time    `json:"billing_period_start" gorm:"not null"`
	TierLabel              string       `json:"tier_label" gorm:"type:text;not null;uniqueIndex:ux_tier_charges_client_label"`
	TierUpperBoundTokens   int64        `json:"tier_upper_bound_tokens" gorm:"not null"`
	TokensUsedAtChargeTime int64        `json:"tokens_used_at_charge_time" gorm:"not null"`
	AmountChargedCents     int64        `json:"amount_charged_cents" gorm:"not null"`
	Currency               string       `json:"currency" gorm:"type:text;not null"`
	IdempotencyKey         string       `json:"idempotency_key" gorm:"type:text;not null;index"`
	PaymentReference       string       `json:"payment_reference" gorm:"type:text"`
	Status                 Status       `json:"status" gorm:"type:text;not null;index"`
	FailureReason          string       `json:"failure_reason" gorm:"type:text"`
	Attempts               int          `json:"attempts" gorm:"not null"`
	ChargedAt              *time.Time   `json:"charged_at"`
	CreatedAt              time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt              time.Time    `json:"updated_at" gorm:"not null;index"`
}

func (TierCharge) TableName() string { return "tier_charges" }

// Band rebuilds the band a stored row was created for.
func (c TierCharge) Band(tierSize int64) tier.Crossing {
	return tier.Crossing{
		Label:       c.TierLabel,
		LowerBound:  c.TierUpperBoundTokens - tierSize,
		UpperBound:  c.TierUpperBoundTokens,
		AmountCents: c.AmountChargedCents,
	}
}

// IdempotencyKey is identical on every attempt for the same band, in any
// billing period.
func IdempotencyKey(clientID, label string) string {
	return fmt.Sprintf("tier:%s:%s", clientID, label)
}

type OutcomeStatus string

const (
	OutcomeSucceeded  OutcomeStatus = "succeeded"
	OutcomeSkipped    OutcomeStatus = "skipped"
	OutcomeInProgress OutcomeStatus = "in_progress"
	OutcomePending    OutcomeStatus = "pending"
	OutcomeFailed     OutcomeStatus = "failed"
	OutcomeDeferred   OutcomeStatus = "deferred"
)

// Outcome reports what happened to one band in a processor run.
type Outcome struct {
	TierLabel        string        `json:"tier_label"`
	AmountCents      int64         `json:"amount_cents"`
	Status           OutcomeStatus `json:"status"`
	PaymentReference string        `json:"payment_reference,omitempty"`
	Error            string        `json:"error,omitempty"`
	Err              error         `json:"-"`
}
