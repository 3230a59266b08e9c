package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord tracks every provider webhook delivery by its provider event id.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_webhook_events_provider_event"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_webhook_events_provider_event"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	ClientID        string         `json:"client_id" gorm:"type:text;index"`
	Payload         datatypes.JSON `json:"payload" gorm:"not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_webhook_events" }

type WebhookEventType string

const (
	EventSubscriptionCreated     WebhookEventType = "subscription.created"
	EventSubscriptionUpdated     WebhookEventType = "subscription.updated"
	EventSubscriptionDeleted     WebhookEventType = "subscription.deleted"
	EventSubscriptionPaused      WebhookEventType = "subscription.paused"
	EventSubscriptionResumed     WebhookEventType = "subscription.resumed"
	EventInvoicePaymentSucceeded WebhookEventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    WebhookEventType = "invoice.payment_failed"
	EventUnknown                 WebhookEventType = "unknown"
)

// EventTypeFromProvider maps provider event names onto the lifecycle events
// the billing engine reacts to.
func EventTypeFromProvider(raw string) WebhookEventType {
	switch raw {
	case "customer.subscription.created":
		return EventSubscriptionCreated
	case "customer.subscription.updated":
		return EventSubscriptionUpdated
	case "customer.subscription.deleted":
		return EventSubscriptionDeleted
	case "customer.subscription.paused":
		return EventSubscriptionPaused
	case "customer.subscription.resumed":
		return EventSubscriptionResumed
	case "invoice.payment_succeeded", "invoice.paid":
		return EventInvoicePaymentSucceeded
	case "invoice.payment_failed":
		return EventInvoicePaymentFailed
	default:
		return EventUnknown
	}
}

// WebhookEvent is the provider-neutral subset of a lifecycle webhook.
type WebhookEvent struct {
	Provider               string
	ProviderEventID        string
	Type                   WebhookEventType
	RawType                string
	ClientID               string
	ProviderCustomerID     string
	ProviderSubscriptionID string
	AmountCents            int64
	Currency               string
	// SubscriptionStartedAt is set on subscription events and drives the
	// billing anchor day.
	SubscriptionStartedAt time.Time
	OccurredAt            time.Time
	Payload               []byte
}

type ChargeStatus string

const (
	ChargeStatusSucceeded ChargeStatus = "succeeded"
	ChargeStatusPending   ChargeStatus = "pending"
	ChargeStatusFailed    ChargeStatus = "failed"
)

type CreateCustomerRequest struct {
	ClientID string
	Email    string
	Name     string
}

type ChargeRequest struct {
	CustomerID     string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

type ChargeResult struct {
	Reference     string
	Status        ChargeStatus
	AmountCents   int64
	FailureReason string
}
