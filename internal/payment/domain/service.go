package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Gateway is the charging side of a payment provider. Charge must be safe to
// repeat with the same idempotency key.
type Gateway interface {
	Provider() string
	CreateCustomer(ctx context.Context, req CreateCustomerRequest) (string, error)
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// FindCharge returns nil when the provider has no charge for the key.
	FindCharge(ctx context.Context, idempotencyKey string) (*ChargeResult, error)
}

type WebhookVerifier interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*WebhookEvent, error)
}

type PaymentAdapter interface {
	Gateway
	WebhookVerifier
}

type AdapterConfig struct {
	SecretKey     string
	WebhookSecret string
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

// EventHandler consumes verified webhook events.
type EventHandler interface {
	Handle(ctx context.Context, event *WebhookEvent) error
}

type Service interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}

type Repository interface {
	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}

var (
	ErrInvalidProvider    = errors.New("invalid_provider")
	ErrProviderNotFound   = errors.New("provider_not_found")
	ErrInvalidConfig      = errors.New("invalid_config")
	ErrInvalidSignature   = errors.New("invalid_signature")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrInvalidEvent       = errors.New("invalid_event")
	ErrInvalidCustomer    = errors.New("invalid_customer")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrChargeDeclined     = errors.New("charge_declined")
	ErrChargeRejected     = errors.New("charge_rejected")
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
)
