package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/tokenmeter/internal/payment/domain"
	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const providerName = "stripe"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secretKey := strings.TrimSpace(cfg.SecretKey)
	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if secretKey == "" || webhookSecret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	return &Adapter{
		client:        stripego.NewClient(secretKey, nil),
		webhookSecret: webhookSecret,
	}, nil
}

type Adapter struct {
	client        *stripego.Client
	webhookSecret string
}

func (a *Adapter) Provider() string {
	return providerName
}

func (a *Adapter) CreateCustomer(ctx context.Context, req paymentdomain.CreateCustomerRequest) (string, error) {
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		return "", paymentdomain.ErrInvalidCustomer
	}

	params := &stripego.CustomerCreateParams{
		Metadata: map[string]string{
			"client_id": clientID,
		},
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		params.Email = stripego.String(email)
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		params.Name = stripego.String(name)
	}
	params.SetIdempotencyKey("customer:" + clientID)

	customer, err := a.client.V1Customers.Create(ctx, params)
	if err != nil {
		return "", classifyError(err)
	}
	return customer.ID, nil
}

// Charge confirms an off-session PaymentIntent. The idempotency key is sent
// both as the request key and as metadata so FindCharge can search for it.
func (a *Adapter) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	if strings.TrimSpace(req.CustomerID) == "" {
		return nil, paymentdomain.ErrInvalidCustomer
	}
	if req.AmountCents <= 0 {
		return nil, paymentdomain.ErrInvalidAmount
	}

	metadata := map[string]string{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["idempotency_key"] = req.IdempotencyKey

	params := &stripego.PaymentIntentCreateParams{
		Amount:     stripego.Int64(req.AmountCents),
		Currency:   stripego.String(strings.ToLower(req.Currency)),
		Customer:   stripego.String(req.CustomerID),
		OffSession: stripego.Bool(true),
		Confirm:    stripego.Bool(true),
		Metadata:   metadata,
	}
	if req.Description != "" {
		params.Description = stripego.String(req.Description)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	intent, err := a.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		var stripeErr *stripego.Error
		if errors.As(err, &stripeErr) && stripeErr.PaymentIntent != nil && isDefinite(stripeErr) {
			return &paymentdomain.ChargeResult{
				Reference:     stripeErr.PaymentIntent.ID,
				Status:        paymentdomain.ChargeStatusFailed,
				AmountCents:   req.AmountCents,
				FailureReason: failureReason(stripeErr),
			}, classifyError(err)
		}
		return nil, classifyError(err)
	}
	return resultFromIntent(intent), nil
}

func (a *Adapter) FindCharge(ctx context.Context, idempotencyKey string) (*paymentdomain.ChargeResult, error) {
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return nil, nil
	}

	params := &stripego.PaymentIntentSearchParams{}
	params.Query = fmt.Sprintf("metadata['idempotency_key']:'%s'", strings.ReplaceAll(key, "'", "\\'"))
	params.Limit = stripego.Int64(1)

	for intent, err := range a.client.V1PaymentIntents.Search(ctx, params) {
		if err != nil {
			return nil, classifyError(err)
		}
		return resultFromIntent(intent), nil
	}
	return nil, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}
	_, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.WebhookEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	out := &paymentdomain.WebhookEvent{
		Provider:        providerName,
		ProviderEventID: event.ID,
		RawType:         strings.TrimSpace(event.Type),
		Type:            paymentdomain.EventTypeFromProvider(strings.TrimSpace(event.Type)),
		OccurredAt:      timestamp(event.Created, 0),
		Payload:         payload,
	}

	switch out.Type {
	case paymentdomain.EventSubscriptionCreated,
		paymentdomain.EventSubscriptionUpdated,
		paymentdomain.EventSubscriptionDeleted,
		paymentdomain.EventSubscriptionPaused,
		paymentdomain.EventSubscriptionResumed:
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		out.ProviderSubscriptionID = sub.ID
		out.ProviderCustomerID = sub.Customer.ID
		out.ClientID = readMetadataValue(sub.Metadata, "client_id")
		out.SubscriptionStartedAt = timestamp(sub.StartDate, sub.Created)
	case paymentdomain.EventInvoicePaymentSucceeded, paymentdomain.EventInvoicePaymentFailed:
		var inv stripeInvoice
		if err := json.Unmarshal(event.Data.Object, &inv); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		out.ProviderCustomerID = inv.Customer.ID
		out.ProviderSubscriptionID = inv.subscriptionID()
		out.ClientID = inv.clientID()
		out.Currency = strings.ToLower(strings.TrimSpace(inv.Currency))
		out.AmountCents = inv.AmountPaid
		if out.Type == paymentdomain.EventInvoicePaymentFailed || out.AmountCents == 0 {
			out.AmountCents = inv.AmountDue
		}
	}

	return out, nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// expandable decodes a field Stripe sends either as an id or as an object.
type expandable struct {
	ID string
}

func (e *expandable) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		e.ID = strings.TrimSpace(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.ID = strings.TrimSpace(obj.ID)
	return nil
}

type stripeSubscription struct {
	ID        string         `json:"id"`
	Customer  expandable     `json:"customer"`
	Status    string         `json:"status"`
	StartDate int64          `json:"start_date"`
	Created   int64          `json:"created"`
	Metadata  map[string]any `json:"metadata"`
}

type stripeInvoice struct {
	ID                  string         `json:"id"`
	Customer            expandable     `json:"customer"`
	Subscription        *expandable    `json:"subscription"`
	AmountPaid          int64          `json:"amount_paid"`
	AmountDue           int64          `json:"amount_due"`
	Currency            string         `json:"currency"`
	Metadata            map[string]any `json:"metadata"`
	SubscriptionDetails *struct {
		Metadata map[string]any `json:"metadata"`
	} `json:"subscription_details"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription *expandable   `json:"subscription"`
			Metadata     map[string]any `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i stripeInvoice) subscriptionID() string {
	if i.Subscription != nil && i.Subscription.ID != "" {
		return i.Subscription.ID
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil && i.Parent.SubscriptionDetails.Subscription != nil {
		return i.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

func (i stripeInvoice) clientID() string {
	if id := readMetadataValue(i.Metadata, "client_id"); id != "" {
		return id
	}
	if i.SubscriptionDetails != nil {
		if id := readMetadataValue(i.SubscriptionDetails.Metadata, "client_id"); id != "" {
			return id
		}
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return readMetadataValue(i.Parent.SubscriptionDetails.Metadata, "client_id")
	}
	return ""
}

func resultFromIntent(intent *stripego.PaymentIntent) *paymentdomain.ChargeResult {
	if intent == nil {
		return nil
	}
	result := &paymentdomain.ChargeResult{
		Reference:   intent.ID,
		AmountCents: intent.Amount,
	}
	switch intent.Status {
	case stripego.PaymentIntentStatusSucceeded:
		result.Status = paymentdomain.ChargeStatusSucceeded
	case stripego.PaymentIntentStatusProcessing:
		result.Status = paymentdomain.ChargeStatusPending
	default:
		result.Status = paymentdomain.ChargeStatusFailed
		result.FailureReason = string(intent.Status)
		if intent.LastPaymentError != nil {
			result.FailureReason = failureReason(intent.LastPaymentError)
		}
	}
	return result
}

// classifyError separates definite provider refusals from errors after which
// the charge outcome is unknown.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripego.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnavailable, err)
	}
	switch {
	case stripeErr.Type == stripego.ErrorTypeCard,
		stripeErr.Code == stripego.ErrorCodeCardDeclined,
		stripeErr.Code == stripego.ErrorCodeAuthenticationRequired:
		return fmt.Errorf("%w: %s", paymentdomain.ErrChargeDeclined, failureReason(stripeErr))
	case isDefinite(stripeErr):
		return fmt.Errorf("%w: %s", paymentdomain.ErrChargeRejected, failureReason(stripeErr))
	default:
		return fmt.Errorf("%w: %s", paymentdomain.ErrGatewayUnavailable, failureReason(stripeErr))
	}
}

// isDefinite reports 4xx errors other than conflicts and rate limiting.
func isDefinite(stripeErr *stripego.Error) bool {
	if stripeErr.Type == stripego.ErrorTypeCard {
		return true
	}
	code := stripeErr.HTTPStatusCode
	return code >= 400 && code < 500 && code != http.StatusConflict && code != http.StatusTooManyRequests
}

func failureReason(stripeErr *stripego.Error) string {
	if stripeErr == nil {
		return ""
	}
	if stripeErr.Code != "" {
		return string(stripeErr.Code)
	}
	if stripeErr.Msg != "" {
		return stripeErr.Msg
	}
	return string(stripeErr.Type)
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
