// Package sandbox provides an in-memory payment provider for local
// development and tests. Webhooks are signed with an HMAC of
// "{timestamp}.{payload}" in the Sandbox-Signature header.
package sandbox

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	paymentdomain "github.com/smallbiznis/tokenmeter/internal/payment/domain"
)

const (
	providerName    = "sandbox"
	SignatureHeader = "Sandbox-Signature"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return New(secret), nil
}

// Adapter records customers and charges in memory. Charges are keyed by
// idempotency key, so a repeated key returns the original result.
type Adapter struct {
	webhookSecret string

	mu        sync.Mutex
	customers map[string]string
	charges   map[string]paymentdomain.ChargeResult
	calls     int
	nextID    int

	declineNext int
	failNext    int
	lostNext    int
	delay       time.Duration
}

func New(webhookSecret string) *Adapter {
	return &Adapter{
		webhookSecret: webhookSecret,
		customers:     map[string]string{},
		charges:       map[string]paymentdomain.ChargeResult{},
	}
}

func (a *Adapter) Provider() string {
	return providerName
}

// DeclineNext makes the next n charges fail definitively.
func (a *Adapter) DeclineNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.declineNext = n
}

// FailNext makes the next n charges fail before reaching the provider.
func (a *Adapter) FailNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext = n
}

// LoseResponseNext records the next n charges as succeeded but returns an
// error to the caller, like a timeout after the provider accepted the charge.
func (a *Adapter) LoseResponseNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lostNext = n
}

// SetDelay slows every charge down; the call honours ctx cancellation.
func (a *Adapter) SetDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
}

// Calls returns how many charge requests reached the provider.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Succeeded returns the number of distinct succeeded charges.
func (a *Adapter) Succeeded() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.charges {
		if c.Status == paymentdomain.ChargeStatusSucceeded {
			n++
		}
	}
	return n
}

func (a *Adapter) CreateCustomer(ctx context.Context, req paymentdomain.CreateCustomerRequest) (string, error) {
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		return "", paymentdomain.ErrInvalidCustomer
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.customers[clientID]; ok {
		return id, nil
	}
	a.nextID++
	id := fmt.Sprintf("cus_sandbox_%d", a.nextID)
	a.customers[clientID] = id
	return id, nil
}

func (a *Adapter) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	if strings.TrimSpace(req.CustomerID) == "" {
		return nil, paymentdomain.ErrInvalidCustomer
	}
	if req.AmountCents <= 0 {
		return nil, paymentdomain.ErrInvalidAmount
	}

	a.mu.Lock()
	delay := a.delay
	a.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnavailable, ctx.Err())
		case <-time.After(delay):
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failNext > 0 {
		a.failNext--
		return nil, fmt.Errorf("%w: connection reset", paymentdomain.ErrGatewayUnavailable)
	}
	a.calls++

	if existing, ok := a.charges[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		out := existing
		return &out, nil
	}

	a.nextID++
	result := paymentdomain.ChargeResult{
		Reference:   fmt.Sprintf("ch_sandbox_%d", a.nextID),
		Status:      paymentdomain.ChargeStatusSucceeded,
		AmountCents: req.AmountCents,
	}
	if a.declineNext > 0 {
		a.declineNext--
		result.Status = paymentdomain.ChargeStatusFailed
		result.FailureReason = "card_declined"
		// A declined attempt does not consume the key, like a provider that
		// lets the same key be retried after a decline.
		out := result
		return &out, fmt.Errorf("%w: card_declined", paymentdomain.ErrChargeDeclined)
	}
	a.charges[req.IdempotencyKey] = result

	if a.lostNext > 0 {
		a.lostNext--
		return nil, fmt.Errorf("%w: response lost", paymentdomain.ErrGatewayUnavailable)
	}
	out := result
	return &out, nil
}

func (a *Adapter) FindCharge(ctx context.Context, idempotencyKey string) (*paymentdomain.ChargeResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	existing, ok := a.charges[idempotencyKey]
	if !ok {
		return nil, nil
	}
	out := existing
	return &out, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	expected := Sign(a.webhookSecret, timestamp, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

type sandboxEvent struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Created        int64  `json:"created"`
	ClientID       string `json:"client_id"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	StartedAt      int64  `json:"started_at"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.WebhookEvent, error) {
	var event sandboxEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	occurredAt := time.Now().UTC()
	if event.Created > 0 {
		occurredAt = time.Unix(event.Created, 0).UTC()
	}
	startedAt := occurredAt
	if event.StartedAt > 0 {
		startedAt = time.Unix(event.StartedAt, 0).UTC()
	}

	return &paymentdomain.WebhookEvent{
		Provider:               providerName,
		ProviderEventID:        strings.TrimSpace(event.ID),
		Type:                   paymentdomain.EventTypeFromProvider(strings.TrimSpace(event.Type)),
		RawType:                strings.TrimSpace(event.Type),
		ClientID:               strings.TrimSpace(event.ClientID),
		ProviderCustomerID:     strings.TrimSpace(event.CustomerID),
		ProviderSubscriptionID: strings.TrimSpace(event.SubscriptionID),
		AmountCents:            event.Amount,
		Currency:               strings.ToLower(strings.TrimSpace(event.Currency)),
		SubscriptionStartedAt:  startedAt,
		OccurredAt:             occurredAt,
		Payload:                payload,
	}, nil
}

// Sign returns the hex HMAC-SHA256 of "{timestamp}.{payload}".
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp + "." + string(payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue builds a Sandbox-Signature header for payload.
func SignatureHeaderValue(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + Sign(secret, ts, payload)
}

func parseSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}
