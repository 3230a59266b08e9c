// Package billingprovisioning applies payment-provider subscription lifecycle
// events to billing accounts.
package billingprovisioning

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenmeter/internal/cache"
	"github.com/smallbiznis/tokenmeter/internal/clock"
	"github.com/smallbiznis/tokenmeter/internal/config"
	obsmetrics "github.com/smallbiznis/tokenmeter/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/tokenmeter/internal/payment/domain"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrUnknownWebhookEvent   = errors.New("unknown_webhook_event")
	ErrClientNotResolved     = errors.New("client_not_resolved")
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	UsageSvc   usagedomain.Service
	Repo       paymentdomain.Repository
	Customers  cache.CustomerIndex
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	usageSvc   usagedomain.Service
	repo       paymentdomain.Repository
	customers  cache.CustomerIndex
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("billing.provisioning"),
		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		usageSvc:   p.UsageSvc,
		repo:       p.Repo,
		customers:  p.Customers,
		obsMetrics: p.ObsMetrics,
	}
}

// Handle applies one webhook event at most once per provider event id.
func (s *Service) Handle(ctx context.Context, event *paymentdomain.WebhookEvent) error {
	if event == nil {
		return ErrInvalidEvent
	}
	provider := strings.ToLower(strings.TrimSpace(event.Provider))
	eventID := strings.TrimSpace(event.ProviderEventID)
	if provider == "" || eventID == "" {
		return ErrInvalidEvent
	}
	eventType := string(event.Type)
	if event.Type == paymentdomain.EventUnknown && event.RawType != "" {
		eventType = event.RawType
	}

	now := s.clock.Now().UTC()
	record := &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       eventType,
		ClientID:        strings.TrimSpace(event.ClientID),
		Payload:         payloadJSON(event.Payload),
		ReceivedAt:      now,
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return err
	}
	if !inserted {
		stored, err := s.repo.FindEvent(ctx, s.db, provider, eventID)
		if err != nil {
			return err
		}
		if stored == nil {
			return ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			s.obsMetrics.RecordWebhookEvent(ctx, provider, eventType, "duplicate")
			return ErrEventAlreadyProcessed
		}
		record = stored
	}

	if event.Type == paymentdomain.EventUnknown || event.Type == "" {
		if err := s.repo.MarkProcessed(ctx, s.db, record.ID, now); err != nil {
			return err
		}
		s.log.Info("unsupported payment webhook acknowledged",
			zap.String("provider", provider),
			zap.String("event_type", eventType),
		)
		s.obsMetrics.RecordWebhookEvent(ctx, provider, eventType, "ignored")
		return ErrUnknownWebhookEvent
	}

	clientID, err := s.resolveClient(ctx, event)
	if err != nil {
		s.log.Warn("payment webhook client not resolved",
			zap.String("provider", provider),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		s.obsMetrics.RecordWebhookEvent(ctx, provider, eventType, "unresolved")
		return err
	}

	threshold := s.billing.Get().PauseAfterFailures
	var before usagedomain.AccountStatus
	var acct *usagedomain.BillingAccount
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.usageSvc.UpdateAccountTx(ctx, tx, clientID, func(a *usagedomain.BillingAccount) error {
			before = a.Status
			return Transition(a, event, threshold, now)
		})
		if err != nil {
			return err
		}
		acct = updated
		return s.repo.MarkProcessed(ctx, tx, record.ID, now)
	})
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, provider, eventType, "error")
		return err
	}

	s.customers.Remember(acct.ProviderCustomerID, acct.ClientID)
	s.obsMetrics.RecordWebhookEvent(ctx, provider, eventType, "processed")
	s.log.Info("subscription lifecycle event applied",
		zap.String("client_id", clientID),
		zap.String("event_type", eventType),
		zap.String("status_before", string(before)),
		zap.String("status", string(acct.Status)),
		zap.Int("payment_failure_count", acct.PaymentFailureCount),
	)
	return nil
}

func (s *Service) resolveClient(ctx context.Context, event *paymentdomain.WebhookEvent) (string, error) {
	if clientID := strings.TrimSpace(event.ClientID); clientID != "" {
		return clientID, nil
	}
	customerID := strings.TrimSpace(event.ProviderCustomerID)
	if customerID == "" {
		return "", ErrClientNotResolved
	}
	if clientID, ok := s.customers.Lookup(customerID); ok {
		return clientID, nil
	}
	acct, err := s.usageSvc.FindByProviderCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, usagedomain.ErrAccountNotFound) {
			return "", ErrClientNotResolved
		}
		return "", err
	}
	s.customers.Remember(customerID, acct.ClientID)
	return acct.ClientID, nil
}

func payloadJSON(payload []byte) datatypes.JSON {
	if len(payload) == 0 || !json.Valid(payload) {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(payload)
}

// Transition applies a lifecycle event to an account. Cancellation is
// terminal: later events only refresh provider references.
func Transition(acct *usagedomain.BillingAccount, event *paymentdomain.WebhookEvent, pauseAfterFailures int, now time.Time) error {
	if event.ProviderCustomerID != "" && acct.ProviderCustomerID == "" {
		acct.ProviderCustomerID = event.ProviderCustomerID
	}
	if event.ProviderSubscriptionID != "" {
		acct.ProviderSubscriptionID = event.ProviderSubscriptionID
	}
	if acct.IsCancelled() {
		return nil
	}

	switch event.Type {
	case paymentdomain.EventSubscriptionCreated:
		started := event.SubscriptionStartedAt
		if started.IsZero() {
			started = event.OccurredAt
		}
		if started.IsZero() {
			started = now
		}
		if err := acct.ApplyAnchorDay(started.UTC().Day(), false, now); err != nil {
			return err
		}
		acct.PaymentFailureCount = 0
		setStatus(acct, usagedomain.AccountStatusActive, now)
	case paymentdomain.EventSubscriptionUpdated:
	case paymentdomain.EventInvoicePaymentFailed:
		acct.PaymentFailureCount++
		if pauseAfterFailures > 0 && acct.PaymentFailureCount >= pauseAfterFailures {
			setStatus(acct, usagedomain.AccountStatusPaused, now)
		}
	case paymentdomain.EventInvoicePaymentSucceeded:
		acct.PaymentFailureCount = 0
		if event.AmountCents > 0 {
			acct.FixedFeeChargedCents += event.AmountCents
		}
		setStatus(acct, usagedomain.AccountStatusActive, now)
	case paymentdomain.EventSubscriptionPaused:
		setStatus(acct, usagedomain.AccountStatusPaused, now)
	case paymentdomain.EventSubscriptionResumed:
		setStatus(acct, usagedomain.AccountStatusActive, now)
	case paymentdomain.EventSubscriptionDeleted:
		setStatus(acct, usagedomain.AccountStatusCancelled, now)
	default:
		return ErrUnknownWebhookEvent
	}
	return nil
}

func setStatus(acct *usagedomain.BillingAccount, status usagedomain.AccountStatus, now time.Time) {
	if acct.Status == status {
		return
	}
	acct.Status = status
	changed := now
	acct.StatusChangedAt = &changed
}
