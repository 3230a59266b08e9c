package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenmeter/internal/billingcycle"
	"github.com/smallbiznis/tokenmeter/internal/clock"
	"github.com/smallbiznis/tokenmeter/internal/config"
	obsmetrics "github.com/smallbiznis/tokenmeter/internal/observability/metrics"
	"github.com/smallbiznis/tokenmeter/internal/tier"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	"github.com/smallbiznis/tokenmeter/internal/usage/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	Repo       repository.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	repo       repository.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) RecordUsage(ctx context.Context, req usagedomain.RecordUsageRequest) (*usagedomain.RecordUsageResult, error) {
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		return nil, usagedomain.ErrInvalidClient
	}
	if req.Tokens < 0 {
		return nil, usagedomain.ErrInvalidTokens
	}
	if req.Responses < 0 {
		return nil, usagedomain.ErrInvalidResponses
	}
	if req.Tokens == 0 && req.Responses == 0 {
		return nil, usagedomain.ErrEmptyUsage
	}
	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)

	cfg := s.billing.Get()
	calc, err := tier.New(cfg.TierSizeTokens, cfg.TierAmountCents)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	occurredAt := req.OccurredAt.UTC()
	if req.OccurredAt.IsZero() || occurredAt.After(now) {
		occurredAt = now
	}

	var result *usagedomain.RecordUsageResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := s.lockOrCreate(ctx, tx, clientID, now)
		if err != nil {
			return err
		}

		if idempotencyKey != "" {
			existing, err := s.repo.FindReport(ctx, tx, clientID, idempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				result = &usagedomain.RecordUsageResult{
					ClientID:            clientID,
					CumulativeTokens:    existing.CumulativeTokens,
					CumulativeResponses: existing.CumulativeResponses,
					IncludedAllowance:   acct.IncludedAllowance,
					Period:              acct.Period(),
					Deduplicated:        true,
				}
				return nil
			}
		}

		if err := s.rollPeriod(acct, now); err != nil {
			return err
		}
		if occurredAt.Before(acct.BillingPeriodStart) {
			s.log.Warn("usage report predates current billing period",
				zap.String("client_id", clientID),
				zap.Time("occurred_at", occurredAt),
				zap.Time("billing_period_start", acct.BillingPeriodStart),
			)
			return usagedomain.ErrStalePeriod
		}

		before := acct.TokensUsedInPeriod
		acct.TokensUsedInPeriod += req.Tokens
		acct.ResponsesInPeriod += req.Responses
		acct.UpdatedAt = now
		if err := s.repo.SaveAccount(ctx, tx, acct); err != nil {
			return err
		}

		if idempotencyKey != "" {
			inserted, err := s.repo.InsertReport(ctx, tx, &usagedomain.UsageReport{
				ID:                  s.genID.Generate(),
				ClientID:            clientID,
				IdempotencyKey:      idempotencyKey,
				Tokens:              req.Tokens,
				Responses:           req.Responses,
				OccurredAt:          occurredAt,
				BillingPeriodStart:  acct.BillingPeriodStart,
				CumulativeTokens:    acct.TokensUsedInPeriod,
				CumulativeResponses: acct.ResponsesInPeriod,
				CreatedAt:           now,
			})
			if err != nil {
				return err
			}
			if !inserted {
				// The account lock serialises reports per client, so a lost
				// insert means the lock is not effective on this connection.
				return errors.New("usage_report_conflict")
			}
		}

		result = &usagedomain.RecordUsageResult{
			ClientID:            clientID,
			CumulativeTokens:    acct.TokensUsedInPeriod,
			CumulativeResponses: acct.ResponsesInPeriod,
			IncludedAllowance:   acct.IncludedAllowance,
			Period:              acct.Period(),
			Crossed:             calc.Crossed(before, acct.TokensUsedInPeriod, acct.IncludedAllowance),
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, usagedomain.ErrStalePeriod) {
			s.obsMetrics.RecordUsageReport(ctx, "stale", 0)
		}
		return nil, err
	}

	if result.Deduplicated {
		s.obsMetrics.RecordUsageReport(ctx, "deduplicated", 0)
	} else {
		s.obsMetrics.RecordUsageReport(ctx, "applied", req.Tokens)
	}
	if len(result.Crossed) > 0 {
		s.log.Info("usage crossed tier boundaries",
			zap.String("client_id", clientID),
			zap.Int64("tokens_used_in_period", result.CumulativeTokens),
			zap.Int("crossed", len(result.Crossed)),
		)
	}
	return result, nil
}

func (s *Service) SetAnchorDay(ctx context.Context, req usagedomain.SetAnchorDayRequest) (*usagedomain.BillingAccount, error) {
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		return nil, usagedomain.ErrInvalidClient
	}
	if err := billingcycle.ValidateAnchorDay(req.Day); err != nil {
		return nil, usagedomain.ErrInvalidAnchorDay
	}

	return s.UpdateAccount(ctx, clientID, func(acct *usagedomain.BillingAccount) error {
		return acct.ApplyAnchorDay(req.Day, req.Reset, s.clock.Now().UTC())
	})
}

func (s *Service) GetAccount(ctx context.Context, clientID string) (*usagedomain.BillingAccount, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, usagedomain.ErrInvalidClient
	}
	acct, err := s.repo.FindAccount(ctx, s.db, clientID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, usagedomain.ErrAccountNotFound
	}
	return acct, nil
}

func (s *Service) EnsureAccount(ctx context.Context, clientID string) (*usagedomain.BillingAccount, error) {
	return s.UpdateAccount(ctx, clientID, func(*usagedomain.BillingAccount) error { return nil })
}

func (s *Service) FindByProviderCustomer(ctx context.Context, providerCustomerID string) (*usagedomain.BillingAccount, error) {
	providerCustomerID = strings.TrimSpace(providerCustomerID)
	if providerCustomerID == "" {
		return nil, usagedomain.ErrAccountNotFound
	}
	acct, err := s.repo.FindByProviderCustomer(ctx, s.db, providerCustomerID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, usagedomain.ErrAccountNotFound
	}
	return acct, nil
}

func (s *Service) UpdateAccount(ctx context.Context, clientID string, fn usagedomain.AccountMutation) (*usagedomain.BillingAccount, error) {
	var out *usagedomain.BillingAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acct, err := s.UpdateAccountTx(ctx, tx, clientID, fn)
		if err != nil {
			return err
		}
		out = acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateAccountTx locks (or lazily creates) the account on tx, rolls the
// period forward when due and persists whatever fn changed.
func (s *Service) UpdateAccountTx(ctx context.Context, tx *gorm.DB, clientID string, fn usagedomain.AccountMutation) (*usagedomain.BillingAccount, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, usagedomain.ErrInvalidClient
	}
	now := s.clock.Now().UTC()
	acct, err := s.lockOrCreate(ctx, tx, clientID, now)
	if err != nil {
		return nil, err
	}
	if err := s.rollPeriod(acct, now); err != nil {
		return nil, err
	}
	if fn != nil {
		if err := fn(acct); err != nil {
			return nil, err
		}
	}
	acct.UpdatedAt = now
	if err := s.repo.SaveAccount(ctx, tx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *Service) RecordChargeSucceeded(ctx context.Context, clientID string, amountCents int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.RecordChargeSucceededTx(ctx, tx, clientID, amountCents)
	})
}

func (s *Service) RecordChargeSucceededTx(ctx context.Context, tx *gorm.DB, clientID string, amountCents int64) error {
	if amountCents <= 0 {
		return nil
	}
	return s.repo.AddChargedAmount(ctx, tx, clientID, amountCents, s.clock.Now().UTC())
}

func (s *Service) lockOrCreate(ctx context.Context, tx *gorm.DB, clientID string, now time.Time) (*usagedomain.BillingAccount, error) {
	acct, err := s.repo.LockAccount(ctx, tx, clientID)
	if err != nil {
		return nil, err
	}
	if acct != nil {
		return acct, nil
	}

	period, err := billingcycle.Resolve(billingcycle.ProvisionalAnchorDay(now), now)
	if err != nil {
		return nil, err
	}
	created := &usagedomain.BillingAccount{
		ID:                 s.genID.Generate(),
		ClientID:           clientID,
		BillingPeriodStart: period.Start,
		BillingPeriodEnd:   period.End,
		IncludedAllowance:  s.billing.Get().BaseAllowanceTokens,
		Status:             usagedomain.AccountStatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	inserted, err := s.repo.InsertAccount(ctx, tx, created)
	if err != nil {
		return nil, err
	}
	if inserted {
		s.log.Info("billing account created", zap.String("client_id", clientID))
	}

	acct, err = s.repo.LockAccount(ctx, tx, clientID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, usagedomain.ErrAccountNotFound
	}
	return acct, nil
}

func (s *Service) rollPeriod(acct *usagedomain.BillingAccount, now time.Time) error {
	if now.Before(acct.BillingPeriodEnd) {
		return nil
	}
	period, err := billingcycle.Resolve(acct.AnchorDay(), now)
	if err != nil {
		return err
	}
	s.log.Info("billing period rolled over",
		zap.String("client_id", acct.ClientID),
		zap.Time("previous_start", acct.BillingPeriodStart),
		zap.Time("billing_period_start", period.Start),
	)
	acct.BillingPeriodStart = period.Start
	acct.BillingPeriodEnd = period.End
	acct.TokensUsedInPeriod = 0
	acct.ResponsesInPeriod = 0
	return nil
}
