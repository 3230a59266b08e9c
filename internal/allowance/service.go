// Package allowance grows a client's included token allowance from the total
// amount it has been charged.
package allowance

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/tokenmeter/internal/config"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidClient = errors.New("invalid_client")

type Service interface {
	RecomputeAllowance(ctx context.Context, clientID string) (int64, error)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Billing  *config.BillingConfigHolder
	UsageSvc usagedomain.Service
}

type reconciler struct {
	log      *zap.Logger
	billing  *config.BillingConfigHolder
	usageSvc usagedomain.Service
}

func NewService(p Params) Service {
	return &reconciler{
		log:      p.Log.Named("allowance.reconciler"),
		billing:  p.Billing,
		usageSvc: p.UsageSvc,
	}
}

// Candidate returns base + floor(charged / stepCents) * stepTokens.
func Candidate(cfg config.BillingConfig, totalChargedCents int64) int64 {
	if cfg.AllowanceStepCents <= 0 || totalChargedCents <= 0 {
		return cfg.BaseAllowanceTokens
	}
	steps := totalChargedCents / cfg.AllowanceStepCents
	return cfg.BaseAllowanceTokens + steps*cfg.AllowanceStepTokens
}

// RecomputeAllowance raises the included allowance to the candidate value.
// The allowance never shrinks.
func (r *reconciler) RecomputeAllowance(ctx context.Context, clientID string) (int64, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return 0, ErrInvalidClient
	}
	if _, err := r.usageSvc.GetAccount(ctx, clientID); err != nil {
		return 0, err
	}
	cfg := r.billing.Get()

	var previous int64
	acct, err := r.usageSvc.UpdateAccount(ctx, clientID, func(a *usagedomain.BillingAccount) error {
		previous = a.IncludedAllowance
		if candidate := Candidate(cfg, a.TotalAmountChargedCents); candidate > a.IncludedAllowance {
			a.IncludedAllowance = candidate
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if acct.IncludedAllowance != previous {
		r.log.Info("included allowance raised",
			zap.String("client_id", clientID),
			zap.Int64("previous", previous),
			zap.Int64("allowance", acct.IncludedAllowance),
			zap.Int64("total_charged_cents", acct.TotalAmountChargedCents),
		)
	}
	return acct.IncludedAllowance, nil
}

var Module = fx.Module("allowance.reconciler",
	fx.Provide(NewService),
)
