package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenmeter/internal/billingcycle"
	chargedomain "github.com/smallbiznis/tokenmeter/internal/charge/domain"
	"github.com/smallbiznis/tokenmeter/internal/charge/repository"
	"github.com/smallbiznis/tokenmeter/internal/clock"
	"github.com/smallbiznis/tokenmeter/internal/config"
	obsmetrics "github.com/smallbiznis/tokenmeter/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/tokenmeter/internal/payment/domain"
	"github.com/smallbiznis/tokenmeter/internal/tier"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	"github.com/smallbiznis/tokenmeter/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const reverifyBatchSize = 100

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	Repo       repository.Repository
	UsageSvc   usagedomain.Service
	Gateway    paymentdomain.Gateway
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	repo       repository.Repository
	usageSvc   usagedomain.Service
	gateway    paymentdomain.Gateway
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) chargedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("charge.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		billing:    p.Billing,
		repo:       p.Repo,
		usageSvc:   p.UsageSvc,
		gateway:    p.Gateway,
		obsMetrics: p.ObsMetrics,
	}
}

// run carries the state shared by every band of one processor run.
type run struct {
	cfg        config.BillingConfig
	acct       *usagedomain.BillingAccount
	period     billingcycle.Period
	customerID string
	// allowCharge is false when the account may only settle charges that the
	// provider already holds.
	allowCharge bool
}

func (s *Service) ProcessCrossedTiers(ctx context.Context, clientID string, crossed []tier.Crossing) ([]chargedomain.Outcome, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, chargedomain.ErrInvalidClient
	}

	cfg := s.billing.Get()
	calc, err := tier.New(cfg.TierSizeTokens, cfg.TierAmountCents)
	if err != nil {
		return nil, err
	}

	acct, err := s.usageSvc.EnsureAccount(ctx, clientID)
	if err != nil {
		return nil, err
	}

	requested := map[string]bool{}
	for _, c := range crossed {
		requested[c.Label] = true
	}

	if acct.Status != usagedomain.AccountStatusActive {
		outcomes := make([]chargedomain.Outcome, 0, len(crossed))
		for _, c := range sortBands(crossed) {
			outcomes = append(outcomes, chargedomain.Outcome{
				TierLabel:   c.Label,
				AmountCents: c.AmountCents,
				Status:      chargedomain.OutcomeDeferred,
				Error:       chargedomain.ErrAccountInactive.Error(),
				Err:         chargedomain.ErrAccountInactive,
			})
		}
		if len(outcomes) > 0 {
			s.log.Info("tier charges deferred for inactive account",
				zap.String("client_id", clientID),
				zap.String("status", string(acct.Status)),
				zap.Int("tiers", len(outcomes)),
			)
		}
		return outcomes, nil
	}

	period := acct.Period()
	existing, err := s.repo.ListForClient(ctx, s.db, clientID)
	if err != nil {
		return nil, err
	}
	byLabel := make(map[string]chargedomain.TierCharge, len(existing))
	for _, row := range existing {
		byLabel[row.TierLabel] = row
	}

	staleBefore := s.clock.Now().Add(-cfg.PendingGrace)
	work := append([]tier.Crossing{}, crossed...)
	work = append(work, calc.Owed(acct.TokensUsedInPeriod, acct.IncludedAllowance)...)
	for _, row := range existing {
		if row.Status == chargedomain.StatusFailed ||
			(row.Status == chargedomain.StatusPending && row.UpdatedAt.Before(staleBefore)) {
			work = append(work, row.Band(cfg.TierSizeTokens))
		}
	}

	r := &run{cfg: cfg, acct: acct, period: period, customerID: acct.ProviderCustomerID, allowCharge: true}
	var outcomes []chargedomain.Outcome
	for _, band := range sortBands(work) {
		row, ok := byLabel[band.Label]
		if ok && row.Status == chargedomain.StatusSucceeded {
			if requested[band.Label] {
				outcomes = append(outcomes, chargedomain.Outcome{
					TierLabel:        band.Label,
					AmountCents:      row.AmountChargedCents,
					Status:           chargedomain.OutcomeSkipped,
					PaymentReference: row.PaymentReference,
				})
			}
			continue
		}
		if ok && row.Status == chargedomain.StatusPending && !row.UpdatedAt.Before(staleBefore) && !requested[band.Label] {
			continue
		}

		outcome, err := s.processBand(ctx, r, band)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (s *Service) ReverifyPending(ctx context.Context, olderThan time.Duration) (int, error) {
	cfg := s.billing.Get()
	if olderThan <= 0 {
		olderThan = cfg.PendingGrace
	}
	before := s.clock.Now().Add(-olderThan)

	rows, err := s.repo.ListStalePending(ctx, s.db, before, reverifyBatchSize)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, row := range rows {
		acct, err := s.usageSvc.GetAccount(ctx, row.ClientID)
		if err != nil {
			return resolved, err
		}
		r := &run{
			cfg:         cfg,
			acct:        acct,
			period:      billingcycle.Period{Start: row.BillingPeriodStart.UTC()},
			customerID:  acct.ProviderCustomerID,
			allowCharge: acct.Status == usagedomain.AccountStatusActive,
		}
		outcome, err := s.processBand(ctx, r, row.Band(cfg.TierSizeTokens))
		if err != nil {
			return resolved, err
		}
		if outcome.Status == chargedomain.OutcomeSucceeded || outcome.Status == chargedomain.OutcomeFailed {
			resolved++
		}
		s.log.Info("pending tier charge re-verified",
			zap.String("client_id", row.ClientID),
			zap.String("tier_label", row.TierLabel),
			zap.String("outcome", string(outcome.Status)),
		)
	}
	return resolved, nil
}

func (s *Service) ListCharges(ctx context.Context, req chargedomain.ListChargesRequest) (*chargedomain.ListChargesResponse, error) {
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		return nil, chargedomain.ErrInvalidClient
	}

	var beforeID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, chargedomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, chargedomain.ErrInvalidPageToken
		}
		beforeID = id
	}

	limit := req.Limit()
	rows, err := s.repo.ListByClient(ctx, s.db, clientID, beforeID, limit+1)
	if err != nil {
		return nil, err
	}
	page, info := pagination.BuildCursorPageInfo(rows, limit, func(c chargedomain.TierCharge) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: c.ID.String()})
		return token
	})
	return &chargedomain.ListChargesResponse{Charges: page, PageInfo: info}, nil
}

// processBand drives one band from claim to a settled state. Only database
// errors are returned; provider problems are reported in the outcome.
func (s *Service) processBand(ctx context.Context, r *run, band tier.Crossing) (chargedomain.Outcome, error) {
	outcome := chargedomain.Outcome{TierLabel: band.Label, AmountCents: band.AmountCents}
	key := chargedomain.IdempotencyKey(r.acct.ClientID, band.Label)

	row, claim, err := s.claim(ctx, r, band, key)
	if err != nil {
		return outcome, err
	}
	switch claim {
	case claimSucceeded:
		outcome.Status = chargedomain.OutcomeSkipped
		outcome.PaymentReference = row.PaymentReference
		return outcome, nil
	case claimBusy:
		outcome.Status = chargedomain.OutcomeInProgress
		outcome.Err = chargedomain.ErrDuplicateTierCharge
		outcome.Error = chargedomain.ErrDuplicateTierCharge.Error()
		return outcome, nil
	}
	outcome.AmountCents = row.AmountChargedCents

	if claim == claimStale {
		found, err := s.gateway.FindCharge(ctx, key)
		if err != nil {
			s.log.Warn("pending tier charge lookup failed",
				zap.String("client_id", row.ClientID),
				zap.String("tier_label", row.TierLabel),
				zap.Error(err),
			)
			return s.leavePending(outcome, err), nil
		}
		if found != nil {
			switch found.Status {
			case paymentdomain.ChargeStatusSucceeded:
				return s.settleSucceeded(ctx, r, row, found.Reference, outcome)
			case paymentdomain.ChargeStatusPending:
				if err := s.repo.SetReference(ctx, s.db, row.ID, found.Reference); err != nil {
					return outcome, err
				}
				outcome.PaymentReference = found.Reference
				return s.leavePending(outcome, nil), nil
			}
		}
	}

	if !r.allowCharge {
		return s.settleFailed(ctx, r, row, chargedomain.ErrAccountInactive.Error(), "", outcome, chargedomain.ErrAccountInactive)
	}

	customerID, err := s.ensureCustomer(ctx, r)
	if err != nil {
		s.log.Warn("provider customer unavailable", zap.String("client_id", r.acct.ClientID), zap.Error(err))
		if errors.Is(err, paymentdomain.ErrGatewayUnavailable) {
			return s.leavePending(outcome, err), nil
		}
		return s.settleFailed(ctx, r, row, "customer_unavailable", "", outcome, err)
	}

	chargeCtx := ctx
	if r.cfg.ChargeTimeout > 0 {
		var cancel context.CancelFunc
		chargeCtx, cancel = context.WithTimeout(ctx, r.cfg.ChargeTimeout)
		defer cancel()
	}
	result, err := s.gateway.Charge(chargeCtx, paymentdomain.ChargeRequest{
		CustomerID:     customerID,
		AmountCents:    row.AmountChargedCents,
		Currency:       row.Currency,
		IdempotencyKey: key,
		Description:    fmt.Sprintf("Token usage tier %s", row.TierLabel),
		Metadata: map[string]string{
			"client_id":      row.ClientID,
			"tier_label":     row.TierLabel,
			"billing_period": billingcycle.Period{Start: row.BillingPeriodStart.UTC()}.Key(),
			"tokens_used":    strconv.FormatInt(row.TokensUsedAtChargeTime, 10),
		},
	})
	if err != nil {
		reference := ""
		if result != nil {
			reference = result.Reference
		}
		if errors.Is(err, paymentdomain.ErrChargeDeclined) || errors.Is(err, paymentdomain.ErrChargeRejected) {
			return s.settleFailed(ctx, r, row, failureReason(result, err), reference, outcome, err)
		}
		s.log.Warn("tier charge outcome unknown, left pending",
			zap.String("client_id", row.ClientID),
			zap.String("tier_label", row.TierLabel),
			zap.Error(err),
		)
		return s.leavePending(outcome, err), nil
	}

	switch result.Status {
	case paymentdomain.ChargeStatusSucceeded:
		return s.settleSucceeded(ctx, r, row, result.Reference, outcome)
	case paymentdomain.ChargeStatusPending:
		if err := s.repo.SetReference(ctx, s.db, row.ID, result.Reference); err != nil {
			return outcome, err
		}
		outcome.PaymentReference = result.Reference
		return s.leavePending(outcome, nil), nil
	default:
		return s.settleFailed(ctx, r, row, failureReason(result, nil), result.Reference, outcome, errors.New(failureReason(result, nil)))
	}
}

// attribution returns the period and usage recorded on a new charge row. A
// band the current usage does not reach was crossed before the account rolled
// into its current period, so it belongs to the previous one.
func (r *run) attribution(band tier.Crossing) (time.Time, int64) {
	if r.acct.TokensUsedInPeriod > band.LowerBound {
		return r.period.Start, r.acct.TokensUsedInPeriod
	}
	prev, err := billingcycle.Previous(r.acct.AnchorDay(), r.period)
	if err != nil || r.period.IsZero() {
		return r.period.Start, band.LowerBound + 1
	}
	return prev.Start, band.LowerBound + 1
}

type claimResult int

const (
	claimOwned claimResult = iota
	claimStale
	claimBusy
	claimSucceeded
)

// claim inserts the pending row or takes over a failed or stale one in a
// short transaction. The provider is never called while it is open.
func (s *Service) claim(ctx context.Context, r *run, band tier.Crossing, key string) (*chargedomain.TierCharge, claimResult, error) {
	now := s.clock.Now().UTC()
	staleBefore := now.Add(-r.cfg.PendingGrace)

	periodStart, tokensUsed := r.attribution(band)

	var row *chargedomain.TierCharge
	result := claimBusy
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh := &chargedomain.TierCharge{
			ID:                     s.genID.Generate(),
			ClientID:               r.acct.ClientID,
			BillingPeriodStart:     periodStart,
			TierLabel:              band.Label,
			TierUpperBoundTokens:   band.UpperBound,
			TokensUsedAtChargeTime: tokensUsed,
			AmountChargedCents:     band.AmountCents,
			Currency:               r.cfg.Currency,
			IdempotencyKey:         key,
			Status:                 chargedomain.StatusPending,
			Attempts:               1,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		inserted, err := s.repo.InsertPending(ctx, tx, fresh)
		if err != nil {
			return err
		}
		if inserted {
			row = fresh
			result = claimOwned
			return nil
		}

		current, err := s.repo.Find(ctx, tx, r.acct.ClientID, band.Label)
		if err != nil {
			return err
		}
		if current == nil {
			return errors.New("tier_charge_vanished")
		}
		row = current

		switch current.Status {
		case chargedomain.StatusSucceeded:
			result = claimSucceeded
		case chargedomain.StatusFailed:
			ok, err := s.repo.ClaimFailed(ctx, tx, current.ID, tokensUsed, now)
			if err != nil {
				return err
			}
			if ok {
				result = claimOwned
			}
		case chargedomain.StatusPending:
			if !current.UpdatedAt.Before(staleBefore) {
				return nil
			}
			ok, err := s.repo.ClaimStale(ctx, tx, current.ID, staleBefore, now)
			if err != nil {
				return err
			}
			if ok {
				result = claimStale
			}
		}
		return nil
	})
	if err != nil {
		return nil, claimBusy, err
	}
	return row, result, nil
}

func (s *Service) settleSucceeded(ctx context.Context, r *run, row *chargedomain.TierCharge, reference string, outcome chargedomain.Outcome) (chargedomain.Outcome, error) {
	now := s.clock.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.MarkSucceeded(ctx, tx, row.ID, reference, now)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return s.usageSvc.RecordChargeSucceededTx(ctx, tx, row.ClientID, row.AmountChargedCents)
	})
	if err != nil {
		return outcome, err
	}

	s.obsMetrics.RecordTierCharge(ctx, string(chargedomain.StatusSucceeded), row.Currency, row.AmountChargedCents)
	s.log.Info("tier charge succeeded",
		zap.String("client_id", row.ClientID),
		zap.String("tier_label", row.TierLabel),
		zap.Int64("amount_cents", row.AmountChargedCents),
	)
	outcome.Status = chargedomain.OutcomeSucceeded
	outcome.PaymentReference = reference
	return outcome, nil
}

func (s *Service) settleFailed(ctx context.Context, r *run, row *chargedomain.TierCharge, reason, reference string, outcome chargedomain.Outcome, cause error) (chargedomain.Outcome, error) {
	if _, err := s.repo.MarkFailed(ctx, s.db, row.ID, reason, reference, s.clock.Now().UTC()); err != nil {
		return outcome, err
	}

	s.obsMetrics.RecordTierCharge(ctx, string(chargedomain.StatusFailed), row.Currency, 0)
	s.log.Warn("tier charge failed",
		zap.String("client_id", row.ClientID),
		zap.String("tier_label", row.TierLabel),
		zap.String("reason", reason),
	)
	outcome.Status = chargedomain.OutcomeFailed
	outcome.PaymentReference = reference
	outcome.Err = fmt.Errorf("%w: %v", chargedomain.ErrGatewayFailure, cause)
	outcome.Error = outcome.Err.Error()
	return outcome, nil
}

func (s *Service) leavePending(outcome chargedomain.Outcome, cause error) chargedomain.Outcome {
	outcome.Status = chargedomain.OutcomePending
	if cause != nil {
		outcome.Err = fmt.Errorf("%w: %v", chargedomain.ErrGatewayFailure, cause)
		outcome.Error = outcome.Err.Error()
	}
	return outcome
}

// ensureCustomer creates the provider customer on first use and stores it
// unless another writer stored one first.
func (s *Service) ensureCustomer(ctx context.Context, r *run) (string, error) {
	if r.customerID != "" {
		return r.customerID, nil
	}
	created, err := s.gateway.CreateCustomer(ctx, paymentdomain.CreateCustomerRequest{ClientID: r.acct.ClientID})
	if err != nil {
		return "", err
	}
	acct, err := s.usageSvc.UpdateAccount(ctx, r.acct.ClientID, func(acct *usagedomain.BillingAccount) error {
		if acct.ProviderCustomerID == "" {
			acct.ProviderCustomerID = created
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	r.customerID = acct.ProviderCustomerID
	return r.customerID, nil
}

func failureReason(result *paymentdomain.ChargeResult, err error) string {
	if result != nil && result.FailureReason != "" {
		return result.FailureReason
	}
	if err != nil {
		return err.Error()
	}
	return "charge_failed"
}

// sortBands orders bands ascending by upper bound and drops repeated labels.
func sortBands(bands []tier.Crossing) []tier.Crossing {
	seen := make(map[string]bool, len(bands))
	out := make([]tier.Crossing, 0, len(bands))
	for _, b := range bands {
		if seen[b.Label] {
			continue
		}
		seen[b.Label] = true
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpperBound < out[j].UpperBound })
	return out
}
