// Package scheduler runs the periodic sweep that settles tier charges left
// pending by timeouts or lost gateway responses.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	chargedomain "github.com/smallbiznis/tokenmeter/internal/charge/domain"
	"github.com/smallbiznis/tokenmeter/internal/clock"
	obscontext "github.com/smallbiznis/tokenmeter/internal/observability/context"
	obslogger "github.com/smallbiznis/tokenmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenmeter/internal/observability/metrics"
	"github.com/smallbiznis/tokenmeter/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobPendingChargeSweep = "pending_charge_sweep"

	pendingSweepLockKey = "tokenmeter:scheduler:pending_charge_sweep"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	ChargeSvc chargedomain.Service
	Config    Config                      `optional:"true"`
	Locker    *ratelimit.Locker           `optional:"true"`
	Metrics   *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	chargeSvc chargedomain.Service
	locker    *ratelimit.Locker
	metrics   *obsmetrics.SchedulerMetrics

	mu   sync.Mutex
	cron *cron.Cron
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.ChargeSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		clock:     p.Clock,
		chargeSvc: p.ChargeSvc,
		locker:    p.Locker,
		metrics:   p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	runID := ulid.Make().String()
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx = obscontext.WithRequestID(ctx, runID)
	log := obslogger.WithContext(ctx, s.log).With(zap.String("job", name))

	err := fn(ctx)
	elapsed := s.clock.Now().Sub(start)
	s.metrics.ObserveJob(name, elapsed, err)
	if err == nil {
		log.Debug("job finished", zap.Duration("duration", elapsed))
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out", zap.Duration("timeout", s.cfg.JobTimeout), zap.Error(err))
		return nil
	}
	log.Error("job failed", zap.Duration("duration", elapsed), zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every scheduled job a single time.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.runJob(ctx, JobPendingChargeSweep, s.SweepPendingChargesJob)
}

// SweepPendingChargesJob re-verifies stale pending tier charges. When a
// distributed lock is available only one instance sweeps at a time.
func (s *Scheduler) SweepPendingChargesJob(ctx context.Context) error {
	if !s.locker.Enabled() {
		return s.reverifyPending(ctx)
	}
	acquired, err := s.locker.WithLock(ctx, pendingSweepLockKey, s.cfg.LockTTL, s.reverifyPending)
	if err != nil {
		return err
	}
	if !acquired {
		s.metrics.IncJobSkipped(JobPendingChargeSweep, obsmetrics.SchedulerSkippedReasonLockHeld)
		s.log.Debug("pending charge sweep skipped; lock held elsewhere")
	}
	return nil
}

func (s *Scheduler) reverifyPending(ctx context.Context) error {
	settled, err := s.chargeSvc.ReverifyPending(ctx, s.cfg.PendingOlderThan)
	s.metrics.AddBatchProcessed(JobPendingChargeSweep, "tier_charge", settled)
	if settled > 0 {
		s.log.Info("pending tier charges re-verified", zap.Int("count", settled))
	}
	return err
}

// Start registers the jobs on a UTC cron and starts it.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.cfg.SweepSpec, func() {
		if err := s.RunOnce(context.Background()); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule %s: %w", JobPendingChargeSweep, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("scheduler started", zap.String("sweep_spec", s.cfg.SweepSpec))
	return nil
}

// Stop waits for running jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
