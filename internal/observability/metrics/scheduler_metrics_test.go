package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "gateway", err: fmt.Errorf("charge: %w", ErrGatewayUnavailable), want: SchedulerJobReasonGateway},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestObserveJobAndBatch(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{ServiceName: "tokenmeter", Environment: "test"})

	metrics.ObserveJob("pending_charge_sweep", 20*time.Millisecond, context.DeadlineExceeded)
	metrics.AddBatchProcessed("pending_charge_sweep", "tier_charges", 3)
	metrics.IncJobSkipped("pending_charge_sweep", SchedulerSkippedReasonLockHeld)

	if got := testutil.ToFloat64(metrics.jobRuns.WithLabelValues("pending_charge_sweep")); got != 1 {
		t.Fatalf("expected 1 run, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.jobErrors.WithLabelValues("pending_charge_sweep", SchedulerJobReasonDeadlineExceeded)); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("pending_charge_sweep", "tier_charges")); got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.jobSkipped.WithLabelValues("pending_charge_sweep", SchedulerSkippedReasonLockHeld)); got != 1 {
		t.Fatalf("expected 1 skip, got %v", got)
	}
}
