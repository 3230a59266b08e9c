package allowance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/tokenmeter/internal/clock"
	"github.com/smallbiznis/tokenmeter/internal/config"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	usagerepo "github.com/smallbiznis/tokenmeter/internal/usage/repository"
	usageservice "github.com/smallbiznis/tokenmeter/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setup(t *testing.T) (Service, usagedomain.Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:allowance_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&usagedomain.BillingAccount{}, &usagedomain.UsageReport{}))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clock.NewFakeClock(time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)),
		Billing: billing,
		Repo:    usagerepo.Provide(),
	})
	svc := NewService(Params{Log: zap.NewNop(), Billing: billing, UsageSvc: usageSvc})
	return svc, usageSvc, db
}

func TestCandidate(t *testing.T) {
	cfg := config.DefaultBillingConfig()
	tests := []struct {
		charged int64
		want    int64
	}{
		{0, 8_000_000},
		{9_999, 8_000_000},
		{10_000, 16_000_000},
		{25_000, 24_000_000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Candidate(cfg, tt.charged), "charged=%d", tt.charged)
	}

	cfg.AllowanceStepCents = 0
	assert.Equal(t, int64(8_000_000), Candidate(cfg, 50_000))
}

func TestRecomputeAllowanceGrowsWithCharges(t *testing.T) {
	ctx := context.Background()
	svc, usageSvc, _ := setup(t)

	_, err := usageSvc.EnsureAccount(ctx, "client-a")
	require.NoError(t, err)

	got, err := svc.RecomputeAllowance(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, int64(8_000_000), got)

	require.NoError(t, usageSvc.RecordChargeSucceeded(ctx, "client-a", 20_000))
	got, err = svc.RecomputeAllowance(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, int64(24_000_000), got)

	acct, err := usageSvc.GetAccount(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, int64(24_000_000), acct.IncludedAllowance)
}

func TestRecomputeAllowanceNeverShrinks(t *testing.T) {
	ctx := context.Background()
	svc, usageSvc, db := setup(t)

	_, err := usageSvc.EnsureAccount(ctx, "client-a")
	require.NoError(t, err)
	require.NoError(t, db.Model(&usagedomain.BillingAccount{}).
		Where("client_id = ?", "client-a").
		Update("included_allowance", int64(40_000_000)).Error)

	for i := 0; i < 3; i++ {
		got, err := svc.RecomputeAllowance(ctx, "client-a")
		require.NoError(t, err)
		assert.Equal(t, int64(40_000_000), got)
	}
}

func TestRecomputeAllowanceUnknownClient(t *testing.T) {
	svc, _, _ := setup(t)

	_, err := svc.RecomputeAllowance(context.Background(), "missing")
	assert.ErrorIs(t, err, usagedomain.ErrAccountNotFound)

	_, err = svc.RecomputeAllowance(context.Background(), " ")
	assert.ErrorIs(t, err, ErrInvalidClient)
}
