package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/tokenmeter/internal/clock"
	"github.com/smallbiznis/tokenmeter/internal/config"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	"github.com/smallbiznis/tokenmeter/internal/usage/repository"
	"github.com/smallbiznis/tokenmeter/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:usage_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&usagedomain.BillingAccount{}, &usagedomain.UsageReport{}))
	return db
}

func newService(t *testing.T, now time.Time) (usagedomain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(now)

	svc := service.NewService(service.ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Billing: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Repo:    repository.Provide(),
	})
	return svc, clk, db
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestRecordUsageCreatesAccountLazily(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC))

	res, err := svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{ClientID: "client-a", Tokens: 1000, Responses: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.CumulativeTokens)
	assert.Equal(t, int64(1), res.CumulativeResponses)
	assert.Equal(t, int64(8_000_000), res.IncludedAllowance)
	assert.Empty(t, res.Crossed)

	acct, err := svc.GetAccount(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, usagedomain.AccountStatusActive, acct.Status)
	assert.Nil(t, acct.SubscriptionAnchorDay)
	assert.Equal(t, 15, acct.AnchorDay())
	assert.True(t, acct.Period().Start.Equal(day(2025, time.March, 15)))
	assert.True(t, acct.Period().End.Equal(day(2025, time.April, 15)))
}

func TestRecordUsageValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC))

	_, err := svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{ClientID: " ", Tokens: 1})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidClient)

	_, err = svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{ClientID: "c", Tokens: -1})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidTokens)

	_, err = svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{ClientID: "c", Responses: -1})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidResponses)

	_, err = svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{ClientID: "c"})
	assert.ErrorIs(t, err, usagedomain.ErrEmptyUsage)
}

func TestRecordUsageReturnsCrossedTiers(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC))

	res, err := svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{ClientID: "c", Tokens: 8_000_000})
	require.NoError(t, err)
	assert.Empty(t, res.Crossed)

	res, err = svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{ClientID: "c", Tokens: 1})
	require.NoError(t, err)
	require.Len(t, res.Crossed, 1)
	assert.Equal(t, "8M-16M", res.Crossed[0].Label)
	assert.Equal(t, int64(10000), res.Crossed[0].AmountCents)

	res, err = svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{ClientID: "c", Tokens: 7_999_999})
	require.NoError(t, err)
	assert.Empty(t, res.Crossed)
	assert.Equal(t, int64(16_000_000), res.CumulativeTokens)
}

func TestRecordUsageIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC))

	req := usagedomain.RecordUsageRequest{ClientID: "c", Tokens: 8_000_001, Responses: 2, IdempotencyKey: "evt-1"}
	first, err := svc.RecordUsage(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.Crossed, 1)
	assert.False(t, first.Deduplicated)

	for i := 0; i < 3; i++ {
		again, err := svc.RecordUsage(ctx, req)
		require.NoError(t, err)
		assert.True(t, again.Deduplicated)
		assert.Empty(t, again.Crossed)
		assert.Equal(t, first.CumulativeTokens, again.CumulativeTokens)
		assert.Equal(t, first.CumulativeResponses, again.CumulativeResponses)
	}

	acct, err := svc.GetAccount(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(8_000_001), acct.TokensUsedInPeriod)
	assert.Equal(t, int64(2), acct.ResponsesInPeriod)
}

func TestRecordUsageRollsPeriod(t *testing.T) {
	ctx := context.Background()
	svc, clk, _ := newService(t, time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC))

	_, err := svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{ClientID: "c", Tokens: 9_000_000})
	require.NoError(t, err)

	clk.Set(time.Date(2025, time.April, 15, 0, 0, 0, 0, time.UTC))
	res, err := svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{ClientID: "c", Tokens: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.CumulativeTokens)
	assert.Empty(t, res.Crossed)
	assert.True(t, res.Period.Start.Equal(day(2025, time.April, 15)))
	assert.True(t, res.Period.End.Equal(day(2025, time.May, 15)))
}

func TestRecordUsageRejectsStalePeriod(t *testing.T) {
	ctx := context.Background()
	svc, clk, _ := newService(t, time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC))

	_, err := svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{ClientID: "c", Tokens: 5})
	require.NoError(t, err)

	clk.Set(time.Date(2025, time.April, 20, 0, 0, 0, 0, time.UTC))
	_, err = svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{
		ClientID:   "c",
		Tokens:     100,
		OccurredAt: time.Date(2025, time.April, 10, 0, 0, 0, 0, time.UTC),
	})
	assert.ErrorIs(t, err, usagedomain.ErrStalePeriod)

	acct, err := svc.GetAccount(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(5), acct.TokensUsedInPeriod)
}

func TestRecordUsageConcurrentReportsAreSerialised(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	crossed := make(chan int, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{ClientID: "c", Tokens: 1_000_000})
			if assert.NoError(t, err) {
				crossed <- len(res.Crossed)
			}
		}()
	}
	wg.Wait()
	close(crossed)

	total := 0
	for n := range crossed {
		total += n
	}
	acct, err := svc.GetAccount(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(20_000_000), acct.TokensUsedInPeriod)
	// 20M over an 8M allowance enters 8M-16M and 16M-24M exactly once each.
	assert.Equal(t, 2, total)
}

func TestSetAnchorDay(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC))

	acct, err := svc.SetAnchorDay(ctx, usagedomain.SetAnchorDayRequest{ClientID: "c", Day: 31})
	require.NoError(t, err)
	require.NotNil(t, acct.SubscriptionAnchorDay)
	assert.Equal(t, 31, *acct.SubscriptionAnchorDay)
	assert.True(t, acct.Period().Start.Equal(day(2025, time.February, 28)))
	assert.True(t, acct.Period().End.Equal(day(2025, time.March, 31)))

	acct, err = svc.SetAnchorDay(ctx, usagedomain.SetAnchorDayRequest{ClientID: "c", Day: 5})
	require.NoError(t, err)
	assert.Equal(t, 31, *acct.SubscriptionAnchorDay, "anchor is immutable without reset")

	_, err = svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{ClientID: "c", Tokens: 42})
	require.NoError(t, err)

	acct, err = svc.SetAnchorDay(ctx, usagedomain.SetAnchorDayRequest{ClientID: "c", Day: 5, Reset: true})
	require.NoError(t, err)
	assert.Equal(t, 5, *acct.SubscriptionAnchorDay)
	assert.Equal(t, int64(0), acct.TokensUsedInPeriod)
	assert.True(t, acct.Period().Start.Equal(day(2025, time.March, 5)))

	_, err = svc.SetAnchorDay(ctx, usagedomain.SetAnchorDayRequest{ClientID: "c", Day: 32})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidAnchorDay)
}

func TestSetAnchorDayKeepsProvisionalPeriodWithUsage(t *testing.T) {
	ctx := context.Background()
	svc, clk, _ := newService(t, time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC))

	_, err := svc.RecordUsage(ctx, usagedomain.RecordUsageRequest{ClientID: "c", Tokens: 7})
	require.NoError(t, err)

	acct, err := svc.SetAnchorDay(ctx, usagedomain.SetAnchorDayRequest{ClientID: "c", Day: 1})
	require.NoError(t, err)
	assert.True(t, acct.Period().Start.Equal(day(2025, time.March, 15)))
	assert.Equal(t, int64(7), acct.TokensUsedInPeriod)

	clk.Set(time.Date(2025, time.April, 16, 0, 0, 0, 0, time.UTC))
	acct, err = svc.EnsureAccount(ctx, "c")
	require.NoError(t, err)
	assert.True(t, acct.Period().Start.Equal(day(2025, time.April, 1)))
	assert.True(t, acct.Period().End.Equal(day(2025, time.May, 1)))
	assert.Equal(t, int64(0), acct.TokensUsedInPeriod)
}

func TestRecordChargeSucceededAndProviderLookup(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t, time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC))

	_, err := svc.UpdateAccount(ctx, "c", func(acct *usagedomain.BillingAccount) error {
		acct.ProviderCustomerID = "cus_123"
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, svc.RecordChargeSucceeded(ctx, "c", 10000))
	require.NoError(t, svc.RecordChargeSucceeded(ctx, "c", 10000))

	acct, err := svc.FindByProviderCustomer(ctx, "cus_123")
	require.NoError(t, err)
	assert.Equal(t, "c", acct.ClientID)
	assert.Equal(t, int64(20000), acct.TotalAmountChargedCents)

	_, err = svc.FindByProviderCustomer(ctx, "cus_missing")
	assert.ErrorIs(t, err, usagedomain.ErrAccountNotFound)

	err = svc.RecordChargeSucceeded(ctx, "nobody", 100)
	assert.ErrorIs(t, err, usagedomain.ErrAccountNotFound)
}

func TestAsOfProjectsRollover(t *testing.T) {
	acct := usagedomain.BillingAccount{
		ClientID:           "c",
		CreatedAt:          day(2025, time.January, 10),
		BillingPeriodStart: day(2025, time.January, 10),
		BillingPeriodEnd:   day(2025, time.February, 10),
		TokensUsedInPeriod: 99,
	}
	same := acct.AsOf(day(2025, time.February, 9))
	assert.Equal(t, int64(99), same.TokensUsedInPeriod)

	next := acct.AsOf(day(2025, time.March, 11))
	assert.Equal(t, int64(0), next.TokensUsedInPeriod)
	assert.True(t, next.BillingPeriodStart.Equal(day(2025, time.March, 10)))
}
