package billingprovisioning

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/tokenmeter/internal/cache"
	"github.com/smallbiznis/tokenmeter/internal/clock"
	"github.com/smallbiznis/tokenmeter/internal/config"
	paymentdomain "github.com/smallbiznis/tokenmeter/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/tokenmeter/internal/payment/repository"
	usagedomain "github.com/smallbiznis/tokenmeter/internal/usage/domain"
	usagerepo "github.com/smallbiznis/tokenmeter/internal/usage/repository"
	usageservice "github.com/smallbiznis/tokenmeter/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	usage     usagedomain.Service
	customers cache.CustomerIndex
	svc       *Service
}

func setup(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:provisioning_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&usagedomain.BillingAccount{},
		&usagedomain.UsageReport{},
		&paymentdomain.EventRecord{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC))
	billing := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Billing: billing,
		Repo:    usagerepo.Provide(),
	})
	customers := cache.NewCustomerIndex()

	svc := NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Billing:   billing,
		UsageSvc:  usageSvc,
		Repo:      paymentrepo.Provide(),
		Customers: customers,
	})
	return &fixture{db: db, clock: clk, usage: usageSvc, customers: customers, svc: svc}
}

func event(id string, typ paymentdomain.WebhookEventType) *paymentdomain.WebhookEvent {
	return &paymentdomain.WebhookEvent{
		Provider:               "sandbox",
		ProviderEventID:        id,
		Type:                   typ,
		RawType:                string(typ),
		ClientID:               "client-a",
		ProviderCustomerID:     "cus_a",
		ProviderSubscriptionID: "sub_a",
		Payload:                []byte(`{"id":"` + id + `"}`),
	}
}

func (f *fixture) account(t *testing.T) *usagedomain.BillingAccount {
	t.Helper()
	acct, err := f.usage.GetAccount(context.Background(), "client-a")
	require.NoError(t, err)
	return acct
}

func TestSubscriptionCreatedSetsAnchorAndActivates(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	created := event("evt_1", paymentdomain.EventSubscriptionCreated)
	created.SubscriptionStartedAt = time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)
	require.NoError(t, f.svc.Handle(ctx, created))

	acct := f.account(t)
	require.NotNil(t, acct.SubscriptionAnchorDay)
	assert.Equal(t, 10, *acct.SubscriptionAnchorDay)
	assert.Equal(t, usagedomain.AccountStatusActive, acct.Status)
	assert.Equal(t, "cus_a", acct.ProviderCustomerID)
	assert.Equal(t, "sub_a", acct.ProviderSubscriptionID)
	assert.True(t, acct.BillingPeriodStart.Equal(time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)))
	assert.True(t, acct.BillingPeriodEnd.Equal(time.Date(2025, time.April, 10, 0, 0, 0, 0, time.UTC)))

	clientID, ok := f.customers.Lookup("cus_a")
	assert.True(t, ok)
	assert.Equal(t, "client-a", clientID)
}

func TestDuplicateEventIsAppliedOnce(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	require.NoError(t, f.svc.Handle(ctx, event("evt_1", paymentdomain.EventSubscriptionCreated)))
	failed := event("evt_2", paymentdomain.EventInvoicePaymentFailed)
	require.NoError(t, f.svc.Handle(ctx, failed))

	err := f.svc.Handle(ctx, failed)
	assert.ErrorIs(t, err, ErrEventAlreadyProcessed)
	assert.Equal(t, 1, f.account(t).PaymentFailureCount)

	var count int64
	require.NoError(t, f.db.Model(&paymentdomain.EventRecord{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestRepeatedPaymentFailuresPauseAccount(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	require.NoError(t, f.svc.Handle(ctx, event("evt_0", paymentdomain.EventSubscriptionCreated)))
	for i := 1; i <= 3; i++ {
		require.NoError(t, f.svc.Handle(ctx, event(fmt.Sprintf("evt_fail_%d", i), paymentdomain.EventInvoicePaymentFailed)))
		if i < 3 {
			assert.Equal(t, usagedomain.AccountStatusActive, f.account(t).Status)
		}
	}
	acct := f.account(t)
	assert.Equal(t, usagedomain.AccountStatusPaused, acct.Status)
	assert.Equal(t, 3, acct.PaymentFailureCount)
	assert.NotNil(t, acct.StatusChangedAt)

	paid := event("evt_paid", paymentdomain.EventInvoicePaymentSucceeded)
	paid.AmountCents = 40000
	require.NoError(t, f.svc.Handle(ctx, paid))

	acct = f.account(t)
	assert.Equal(t, usagedomain.AccountStatusActive, acct.Status)
	assert.Equal(t, 0, acct.PaymentFailureCount)
	assert.Equal(t, int64(40000), acct.FixedFeeChargedCents)
}

func TestCancelledAccountIsNeverReactivated(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	require.NoError(t, f.svc.Handle(ctx, event("evt_1", paymentdomain.EventSubscriptionCreated)))
	require.NoError(t, f.svc.Handle(ctx, event("evt_2", paymentdomain.EventSubscriptionDeleted)))
	require.NoError(t, f.svc.Handle(ctx, event("evt_3", paymentdomain.EventSubscriptionResumed)))
	require.NoError(t, f.svc.Handle(ctx, event("evt_4", paymentdomain.EventInvoicePaymentSucceeded)))

	assert.Equal(t, usagedomain.AccountStatusCancelled, f.account(t).Status)
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	require.NoError(t, f.svc.Handle(ctx, event("evt_1", paymentdomain.EventSubscriptionPaused)))
	assert.Equal(t, usagedomain.AccountStatusPaused, f.account(t).Status)
	require.NoError(t, f.svc.Handle(ctx, event("evt_2", paymentdomain.EventSubscriptionResumed)))
	assert.Equal(t, usagedomain.AccountStatusActive, f.account(t).Status)
}

func TestClientResolvedFromProviderCustomer(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	require.NoError(t, f.svc.Handle(ctx, event("evt_1", paymentdomain.EventSubscriptionCreated)))
	f.customers.Forget("cus_a")

	paused := event("evt_2", paymentdomain.EventSubscriptionPaused)
	paused.ClientID = ""
	require.NoError(t, f.svc.Handle(ctx, paused))
	assert.Equal(t, usagedomain.AccountStatusPaused, f.account(t).Status)

	orphan := event("evt_3", paymentdomain.EventSubscriptionPaused)
	orphan.ClientID = ""
	orphan.ProviderCustomerID = "cus_unknown"
	assert.ErrorIs(t, f.svc.Handle(ctx, orphan), ErrClientNotResolved)
}

func TestUnknownEventIsAcknowledged(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	unknown := event("evt_1", paymentdomain.EventUnknown)
	unknown.RawType = "charge.refunded"
	assert.ErrorIs(t, f.svc.Handle(ctx, unknown), ErrUnknownWebhookEvent)
	assert.ErrorIs(t, f.svc.Handle(ctx, unknown), ErrEventAlreadyProcessed)

	_, err := f.usage.GetAccount(ctx, "client-a")
	assert.ErrorIs(t, err, usagedomain.ErrAccountNotFound)
}

func TestInvalidEvent(t *testing.T) {
	f := setup(t)
	assert.ErrorIs(t, f.svc.Handle(context.Background(), nil), ErrInvalidEvent)
	assert.ErrorIs(t, f.svc.Handle(context.Background(), &paymentdomain.WebhookEvent{Provider: "sandbox"}), ErrInvalidEvent)
}

func TestTransitionKeepsExistingAnchor(t *testing.T) {
	now := time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)
	anchor := 5
	acct := &usagedomain.BillingAccount{
		ClientID:              "client-a",
		SubscriptionAnchorDay: &anchor,
		Status:                usagedomain.AccountStatusPaused,
	}
	ev := &paymentdomain.WebhookEvent{
		Type:                  paymentdomain.EventSubscriptionCreated,
		SubscriptionStartedAt: time.Date(2025, time.March, 20, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, Transition(acct, ev, 3, now))
	assert.Equal(t, 5, *acct.SubscriptionAnchorDay)
	assert.Equal(t, usagedomain.AccountStatusActive, acct.Status)
}
