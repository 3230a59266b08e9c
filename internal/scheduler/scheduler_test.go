package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	chargedomain "github.com/smallbiznis/tokenmeter/internal/charge/domain"
	"github.com/smallbiznis/tokenmeter/internal/clock"
	"github.com/smallbiznis/tokenmeter/internal/ratelimit"
	"github.com/smallbiznis/tokenmeter/internal/tier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockChargeService struct {
	mock.Mock
}

func (m *mockChargeService) ProcessCrossedTiers(ctx context.Context, clientID string, crossed []tier.Crossing) ([]chargedomain.Outcome, error) {
	args := m.Called(ctx, clientID, crossed)
	outcomes, _ := args.Get(0).([]chargedomain.Outcome)
	return outcomes, args.Error(1)
}

func (m *mockChargeService) ReverifyPending(ctx context.Context, olderThan time.Duration) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}

func (m *mockChargeService) ListCharges(ctx context.Context, req chargedomain.ListChargesRequest) (*chargedomain.ListChargesResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*chargedomain.ListChargesResponse)
	return resp, args.Error(1)
}

func newScheduler(t *testing.T, svc chargedomain.Service, locker *ratelimit.Locker) *Scheduler {
	t.Helper()
	s, err := New(Params{
		Log:       zap.NewNop(),
		Clock:     clock.NewFakeClock(time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)),
		ChargeSvc: svc,
		Locker:    locker,
	})
	require.NoError(t, err)
	return s
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunOnceSweepsWithoutLocker(t *testing.T) {
	svc := &mockChargeService{}
	svc.On("ReverifyPending", mock.Anything, time.Duration(0)).Return(2, nil).Once()

	s := newScheduler(t, svc, nil)
	require.NoError(t, s.RunOnce(context.Background()))
	svc.AssertExpectations(t)
}

func TestRunOnceWrapsErrors(t *testing.T) {
	svc := &mockChargeService{}
	boom := errors.New("boom")
	svc.On("ReverifyPending", mock.Anything, mock.Anything).Return(0, boom).Once()

	s := newScheduler(t, svc, nil)
	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), JobPendingChargeSweep)
}

func TestRunOnceTreatsTimeoutAsSoft(t *testing.T) {
	svc := &mockChargeService{}
	svc.On("ReverifyPending", mock.Anything, mock.Anything).Return(0, context.DeadlineExceeded).Once()

	s := newScheduler(t, svc, nil)
	assert.NoError(t, s.RunOnce(context.Background()))
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := ratelimit.NewLocker(client)

	svc := &mockChargeService{}
	s := newScheduler(t, svc, locker)

	token, ok, err := locker.TryLock(ctx, pendingSweepLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.SweepPendingChargesJob(ctx))
	svc.AssertNotCalled(t, "ReverifyPending", mock.Anything, mock.Anything)

	require.NoError(t, locker.Release(ctx, pendingSweepLockKey, token))
	svc.On("ReverifyPending", mock.Anything, mock.Anything).Return(1, nil).Once()
	require.NoError(t, s.SweepPendingChargesJob(ctx))
	svc.AssertExpectations(t)
	assert.False(t, mr.Exists(pendingSweepLockKey))
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	s := newScheduler(t, &mockChargeService{}, nil)
	s.cfg.SweepSpec = "not a cron spec"
	assert.Error(t, s.Start())
}

func TestStartAndStop(t *testing.T) {
	s := newScheduler(t, &mockChargeService{}, nil)
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}

func TestProvideConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "@every 5m", cfg.SweepSpec)
	assert.Equal(t, 2*time.Minute, cfg.LockTTL)
	assert.Equal(t, 90*time.Second, cfg.JobTimeout)
}
