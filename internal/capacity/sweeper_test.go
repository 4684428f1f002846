package capacity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ms-capacity/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_ReleasesOnlyHoldsPastExpiry(t *testing.T) {
	f := setupService(t)
	f.createRow(t, "sched-1", "adult", 20)
	sweeper := NewSweeper(f.svc, testConfig(), f.svc.log)

	now := baseTime.Add(time.Hour)
	f.clock.Set(now.Add(-time.Minute))
	past10 := f.reserve(t, "sched-1", "adult", "cart-1", 1, 50*time.Second)
	past1 := f.reserve(t, "sched-1", "adult", "cart-2", 2, 59*time.Second)
	atNow := f.reserve(t, "sched-1", "adult", "cart-3", 3, time.Minute)
	future := f.reserve(t, "sched-1", "adult", "cart-4", 4, 70*time.Second)

	f.clock.Set(now)
	result, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Released)
	assert.Equal(t, 0, result.Failed)
	assert.False(t, result.Skipped)

	for _, id := range []string{past10.ID, past1.ID} {
		stored := f.reservation(t, id)
		assert.Equal(t, models.ReservationStatusReleased, stored.Status)
		assert.Equal(t, models.ReleaseReasonExpired, stored.ReleaseReason)
	}
	for _, id := range []string{atNow.ID, future.ID} {
		assert.Equal(t, models.ReservationStatusActive, f.reservation(t, id).Status)
	}

	row := f.row(t, "sched-1", "adult")
	assert.Equal(t, 7, row.ReservedCapacity)
	assert.Equal(t, 13, row.AvailableCapacity())

	_, err = f.svc.ConfirmReservation(context.Background(), future.ID)
	require.NoError(t, err)
	f.assertLedgerMatchesReservations(t, "sched-1", "adult")

	stats := sweeper.Stats()
	assert.EqualValues(t, 1, stats.Runs)
	assert.EqualValues(t, 2, stats.TotalReleased)
	assert.Equal(t, 2, stats.LastReleased)
}

func TestSweeper_SecondRunFindsNothing(t *testing.T) {
	f := setupService(t)
	f.createRow(t, "sched-1", "adult", 5)
	sweeper := NewSweeper(f.svc, testConfig(), f.svc.log)
	f.reserve(t, "sched-1", "adult", "cart-1", 2, time.Second)
	f.clock.Advance(time.Minute)

	first, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Released)

	second, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Released)
	assert.Equal(t, 0, f.row(t, "sched-1", "adult").ReservedCapacity)
}

func TestSweeper_RespectsBatchSize(t *testing.T) {
	f := setupService(t)
	f.createRow(t, "sched-1", "adult", 10)
	cfg := testConfig()
	cfg.SweepBatchSize = 2
	sweeper := NewSweeper(f.svc, cfg, f.svc.log)

	for i := 0; i < 5; i++ {
		f.reserve(t, "sched-1", "adult", "cart", 1, time.Second)
	}
	f.clock.Advance(time.Minute)

	result, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Released)
	assert.Equal(t, 3, f.row(t, "sched-1", "adult").ReservedCapacity)
}

func TestSweeper_ExpiredHoldCannotBeConfirmedAfterSweep(t *testing.T) {
	f := setupService(t)
	f.createRow(t, "sched-1", "adult", 5)
	sweeper := NewSweeper(f.svc, testConfig(), f.svc.log)
	hold := f.reserve(t, "sched-1", "adult", "order-item-1", 2, time.Second)
	f.clock.Advance(time.Minute)

	_, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	_, err = f.svc.ConfirmReservation(context.Background(), hold.ID)
	require.ErrorIs(t, err, ErrReservationNotFound)
	require.NoError(t, f.svc.Release(context.Background(), hold.ID))
	assert.Equal(t, 0, f.row(t, "sched-1", "adult").ConfirmedCapacity)
}

type fakeLease struct {
	mu       sync.Mutex
	held     bool
	err      error
	acquired int
	released int
}

func (l *fakeLease) TryAcquire(_ context.Context, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.held {
		return false, nil
	}
	l.held = true
	l.acquired++
	return true, nil
}

func (l *fakeLease) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.released++
	return nil
}

func TestSweeper_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	f := setupService(t)
	f.createRow(t, "sched-1", "adult", 5)
	lease := &fakeLease{held: true}
	sweeper := NewSweeper(f.svc, testConfig(), f.svc.log, WithLease(lease))
	f.reserve(t, "sched-1", "adult", "cart-1", 2, time.Second)
	f.clock.Advance(time.Minute)

	result, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, 2, f.row(t, "sched-1", "adult").ReservedCapacity)

	lease.Release(context.Background())
	result, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Released)
	assert.Equal(t, 1, lease.acquired)
	assert.Equal(t, 2, lease.released)
	assert.False(t, lease.held)
}

func TestSweeper_SweepsWithoutLeaseWhenLeaseBackendFails(t *testing.T) {
	f := setupService(t)
	f.createRow(t, "sched-1", "adult", 5)
	sweeper := NewSweeper(f.svc, testConfig(), f.svc.log, WithLease(&fakeLease{err: errors.New("redis down")}))
	f.reserve(t, "sched-1", "adult", "cart-1", 2, time.Second)
	f.clock.Advance(time.Minute)

	result, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Released)
}

func TestSweeper_StartAndStop(t *testing.T) {
	f := setupService(t)
	f.createRow(t, "sched-1", "adult", 5)
	cfg := testConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	sweeper := NewSweeper(f.svc, cfg, f.svc.log)
	f.reserve(t, "sched-1", "adult", "cart-1", 2, time.Second)
	f.clock.Advance(time.Minute)

	require.NoError(t, sweeper.Start(context.Background()))
	assert.Error(t, sweeper.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return sweeper.Stats().TotalReleased == 1
	}, 2*time.Second, 10*time.Millisecond)

	sweeper.Stop()
	assert.False(t, sweeper.Stats().Running)
	sweeper.Stop()
}

func TestSweeper_RestartAfterStop(t *testing.T) {
	f := setupService(t)
	f.createRow(t, "sched-1", "adult", 5)
	cfg := testConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	sweeper := NewSweeper(f.svc, cfg, f.svc.log)

	require.NoError(t, sweeper.Start(context.Background()))
	sweeper.Stop()
	assert.False(t, sweeper.Stats().Running)

	require.NoError(t, sweeper.Start(context.Background()))
	assert.True(t, sweeper.Stats().Running)
	before := sweeper.Stats().Runs

	f.reserve(t, "sched-1", "adult", "cart-1", 2, time.Second)
	f.clock.Advance(time.Minute)
	assert.Eventually(t, func() bool {
		s := sweeper.Stats()
		return s.TotalReleased == 1 && s.Runs > before+1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, sweeper.Stats().Running)

	assert.NotPanics(t, sweeper.Stop)
	assert.False(t, sweeper.Stats().Running)
	assert.NotPanics(t, sweeper.Stop)
}

func TestSweeper_ContextCancelStopsLoop(t *testing.T) {
	f := setupService(t)
	cfg := testConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	sweeper := NewSweeper(f.svc, cfg, f.svc.log)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sweeper.Start(ctx))
	cancel()
	assert.Eventually(t, func() bool { return !sweeper.Stats().Running }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sweeper.Start(context.Background()))
	assert.NotPanics(t, sweeper.Stop)
}
