package capacity

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"ms-capacity/internal/config"
	"ms-capacity/internal/database"
	"ms-capacity/internal/logger"
	"ms-capacity/internal/models"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: baseTime}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.CapacityEvent
	err    error
}

func (p *recordingPublisher) PublishCapacityEvent(_ context.Context, ev models.CapacityEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Types() []models.CapacityEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.CapacityEventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func testConfig() config.CapacityConfig {
	return config.CapacityConfig{
		DefaultHoldTTL:       15 * time.Minute,
		LockTimeout:          time.Second,
		SweepInterval:        time.Minute,
		SweepBatchSize:       100,
		AvailabilityCacheTTL: 10 * time.Second,
	}
}

// setupTestDB returns an in-memory SQLite database on a single connection,
// so concurrent transactions queue behind each other.
func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, database.CreateSchema(context.Background(), db))

	t.Cleanup(func() { db.Close() })
	return db
}

type fixture struct {
	db        *bun.DB
	clock     *testClock
	publisher *recordingPublisher
	svc       *Service
}

func setupService(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		db:        setupTestDB(t),
		clock:     newTestClock(),
		publisher: &recordingPublisher{},
	}
	var seq int
	var seqMu sync.Mutex
	all := append([]Option{
		WithClock(f.clock.Now),
		WithPublisher(f.publisher),
		WithIDGenerator(func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("res-%04d", seq)
		}),
	}, opts...)
	f.svc = NewService(f.db, testConfig(), logger.Discard(), all...)
	return f
}

func (f *fixture) createRow(t *testing.T, scheduleID, variantID string, total int) {
	t.Helper()
	_, err := f.svc.CreateCapacity(context.Background(), scheduleID, variantID, total)
	require.NoError(t, err)
}

func (f *fixture) row(t *testing.T, scheduleID, variantID string) *models.ScheduleVariantCapacity {
	t.Helper()
	row, err := f.svc.Ledger().Get(context.Background(), scheduleID, variantID)
	require.NoError(t, err)
	return row
}

func (f *fixture) reserve(t *testing.T, scheduleID, variantID, owner string, qty int, ttl time.Duration) *models.Reservation {
	t.Helper()
	res, err := f.svc.Reserve(context.Background(), ReserveRequest{
		ScheduleID: scheduleID,
		VariantID:  variantID,
		Quantity:   qty,
		OwnerID:    owner,
		TTL:        ttl,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) reservation(t *testing.T, id string) *models.Reservation {
	t.Helper()
	res, err := f.svc.GetReservation(context.Background(), id)
	require.NoError(t, err)
	return res
}

// assertLedgerMatchesReservations checks the ledger invariant and that the
// counters equal the sums over reservation rows.
func (f *fixture) assertLedgerMatchesReservations(t *testing.T, scheduleID, variantID string) {
	t.Helper()
	ctx := context.Background()
	row := f.row(t, scheduleID, variantID)
	require.True(t, row.Consistent(), "inconsistent row %+v", row)

	var active, confirmed int
	err := f.db.NewSelect().
		Model((*models.Reservation)(nil)).
		ColumnExpr("COALESCE(SUM(quantity), 0)").
		Where("schedule_id = ? AND variant_id = ?", scheduleID, variantID).
		Where("status = ?", models.ReservationStatusActive).
		Scan(ctx, &active)
	require.NoError(t, err)
	err = f.db.NewSelect().
		Model((*models.Reservation)(nil)).
		ColumnExpr("COALESCE(SUM(quantity), 0)").
		Where("schedule_id = ? AND variant_id = ?", scheduleID, variantID).
		Where("status = ?", models.ReservationStatusConfirmed).
		Scan(ctx, &confirmed)
	require.NoError(t, err)

	require.Equal(t, active, row.ReservedCapacity, "reserved counter vs active holds")
	require.Equal(t, confirmed, row.ConfirmedCapacity, "confirmed counter vs confirmed holds")
}
