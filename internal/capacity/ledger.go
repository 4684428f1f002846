package capacity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-capacity/internal/logger"
	"ms-capacity/internal/metrics"
	"ms-capacity/internal/models"
	"ms-capacity/internal/telemetry"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"go.opentelemetry.io/otel/attribute"
)

// Ledger owns the per (schedule, variant) capacity counters. Adjust is the
// only path that mutates reserved/confirmed counts.
type Ledger struct {
	db          *bun.DB
	log         *logger.Logger
	metrics     *metrics.Recorder
	lockTimeout time.Duration
	now         func() time.Time
}

func NewLedger(db *bun.DB, log *logger.Logger, lockTimeout time.Duration) *Ledger {
	return &Ledger{
		db:          db,
		log:         log,
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
}

// adjustment is a signed change to one ledger row.
type adjustment struct {
	reserved       int
	confirmed      int
	requireEnabled bool
}

func isPostgres(db bun.IDB) bool {
	return db.Dialect().Name() == dialect.PG
}

// withinTx runs fn in a transaction that is committed when fn returns nil and
// rolled back on any error or panic. On PostgreSQL the lock wait is bounded
// by lockTimeout for the life of the transaction.
func (l *Ledger) withinTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if isPostgres(tx) && l.lockTimeout > 0 {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.lockTimeout.Milliseconds())
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("set lock timeout: %w", err)
			}
		}
		return fn(ctx, tx)
	})
}

func validateKey(scheduleID, variantID string) error {
	if scheduleID == "" || variantID == "" {
		return ErrInvalidKey
	}
	return nil
}

// lockRow reads a ledger row holding an exclusive row lock until the
// transaction ends. SQLite has no row locks; its transactions already
// serialize writers.
func (l *Ledger) lockRow(ctx context.Context, tx bun.Tx, scheduleID, variantID string) (*models.ScheduleVariantCapacity, error) {
	row := new(models.ScheduleVariantCapacity)
	q := tx.NewSelect().
		Model(row).
		Where("schedule_id = ?", scheduleID).
		Where("variant_id = ?", variantID)
	if isPostgres(tx) {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrLedgerNotFound, scheduleID, variantID)
		}
		return nil, fmt.Errorf("lock capacity row %s/%s: %w", scheduleID, variantID, err)
	}
	return row, nil
}

// adjustTx applies adj to the row inside the caller's transaction:
// lock, recompute, validate, write, verify.
func (l *Ledger) adjustTx(ctx context.Context, tx bun.Tx, scheduleID, variantID string, adj adjustment) (*models.ScheduleVariantCapacity, error) {
	row, err := l.lockRow(ctx, tx, scheduleID, variantID)
	if err != nil {
		return nil, err
	}

	if adj.requireEnabled && row.Disabled {
		return nil, fmt.Errorf("%w: %s/%s", ErrLedgerDisabled, scheduleID, variantID)
	}

	before := *row
	row.ReservedCapacity += adj.reserved
	row.ConfirmedCapacity += adj.confirmed

	if row.ReservedCapacity < 0 || row.ConfirmedCapacity < 0 {
		return nil, l.invariantViolation(ctx, &before, adj, "counter would go negative")
	}
	if row.AvailableCapacity() < 0 {
		return nil, fmt.Errorf("%w: %s/%s requested %d, available %d",
			ErrCapacityExceeded, scheduleID, variantID, adj.reserved+adj.confirmed, before.AvailableCapacity())
	}

	row.UpdatedAt = l.now().UTC()
	_, err = tx.NewUpdate().
		Model(row).
		Column("reserved_capacity", "confirmed_capacity", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("update capacity row %s/%s: %w", scheduleID, variantID, err)
	}

	written := new(models.ScheduleVariantCapacity)
	err = tx.NewSelect().
		Model(written).
		Where("schedule_id = ?", scheduleID).
		Where("variant_id = ?", variantID).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify capacity row %s/%s: %w", scheduleID, variantID, err)
	}
	if !written.Consistent() ||
		written.ReservedCapacity != row.ReservedCapacity ||
		written.ConfirmedCapacity != row.ConfirmedCapacity {
		return nil, l.invariantViolation(ctx, &before, adj, "post-write check failed")
	}

	return written, nil
}

func (l *Ledger) invariantViolation(ctx context.Context, row *models.ScheduleVariantCapacity, adj adjustment, detail string) error {
	l.log.Error("LEDGER", fmt.Sprintf(
		"Invariant violation on %s/%s (%s): total=%d reserved=%d confirmed=%d delta_reserved=%d delta_confirmed=%d",
		row.ScheduleID, row.VariantID, detail,
		row.TotalCapacity, row.ReservedCapacity, row.ConfirmedCapacity, adj.reserved, adj.confirmed))
	l.metrics.InvariantViolation(ctx)
	return fmt.Errorf("%w: %s/%s %s", ErrInvariantViolation, row.ScheduleID, row.VariantID, detail)
}

// Adjust changes reserved and confirmed counts of one row atomically.
func (l *Ledger) Adjust(ctx context.Context, scheduleID, variantID string, deltaReserved, deltaConfirmed int) (*models.ScheduleVariantCapacity, error) {
	if err := validateKey(scheduleID, variantID); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "capacity.ledger.adjust")
	span.SetAttributes(
		attribute.String("schedule_id", scheduleID),
		attribute.String("variant_id", variantID),
		attribute.Int("delta_reserved", deltaReserved),
		attribute.Int("delta_confirmed", deltaConfirmed),
	)

	var row *models.ScheduleVariantCapacity
	err := l.withinTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		row, err = l.adjustTx(ctx, tx, scheduleID, variantID, adjustment{reserved: deltaReserved, confirmed: deltaConfirmed})
		return err
	})
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	l.log.LogLedger("ADJUST", scheduleID, variantID, fmt.Sprintf("reserved %+d confirmed %+d -> available %d",
		deltaReserved, deltaConfirmed, row.AvailableCapacity()))
	return row, nil
}

// Get returns the row without locking it.
func (l *Ledger) Get(ctx context.Context, scheduleID, variantID string) (*models.ScheduleVariantCapacity, error) {
	if err := validateKey(scheduleID, variantID); err != nil {
		return nil, err
	}
	row := new(models.ScheduleVariantCapacity)
	err := l.db.NewSelect().
		Model(row).
		Where("schedule_id = ?", scheduleID).
		Where("variant_id = ?", variantID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrLedgerNotFound, scheduleID, variantID)
		}
		return nil, err
	}
	return row, nil
}

// GetAvailable is an unlocked read for display; it may be stale by the time
// a reservation is attempted.
func (l *Ledger) GetAvailable(ctx context.Context, scheduleID, variantID string) (int, error) {
	row, err := l.Get(ctx, scheduleID, variantID)
	if err != nil {
		return 0, err
	}
	if row.Disabled {
		return 0, nil
	}
	return row.AvailableCapacity(), nil
}

// ListBySchedule returns every variant row of a schedule ordered by variant.
func (l *Ledger) ListBySchedule(ctx context.Context, scheduleID string) ([]models.ScheduleVariantCapacity, error) {
	var rows []models.ScheduleVariantCapacity
	err := l.db.NewSelect().
		Model(&rows).
		Where("schedule_id = ?", scheduleID).
		Order("variant_id").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Create inserts the row for a variant offered on a schedule.
func (l *Ledger) Create(ctx context.Context, scheduleID, variantID string, total int) (*models.ScheduleVariantCapacity, error) {
	if err := validateKey(scheduleID, variantID); err != nil {
		return nil, err
	}
	if total < 0 {
		return nil, ErrInvalidTotal
	}

	now := l.now().UTC()
	row := &models.ScheduleVariantCapacity{
		ScheduleID:    scheduleID,
		VariantID:     variantID,
		TotalCapacity: total,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := l.withinTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*models.ScheduleVariantCapacity)(nil)).
			Where("schedule_id = ?", scheduleID).
			Where("variant_id = ?", variantID).
			Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s/%s", ErrLedgerExists, scheduleID, variantID)
		}
		_, err = tx.NewInsert().Model(row).Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.LogLedger("CREATE", scheduleID, variantID, fmt.Sprintf("total %d", total))
	return row, nil
}

// RowUpdate carries the admin-editable fields of a row. Nil fields are left
// unchanged.
type RowUpdate struct {
	Total    *int
	Disabled *bool
}

// Update applies every field of u under one row lock, so a total change and a
// disable either both commit or neither does. The total never drops below
// what is already held or booked.
func (l *Ledger) Update(ctx context.Context, scheduleID, variantID string, u RowUpdate) (*models.ScheduleVariantCapacity, error) {
	if err := validateKey(scheduleID, variantID); err != nil {
		return nil, err
	}
	if u.Total == nil && u.Disabled == nil {
		return nil, ErrEmptyUpdate
	}
	if u.Total != nil && *u.Total < 0 {
		return nil, ErrInvalidTotal
	}

	var row *models.ScheduleVariantCapacity
	err := l.withinTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		row, err = l.lockRow(ctx, tx, scheduleID, variantID)
		if err != nil {
			return err
		}
		columns := []string{"updated_at"}
		if u.Total != nil {
			committed := row.ReservedCapacity + row.ConfirmedCapacity
			if *u.Total < committed {
				return fmt.Errorf("%w: %s/%s total %d below reserved+confirmed %d",
					ErrCapacityExceeded, scheduleID, variantID, *u.Total, committed)
			}
			row.TotalCapacity = *u.Total
			columns = append(columns, "total_capacity")
		}
		if u.Disabled != nil {
			row.Disabled = *u.Disabled
			columns = append(columns, "disabled")
		}
		row.UpdatedAt = l.now().UTC()
		_, err = tx.NewUpdate().
			Model(row).
			Column(columns...).
			WherePK().
			Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.LogLedger("UPDATE", scheduleID, variantID, fmt.Sprintf("total %d disabled=%t", row.TotalCapacity, row.Disabled))
	return row, nil
}

// SetTotal changes total capacity.
func (l *Ledger) SetTotal(ctx context.Context, scheduleID, variantID string, total int) (*models.ScheduleVariantCapacity, error) {
	return l.Update(ctx, scheduleID, variantID, RowUpdate{Total: &total})
}

// SetDisabled soft-disables or re-enables a row. Disabled rows refuse new
// holds; existing holds can still be confirmed or released.
func (l *Ledger) SetDisabled(ctx context.Context, scheduleID, variantID string, disabled bool) (*models.ScheduleVariantCapacity, error) {
	return l.Update(ctx, scheduleID, variantID, RowUpdate{Disabled: &disabled})
}
