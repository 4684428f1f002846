package analytics

import (
	"context"
	"time"

	"ms-capacity/internal/models"

	"github.com/uptrace/bun"
)

// DB handles analytics database operations
type DB struct {
	bun *bun.DB
}

// NewDB creates a new analytics DB handler
func NewDB(db *bun.DB) *DB {
	return &DB{bun: db}
}

// statusCount is one (variant, status) bucket of reservations.
type statusCount struct {
	VariantID     string                   `bun:"variant_id"`
	Status        models.ReservationStatus `bun:"status"`
	ReleaseReason models.ReleaseReason     `bun:"release_reason"`
	Reservations  int                      `bun:"reservations"`
	Units         int                      `bun:"units"`
}

// GetCapacityRows retrieves the ledger rows of a schedule
func (db *DB) GetCapacityRows(ctx context.Context, scheduleID string) ([]models.ScheduleVariantCapacity, error) {
	var rows []models.ScheduleVariantCapacity
	err := db.bun.NewSelect().
		Model(&rows).
		Where("schedule_id = ?", scheduleID).
		Order("variant_id").
		Scan(ctx)
	return rows, err
}

// GetReservationCounts groups a schedule's reservations by variant, status
// and release reason.
func (db *DB) GetReservationCounts(ctx context.Context, scheduleID string) ([]statusCount, error) {
	var counts []statusCount
	err := db.bun.NewSelect().
		Model((*models.Reservation)(nil)).
		Column("variant_id", "status", "release_reason").
		ColumnExpr("COUNT(*) AS reservations").
		ColumnExpr("COALESCE(SUM(quantity), 0) AS units").
		Where("schedule_id = ?", scheduleID).
		Group("variant_id", "status", "release_reason").
		Scan(ctx, &counts)
	return counts, err
}

// GetExpiredUnsweptCount counts active holds already past expiry.
func (db *DB) GetExpiredUnsweptCount(ctx context.Context, scheduleID string, now time.Time) (int, error) {
	return db.bun.NewSelect().
		Model((*models.Reservation)(nil)).
		Where("schedule_id = ?", scheduleID).
		Where("status = ?", models.ReservationStatusActive).
		Where("expires_at < ?", now).
		Count(ctx)
}
