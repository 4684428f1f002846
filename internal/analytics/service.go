package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"ms-capacity/internal/capacity"
	"ms-capacity/internal/models"

	"github.com/uptrace/bun"
)

// Service handles analytics operations
type Service struct {
	db  *DB
	now func() time.Time
}

// NewService creates a new analytics service
func NewService(db *bun.DB) *Service {
	return &Service{db: NewDB(db), now: time.Now}
}

// VariantUtilization is the breakdown of one variant on a schedule.
type VariantUtilization struct {
	models.CapacityView
	UtilizationPct float64 `json:"utilization_pct"`
	ActiveHolds    int     `json:"active_holds"`
	Bookings       int     `json:"bookings"`
	ExpiredHolds   int     `json:"expired_holds"`
	CancelledHolds int     `json:"cancelled_holds"`
}

// ScheduleUtilization aggregates capacity and hold outcomes for a schedule.
type ScheduleUtilization struct {
	ScheduleID        string               `json:"schedule_id"`
	TotalCapacity     int                  `json:"total_capacity"`
	ReservedCapacity  int                  `json:"reserved_capacity"`
	ConfirmedCapacity int                  `json:"confirmed_capacity"`
	AvailableCapacity int                  `json:"available_capacity"`
	UtilizationPct    float64              `json:"utilization_pct"`
	ConversionPct     float64              `json:"conversion_pct"`
	ExpiredUnswept    int                  `json:"expired_unswept"`
	Variants          []VariantUtilization `json:"variants"`
}

// GetScheduleUtilization reports how much of a schedule is held or booked
// and how holds ended.
func (s *Service) GetScheduleUtilization(ctx context.Context, scheduleID string) (*ScheduleUtilization, error) {
	rows, err := s.db.GetCapacityRows(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: schedule %s", capacity.ErrLedgerNotFound, scheduleID)
	}

	counts, err := s.db.GetReservationCounts(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	unswept, err := s.db.GetExpiredUnsweptCount(ctx, scheduleID, s.now().UTC())
	if err != nil {
		return nil, err
	}

	byVariant := make(map[string]*VariantUtilization, len(rows))
	result := &ScheduleUtilization{
		ScheduleID:     scheduleID,
		ExpiredUnswept: unswept,
		Variants:       make([]VariantUtilization, 0, len(rows)),
	}
	for i := range rows {
		row := &rows[i]
		result.TotalCapacity += row.TotalCapacity
		result.ReservedCapacity += row.ReservedCapacity
		result.ConfirmedCapacity += row.ConfirmedCapacity
		result.AvailableCapacity += row.AvailableCapacity()
		result.Variants = append(result.Variants, VariantUtilization{
			CapacityView:   row.View(),
			UtilizationPct: percent(row.ReservedCapacity+row.ConfirmedCapacity, row.TotalCapacity),
		})
	}
	for i := range result.Variants {
		byVariant[result.Variants[i].VariantID] = &result.Variants[i]
	}

	var finished, booked int
	for _, c := range counts {
		v, ok := byVariant[c.VariantID]
		if !ok {
			continue
		}
		switch c.Status {
		case models.ReservationStatusActive:
			v.ActiveHolds += c.Reservations
		case models.ReservationStatusConfirmed:
			v.Bookings += c.Reservations
			booked += c.Reservations
			finished += c.Reservations
		case models.ReservationStatusReleased:
			if c.ReleaseReason == models.ReleaseReasonExpired {
				v.ExpiredHolds += c.Reservations
			} else {
				v.CancelledHolds += c.Reservations
			}
			finished += c.Reservations
		}
	}

	result.UtilizationPct = percent(result.ReservedCapacity+result.ConfirmedCapacity, result.TotalCapacity)
	result.ConversionPct = percent(booked, finished)
	return result, nil
}

// GetBatchUtilization returns utilization for each known schedule id.
// Unknown schedules are left out of the map.
func (s *Service) GetBatchUtilization(ctx context.Context, scheduleIDs []string) (map[string]*ScheduleUtilization, error) {
	out := make(map[string]*ScheduleUtilization, len(scheduleIDs))
	for _, id := range scheduleIDs {
		u, err := s.GetScheduleUtilization(ctx, id)
		if err != nil {
			if capacity.IsNotFoundError(err) {
				continue
			}
			return nil, err
		}
		out[id] = u
	}
	return out, nil
}

func percent(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*10000) / 100
}
