package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ScheduleVariantCapacity is the ledger row for one bookable unit: a variant
// (ticket tier, vehicle class, package level) offered on a schedule.
type ScheduleVariantCapacity struct {
	bun.BaseModel `bun:"table:schedule_variant_capacities"`

	ScheduleID        string    `bun:"schedule_id,pk" json:"schedule_id"`
	VariantID         string    `bun:"variant_id,pk" json:"variant_id"`
	TotalCapacity     int       `bun:"total_capacity,notnull" json:"total_capacity"`
	ReservedCapacity  int       `bun:"reserved_capacity,notnull" json:"reserved_capacity"`
	ConfirmedCapacity int       `bun:"confirmed_capacity,notnull" json:"confirmed_capacity"`
	Disabled          bool      `bun:"disabled,notnull" json:"disabled"`
	CreatedAt         time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt         time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// AvailableCapacity is total - reserved - confirmed.
func (c *ScheduleVariantCapacity) AvailableCapacity() int {
	return c.TotalCapacity - c.ReservedCapacity - c.ConfirmedCapacity
}

// Consistent reports whether total >= reserved + confirmed and no counter is negative.
func (c *ScheduleVariantCapacity) Consistent() bool {
	return c.ReservedCapacity >= 0 &&
		c.ConfirmedCapacity >= 0 &&
		c.TotalCapacity >= c.ReservedCapacity+c.ConfirmedCapacity
}

// CapacityView is the display shape returned by read APIs.
type CapacityView struct {
	ScheduleID        string `json:"schedule_id"`
	VariantID         string `json:"variant_id"`
	TotalCapacity     int    `json:"total_capacity"`
	ReservedCapacity  int    `json:"reserved_capacity"`
	ConfirmedCapacity int    `json:"confirmed_capacity"`
	AvailableCapacity int    `json:"available_capacity"`
	Disabled          bool   `json:"disabled"`
}

func (c *ScheduleVariantCapacity) View() CapacityView {
	return CapacityView{
		ScheduleID:        c.ScheduleID,
		VariantID:         c.VariantID,
		TotalCapacity:     c.TotalCapacity,
		ReservedCapacity:  c.ReservedCapacity,
		ConfirmedCapacity: c.ConfirmedCapacity,
		AvailableCapacity: c.AvailableCapacity(),
		Disabled:          c.Disabled,
	}
}
