package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	ReservationStatusReleased  ReservationStatus = "released"
)

type ReleaseReason string

const (
	ReleaseReasonExpired   ReleaseReason = "expired"
	ReleaseReasonCancelled ReleaseReason = "cancelled"
)

// Reservation is a hold on capacity owned by a cart item or order item.
// ExpiresAt is zero (NULL) once the reservation is confirmed.
type Reservation struct {
	bun.BaseModel `bun:"table:reservations"`

	ID            string            `bun:"id,pk" json:"id"`
	ScheduleID    string            `bun:"schedule_id,notnull" json:"schedule_id"`
	VariantID     string            `bun:"variant_id,notnull" json:"variant_id"`
	Quantity      int               `bun:"quantity,notnull" json:"quantity"`
	OwnerID       string            `bun:"owner_id,notnull" json:"owner_id"`
	Status        ReservationStatus `bun:"status,notnull" json:"status"`
	CreatedAt     time.Time         `bun:"created_at,notnull" json:"created_at"`
	ExpiresAt     time.Time         `bun:"expires_at,nullzero" json:"expires_at,omitempty"`
	ConfirmedAt   time.Time         `bun:"confirmed_at,nullzero" json:"confirmed_at,omitempty"`
	ReleasedAt    time.Time         `bun:"released_at,nullzero" json:"released_at,omitempty"`
	ReleaseReason ReleaseReason     `bun:"release_reason,nullzero" json:"release_reason,omitempty"`
}

func (r *Reservation) IsActive() bool {
	return r.Status == ReservationStatusActive
}

// ExpiredAt reports whether an active hold's expiry is strictly before now.
func (r *Reservation) ExpiredAt(now time.Time) bool {
	return r.IsActive() && !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now)
}
