package models

import "time"

type CapacityEventType string

const (
	CapacityEventReserved  CapacityEventType = "reservation.created"
	CapacityEventConfirmed CapacityEventType = "reservation.confirmed"
	CapacityEventReleased  CapacityEventType = "reservation.released"
	CapacityEventAdjusted  CapacityEventType = "capacity.adjusted"
)

// CapacityEvent is published after a committed change to a ledger row.
type CapacityEvent struct {
	Type          CapacityEventType `json:"type"`
	ReservationID string            `json:"reservation_id,omitempty"`
	OwnerID       string            `json:"owner_id,omitempty"`
	Quantity      int               `json:"quantity,omitempty"`
	Reason        ReleaseReason     `json:"reason,omitempty"`
	Capacity      CapacityView      `json:"capacity"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

type OrderEventType string

const (
	OrderEventConfirmed OrderEventType = "order.confirmed"
	OrderEventCancelled OrderEventType = "order.cancelled"
)

// OrderEvent is consumed from the order subsystem. ItemIDs are the owner
// references the cart used when it reserved capacity.
type OrderEvent struct {
	Type    OrderEventType `json:"type"`
	OrderID string         `json:"order_id"`
	ItemIDs []string       `json:"item_ids"`
}
