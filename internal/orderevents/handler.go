package orderevents

import (
	"context"
	"errors"
	"fmt"

	"ms-capacity/internal/capacity"
	"ms-capacity/internal/config"
	"ms-capacity/internal/logger"
	"ms-capacity/internal/models"
)

// CapacityService is the part of the reservation service order events drive.
type CapacityService interface {
	Confirm(ctx context.Context, ownerID string) ([]models.Reservation, error)
	ReleaseByOwner(ctx context.Context, ownerID string) (int, error)
}

// Handler turns order lifecycle events into confirm and release calls. Each
// item id is the owner reference its cart line reserved under.
type Handler struct {
	svc    CapacityService
	topics config.TopicConfig
	log    *logger.Logger
}

func NewHandler(svc CapacityService, topics config.TopicConfig, log *logger.Logger) *Handler {
	return &Handler{svc: svc, topics: topics, log: log}
}

// HandleOrderEvent returns an error only for failures worth retrying.
// Business outcomes are logged and the event is considered handled.
func (h *Handler) HandleOrderEvent(ctx context.Context, topic string, event models.OrderEvent) error {
	eventType := event.Type
	if eventType == "" {
		switch topic {
		case h.topics.OrderConfirmed:
			eventType = models.OrderEventConfirmed
		case h.topics.OrderCancelled:
			eventType = models.OrderEventCancelled
		}
	}

	switch eventType {
	case models.OrderEventConfirmed:
		return h.confirm(ctx, event)
	case models.OrderEventCancelled:
		return h.cancel(ctx, event)
	default:
		h.log.Warn("ORDERS", fmt.Sprintf("Ignoring order %s event of unknown type %q from %s", event.OrderID, event.Type, topic))
		return nil
	}
}

func (h *Handler) confirm(ctx context.Context, event models.OrderEvent) error {
	for _, itemID := range event.ItemIDs {
		holds, err := h.svc.Confirm(ctx, itemID)
		if err == nil {
			h.log.Info("ORDERS", fmt.Sprintf("Order %s item %s confirmed %d holds", event.OrderID, itemID, len(holds)))
			continue
		}
		if isPermanent(err) {
			h.log.Error("ORDERS", fmt.Sprintf("Order %s item %s cannot be confirmed: %v", event.OrderID, itemID, err))
			continue
		}
		return fmt.Errorf("confirm order %s item %s: %w", event.OrderID, itemID, err)
	}
	return nil
}

func (h *Handler) cancel(ctx context.Context, event models.OrderEvent) error {
	for _, itemID := range event.ItemIDs {
		n, err := h.svc.ReleaseByOwner(ctx, itemID)
		if err != nil {
			if isPermanent(err) {
				h.log.Error("ORDERS", fmt.Sprintf("Order %s item %s release rejected: %v", event.OrderID, itemID, err))
				continue
			}
			return fmt.Errorf("release order %s item %s: %w", event.OrderID, itemID, err)
		}
		h.log.Info("ORDERS", fmt.Sprintf("Order %s item %s released %d holds", event.OrderID, itemID, n))
	}
	return nil
}

func isPermanent(err error) bool {
	return capacity.IsNotFoundError(err) ||
		capacity.IsValidationError(err) ||
		capacity.IsConflictError(err) ||
		errors.Is(err, capacity.ErrInvariantViolation)
}
