package orderevents

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"ms-capacity/internal/capacity"
	"ms-capacity/internal/config"
	"ms-capacity/internal/logger"
	"ms-capacity/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockCapacityService struct {
	mock.Mock
}

func (m *MockCapacityService) Confirm(ctx context.Context, ownerID string) ([]models.Reservation, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Reservation), args.Error(1)
}

func (m *MockCapacityService) ReleaseByOwner(ctx context.Context, ownerID string) (int, error) {
	args := m.Called(ctx, ownerID)
	return args.Int(0), args.Error(1)
}

func testTopics() config.TopicConfig {
	return config.TopicConfig{OrderConfirmed: "orders.confirmed", OrderCancelled: "orders.cancelled"}
}

func TestHandleOrderEvent_ConfirmEachItem(t *testing.T) {
	svc := new(MockCapacityService)
	h := NewHandler(svc, testTopics(), logger.Discard())
	ctx := context.Background()

	svc.On("Confirm", ctx, "item-1").Return([]models.Reservation{{ID: "res-1"}}, nil)
	svc.On("Confirm", ctx, "item-2").Return(nil, fmt.Errorf("%w: item-2", capacity.ErrReservationNotFound))

	err := h.HandleOrderEvent(ctx, "orders.confirmed", models.OrderEvent{
		Type: models.OrderEventConfirmed, OrderID: "order-1", ItemIDs: []string{"item-1", "item-2"},
	})
	require.NoError(t, err)
	svc.AssertExpectations(t)
}

func TestHandleOrderEvent_TypeFromTopic(t *testing.T) {
	svc := new(MockCapacityService)
	h := NewHandler(svc, testTopics(), logger.Discard())
	ctx := context.Background()

	svc.On("ReleaseByOwner", ctx, "item-1").Return(2, nil)

	err := h.HandleOrderEvent(ctx, "orders.cancelled", models.OrderEvent{OrderID: "order-1", ItemIDs: []string{"item-1"}})
	require.NoError(t, err)
	svc.AssertExpectations(t)
}

func TestHandleOrderEvent_TransientFailureIsReturned(t *testing.T) {
	svc := new(MockCapacityService)
	h := NewHandler(svc, testTopics(), logger.Discard())
	ctx := context.Background()

	svc.On("Confirm", ctx, "item-1").Return(nil, errors.New("connection refused"))

	err := h.HandleOrderEvent(ctx, "orders.confirmed", models.OrderEvent{
		Type: models.OrderEventConfirmed, OrderID: "order-1", ItemIDs: []string{"item-1"},
	})
	assert.ErrorContains(t, err, "connection refused")
}

func TestHandleOrderEvent_UnknownTypeIgnored(t *testing.T) {
	svc := new(MockCapacityService)
	h := NewHandler(svc, testTopics(), logger.Discard())

	err := h.HandleOrderEvent(context.Background(), "orders.other", models.OrderEvent{OrderID: "order-1", ItemIDs: []string{"item-1"}})
	require.NoError(t, err)
	svc.AssertNotCalled(t, "Confirm", mock.Anything, mock.Anything)
	svc.AssertNotCalled(t, "ReleaseByOwner", mock.Anything, mock.Anything)
}
