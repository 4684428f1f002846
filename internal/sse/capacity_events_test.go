package sse

import (
	"context"
	"testing"
	"time"

	"ms-capacity/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(scheduleID string, available int) models.CapacityEvent {
	return models.CapacityEvent{
		Type:     models.CapacityEventReserved,
		Capacity: models.CapacityView{ScheduleID: scheduleID, VariantID: "adult", AvailableCapacity: available},
	}
}

func TestEmitter_DeliversOnlyToScheduleSubscribers(t *testing.T) {
	e := NewCapacityEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub1 := e.SubscribeToSchedule(ctx, "sched-1")
	sub2 := e.SubscribeToSchedule(ctx, "sched-2")
	assert.Equal(t, 1, e.ClientCount("sched-1"))

	require.NoError(t, e.PublishCapacityEvent(ctx, event("sched-1", 4)))

	select {
	case got := <-sub1:
		assert.Equal(t, 4, got.Capacity.AvailableCapacity)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
	select {
	case got := <-sub2:
		t.Fatalf("unexpected event for other schedule: %+v", got)
	default:
	}
}

func TestEmitter_UnsubscribesOnContextDone(t *testing.T) {
	e := NewCapacityEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())

	sub := e.SubscribeToSchedule(ctx, "sched-1")
	cancel()

	assert.Eventually(t, func() bool { return e.ClientCount("sched-1") == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-sub
	assert.False(t, open)

	e.Emit(event("sched-1", 1))
}

func TestEmitter_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	e := NewCapacityEventEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := e.SubscribeToSchedule(ctx, "sched-1")
	for i := 0; i < 100; i++ {
		e.Emit(event("sched-1", i))
	}
	assert.Len(t, sub, cap(sub))
}
