package sse

import (
	"context"
	"sync"

	"ms-capacity/internal/models"
)

// CapacityEventEmitter fans committed capacity changes out to SSE clients
// subscribed to a schedule.
type CapacityEventEmitter struct {
	mu      sync.RWMutex
	clients map[string][]chan models.CapacityEvent
}

func NewCapacityEventEmitter() *CapacityEventEmitter {
	return &CapacityEventEmitter{
		clients: make(map[string][]chan models.CapacityEvent),
	}
}

// SubscribeToSchedule returns a channel of events for the schedule. The
// channel is closed once ctx is done.
func (e *CapacityEventEmitter) SubscribeToSchedule(ctx context.Context, scheduleID string) <-chan models.CapacityEvent {
	clientChan := make(chan models.CapacityEvent, 16)

	e.mu.Lock()
	e.clients[scheduleID] = append(e.clients[scheduleID], clientChan)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.removeClient(scheduleID, clientChan)
	}()

	return clientChan
}

// Emit delivers the event to every subscriber of its schedule. Slow clients
// whose buffer is full miss the event.
func (e *CapacityEventEmitter) Emit(event models.CapacityEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, clientChan := range e.clients[event.Capacity.ScheduleID] {
		select {
		case clientChan <- event:
		default:
		}
	}
}

// PublishCapacityEvent lets the emitter act as a service publisher.
func (e *CapacityEventEmitter) PublishCapacityEvent(_ context.Context, event models.CapacityEvent) error {
	e.Emit(event)
	return nil
}

func (e *CapacityEventEmitter) removeClient(scheduleID string, clientChan chan models.CapacityEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients := e.clients[scheduleID]
	for i, ch := range clients {
		if ch == clientChan {
			e.clients[scheduleID] = append(clients[:i], clients[i+1:]...)
			close(clientChan)
			break
		}
	}
	if len(e.clients[scheduleID]) == 0 {
		delete(e.clients, scheduleID)
	}
}

// ClientCount returns the number of clients subscribed to a schedule.
func (e *CapacityEventEmitter) ClientCount(scheduleID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients[scheduleID])
}
