package capacity_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ms-capacity/internal/logger"
	"ms-capacity/internal/sse"

	"github.com/go-chi/chi/v5"
)

// SSEHandler streams capacity changes of one schedule to display clients.
type SSEHandler struct {
	Logger       *logger.Logger
	EventEmitter *sse.CapacityEventEmitter
	Heartbeat    time.Duration
}

func NewSSEHandler(log *logger.Logger, emitter *sse.CapacityEventEmitter) *SSEHandler {
	return &SSEHandler{
		Logger:       log,
		EventEmitter: emitter,
		Heartbeat:    30 * time.Second,
	}
}

func (h *SSEHandler) HandleScheduleStream(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleId")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	events := h.EventEmitter.SubscribeToSchedule(ctx, scheduleID)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\",\"schedule_id\":%q}\n\n", scheduleID)
	flusher.Flush()
	h.Logger.Info("SSE", fmt.Sprintf("Client connected to capacity stream for schedule: %s", scheduleID))

	heartbeat := time.NewTicker(h.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize capacity event: %v", err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client disconnected from schedule: %s", scheduleID))
			return
		}
	}
}
