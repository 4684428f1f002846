package analytics_api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"ms-capacity/internal/analytics"
	"ms-capacity/internal/capacity"
	"ms-capacity/internal/logger"
	"ms-capacity/internal/utils"

	"github.com/go-chi/chi/v5"
)

const maxBatchSchedules = 100

// Handler handles analytics HTTP endpoints
type Handler struct {
	Service *analytics.Service
	Logger  *logger.Logger
}

// NewHandler creates a new analytics handler
func NewHandler(service *analytics.Service, logger *logger.Logger) *Handler {
	return &Handler{
		Service: service,
		Logger:  logger,
	}
}

// RegisterRoutes registers the analytics routes on a chi router
func (h *Handler) RegisterRoutes(r chi.Router, authMW func(http.Handler) http.Handler) {
	r.Route("/api/capacity/analytics", func(r chi.Router) {
		if authMW != nil {
			r.Use(authMW)
		}
		r.Get("/schedules/{scheduleId}", h.GetScheduleUtilization)
		r.Post("/schedules/batch", h.GetBatchUtilization)
	})
}

// GetScheduleUtilization handles GET /api/capacity/analytics/schedules/{scheduleId}
func (h *Handler) GetScheduleUtilization(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleId")
	h.Logger.Info("ANALYTICS", fmt.Sprintf("Getting utilization for schedule: %s", scheduleID))

	result, err := h.Service.GetScheduleUtilization(r.Context(), scheduleID)
	if err != nil {
		if capacity.IsNotFoundError(err) {
			utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("Schedule not found", err.Error()))
			return
		}
		h.Logger.Error("ANALYTICS", fmt.Sprintf("Failed to get utilization for schedule %s: %v", scheduleID, err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Failed to get analytics", "internal error"))
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Schedule utilization", result))
}

type batchRequest struct {
	ScheduleIDs []string `json:"schedule_ids"`
}

// GetBatchUtilization handles POST /api/capacity/analytics/schedules/batch
func (h *Handler) GetBatchUtilization(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if len(req.ScheduleIDs) == 0 || len(req.ScheduleIDs) > maxBatchSchedules {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body",
			fmt.Sprintf("schedule_ids must contain 1 to %d ids", maxBatchSchedules)))
		return
	}

	result, err := h.Service.GetBatchUtilization(r.Context(), req.ScheduleIDs)
	if err != nil {
		h.Logger.Error("ANALYTICS", fmt.Sprintf("Batch utilization failed: %v", err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Failed to get analytics", "internal error"))
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Schedule utilization", result))
}
