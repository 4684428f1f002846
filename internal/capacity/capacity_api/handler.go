package capacity_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ms-capacity/internal/auth"
	"ms-capacity/internal/capacity"
	"ms-capacity/internal/logger"
	"ms-capacity/internal/models"
	"ms-capacity/internal/utils"

	"github.com/go-chi/chi/v5"
)

// CapacityService is the reservation core as seen by HTTP callers.
type CapacityService interface {
	Reserve(ctx context.Context, req capacity.ReserveRequest) (*models.Reservation, error)
	Confirm(ctx context.Context, ownerID string) ([]models.Reservation, error)
	ConfirmReservation(ctx context.Context, reservationID string) (*models.Reservation, error)
	Release(ctx context.Context, reservationID string) error
	ReleaseByOwner(ctx context.Context, ownerID string) (int, error)
	Extend(ctx context.Context, reservationID string, ttl time.Duration) (*models.Reservation, error)
	GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.Reservation, error)
	Available(ctx context.Context, scheduleID, variantID string) (int, error)
	GetCapacity(ctx context.Context, scheduleID, variantID string) (*models.ScheduleVariantCapacity, error)
	ListSchedule(ctx context.Context, scheduleID string) ([]models.ScheduleVariantCapacity, error)
	CreateCapacity(ctx context.Context, scheduleID, variantID string, total int) (*models.ScheduleVariantCapacity, error)
	UpdateCapacity(ctx context.Context, scheduleID, variantID string, u capacity.RowUpdate) (*models.ScheduleVariantCapacity, error)
}

type Handler struct {
	Service CapacityService
	SSE     *SSEHandler
	Logger  *logger.Logger
}

func NewHandler(svc CapacityService, sse *SSEHandler, log *logger.Logger) *Handler {
	return &Handler{Service: svc, SSE: sse, Logger: log}
}

// RegisterRoutes mounts the capacity API under /api/capacity. authMW may be
// nil, in which case no route requires a token and admin routes are open.
func (h *Handler) RegisterRoutes(r chi.Router, authMW func(http.Handler) http.Handler) {
	r.Route("/api/capacity", func(r chi.Router) {
		// Display reads are public.
		r.Get("/schedules/{scheduleId}", h.ListSchedule)
		r.Get("/schedules/{scheduleId}/variants/{variantId}", h.GetCapacity)
		r.Get("/schedules/{scheduleId}/variants/{variantId}/availability", h.GetAvailability)
		if h.SSE != nil {
			r.Get("/schedules/{scheduleId}/stream", h.SSE.HandleScheduleStream)
		}

		r.Group(func(r chi.Router) {
			if authMW != nil {
				r.Use(authMW)
			}
			r.Post("/reservations", h.Reserve)
			r.Get("/reservations/{reservationId}", h.GetReservation)
			r.Patch("/reservations/{reservationId}", h.Extend)
			r.Delete("/reservations/{reservationId}", h.Release)
			r.Post("/reservations/{reservationId}/confirm", h.ConfirmReservation)
			r.Get("/owners/{ownerId}/reservations", h.ListByOwner)
			r.Delete("/owners/{ownerId}/reservations", h.ReleaseByOwner)
			r.Post("/owners/{ownerId}/confirm", h.Confirm)

			r.Group(func(r chi.Router) {
				if authMW != nil {
					r.Use(auth.RequireRole(auth.AdminRole))
				}
				r.Post("/schedules/{scheduleId}/variants", h.CreateCapacity)
				r.Put("/schedules/{scheduleId}/variants/{variantId}", h.UpdateCapacity)
			})
		})
	})
}

type reserveRequest struct {
	ScheduleID string `json:"schedule_id"`
	VariantID  string `json:"variant_id"`
	Quantity   int    `json:"quantity"`
	OwnerID    string `json:"owner_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type extendRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type createCapacityRequest struct {
	VariantID     string `json:"variant_id"`
	TotalCapacity int    `json:"total_capacity"`
}

type updateCapacityRequest struct {
	TotalCapacity *int  `json:"total_capacity,omitempty"`
	Disabled      *bool `json:"disabled,omitempty"`
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case capacity.IsValidationError(err):
		return http.StatusBadRequest
	case capacity.IsNotFoundError(err):
		return http.StatusNotFound
	case capacity.IsConflictError(err):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
	} else {
		h.Logger.Warn("API", fmt.Sprintf("%s: %v", op, err))
	}
	message := http.StatusText(status)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = "internal error"
	}
	utils.WriteJSON(w, status, utils.ErrorResponse(message, detail))
}

func (h *Handler) writeOK(w http.ResponseWriter, status int, message string, data interface{}) {
	if err := utils.WriteJSON(w, status, utils.SuccessResponse(message, data)); err != nil {
		h.Logger.Error("API", fmt.Sprintf("failed to encode response: %v", err))
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, op string, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.Logger.Warn("API", fmt.Sprintf("%s: invalid body: %v", op, err))
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return false
	}
	return true
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !h.decode(w, r, "Reserve", &req) {
		return
	}

	res, err := h.Service.Reserve(r.Context(), capacity.ReserveRequest{
		ScheduleID: req.ScheduleID,
		VariantID:  req.VariantID,
		Quantity:   req.Quantity,
		OwnerID:    req.OwnerID,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.writeError(w, "Reserve", err)
		return
	}
	h.writeOK(w, http.StatusCreated, "Reservation created", res)
}

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.GetReservation(r.Context(), chi.URLParam(r, "reservationId"))
	if err != nil {
		h.writeError(w, "GetReservation", err)
		return
	}
	h.writeOK(w, http.StatusOK, "Reservation", res)
}

func (h *Handler) Extend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !h.decode(w, r, "Extend", &req) {
		return
	}
	res, err := h.Service.Extend(r.Context(), chi.URLParam(r, "reservationId"), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.writeError(w, "Extend", err)
		return
	}
	h.writeOK(w, http.StatusOK, "Reservation extended", res)
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Release(r.Context(), chi.URLParam(r, "reservationId")); err != nil {
		h.writeError(w, "Release", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ConfirmReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.ConfirmReservation(r.Context(), chi.URLParam(r, "reservationId"))
	if err != nil {
		h.writeError(w, "ConfirmReservation", err)
		return
	}
	h.writeOK(w, http.StatusOK, "Reservation confirmed", res)
}

func (h *Handler) ListByOwner(w http.ResponseWriter, r *http.Request) {
	holds, err := h.Service.ListByOwner(r.Context(), chi.URLParam(r, "ownerId"))
	if err != nil {
		h.writeError(w, "ListByOwner", err)
		return
	}
	h.writeOK(w, http.StatusOK, "Reservations", holds)
}

func (h *Handler) ReleaseByOwner(w http.ResponseWriter, r *http.Request) {
	n, err := h.Service.ReleaseByOwner(r.Context(), chi.URLParam(r, "ownerId"))
	if err != nil {
		h.writeError(w, "ReleaseByOwner", err)
		return
	}
	h.writeOK(w, http.StatusOK, "Reservations released", map[string]int{"released": n})
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	holds, err := h.Service.Confirm(r.Context(), chi.URLParam(r, "ownerId"))
	if err != nil {
		h.writeError(w, "Confirm", err)
		return
	}
	h.writeOK(w, http.StatusOK, "Reservations confirmed", holds)
}

func (h *Handler) ListSchedule(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Service.ListSchedule(r.Context(), chi.URLParam(r, "scheduleId"))
	if err != nil {
		h.writeError(w, "ListSchedule", err)
		return
	}
	views := make([]models.CapacityView, 0, len(rows))
	for i := range rows {
		views = append(views, rows[i].View())
	}
	h.writeOK(w, http.StatusOK, "Schedule capacity", views)
}

func (h *Handler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	row, err := h.Service.GetCapacity(r.Context(), chi.URLParam(r, "scheduleId"), chi.URLParam(r, "variantId"))
	if err != nil {
		h.writeError(w, "GetCapacity", err)
		return
	}
	h.writeOK(w, http.StatusOK, "Variant capacity", row.View())
}

func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	scheduleID, variantID := chi.URLParam(r, "scheduleId"), chi.URLParam(r, "variantId")
	available, err := h.Service.Available(r.Context(), scheduleID, variantID)
	if err != nil {
		h.writeError(w, "GetAvailability", err)
		return
	}
	h.writeOK(w, http.StatusOK, "Availability", map[string]interface{}{
		"schedule_id": scheduleID,
		"variant_id":  variantID,
		"available":   available,
	})
}

func (h *Handler) CreateCapacity(w http.ResponseWriter, r *http.Request) {
	var req createCapacityRequest
	if !h.decode(w, r, "CreateCapacity", &req) {
		return
	}
	row, err := h.Service.CreateCapacity(r.Context(), chi.URLParam(r, "scheduleId"), req.VariantID, req.TotalCapacity)
	if err != nil {
		h.writeError(w, "CreateCapacity", err)
		return
	}
	h.Logger.Info("API", fmt.Sprintf("CreateCapacity: %s/%s by %s", row.ScheduleID, row.VariantID, auth.UserID(r.Context())))
	h.writeOK(w, http.StatusCreated, "Capacity created", row.View())
}

func (h *Handler) UpdateCapacity(w http.ResponseWriter, r *http.Request) {
	var req updateCapacityRequest
	if !h.decode(w, r, "UpdateCapacity", &req) {
		return
	}
	if req.TotalCapacity == nil && req.Disabled == nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", "total_capacity or disabled is required"))
		return
	}

	scheduleID, variantID := chi.URLParam(r, "scheduleId"), chi.URLParam(r, "variantId")
	row, err := h.Service.UpdateCapacity(r.Context(), scheduleID, variantID, capacity.RowUpdate{
		Total:    req.TotalCapacity,
		Disabled: req.Disabled,
	})
	if err != nil {
		h.writeError(w, "UpdateCapacity", err)
		return
	}
	h.Logger.Info("API", fmt.Sprintf("UpdateCapacity: %s/%s by %s", scheduleID, variantID, auth.UserID(r.Context())))
	h.writeOK(w, http.StatusOK, "Capacity updated", row.View())
}
