package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"qms/queue-engine/internal/booking"
	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

// Booking is the workflow the API exposes.
type Booking interface {
	Create(ctx context.Context, input booking.CreateInput) (models.Token, error)
	Get(ctx context.Context, tokenID string) (models.Token, error)
	CheckIn(ctx context.Context, tokenID string) (models.Token, error)
	Cancel(ctx context.Context, tokenID string) (models.Token, error)
	ServeNext(ctx context.Context, branchID string) (models.Token, bool, error)
	ListQueue(ctx context.Context, branchID string) ([]store.Entry, error)
}

type Rebalancer interface {
	Rebalance(ctx context.Context, branchID string) (bool, error)
}

type Handler struct {
	booking    Booking
	rebalancer Rebalancer
}

type createTokenRequest struct {
	RequestID       string `json:"request_id"`
	BranchID        string `json:"branch_id"`
	ReservationKind string `json:"reservation_kind"`
	ScheduledTime   string `json:"scheduled_time"`
}

type queueResponse struct {
	BranchID string        `json:"branch_id"`
	Entries  []store.Entry `json:"entries"`
}

type serveNextResponse struct {
	Empty bool          `json:"empty"`
	Token *models.Token `json:"token,omitempty"`
}

type rebalanceResponse struct {
	BranchID string `json:"branch_id"`
	Skipped  bool   `json:"skipped"`
}

type errorResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(svc Booking, rebalancer Rebalancer) *Handler {
	return &Handler{booking: svc, rebalancer: rebalancer}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tokens", h.handleTokens)
	mux.HandleFunc("/api/tokens/", h.handleToken)
	mux.HandleFunc("/api/branches/", h.handleBranch)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTokenRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.BranchID = strings.TrimSpace(req.BranchID)
	req.ReservationKind = strings.TrimSpace(req.ReservationKind)
	req.ScheduledTime = strings.TrimSpace(req.ScheduledTime)

	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}
	if req.BranchID == "" || req.ReservationKind == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "branch_id and reservation_kind are required")
		return
	}
	kind, ok := models.ParseReservationKind(req.ReservationKind)
	if !ok {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "reservation_kind must be scheduled or walk_in")
		return
	}

	input := booking.CreateInput{BranchID: req.BranchID, Kind: kind}
	if req.ScheduledTime != "" {
		slot, err := time.Parse(time.RFC3339, req.ScheduledTime)
		if err != nil {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "scheduled_time must be RFC3339")
			return
		}
		input.ScheduledTime = &slot
	}

	token, err := h.booking.Create(r.Context(), input)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

// handleToken serves /api/tokens/{id} and /api/tokens/{id}/actions/{action}.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tokens/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	tokenID := parts[0]
	if !isValidUUID(tokenID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "token_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.respondToken(w, r, func(ctx context.Context) (models.Token, error) {
			return h.booking.Get(ctx, tokenID)
		})
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch parts[2] {
		case "check-in":
			h.respondToken(w, r, func(ctx context.Context) (models.Token, error) {
				return h.booking.CheckIn(ctx, tokenID)
			})
		case "cancel":
			h.respondToken(w, r, func(ctx context.Context) (models.Token, error) {
				return h.booking.Cancel(ctx, tokenID)
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) respondToken(w http.ResponseWriter, r *http.Request, fn func(context.Context) (models.Token, error)) {
	token, err := fn(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// handleBranch serves /api/branches/{id}/queue and
// /api/branches/{id}/actions/{serve-next|rebalance}.
func (h *Handler) handleBranch(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/branches/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	branchID := strings.TrimSpace(parts[0])
	if branchID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "branch_id is required")
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "queue":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleListQueue(w, r, branchID)
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch parts[2] {
		case "serve-next":
			h.handleServeNext(w, r, branchID)
		case "rebalance":
			h.handleRebalance(w, r, branchID)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleListQueue(w http.ResponseWriter, r *http.Request, branchID string) {
	entries, err := h.booking.ListQueue(r.Context(), branchID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, http.StatusOK, queueResponse{BranchID: branchID, Entries: entries})
}

// handleServeNext answers an empty queue with 200 and empty=true; nothing
// waiting is not an error for the operator.
func (h *Handler) handleServeNext(w http.ResponseWriter, r *http.Request, branchID string) {
	token, ok, err := h.booking.ServeNext(r.Context(), branchID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, serveNextResponse{Empty: true})
		return
	}
	writeJSON(w, http.StatusOK, serveNextResponse{Token: &token})
}

func (h *Handler) handleRebalance(w http.ResponseWriter, r *http.Request, branchID string) {
	ran, err := h.rebalancer.Rebalance(r.Context(), branchID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, rebalanceResponse{BranchID: branchID, Skipped: !ran})
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	var storageErr *engine.StorageError
	switch {
	case errors.Is(err, models.ErrInvalidToken):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "token state does not allow this action"
	case errors.Is(err, store.ErrTokenExists):
		return http.StatusConflict, "token_exists", "token already exists"
	case errors.Is(err, engine.ErrNotArrived):
		return http.StatusConflict, "not_arrived", "token has not checked in"
	case errors.As(err, &storageErr):
		return http.StatusServiceUnavailable, "storage_unavailable", "queue storage unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
