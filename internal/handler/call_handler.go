package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/consultly/call-service/internal/domain"
	"github.com/consultly/call-service/internal/repository"
	"github.com/consultly/call-service/internal/services/call"
	"github.com/gorilla/mux"
)

// CallHandler exposes the call session REST surface
type CallHandler struct {
	service *call.CallSessionService
}

// NewCallHandler creates a new call handler
func NewCallHandler(service *call.CallSessionService) *CallHandler {
	return &CallHandler{service: service}
}

// SetupCallRoutes registers the call routes on the router
func (h *CallHandler) SetupCallRoutes(router *mux.Router) {
	router.HandleFunc("/calls/initiate", h.Initiate).Methods("POST")
	router.HandleFunc("/calls/active", h.ListActive).Methods("GET")
	router.HandleFunc("/calls/history", h.ListHistory).Methods("GET")
	router.HandleFunc("/calls/{id}", h.Get).Methods("GET")
	router.HandleFunc("/calls/{id}/events", h.Events).Methods("GET")
	router.HandleFunc("/calls/{id}/ringing", h.Ring).Methods("POST")
	router.HandleFunc("/calls/{id}/answer", h.Answer).Methods("POST")
	router.HandleFunc("/calls/{id}/reject", h.Reject).Methods("POST")
	router.HandleFunc("/calls/{id}/cancel", h.Cancel).Methods("POST")
	router.HandleFunc("/calls/{id}/end", h.End).Methods("POST")
	router.HandleFunc("/calls/{id}/quality", h.SetQuality).Methods("POST")
	router.HandleFunc("/calls/{id}/reconnecting", h.Reconnecting).Methods("POST")
}

// Initiate starts a new call toward the peer of a chat room
func (h *CallHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req call.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	resp, err := h.service.Initiate(r.Context(), UserID(r.Context()), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Ring acknowledges that the receiver's device is ringing
func (h *CallHandler) Ring(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Ring(r.Context(), mux.Vars(r)["id"], UserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callSummary(record))
}

// Answer connects the call
func (h *CallHandler) Answer(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Answer(r.Context(), mux.Vars(r)["id"], UserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Reject declines an incoming call
func (h *CallHandler) Reject(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Reject(r.Context(), mux.Vars(r)["id"], UserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callSummary(record))
}

// Cancel withdraws an outgoing call
func (h *CallHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Cancel(r.Context(), mux.Vars(r)["id"], UserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callSummary(record))
}

// End hangs up an answered call
func (h *CallHandler) End(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.End(r.Context(), mux.Vars(r)["id"], UserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callSummary(record))
}

type qualityRequest struct {
	Score float64 `json:"score"`
}

// SetQuality records a participant's quality rating
func (h *CallHandler) SetQuality(w http.ResponseWriter, r *http.Request) {
	var req qualityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	record, err := h.service.SetQuality(r.Context(), mux.Vars(r)["id"], UserID(r.Context()), req.Score)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callSummary(record))
}

// Reconnecting records a client-reported media interruption
func (h *CallHandler) Reconnecting(w http.ResponseWriter, r *http.Request) {
	if err := h.service.MarkReconnecting(r.Context(), mux.Vars(r)["id"], UserID(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Get returns one call visible to a participant
func (h *CallHandler) Get(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Get(r.Context(), mux.Vars(r)["id"], UserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callSummary(record))
}

// Events returns the audit trail of a call
func (h *CallHandler) Events(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.Events(r.Context(), mux.Vars(r)["id"], UserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// ListActive lists the user's non-terminal calls
func (h *CallHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	calls, err := h.service.ListActive(r.Context(), UserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if calls == nil {
		calls = []*domain.CallRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"calls": calls})
}

// ListHistory lists the user's finished calls, filtered and paginated
func (h *CallHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.HistoryFilter{
		CallType: domain.CallType(q.Get("call_type")),
		Status:   domain.CallStatus(q.Get("status")),
	}
	if v := q.Get("page"); v != "" {
		filter.Page, _ = strconv.Atoi(v)
	}
	if v := q.Get("page_size"); v != "" {
		filter.PageSize, _ = strconv.Atoi(v)
	}

	page, err := h.service.ListHistory(r.Context(), UserID(r.Context()), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if page.Calls == nil {
		page.Calls = []*domain.CallRecord{}
	}
	writeJSON(w, http.StatusOK, page)
}

// callSummary is the per-call response envelope with the derived duration.
func callSummary(c *domain.CallRecord) map[string]interface{} {
	return map[string]interface{}{
		"call":               c,
		"duration_seconds":   c.DurationSeconds(),
		"duration_formatted": domain.FormatDuration(c.DurationSeconds()),
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, ErrorCode: code})
}

// writeServiceError maps the service error taxonomy to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		validation *call.ValidationError
		permission *call.PermissionError
		conflict   *call.ConflictError
		busy       *call.BusyError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Reason, "")
	case errors.As(err, &permission):
		writeError(w, http.StatusForbidden, permission.Reason, "")
	case errors.Is(err, call.ErrCallNotFound), errors.Is(err, call.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "")
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, conflict.Error(), "")
	case errors.As(err, &busy):
		writeError(w, http.StatusConflict, "user is busy", busy.Code)
	default:
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}
