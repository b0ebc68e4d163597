package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-po-engine/internal/errors"
	"github.com/pesio-ai/be-po-engine/internal/repository"
	"github.com/pesio-ai/be-po-engine/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	pos          *service.POService
	router       *service.RoutingService
	reservations *service.ReservationService
	log          zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(pos *service.POService, router *service.RoutingService, reservations *service.ReservationService, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		pos:          pos,
		router:       router,
		reservations: reservations,
		log:          log,
	}
}

// Register mounts all API routes on the given router.
func (h *HTTPHandler) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/purchase-orders", func(r chi.Router) {
			r.Post("/", h.SubmitPO)
			r.Get("/", h.ListPOs)
			r.Get("/{id}", h.GetPO)
			r.Post("/{id}/action", h.ApproverAction)
			r.Post("/{id}/cancel", h.CancelPO)
			r.Post("/{id}/retry-budget", h.RetryBudget)
			r.Get("/{id}/payment-plan", h.PaymentPlan)
		})
		r.Get("/budgets/summary", h.BudgetSummary)
		r.Get("/suppliers", h.ListSuppliers)
	})
}

// SubmitPO handles purchase order submissions.
func (h *HTTPHandler) SubmitPO(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitPORequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	po, err := h.pos.Submit(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, po)
}

// GetPO handles get purchase order requests.
func (h *HTTPHandler) GetPO(w http.ResponseWriter, r *http.Request) {
	po, err := h.pos.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, po)
}

// ListPOs handles list purchase order requests.
func (h *HTTPHandler) ListPOs(w http.ResponseWriter, r *http.Request) {
	var statusPtr *repository.POStatus
	if s := r.URL.Query().Get("status"); s != "" {
		status := repository.POStatus(s)
		statusPtr = &status
	}

	var departmentPtr *string
	if d := r.URL.Query().Get("department_id"); d != "" {
		departmentPtr = &d
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	pos, err := h.pos.List(r.Context(), statusPtr, departmentPtr, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"purchase_orders": pos,
		"limit":           limit,
		"offset":          offset,
	})
}

// ApproverAction handles approve/reject requests against a PO.
func (h *HTTPHandler) ApproverAction(w http.ResponseWriter, r *http.Request) {
	var req service.ApproverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.POID = chi.URLParam(r, "id")

	po, err := h.pos.ApplyApproverAction(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, po)
}

// CancelPO handles cancellation requests.
func (h *HTTPHandler) CancelPO(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CancelledBy string `json:"cancelled_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	po, err := h.pos.Cancel(r.Context(), chi.URLParam(r, "id"), req.CancelledBy)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, po)
}

// RetryBudget re-attempts the budget reservation for a pending_budget PO.
func (h *HTTPHandler) RetryBudget(w http.ResponseWriter, r *http.Request) {
	po, err := h.pos.RetryReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, po)
}

// PaymentPlan returns the payment plan for a PO based on its supplier's
// current standing.
func (h *HTTPHandler) PaymentPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.pos.PaymentPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, plan)
}

// BudgetSummary returns the ledger position for one department and fiscal
// year.
func (h *HTTPHandler) BudgetSummary(w http.ResponseWriter, r *http.Request) {
	departmentID := r.URL.Query().Get("department_id")
	if departmentID == "" {
		http.Error(w, "department_id is required", http.StatusBadRequest)
		return
	}

	fiscalYear, err := strconv.Atoi(r.URL.Query().Get("fiscal_year"))
	if err != nil || fiscalYear < 2000 {
		http.Error(w, "fiscal_year must be a valid year", http.StatusBadRequest)
		return
	}

	summary, err := h.reservations.Summary(r.Context(), departmentID, fiscalYear)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// ListSuppliers returns approved suppliers, optionally filtered by category.
func (h *HTTPHandler) ListSuppliers(w http.ResponseWriter, r *http.Request) {
	var categoryPtr *string
	if c := r.URL.Query().Get("category"); c != "" {
		categoryPtr = &c
	}

	suppliers, err := h.router.ListApprovedSuppliers(r.Context(), categoryPtr)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"suppliers": suppliers,
		"count":     len(suppliers),
	})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response body")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeConflict, errors.ErrCodeAlreadyTerminal, errors.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case errors.ErrCodeInsufficientBudget:
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"code":  string(errors.CodeOf(err)),
		"error": err.Error(),
	})
}
