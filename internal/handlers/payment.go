package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"memberpay/internal/models"
	"memberpay/internal/services"
)

type PaymentHandler struct {
	service *services.PaymentService
	engine  *services.Engine
}

func NewPaymentHandler(service *services.PaymentService, engine *services.Engine) *PaymentHandler {
	return &PaymentHandler{service: service, engine: engine}
}

// InitiatePayment starts a payment and returns the transaction plus the
// prompt state the UI needs to continue the gateway flow.
func (h *PaymentHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID    string  `json:"member_id"`
		Gateway     string  `json:"gateway"`
		Amount      float64 `json:"amount"`
		Currency    string  `json:"currency"`
		PaymentType string  `json:"payment_type"`
		Phone       string  `json:"phone"`
		Email       string  `json:"email"`
		Description string  `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.MemberID == "" {
		http.Error(w, `{"error":"member_id is required"}`, http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, `{"error":"amount must be positive"}`, http.StatusBadRequest)
		return
	}

	result, err := h.service.InitiatePayment(r.Context(), services.InitiateParams{
		MemberID:    req.MemberID,
		Gateway:     models.Gateway(req.Gateway),
		Amount:      req.Amount,
		Currency:    req.Currency,
		PaymentType: models.PaymentType(req.PaymentType),
		Phone:       req.Phone,
		Email:       req.Email,
		Description: req.Description,
	})
	if err != nil {
		log.Printf("Failed to initiate payment for member %s: %v", req.MemberID, err)
		status := http.StatusBadGateway
		var conflict *services.ConflictError
		var invalid *services.ValidationError
		switch {
		case errors.As(err, &conflict):
			status = http.StatusConflict
		case errors.As(err, &invalid):
			status = http.StatusBadRequest
		}
		http.Error(w, fmt.Sprintf(`{"error":"Failed to initiate payment: %v"}`, err), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"transaction":  result.Transaction,
		"prompt_state": result.PromptState,
	}); err != nil {
		log.Printf("Failed to encode initiation response: %v", err)
	}
}

// GetTransaction returns one transaction for UI status polling.
func (h *PaymentHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transactionID"]
	if transactionID == "" {
		http.Error(w, `{"error":"Transaction ID is required"}`, http.StatusBadRequest)
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), transactionID)
	if err != nil {
		log.Printf("Failed to get transaction %s: %v", transactionID, err)
		http.Error(w, `{"error":"transaction not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(tx); err != nil {
		log.Printf("Failed to encode transaction: %v", err)
	}
}

// GetTransactions lists transactions with optional status and date filters.
func (h *PaymentHandler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	filter, errMsg := parseListFilter(r)
	if errMsg != "" {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, errMsg), http.StatusBadRequest)
		return
	}

	txs, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		log.Printf("Failed to fetch transactions: %v", err)
		http.Error(w, `{"error":"Failed to fetch transactions"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(txs); err != nil {
		log.Printf("Failed to encode transactions: %v", err)
	}
}

// GetMemberTransactions lists one member's transactions.
func (h *PaymentHandler) GetMemberTransactions(w http.ResponseWriter, r *http.Request) {
	memberID := mux.Vars(r)["memberID"]
	if memberID == "" {
		http.Error(w, `{"error":"Member ID is required"}`, http.StatusBadRequest)
		return
	}

	filter, errMsg := parseListFilter(r)
	if errMsg != "" {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, errMsg), http.StatusBadRequest)
		return
	}
	filter.MemberID = memberID

	txs, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		log.Printf("Failed to fetch transactions for member %s: %v", memberID, err)
		http.Error(w, `{"error":"Failed to fetch transactions"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(txs); err != nil {
		log.Printf("Failed to encode transactions: %v", err)
	}
}

// Reconcile manually polls the gateway for a transaction's current state.
func (h *PaymentHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transactionID"]
	if transactionID == "" {
		http.Error(w, `{"error":"Transaction ID is required"}`, http.StatusBadRequest)
		return
	}

	tx, err := h.engine.Poll(r.Context(), transactionID)
	if err != nil {
		log.Printf("Manual reconciliation for %s failed: %v", transactionID, err)
		http.Error(w, fmt.Sprintf(`{"error":"Reconciliation failed: %v"}`, err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(tx); err != nil {
		log.Printf("Failed to encode transaction: %v", err)
	}
}

// Refund moves a completed transaction to REFUNDED. Only the completed ->
// refunded edge exists; anything else is rejected.
func (h *PaymentHandler) Refund(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transactionID"]
	if transactionID == "" {
		http.Error(w, `{"error":"Transaction ID is required"}`, http.StatusBadRequest)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}

	result, err := h.engine.Refund(r.Context(), transactionID, req.Reason)
	if err != nil {
		log.Printf("Refund for %s failed: %v", transactionID, err)
		http.Error(w, `{"error":"Refund failed"}`, http.StatusInternalServerError)
		return
	}
	if !result.Applied {
		http.Error(w, fmt.Sprintf(`{"error":"cannot refund a transaction in status %s"}`, result.Transaction.Status), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result.Transaction); err != nil {
		log.Printf("Failed to encode transaction: %v", err)
	}
}

func parseListFilter(r *http.Request) (services.ListFilter, string) {
	var filter services.ListFilter

	if status := r.URL.Query().Get("status"); status != "" {
		s := models.Status(status)
		switch s {
		case models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed, models.StatusRefunded:
			filter.Status = s
		default:
			return filter, "Invalid status filter, must be PENDING, PROCESSING, COMPLETED, FAILED or REFUNDED"
		}
	}

	// Each bound stands on its own; an open-ended range is a valid filter.
	if startDate := r.URL.Query().Get("start_date"); startDate != "" {
		start, err := time.Parse(time.RFC3339, startDate)
		if err != nil {
			return filter, "Invalid start_date format, must be RFC3339"
		}
		filter.StartDate = &start
	}
	if endDate := r.URL.Query().Get("end_date"); endDate != "" {
		end, err := time.Parse(time.RFC3339, endDate)
		if err != nil {
			return filter, "Invalid end_date format, must be RFC3339"
		}
		filter.EndDate = &end
	}

	return filter, ""
}
