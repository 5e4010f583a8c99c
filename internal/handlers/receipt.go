package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"memberpay/internal/services"
)

type ReceiptHandler struct {
	dispatcher *services.Dispatcher
}

func NewReceiptHandler(dispatcher *services.Dispatcher) *ReceiptHandler {
	return &ReceiptHandler{dispatcher: dispatcher}
}

// GetMemberReceipts lists a member's payment receipts, newest first.
func (h *ReceiptHandler) GetMemberReceipts(w http.ResponseWriter, r *http.Request) {
	memberID := mux.Vars(r)["memberID"]
	if memberID == "" {
		http.Error(w, `{"error":"Member ID is required"}`, http.StatusBadRequest)
		return
	}

	receipts, err := h.dispatcher.ListReceipts(r.Context(), memberID)
	if err != nil {
		log.Printf("Failed to fetch receipts for member %s: %v", memberID, err)
		http.Error(w, `{"error":"Failed to fetch receipts"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(receipts); err != nil {
		log.Printf("Failed to encode receipts: %v", err)
	}
}
