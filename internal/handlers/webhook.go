package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"memberpay/internal/models"
	"memberpay/internal/services"
)

// WebhookHandler receives provider callbacks. Every endpoint acknowledges
// with a provider-acceptable 2xx no matter what happened internally:
// returning an error to a webhook invites unbounded provider retries.
type WebhookHandler struct {
	engine *services.Engine
}

func NewWebhookHandler(engine *services.Engine) *WebhookHandler {
	return &WebhookHandler{engine: engine}
}

// Mpesa handles the push-result callback.
func (h *WebhookHandler) Mpesa(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, models.GatewayMpesa, map[string]interface{}{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}

// Redirect handles the order-notification callback.
func (h *WebhookHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, models.GatewayRedirect, map[string]interface{}{
		"status": 200,
	})
}

// Card handles the signed payment-intent event.
func (h *WebhookHandler) Card(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, models.GatewayCard, map[string]interface{}{
		"received": true,
	})
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request, gateway models.Gateway, ack map[string]interface{}) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("Failed to read %s webhook body: %v", gateway, err)
		body = nil
	}

	if err := h.engine.HandleCallback(r.Context(), gateway, body, r.Header); err != nil {
		// Internal failure (ledger unreachable). Still acknowledged; the
		// stale sweep reconciles whatever was missed.
		log.Printf("Processing %s webhook failed: %v", gateway, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(ack); err != nil {
		log.Printf("Failed to encode %s webhook acknowledgment: %v", gateway, err)
	}
}
