package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memberpay/internal/services"
)

func newPaymentHandler() *PaymentHandler {
	service := services.NewPaymentService(emptyStore{}, nil)
	return NewPaymentHandler(service, nil)
}

func TestInitiatePaymentRejectsInvalidRequestAsClientError(t *testing.T) {
	h := newPaymentHandler()

	tests := []struct {
		name string
		body string
	}{
		{
			name: "unknown gateway",
			body: `{"member_id":"42","gateway":"paypal","amount":100,"payment_type":"membership"}`,
		},
		{
			name: "unknown payment type",
			body: `{"member_id":"42","gateway":"mpesa","amount":100,"payment_type":"donation"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/payment", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			h.InitiatePayment(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code, "caller mistakes are not gateway failures")
		})
	}
}

func TestInitiatePaymentInternalFailureIsBadGateway(t *testing.T) {
	h := newPaymentHandler()

	// Valid request; the store behind the service cannot create rows.
	body := `{"member_id":"42","gateway":"mpesa","amount":100,"payment_type":"membership","phone":"0712345678"}`
	req := httptest.NewRequest(http.MethodPost, "/api/payment", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.InitiatePayment(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestGetTransactionsDateFilters(t *testing.T) {
	h := newPaymentHandler()

	tests := []struct {
		name     string
		query    string
		wantCode int
	}{
		{name: "lone start_date", query: "?start_date=2026-01-01T00:00:00Z", wantCode: http.StatusOK},
		{name: "lone end_date", query: "?end_date=2026-06-30T23:59:59Z", wantCode: http.StatusOK},
		{name: "both bounds", query: "?start_date=2026-01-01T00:00:00Z&end_date=2026-06-30T23:59:59Z", wantCode: http.StatusOK},
		{name: "malformed start_date", query: "?start_date=01/01/2026", wantCode: http.StatusBadRequest},
		{name: "malformed end_date", query: "?end_date=yesterday", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/payments"+tt.query, nil)
			rec := httptest.NewRecorder()

			h.GetTransactions(rec, req)

			require.Equal(t, tt.wantCode, rec.Code)
		})
	}
}
