package gateways

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memberpay/internal/models"
)

func mpesaTestSource() staticSource {
	return staticSource{
		models.GatewayMpesa: {
			Gateway:     models.GatewayMpesa,
			Key:         "consumer-key",
			Secret:      "consumer-secret",
			Shortcode:   "174379",
			Passkey:     "passkey",
			Environment: models.EnvSandbox,
			CallbackURL: "https://example.org/api/webhook/mpesa",
		},
	}
}

func TestMpesaAuthenticate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth/v1/generate", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1", "expires_in": "3599"})
	}))
	defer server.Close()

	client := NewMpesaClient(mpesaTestSource())
	client.baseURL = server.URL

	cred, err := client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.Token)

	// Second call reuses the cached token without hitting the server again.
	server.Close()
	cred2, err := client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred2.Token)
}

func TestMpesaAuthenticateFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewMpesaClient(mpesaTestSource())
	client.baseURL = server.URL

	_, err := client.Authenticate(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)
}

func TestMpesaInitiate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1", "expires_in": "3599"})
		case "/mpesa/stkpush/v1/processrequest":
			var req stkPushRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "254712345678", req.PhoneNumber)
			assert.Equal(t, "174379", req.BusinessShortCode)
			assert.Equal(t, "5000", req.Amount)
			json.NewEncoder(w).Encode(stkPushResponse{
				CheckoutRequestID:   "ws_CO_12345",
				ResponseCode:        "0",
				ResponseDescription: "Success. Request accepted for processing",
				CustomerMessage:     "Success. Request accepted for processing",
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := NewMpesaClient(mpesaTestSource())
	client.baseURL = server.URL

	pending, err := client.Initiate(context.Background(), InitiateRequest{
		Amount:      5000,
		Currency:    "KES",
		MemberRef:   "tx-42",
		Phone:       "0712345678",
		Description: "Annual membership",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_12345", pending.ExternalReference)
}

func TestMpesaInitiateRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1", "expires_in": "3599"})
		default:
			http.Error(w, `{"errorMessage":"Invalid Amount"}`, http.StatusBadRequest)
		}
	}))
	defer server.Close()

	client := NewMpesaClient(mpesaTestSource())
	client.baseURL = server.URL

	_, err := client.Initiate(context.Background(), InitiateRequest{Amount: -1, Phone: "0712345678", MemberRef: "tx-1"})
	var initErr *InitiationError
	require.ErrorAs(t, err, &initErr)
	assert.Contains(t, initErr.Reason, "Invalid Amount")
}

func TestMpesaConfirmUnsupported(t *testing.T) {
	client := NewMpesaClient(mpesaTestSource())
	_, err := client.Confirm(context.Background(), "ws_CO_12345")
	assert.ErrorIs(t, err, ErrConfirmUnsupported)
}

func TestMpesaParseCallback(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantRef   string
		wantState ProviderState
		wantErr   bool
	}{
		{
			name: "successful push",
			body: `{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_12345","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":5000},{"Name":"MpesaReceiptNumber","Value":"QK12AB34CD"}]}}}}`,
			wantRef:   "ws_CO_12345",
			wantState: StateSucceeded,
		},
		{
			name:      "user cancelled push",
			body:      `{"Body":{"stkCallback":{"MerchantRequestID":"m-2","CheckoutRequestID":"ws_CO_67890","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`,
			wantRef:   "ws_CO_67890",
			wantState: StateFailed,
		},
		{
			name:    "not JSON",
			body:    `<html>gateway timeout</html>`,
			wantErr: true,
		},
		{
			name:    "missing checkout id",
			body:    `{"Body":{"stkCallback":{"ResultCode":0}}}`,
			wantErr: true,
		},
	}

	client := NewMpesaClient(mpesaTestSource())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := client.ParseCallback([]byte(tt.body), http.Header{})
			if tt.wantErr {
				var parseErr *ParseError
				require.ErrorAs(t, err, &parseErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRef, cb.ExternalReference)
			assert.Equal(t, tt.wantState, cb.State)
			assert.False(t, cb.NeedsConfirm)
		})
	}
}

func TestMpesaParseCallbackAmount(t *testing.T) {
	client := NewMpesaClient(mpesaTestSource())
	body := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0,"CallbackMetadata":{"Item":[{"Name":"Amount","Value":5000}]}}}}`
	cb, err := client.ParseCallback([]byte(body), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, float64(5000), cb.Amount)
}
