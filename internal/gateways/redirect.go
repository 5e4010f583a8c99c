package gateways

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"memberpay/internal/models"
)

const (
	redirectSandboxURL    = "https://cybqa.pesapal.com/pesapalv3"
	redirectProductionURL = "https://pay.pesapal.com/v3"
)

// RedirectClient drives the redirect/capture gateway: initiation creates an
// order and hands the payer a hosted checkout URL; the notification callback
// carries only a tracking id, so the real outcome is always fetched with
// Confirm against the provider API.
type RedirectClient struct {
	settings CredentialSource
	httpc    *http.Client
	baseURL  string

	mu    sync.Mutex
	token Credential
}

func NewRedirectClient(settings CredentialSource) *RedirectClient {
	return &RedirectClient{
		settings: settings,
		httpc:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *RedirectClient) Name() models.Gateway { return models.GatewayRedirect }

func (c *RedirectClient) base(cfg models.GatewaySettings) string {
	if c.baseURL != "" {
		return c.baseURL
	}
	if cfg.Environment == models.EnvProduction {
		return redirectProductionURL
	}
	return redirectSandboxURL
}

// Authenticate posts the consumer pair for a short-lived bearer token.
func (c *RedirectClient) Authenticate(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	if c.token.Token != "" && time.Until(c.token.ExpiresAt) > 30*time.Second {
		cred := c.token
		c.mu.Unlock()
		return cred, nil
	}
	c.mu.Unlock()

	cfg, err := c.settings.Get(models.GatewayRedirect)
	if err != nil {
		return Credential{}, err
	}

	bodyBytes, _ := json.Marshal(map[string]string{
		"consumer_key":    cfg.Key,
		"consumer_secret": cfg.Secret,
	})
	req, err := http.NewRequestWithContext(ctx, "POST", c.base(cfg)+"/api/Auth/RequestToken", bytes.NewBuffer(bodyBytes))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Credential{}, &AuthError{Gateway: models.GatewayRedirect, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Credential{}, &AuthError{Gateway: models.GatewayRedirect, Status: resp.StatusCode, Reason: string(body)}
	}

	var tokenResp struct {
		Token      string `json:"token"`
		ExpiryDate string `json:"expiryDate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return Credential{}, &AuthError{Gateway: models.GatewayRedirect, Status: resp.StatusCode, Reason: "malformed token response: " + err.Error()}
	}
	if tokenResp.Token == "" {
		return Credential{}, &AuthError{Gateway: models.GatewayRedirect, Status: resp.StatusCode, Reason: "empty token"}
	}

	expiry := time.Now().Add(5 * time.Minute)
	if t, err := time.Parse(time.RFC3339, tokenResp.ExpiryDate); err == nil {
		expiry = t
	}
	cred := Credential{Token: tokenResp.Token, ExpiresAt: expiry}

	c.mu.Lock()
	c.token = cred
	c.mu.Unlock()
	return cred, nil
}

type orderRequest struct {
	ID             string  `json:"id"`
	Currency       string  `json:"currency"`
	Amount         float64 `json:"amount"`
	Description    string  `json:"description"`
	CallbackURL    string  `json:"callback_url"`
	NotificationID string  `json:"notification_id,omitempty"`
	BillingAddress struct {
		Email string `json:"email_address"`
	} `json:"billing_address"`
}

// Initiate submits an order and returns the hosted checkout redirect URL.
func (c *RedirectClient) Initiate(ctx context.Context, r InitiateRequest) (PendingPayment, error) {
	cfg, err := c.settings.Get(models.GatewayRedirect)
	if err != nil {
		return PendingPayment{}, err
	}
	cred, err := c.Authenticate(ctx)
	if err != nil {
		return PendingPayment{}, err
	}

	order := orderRequest{
		ID:          r.MemberRef,
		Currency:    r.Currency,
		Amount:      r.Amount,
		Description: r.Description,
		CallbackURL: cfg.CallbackURL,
	}
	order.BillingAddress.Email = r.Email
	bodyBytes, _ := json.Marshal(order)

	req, err := http.NewRequestWithContext(ctx, "POST", c.base(cfg)+"/api/Transactions/SubmitOrderRequest", bytes.NewBuffer(bodyBytes))
	if err != nil {
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayRedirect, Reason: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayRedirect, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayRedirect, Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, string(body))}
	}

	var orderResp struct {
		OrderTrackingID string `json:"order_tracking_id"`
		RedirectURL     string `json:"redirect_url"`
		Status          string `json:"status"`
		Error           *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&orderResp); err != nil {
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayRedirect, Reason: "malformed response", Err: err}
	}
	if orderResp.Error != nil && orderResp.Error.Message != "" {
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayRedirect, Reason: "provider rejected order: " + orderResp.Error.Message}
	}
	if orderResp.OrderTrackingID == "" || orderResp.RedirectURL == "" {
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayRedirect, Reason: "response missing tracking id or redirect URL"}
	}

	return PendingPayment{
		ExternalReference: orderResp.OrderTrackingID,
		ProviderStatus:    orderResp.Status,
		PromptState:       orderResp.RedirectURL,
	}, nil
}

// Confirm fetches the order's transaction status, which is the capture step
// for this gateway.
func (c *RedirectClient) Confirm(ctx context.Context, externalRef string) (ProviderResult, error) {
	cfg, err := c.settings.Get(models.GatewayRedirect)
	if err != nil {
		return ProviderResult{}, err
	}
	cred, err := c.Authenticate(ctx)
	if err != nil {
		return ProviderResult{}, err
	}

	statusURL := c.base(cfg) + "/api/Transactions/GetTransactionStatus?orderTrackingId=" + url.QueryEscape(externalRef)
	req, err := http.NewRequestWithContext(ctx, "GET", statusURL, nil)
	if err != nil {
		return ProviderResult{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return ProviderResult{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return ProviderResult{}, fmt.Errorf("status query failed with %d: %s", resp.StatusCode, string(body))
	}

	var statusResp struct {
		PaymentStatusDescription string `json:"payment_status_description"`
		StatusCode               int    `json:"status_code"`
	}
	if err := json.Unmarshal(body, &statusResp); err != nil {
		return ProviderResult{}, fmt.Errorf("malformed status response: %w", err)
	}

	return ProviderResult{
		State:        redirectStatusState(statusResp.PaymentStatusDescription),
		ProviderCode: statusResp.PaymentStatusDescription,
		Raw:          string(body),
	}, nil
}

// QueryStatus is the same call as Confirm for this gateway.
func (c *RedirectClient) QueryStatus(ctx context.Context, externalRef string) (ProviderResult, error) {
	return c.Confirm(ctx, externalRef)
}

func redirectStatusState(desc string) ProviderState {
	switch strings.ToUpper(desc) {
	case "COMPLETED":
		return StateSucceeded
	case "FAILED", "INVALID", "REVERSED":
		return StateFailed
	default:
		return StatePending
	}
}

// ParseCallback handles the order-notification ping. It carries only the
// tracking id, never an outcome, so the normalized result is pending with
// NeedsConfirm set: the engine must confirm against the provider API before
// trusting anything. That round trip is also what authenticates the callback.
func (c *RedirectClient) ParseCallback(body []byte, header http.Header) (NormalizedCallback, error) {
	var notification struct {
		OrderTrackingID        string `json:"OrderTrackingId"`
		OrderMerchantReference string `json:"OrderMerchantReference"`
		OrderNotificationType  string `json:"OrderNotificationType"`
	}
	if err := json.Unmarshal(body, &notification); err != nil {
		return NormalizedCallback{}, &ParseError{Gateway: models.GatewayRedirect, Reason: "invalid JSON: " + err.Error()}
	}
	if notification.OrderTrackingID == "" {
		return NormalizedCallback{}, &ParseError{Gateway: models.GatewayRedirect, Reason: "missing OrderTrackingId"}
	}

	return NormalizedCallback{
		ExternalReference: notification.OrderTrackingID,
		State:             StatePending,
		ProviderCode:      notification.OrderNotificationType,
		Raw:               string(body),
		NeedsConfirm:      true,
	}, nil
}
