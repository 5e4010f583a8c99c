package gateways

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"memberpay/internal/models"
)

const (
	cardSandboxURL    = "https://api.sandbox.cardlane.io"
	cardProductionURL = "https://api.cardlane.io"

	// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
	SignatureHeader = "X-Callback-Signature"
)

// CardClient drives the card-intent gateway: initiation creates a payment
// intent whose client secret the browser uses to collect the card, and the
// outcome arrives on a signed webhook or a status query.
//
// The provider speaks form-encoded requests and expects the secret key as a
// static bearer, so Authenticate is a configuration check rather than an
// exchange.
type CardClient struct {
	settings CredentialSource
	httpc    *http.Client
	baseURL  string
}

func NewCardClient(settings CredentialSource) *CardClient {
	return &CardClient{
		settings: settings,
		httpc:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *CardClient) Name() models.Gateway { return models.GatewayCard }

func (c *CardClient) base(cfg models.GatewaySettings) string {
	if c.baseURL != "" {
		return c.baseURL
	}
	if cfg.Environment == models.EnvProduction {
		return cardProductionURL
	}
	return cardSandboxURL
}

// Authenticate validates that a secret key is configured and returns it as
// the bearer credential. The key is long-lived; there is no token exchange.
func (c *CardClient) Authenticate(ctx context.Context) (Credential, error) {
	cfg, err := c.settings.Get(models.GatewayCard)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Token: cfg.Secret, ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}

type intentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Error        *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Initiate creates a payment intent. Amounts go over the wire in minor units.
func (c *CardClient) Initiate(ctx context.Context, r InitiateRequest) (PendingPayment, error) {
	cfg, err := c.settings.Get(models.GatewayCard)
	if err != nil {
		return PendingPayment{}, err
	}

	form := url.Values{}
	// Round, never truncate: 19.99 is 1998.999… after the float multiply.
	form.Set("amount", strconv.FormatInt(int64(math.Round(r.Amount*100)), 10))
	form.Set("currency", strings.ToLower(r.Currency))
	form.Set("description", r.Description)
	form.Set("receipt_email", r.Email)
	form.Set("metadata[member_ref]", r.MemberRef)

	req, err := http.NewRequestWithContext(ctx, "POST", c.base(cfg)+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayCard, Reason: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+cfg.Secret)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayCard, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		return PendingPayment{}, &AuthError{Gateway: models.GatewayCard, Status: resp.StatusCode, Reason: string(body)}
	}

	var intent intentResponse
	if err := json.Unmarshal(body, &intent); err != nil {
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayCard, Reason: "malformed response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		reason := fmt.Sprintf("status %d", resp.StatusCode)
		if intent.Error != nil {
			reason += ": " + intent.Error.Message
		}
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayCard, Reason: reason}
	}
	if intent.ID == "" || intent.ClientSecret == "" {
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayCard, Reason: "response missing intent id or client secret"}
	}

	return PendingPayment{
		ExternalReference: intent.ID,
		ProviderStatus:    intent.Status,
		PromptState:       intent.ClientSecret,
	}, nil
}

// Confirm retrieves the intent, finalizing what the ledger knows about it.
func (c *CardClient) Confirm(ctx context.Context, externalRef string) (ProviderResult, error) {
	cfg, err := c.settings.Get(models.GatewayCard)
	if err != nil {
		return ProviderResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.base(cfg)+"/v1/payment_intents/"+url.PathEscape(externalRef), nil)
	if err != nil {
		return ProviderResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Secret)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return ProviderResult{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return ProviderResult{}, fmt.Errorf("intent retrieval failed with %d: %s", resp.StatusCode, string(body))
	}

	var intent intentResponse
	if err := json.Unmarshal(body, &intent); err != nil {
		return ProviderResult{}, fmt.Errorf("malformed intent response: %w", err)
	}

	return ProviderResult{
		State:        cardIntentState(intent.Status),
		ProviderCode: intent.Status,
		Raw:          string(body),
	}, nil
}

// QueryStatus is the same retrieval as Confirm for this gateway.
func (c *CardClient) QueryStatus(ctx context.Context, externalRef string) (ProviderResult, error) {
	return c.Confirm(ctx, externalRef)
}

func cardIntentState(status string) ProviderState {
	switch status {
	case "succeeded":
		return StateSucceeded
	case "canceled", "payment_failed":
		return StateFailed
	default:
		// requires_payment_method, requires_confirmation, processing, ...
		return StatePending
	}
}

type cardEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Amount int64  `json:"amount"`
		} `json:"object"`
	} `json:"data"`
}

// ParseCallback verifies the HMAC-SHA256 signature over the raw body before
// trusting anything in it. An unverifiable payload is a ParseError, same as
// a malformed one.
func (c *CardClient) ParseCallback(body []byte, header http.Header) (NormalizedCallback, error) {
	cfg, err := c.settings.Get(models.GatewayCard)
	if err != nil {
		return NormalizedCallback{}, &ParseError{Gateway: models.GatewayCard, Reason: "gateway not configured"}
	}
	if cfg.WebhookSecret == "" {
		return NormalizedCallback{}, &ParseError{Gateway: models.GatewayCard, Reason: "no webhook secret configured"}
	}

	signature := header.Get(SignatureHeader)
	if signature == "" {
		return NormalizedCallback{}, &ParseError{Gateway: models.GatewayCard, Reason: "missing signature header"}
	}
	if !verifySignature(body, signature, cfg.WebhookSecret) {
		return NormalizedCallback{}, &ParseError{Gateway: models.GatewayCard, Reason: "signature mismatch"}
	}

	var event cardEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return NormalizedCallback{}, &ParseError{Gateway: models.GatewayCard, Reason: "invalid JSON: " + err.Error()}
	}
	if event.Data.Object.ID == "" {
		return NormalizedCallback{}, &ParseError{Gateway: models.GatewayCard, Reason: "missing intent id"}
	}

	return NormalizedCallback{
		ExternalReference: event.Data.Object.ID,
		State:             cardIntentState(event.Data.Object.Status),
		ProviderCode:      event.Data.Object.Status,
		Amount:            float64(event.Data.Object.Amount) / 100,
		Raw:               string(body),
	}, nil
}

func verifySignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// SignPayload computes the signature a well-formed callback must carry.
// Exported for tests and for the provider simulator used in sandbox runs.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
