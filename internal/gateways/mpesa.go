package gateways

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"memberpay/internal/models"
)

const (
	mpesaSandboxURL    = "https://sandbox.safaricom.ke"
	mpesaProductionURL = "https://api.safaricom.ke"
)

// MpesaClient drives the mobile-money push gateway: an STK prompt appears on
// the payer's handset and the outcome arrives asynchronously on the callback.
type MpesaClient struct {
	settings CredentialSource
	httpc    *http.Client
	baseURL  string // overrides the environment-selected URL when set (tests)

	mu    sync.Mutex
	token Credential
}

func NewMpesaClient(settings CredentialSource) *MpesaClient {
	return &MpesaClient{
		settings: settings,
		httpc:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *MpesaClient) Name() models.Gateway { return models.GatewayMpesa }

func (c *MpesaClient) base(cfg models.GatewaySettings) string {
	if c.baseURL != "" {
		return c.baseURL
	}
	if cfg.Environment == models.EnvProduction {
		return mpesaProductionURL
	}
	return mpesaSandboxURL
}

// Authenticate exchanges the consumer key/secret for a short-lived bearer
// token. Tokens are reused until shortly before the provider-stated expiry.
func (c *MpesaClient) Authenticate(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	if c.token.Token != "" && time.Until(c.token.ExpiresAt) > 30*time.Second {
		cred := c.token
		c.mu.Unlock()
		return cred, nil
	}
	c.mu.Unlock()

	cfg, err := c.settings.Get(models.GatewayMpesa)
	if err != nil {
		return Credential{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.base(cfg)+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cfg.Key+":"+cfg.Secret)))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Credential{}, &AuthError{Gateway: models.GatewayMpesa, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Credential{}, &AuthError{Gateway: models.GatewayMpesa, Status: resp.StatusCode, Reason: string(body)}
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return Credential{}, &AuthError{Gateway: models.GatewayMpesa, Status: resp.StatusCode, Reason: "malformed token response: " + err.Error()}
	}
	if tokenResp.AccessToken == "" {
		return Credential{}, &AuthError{Gateway: models.GatewayMpesa, Status: resp.StatusCode, Reason: "empty access token"}
	}

	ttl := 3600
	if secs, err := strconv.Atoi(tokenResp.ExpiresIn); err == nil && secs > 0 {
		ttl = secs
	}
	cred := Credential{Token: tokenResp.AccessToken, ExpiresAt: time.Now().Add(time.Duration(ttl) * time.Second)}

	c.mu.Lock()
	c.token = cred
	c.mu.Unlock()
	return cred, nil
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Initiate triggers the push prompt on the payer's handset. The returned
// external reference is the checkout request id; the final result only
// arrives via callback or a later status query.
func (c *MpesaClient) Initiate(ctx context.Context, r InitiateRequest) (PendingPayment, error) {
	cfg, err := c.settings.Get(models.GatewayMpesa)
	if err != nil {
		return PendingPayment{}, err
	}
	cred, err := c.Authenticate(ctx)
	if err != nil {
		return PendingPayment{}, err
	}

	phone := NormalizePhone(r.Phone)
	if phone == "" {
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayMpesa, Reason: "payer phone number is required"}
	}

	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(cfg.Shortcode + cfg.Passkey + timestamp))

	reqBody := stkPushRequest{
		BusinessShortCode: cfg.Shortcode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            strconv.FormatFloat(r.Amount, 'f', 0, 64),
		PartyA:            phone,
		PartyB:            cfg.Shortcode,
		PhoneNumber:       phone,
		CallBackURL:       cfg.CallbackURL,
		AccountReference:  r.MemberRef,
		TransactionDesc:   r.Description,
	}
	bodyBytes, _ := json.Marshal(reqBody)

	log.Printf("STK push for member %s, phone %s, amount %.0f", r.MemberRef, MaskPhone(phone), r.Amount)

	req, err := http.NewRequestWithContext(ctx, "POST", c.base(cfg)+"/mpesa/stkpush/v1/processrequest", bytes.NewBuffer(bodyBytes))
	if err != nil {
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayMpesa, Reason: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayMpesa, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayMpesa, Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, string(body))}
	}

	var pushResp stkPushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayMpesa, Reason: "malformed response", Err: err}
	}
	if pushResp.ResponseCode != "0" {
		return PendingPayment{}, &InitiationError{Gateway: models.GatewayMpesa, Reason: "provider rejected push: " + pushResp.ResponseDescription}
	}

	return PendingPayment{
		ExternalReference: pushResp.CheckoutRequestID,
		ProviderStatus:    pushResp.ResponseDescription,
		PromptState:       pushResp.CustomerMessage,
	}, nil
}

// Confirm is unsupported: the push gateway reports only via callback.
func (c *MpesaClient) Confirm(ctx context.Context, externalRef string) (ProviderResult, error) {
	return ProviderResult{}, ErrConfirmUnsupported
}

// QueryStatus asks the provider for the current state of a push request.
func (c *MpesaClient) QueryStatus(ctx context.Context, externalRef string) (ProviderResult, error) {
	cfg, err := c.settings.Get(models.GatewayMpesa)
	if err != nil {
		return ProviderResult{}, err
	}
	cred, err := c.Authenticate(ctx)
	if err != nil {
		return ProviderResult{}, err
	}

	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(cfg.Shortcode + cfg.Passkey + timestamp))
	bodyBytes, _ := json.Marshal(map[string]string{
		"BusinessShortCode": cfg.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"CheckoutRequestID": externalRef,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", c.base(cfg)+"/mpesa/stkpushquery/v1/query", bytes.NewBuffer(bodyBytes))
	if err != nil {
		return ProviderResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return ProviderResult{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		// The provider answers 500 with an "still under processing" error
		// body while a push is in flight; treat that as pending.
		return ProviderResult{State: StatePending, ProviderCode: strconv.Itoa(resp.StatusCode), Raw: string(body)}, nil
	}

	var queryResp struct {
		ResultCode string `json:"ResultCode"`
		ResultDesc string `json:"ResultDesc"`
	}
	if err := json.Unmarshal(body, &queryResp); err != nil {
		return ProviderResult{}, fmt.Errorf("malformed status response: %w", err)
	}

	return ProviderResult{State: mpesaResultState(queryResp.ResultCode), ProviderCode: queryResp.ResultCode, Raw: string(body)}, nil
}

// mpesaResultState maps the provider's numeric result codes onto the
// tri-state. 0 is success; 1032 is user cancel; 1037 is prompt timeout.
func mpesaResultState(code string) ProviderState {
	switch code {
	case "0":
		return StateSucceeded
	case "":
		return StatePending
	default:
		return StateFailed
	}
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string      `json:"MerchantRequestID"`
			CheckoutRequestID string      `json:"CheckoutRequestID"`
			ResultCode        json.Number `json:"ResultCode"`
			ResultDesc        string      `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback validates and normalizes the push-result envelope. The
// provider signs nothing on this channel, so validation is structural:
// anything without the expected envelope and checkout id is a ParseError.
func (c *MpesaClient) ParseCallback(body []byte, header http.Header) (NormalizedCallback, error) {
	var envelope stkCallbackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return NormalizedCallback{}, &ParseError{Gateway: models.GatewayMpesa, Reason: "invalid JSON: " + err.Error()}
	}

	cb := envelope.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return NormalizedCallback{}, &ParseError{Gateway: models.GatewayMpesa, Reason: "missing CheckoutRequestID"}
	}

	var amount float64
	for _, item := range cb.CallbackMetadata.Item {
		if item.Name == "Amount" {
			if v, ok := item.Value.(float64); ok {
				amount = v
			}
		}
	}

	code := cb.ResultCode.String()
	return NormalizedCallback{
		ExternalReference: cb.CheckoutRequestID,
		State:             mpesaResultState(code),
		ProviderCode:      code,
		Amount:            amount,
		Raw:               string(body),
	}, nil
}
