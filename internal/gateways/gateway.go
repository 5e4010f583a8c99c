package gateways

import (
	"context"
	"net/http"
	"strings"
	"time"

	"memberpay/internal/models"
)

// ProviderState is the normalized tri-state every provider status vocabulary
// maps into before touching the ledger.
type ProviderState string

const (
	StateSucceeded ProviderState = "succeeded"
	StateFailed    ProviderState = "failed"
	StatePending   ProviderState = "pending"
)

// Credential is a short-lived bearer token obtained from a provider.
// Callers must not cache it beyond ExpiresAt.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// InitiateRequest carries everything a gateway needs to start a payment.
type InitiateRequest struct {
	Amount      float64
	Currency    string
	MemberRef   string
	Phone       string // payer phone, mobile-money only
	Email       string // payer email, redirect/card
	Description string
}

// PendingPayment is a gateway's immediate answer to an initiation.
// ExternalReference may be empty until the provider's first response assigns
// one. PromptState is whatever the UI needs to continue the flow: a checkout
// or redirect URL, or a client secret for in-browser confirmation.
type PendingPayment struct {
	ExternalReference string
	ProviderStatus    string
	PromptState       string
}

// ProviderResult is a provider's answer to a confirm or status query.
type ProviderResult struct {
	State        ProviderState
	ProviderCode string
	Raw          string
}

// NormalizedCallback is a parsed, authenticated callback payload.
type NormalizedCallback struct {
	ExternalReference string
	State             ProviderState
	ProviderCode      string
	Amount            float64
	Raw               string
	// NeedsConfirm marks callbacks that only announce "something happened"
	// and require a status query against the provider for the real outcome.
	NeedsConfirm bool
}

// CredentialSource hands out gateway credential documents. Satisfied by
// config.SettingsStore in production and by a static map in tests.
type CredentialSource interface {
	Get(gateway models.Gateway) (models.GatewaySettings, error)
}

// Client is the capability set every gateway adapter implements. The three
// providers differ in wire format and auth scheme, never in shape.
type Client interface {
	Name() models.Gateway
	Authenticate(ctx context.Context) (Credential, error)
	Initiate(ctx context.Context, req InitiateRequest) (PendingPayment, error)
	// Confirm finalizes funds capture for the two-step gateways. The push
	// gateway has no synchronous confirm and returns ErrConfirmUnsupported.
	Confirm(ctx context.Context, externalRef string) (ProviderResult, error)
	// QueryStatus asks the provider for the current state of a payment,
	// used by manual reconciliation and the stale sweep.
	QueryStatus(ctx context.Context, externalRef string) (ProviderResult, error)
	ParseCallback(body []byte, header http.Header) (NormalizedCallback, error)
}

const countryCode = "254"

// NormalizePhone converts a local phone number into the international form
// the providers require: non-digits stripped, a leading national trunk "0"
// replaced by the country code, a leading "+" dropped, and a value already in
// country-code form passed through unchanged.
func NormalizePhone(phone string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	n := digits.String()
	if strings.HasPrefix(n, "0") {
		return countryCode + n[1:]
	}
	return n
}

// MaskPhone redacts all but the last four digits for logging.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "****" + phone[len(phone)-4:]
}
