package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	"memberpay/internal/gateways"
	"memberpay/internal/models"
)

// ValidationError marks an initiation request the service cannot act on.
// The HTTP layer reports these as client errors, not gateway failures.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// InitiateParams is one payment initiation request from the portal layer.
type InitiateParams struct {
	MemberID    string
	Gateway     models.Gateway
	Amount      float64
	Currency    string
	PaymentType models.PaymentType
	Phone       string
	Email       string
	Description string
}

// InitiationResult pairs the ledger row with whatever the UI needs to carry
// the flow forward (checkout URL, redirect URL, or client secret).
type InitiationResult struct {
	Transaction *models.Transaction
	PromptState string
}

// PaymentService owns payment initiation: ledger row first, gateway call
// second, so a failed network call still leaves an audit trail.
type PaymentService struct {
	store   TransactionStore
	clients map[models.Gateway]gateways.Client
}

func NewPaymentService(store TransactionStore, clients map[models.Gateway]gateways.Client) *PaymentService {
	return &PaymentService{store: store, clients: clients}
}

// InitiatePayment validates the request, records a PENDING transaction, calls
// the selected gateway, and attaches the provider's reference. Gateway
// failures are recorded on the row and surfaced synchronously to the caller.
func (s *PaymentService) InitiatePayment(ctx context.Context, p InitiateParams) (*InitiationResult, error) {
	p.MemberID = strings.TrimSpace(p.MemberID)
	p.Description = strings.TrimSpace(p.Description)

	if p.MemberID == "" {
		return nil, &ValidationError{Reason: "member_id cannot be empty"}
	}
	if p.Amount <= 0 {
		return nil, &ValidationError{Reason: "amount must be positive"}
	}
	if !models.ValidGateway(p.Gateway) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown gateway %q", p.Gateway)}
	}
	if !models.ValidPaymentType(p.PaymentType) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown payment type %q", p.PaymentType)}
	}
	if p.Currency == "" {
		p.Currency = "KES"
	}
	if p.Description == "" {
		p.Description = fmt.Sprintf("%s payment", p.PaymentType)
	}

	client, ok := s.clients[p.Gateway]
	if !ok {
		return nil, fmt.Errorf("gateway %s is not wired", p.Gateway)
	}

	tx, err := s.store.Create(ctx, p.MemberID, p.Gateway, p.Amount, p.Currency, p.PaymentType)
	if err != nil {
		return nil, err
	}
	log.Printf("Created transaction %s: member=%s gateway=%s amount=%.2f %s type=%s", tx.ID, p.MemberID, p.Gateway, p.Amount, p.Currency, p.PaymentType)

	pending, err := client.Initiate(ctx, gateways.InitiateRequest{
		Amount:      p.Amount,
		Currency:    p.Currency,
		MemberRef:   tx.ID,
		Phone:       p.Phone,
		Email:       p.Email,
		Description: p.Description,
	})
	if err != nil {
		if _, terr := s.store.ApplyTransition(ctx, tx.ID, models.StatusFailed, err.Error()); terr != nil {
			log.Printf("Failed to record initiation failure on %s: %v", tx.ID, terr)
		}
		log.Printf("Initiation failed for transaction %s: %v", tx.ID, err)
		return nil, err
	}

	if pending.ExternalReference != "" {
		if err := s.store.AttachExternalReference(ctx, tx.ID, pending.ExternalReference); err != nil {
			// A duplicate reference is a data-integrity anomaly: reject the
			// request, fail the row, keep the original holder untouched.
			log.Printf("Failed to attach reference %s to transaction %s: %v", pending.ExternalReference, tx.ID, err)
			if _, terr := s.store.ApplyTransition(ctx, tx.ID, models.StatusFailed, err.Error()); terr != nil {
				log.Printf("Failed to record reference conflict on %s: %v", tx.ID, terr)
			}
			return nil, err
		}
	}

	tx, err = s.store.FindByID(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	log.Printf("Transaction %s initiated: reference=%s provider_status=%q", tx.ID, tx.ExternalReference, pending.ProviderStatus)
	return &InitiationResult{Transaction: tx, PromptState: pending.PromptState}, nil
}

// GetTransaction returns one ledger row by id.
func (s *PaymentService) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return s.store.FindByID(ctx, id)
}

// ListTransactions returns ledger rows matching the filter, newest first.
func (s *PaymentService) ListTransactions(ctx context.Context, filter ListFilter) ([]models.Transaction, error) {
	return s.store.List(ctx, filter)
}
