package services

import (
	"context"
	"fmt"
	"time"

	"memberpay/internal/models"
)

// ConflictError means a (gateway, external_reference) pair is already held by
// another transaction. A data-integrity anomaly: logged and rejected, never
// papered over.
type ConflictError struct {
	Gateway           models.Gateway
	ExternalReference string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("external reference %s already attached to another %s transaction", e.ExternalReference, e.Gateway)
}

// TransitionResult reports one ApplyTransition call. Applied is false, with
// no error, when the requested move was a no-op or illegal; callers use that
// as the idempotency guard.
type TransitionResult struct {
	Applied     bool
	Transaction *models.Transaction
}

// ListFilter narrows transaction listings.
type ListFilter struct {
	MemberID  string
	Status    models.Status
	StartDate *time.Time
	EndDate   *time.Time
}

// TransactionStore is the ledger seam. The reconciliation engine and the
// initiation service depend on this interface, not on mongo, so tests run
// against an in-memory implementation.
type TransactionStore interface {
	Create(ctx context.Context, memberID string, gateway models.Gateway, amount float64, currency string, paymentType models.PaymentType) (*models.Transaction, error)
	AttachExternalReference(ctx context.Context, id, externalRef string) error
	FindByID(ctx context.Context, id string) (*models.Transaction, error)
	// FindByExternalReference returns (nil, nil) when no transaction holds
	// the pair; an unknown callback is a legitimate outcome, not an error.
	FindByExternalReference(ctx context.Context, gateway models.Gateway, externalRef string) (*models.Transaction, error)
	// ApplyTransition is the only mutator of status anywhere in the system.
	ApplyTransition(ctx context.Context, id string, newStatus models.Status, rawPayload string) (TransitionResult, error)
	ListStale(ctx context.Context, gateway models.Gateway, before time.Time) ([]models.Transaction, error)
	List(ctx context.Context, filter ListFilter) ([]models.Transaction, error)
}

// RetryStore queues completed transactions whose side-effect dispatch failed.
type RetryStore interface {
	Enqueue(ctx context.Context, transactionID, lastError string) error
	Pending(ctx context.Context) ([]models.SideEffectRetry, error)
	Resolve(ctx context.Context, transactionID string) error
}

// SideEffectDispatcher is invoked once per first transition into COMPLETED.
// Implementations must be idempotent: the engine guarantees at-least-once
// invocation per first-completed transition, and replays must be harmless.
type SideEffectDispatcher interface {
	OnPaymentCompleted(ctx context.Context, tx *models.Transaction) error
}
