package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"memberpay/internal/gateways"
	"memberpay/internal/models"
)

// Default staleness windows: a push prompt either happens within minutes or
// never; hosted checkout and card flows get longer.
const (
	DefaultPushStaleAfter    = 15 * time.Minute
	DefaultCaptureStaleAfter = time.Hour
)

// Engine normalizes provider status signals and applies them to the ledger's
// state machine. Callbacks, manual polls and the stale sweep all funnel
// through the same transition-and-dispatch path.
type Engine struct {
	store      TransactionStore
	clients    map[models.Gateway]gateways.Client
	dispatcher SideEffectDispatcher
	retries    RetryStore
	staleAfter map[models.Gateway]time.Duration
}

func NewEngine(store TransactionStore, clients map[models.Gateway]gateways.Client, dispatcher SideEffectDispatcher, retries RetryStore) *Engine {
	return &Engine{
		store:      store,
		clients:    clients,
		dispatcher: dispatcher,
		retries:    retries,
		staleAfter: map[models.Gateway]time.Duration{
			models.GatewayMpesa:    DefaultPushStaleAfter,
			models.GatewayRedirect: DefaultCaptureStaleAfter,
			models.GatewayCard:     DefaultCaptureStaleAfter,
		},
	}
}

// SetStaleAfter overrides a gateway's staleness window.
func (e *Engine) SetStaleAfter(gateway models.Gateway, window time.Duration) {
	e.staleAfter[gateway] = window
}

// HandleCallback processes one inbound webhook payload. It never returns an
// error for provider-visible outcomes: malformed payloads and unknown
// references are logged and dropped so the webhook endpoint can always
// acknowledge and providers never retry-storm us. The returned error is
// internal only (ledger unavailable and the like).
func (e *Engine) HandleCallback(ctx context.Context, gateway models.Gateway, body []byte, header http.Header) error {
	client, ok := e.clients[gateway]
	if !ok {
		log.Printf("Callback for unknown gateway %q dropped", gateway)
		return nil
	}

	cb, err := client.ParseCallback(body, header)
	if err != nil {
		var parseErr *gateways.ParseError
		if errors.As(err, &parseErr) {
			log.Printf("Malformed %s callback acknowledged and logged for review: %v; body=%q", gateway, err, truncate(string(body), 512))
			return nil
		}
		return fmt.Errorf("callback parsing: %w", err)
	}

	tx, err := e.store.FindByExternalReference(ctx, gateway, cb.ExternalReference)
	if err != nil {
		return fmt.Errorf("callback lookup: %w", err)
	}
	if tx == nil {
		// Legitimate for sandbox replay/test traffic.
		log.Printf("No transaction for %s reference %s, callback dropped", gateway, cb.ExternalReference)
		return nil
	}

	state, code, raw := cb.State, cb.ProviderCode, cb.Raw
	if cb.NeedsConfirm {
		// The notification only says "something changed"; the outcome has
		// to come from the provider itself.
		result, err := client.Confirm(ctx, cb.ExternalReference)
		if err != nil {
			log.Printf("Confirm after %s callback for %s failed, leaving for sweep: %v", gateway, tx.ID, err)
			return nil
		}
		state, code, raw = result.State, result.ProviderCode, result.Raw
	}

	if cb.Amount > 0 && cb.Amount != tx.Amount {
		log.Printf("Amount anomaly on %s: provider reports %.2f, ledger quoted %.2f", tx.ID, cb.Amount, tx.Amount)
	}

	return e.apply(ctx, tx.ID, state, code, raw)
}

// Poll queries the gateway for a transaction's current state and feeds the
// answer through the same transition path as a callback.
func (e *Engine) Poll(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tx, err := e.store.FindByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminal(tx.Status) {
		return tx, nil
	}
	if tx.ExternalReference == "" {
		return tx, nil // nothing to ask the provider about yet
	}

	client, ok := e.clients[tx.Gateway]
	if !ok {
		return nil, fmt.Errorf("no client for gateway %s", tx.Gateway)
	}

	result, err := client.QueryStatus(ctx, tx.ExternalReference)
	if err != nil {
		return nil, fmt.Errorf("status query for %s: %w", transactionID, err)
	}

	if err := e.apply(ctx, tx.ID, result.State, result.ProviderCode, result.Raw); err != nil {
		return nil, err
	}
	return e.store.FindByID(ctx, transactionID)
}

// apply maps the tri-state onto a ledger status and drives the transition.
// A success lands on COMPLETED via PROCESSING because the graph has no
// pending->completed edge; the intermediate hop is harmless if already taken.
// Side effects fire only on the call that first applied COMPLETED.
func (e *Engine) apply(ctx context.Context, transactionID string, state gateways.ProviderState, providerCode, raw string) error {
	switch state {
	case gateways.StateSucceeded:
		if _, err := e.store.ApplyTransition(ctx, transactionID, models.StatusProcessing, ""); err != nil {
			return err
		}
		result, err := e.store.ApplyTransition(ctx, transactionID, models.StatusCompleted, raw)
		if err != nil {
			return err
		}
		if !result.Applied {
			log.Printf("Transition to COMPLETED on %s not applied (status %s), duplicate or late delivery", transactionID, result.Transaction.Status)
			return nil
		}
		// Outbox ordering: record the dispatch obligation before attempting
		// it, so a crash between here and the dispatcher leaves a queued
		// entry the sweep replays instead of a silent gap.
		if err := e.retries.Enqueue(ctx, result.Transaction.ID, "dispatch outstanding"); err != nil {
			log.Printf("Failed to record dispatch obligation for %s: %v", result.Transaction.ID, err)
		}
		e.dispatch(ctx, result.Transaction)
		return nil

	case gateways.StateFailed:
		reason := providerCode
		if reason == "" {
			reason = raw
		}
		result, err := e.store.ApplyTransition(ctx, transactionID, models.StatusFailed, reason)
		if err != nil {
			return err
		}
		if !result.Applied {
			log.Printf("Transition to FAILED on %s not applied (status %s)", transactionID, result.Transaction.Status)
		}
		return nil

	default: // pending keeps the row alive without side effects
		if _, err := e.store.ApplyTransition(ctx, transactionID, models.StatusProcessing, raw); err != nil {
			return err
		}
		return nil
	}
}

// dispatch invokes the side effects for a freshly completed transaction.
// A failure never rolls the ledger back; the payment genuinely succeeded.
// It is queued for replay so the downstream state eventually converges.
func (e *Engine) dispatch(ctx context.Context, tx *models.Transaction) {
	if err := e.dispatcher.OnPaymentCompleted(ctx, tx); err != nil {
		log.Printf("Side-effect dispatch for %s failed, queued for replay: %v", tx.ID, err)
		if qerr := e.retries.Enqueue(ctx, tx.ID, err.Error()); qerr != nil {
			log.Printf("Failed to queue side-effect retry for %s: %v", tx.ID, qerr)
		}
		return
	}
	if err := e.retries.Resolve(ctx, tx.ID); err != nil {
		log.Printf("Failed to clear side-effect retry for %s: %v", tx.ID, err)
	}
}

// Refund moves a completed transaction to REFUNDED. Admin-triggered only;
// the graph rejects it from any other state.
func (e *Engine) Refund(ctx context.Context, transactionID, reason string) (TransitionResult, error) {
	result, err := e.store.ApplyTransition(ctx, transactionID, models.StatusRefunded, reason)
	if err != nil {
		return TransitionResult{}, err
	}
	if !result.Applied {
		log.Printf("Refund rejected for %s: status is %s", transactionID, result.Transaction.Status)
	}
	return result, nil
}

// SweepStale resolves transactions stuck in PENDING/PROCESSING beyond their
// gateway's window: one status poll decides them, and an answer that is still
// pending means the payment expired and the row is failed. It then replays
// queued side-effect dispatches.
func (e *Engine) SweepStale(ctx context.Context) {
	for gateway, client := range e.clients {
		window, ok := e.staleAfter[gateway]
		if !ok {
			window = DefaultCaptureStaleAfter
		}
		cutoff := time.Now().Add(-window)

		stale, err := e.store.ListStale(ctx, gateway, cutoff)
		if err != nil {
			log.Printf("Stale sweep listing for %s failed: %v", gateway, err)
			continue
		}

		for _, tx := range stale {
			if tx.ExternalReference != "" {
				result, err := client.QueryStatus(ctx, tx.ExternalReference)
				if err == nil && result.State != gateways.StatePending {
					if aerr := e.apply(ctx, tx.ID, result.State, result.ProviderCode, result.Raw); aerr != nil {
						log.Printf("Stale sweep transition for %s failed: %v", tx.ID, aerr)
					}
					continue
				}
				if err != nil {
					log.Printf("Stale sweep status query for %s failed: %v", tx.ID, err)
				}
			}

			// No callback, no external reference, or the provider still says
			// pending past the window: the payment is expired.
			result, err := e.store.ApplyTransition(ctx, tx.ID, models.StatusFailed, "expired: no confirmation within staleness window")
			if err != nil {
				log.Printf("Stale sweep failure transition for %s errored: %v", tx.ID, err)
				continue
			}
			if result.Applied {
				log.Printf("Marked stale %s transaction %s FAILED after %s", gateway, tx.ID, window)
			}
		}
	}

	e.replayRetries(ctx)
}

func (e *Engine) replayRetries(ctx context.Context) {
	pending, err := e.retries.Pending(ctx)
	if err != nil {
		log.Printf("Side-effect retry listing failed: %v", err)
		return
	}
	for _, retry := range pending {
		tx, err := e.store.FindByID(ctx, retry.TransactionID)
		if err != nil {
			log.Printf("Side-effect retry lookup for %s failed: %v", retry.TransactionID, err)
			continue
		}
		e.dispatch(ctx, tx)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
