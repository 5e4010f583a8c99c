package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"memberpay/internal/gateways"
	"memberpay/internal/models"
)

// memStore is an in-memory TransactionStore with the same compare-and-set
// semantics as the mongo ledger, used by the engine and service tests.
type memStore struct {
	mu  sync.Mutex
	txs map[string]*models.Transaction
}

func newMemStore() *memStore {
	return &memStore{txs: make(map[string]*models.Transaction)}
}

func (m *memStore) Create(ctx context.Context, memberID string, gateway models.Gateway, amount float64, currency string, paymentType models.PaymentType) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	tx := &models.Transaction{
		ID:          uuid.NewString(),
		MemberID:    memberID,
		Gateway:     gateway,
		Amount:      amount,
		Currency:    currency,
		PaymentType: paymentType,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.txs[tx.ID] = tx
	copied := *tx
	return &copied, nil
}

func (m *memStore) AttachExternalReference(ctx context.Context, id, externalRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return fmt.Errorf("transaction %s not found", id)
	}
	for _, other := range m.txs {
		if other.ID != id && other.Gateway == tx.Gateway && other.ExternalReference == externalRef {
			return &ConflictError{Gateway: tx.Gateway, ExternalReference: externalRef}
		}
	}
	tx.ExternalReference = externalRef
	tx.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) FindByID(ctx context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", id)
	}
	copied := *tx
	return &copied, nil
}

func (m *memStore) FindByExternalReference(ctx context.Context, gateway models.Gateway, externalRef string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range m.txs {
		if tx.Gateway == gateway && tx.ExternalReference == externalRef {
			copied := *tx
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memStore) ApplyTransition(ctx context.Context, id string, newStatus models.Status, rawPayload string) (TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return TransitionResult{}, fmt.Errorf("transaction %s not found", id)
	}
	if !models.CanTransition(tx.Status, newStatus) {
		copied := *tx
		return TransitionResult{Applied: false, Transaction: &copied}, nil
	}
	tx.Status = newStatus
	if rawPayload != "" {
		tx.RawProviderPayload = rawPayload
		if newStatus == models.StatusFailed {
			tx.FailureReason = rawPayload
		}
	}
	tx.UpdatedAt = time.Now()
	copied := *tx
	return TransitionResult{Applied: true, Transaction: &copied}, nil
}

func (m *memStore) ListStale(ctx context.Context, gateway models.Gateway, before time.Time) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []models.Transaction
	for _, tx := range m.txs {
		if tx.Gateway != gateway || models.IsTerminal(tx.Status) {
			continue
		}
		if tx.CreatedAt.Before(before) {
			stale = append(stale, *tx)
		}
	}
	return stale, nil
}

func (m *memStore) List(ctx context.Context, filter ListFilter) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var txs []models.Transaction
	for _, tx := range m.txs {
		if filter.MemberID != "" && tx.MemberID != filter.MemberID {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if filter.StartDate != nil && tx.CreatedAt.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && tx.CreatedAt.After(*filter.EndDate) {
			continue
		}
		txs = append(txs, *tx)
	}
	return txs, nil
}

// backdate rewinds a transaction's creation time for staleness tests.
func (m *memStore) backdate(id string, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.txs[id]; ok {
		tx.CreatedAt = time.Now().Add(-age)
	}
}

// memRetryStore is an in-memory RetryStore.
type memRetryStore struct {
	mu      sync.Mutex
	retries map[string]models.SideEffectRetry
}

func newMemRetryStore() *memRetryStore {
	return &memRetryStore{retries: make(map[string]models.SideEffectRetry)}
}

func (r *memRetryStore) Enqueue(ctx context.Context, transactionID, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	retry, ok := r.retries[transactionID]
	if !ok {
		retry = models.SideEffectRetry{ID: uuid.NewString(), TransactionID: transactionID, CreatedAt: time.Now()}
	}
	retry.LastError = lastError
	retry.Attempts++
	retry.UpdatedAt = time.Now()
	r.retries[transactionID] = retry
	return nil
}

func (r *memRetryStore) Pending(ctx context.Context) ([]models.SideEffectRetry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []models.SideEffectRetry
	for _, retry := range r.retries {
		pending = append(pending, retry)
	}
	return pending, nil
}

func (r *memRetryStore) Resolve(ctx context.Context, transactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retries, transactionID)
	return nil
}

// countingDispatcher records OnPaymentCompleted invocations per transaction
// and can be told to fail.
type countingDispatcher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  bool
}

func newCountingDispatcher() *countingDispatcher {
	return &countingDispatcher{calls: make(map[string]int)}
}

func (d *countingDispatcher) OnPaymentCompleted(ctx context.Context, tx *models.Transaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[tx.ID]++
	if d.fail {
		return fmt.Errorf("membership service unreachable")
	}
	return nil
}

func (d *countingDispatcher) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

// fakeClient is a scriptable gateway client.
type fakeClient struct {
	name        models.Gateway
	initiated   gateways.PendingPayment
	initiateErr error
	confirmed   gateways.ProviderResult
	confirmErr  error
	queried     gateways.ProviderResult
	queryErr    error
	parsed      gateways.NormalizedCallback
	parseErr    error
}

func (f *fakeClient) Name() models.Gateway { return f.name }

func (f *fakeClient) Authenticate(ctx context.Context) (gateways.Credential, error) {
	return gateways.Credential{Token: "fake", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeClient) Initiate(ctx context.Context, req gateways.InitiateRequest) (gateways.PendingPayment, error) {
	return f.initiated, f.initiateErr
}

func (f *fakeClient) Confirm(ctx context.Context, externalRef string) (gateways.ProviderResult, error) {
	return f.confirmed, f.confirmErr
}

func (f *fakeClient) QueryStatus(ctx context.Context, externalRef string) (gateways.ProviderResult, error) {
	return f.queried, f.queryErr
}

func (f *fakeClient) ParseCallback(body []byte, header http.Header) (gateways.NormalizedCallback, error) {
	return f.parsed, f.parseErr
}
