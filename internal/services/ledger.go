package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"memberpay/internal/models"
)

// Ledger is the mongo-backed system of record for payment attempts.
type Ledger struct {
	db *mongo.Database
}

func NewLedger(db *mongo.Database) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) transactions() *mongo.Collection {
	return l.db.Collection("transactions")
}

// Create inserts a new PENDING row. Callers do this before any gateway call
// so a failed network call still leaves an audit trail.
func (l *Ledger) Create(ctx context.Context, memberID string, gateway models.Gateway, amount float64, currency string, paymentType models.PaymentType) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

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
	if _, err := l.transactions().InsertOne(ctx, tx); err != nil {
		log.Printf("Failed to insert transaction for member %s: %v", memberID, err)
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return tx, nil
}

// AttachExternalReference records the provider-assigned identifier. The
// unique index on (gateway, external_reference) turns a duplicate into a
// ConflictError.
func (l *Ledger) AttachExternalReference(ctx context.Context, id, externalRef string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if externalRef == "" {
		return fmt.Errorf("external reference cannot be empty")
	}

	res, err := l.transactions().UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"external_reference": externalRef, "updated_at": time.Now()}},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			var tx models.Transaction
			if ferr := l.transactions().FindOne(ctx, bson.M{"_id": id}).Decode(&tx); ferr == nil {
				return &ConflictError{Gateway: tx.Gateway, ExternalReference: externalRef}
			}
			return &ConflictError{ExternalReference: externalRef}
		}
		return fmt.Errorf("failed to attach external reference: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("transaction %s not found", id)
	}
	return nil
}

func (l *Ledger) FindByID(ctx context.Context, id string) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var tx models.Transaction
	if err := l.transactions().FindOne(ctx, bson.M{"_id": id}).Decode(&tx); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("transaction %s not found", id)
		}
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", id, err)
	}
	return &tx, nil
}

func (l *Ledger) FindByExternalReference(ctx context.Context, gateway models.Gateway, externalRef string) (*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var tx models.Transaction
	err := l.transactions().FindOne(ctx, bson.M{"gateway": gateway, "external_reference": externalRef}).Decode(&tx)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction by reference %s: %w", externalRef, err)
	}
	return &tx, nil
}

// ApplyTransition moves a transaction's status along the graph with a single
// compare-and-set: the filter admits only rows whose current status legally
// precedes the new one, so duplicate and out-of-order deliveries fall out as
// Applied=false without ever touching the row.
func (l *Ledger) ApplyTransition(ctx context.Context, id string, newStatus models.Status, rawPayload string) (TransitionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	from := models.LegalPredecessors(newStatus)
	if len(from) == 0 {
		return TransitionResult{}, fmt.Errorf("status %s is not reachable by any transition", newStatus)
	}

	set := bson.M{"status": newStatus, "updated_at": time.Now()}
	if rawPayload != "" {
		set["raw_provider_payload"] = rawPayload
	}
	if newStatus == models.StatusFailed && rawPayload != "" {
		set["failure_reason"] = rawPayload
	}

	var updated models.Transaction
	err := l.transactions().FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": from}},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err == nil {
		return TransitionResult{Applied: true, Transaction: &updated}, nil
	}
	if err != mongo.ErrNoDocuments {
		return TransitionResult{}, fmt.Errorf("failed to apply transition on %s: %w", id, err)
	}

	// No row matched: either the transaction does not exist, or its current
	// status does not admit this transition. The latter is a no-op, not an
	// error.
	current, ferr := l.FindByID(ctx, id)
	if ferr != nil {
		return TransitionResult{}, ferr
	}
	return TransitionResult{Applied: false, Transaction: current}, nil
}

// ListStale returns non-terminal transactions for a gateway created before
// the cutoff, for the reconciliation sweep.
func (l *Ledger) ListStale(ctx context.Context, gateway models.Gateway, before time.Time) ([]models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cur, err := l.transactions().Find(ctx, bson.M{
		"gateway":    gateway,
		"status":     bson.M{"$in": []models.Status{models.StatusPending, models.StatusProcessing}},
		"created_at": bson.M{"$lt": before},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	defer cur.Close(ctx)

	var txs []models.Transaction
	if err := cur.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode stale transactions: %w", err)
	}
	return txs, nil
}

func (l *Ledger) List(ctx context.Context, filter ListFilter) ([]models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := bson.M{}
	if filter.MemberID != "" {
		query["member_id"] = filter.MemberID
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	created := bson.M{}
	if filter.StartDate != nil {
		created["$gte"] = *filter.StartDate
	}
	if filter.EndDate != nil {
		created["$lte"] = *filter.EndDate
	}
	if len(created) > 0 {
		query["created_at"] = created
	}

	cur, err := l.transactions().Find(ctx, query, options.Find().SetSort(bson.M{"created_at": -1}))
	if err != nil {
		log.Printf("Failed to fetch transactions: %v", err)
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	defer cur.Close(ctx)

	var txs []models.Transaction
	if err := cur.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}
	return txs, nil
}
