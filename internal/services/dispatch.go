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

// MembershipPeriod is how long one membership payment keeps a member active.
const MembershipPeriod = 365 * 24 * time.Hour

// EventCPDPoints is the credit granted for a paid event attendance.
const EventCPDPoints = 5

// Dispatcher applies the downstream consequences of a completed payment:
// membership activation, CPD point credit, receipt issuance. Every operation
// is keyed so a replayed dispatch is a no-op.
type Dispatcher struct {
	db *mongo.Database
}

func NewDispatcher(db *mongo.Database) *Dispatcher {
	return &Dispatcher{db: db}
}

// OnPaymentCompleted fans a completed transaction out to the side effects its
// payment type selects. Safe to call more than once per transaction.
func (d *Dispatcher) OnPaymentCompleted(ctx context.Context, tx *models.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch tx.PaymentType {
	case models.PaymentTypeMembership:
		if err := d.ActivateMembership(ctx, tx.MemberID); err != nil {
			return fmt.Errorf("membership activation for %s: %w", tx.MemberID, err)
		}
	case models.PaymentTypeEvent:
		description := fmt.Sprintf("Event fee payment %s", tx.ID)
		if err := d.CreditCPDPoints(ctx, tx.MemberID, EventCPDPoints, "event", description, tx.ID); err != nil {
			return fmt.Errorf("CPD credit for %s: %w", tx.MemberID, err)
		}
	default:
		log.Printf("No side effect registered for payment type %q on transaction %s", tx.PaymentType, tx.ID)
	}

	if err := d.issueReceipt(ctx, tx); err != nil {
		return fmt.Errorf("receipt for transaction %s: %w", tx.ID, err)
	}
	return nil
}

// ActivateMembership marks the member active through a fresh membership
// period. A member already active with a paid-through date in the future is
// left alone, so replays cannot stack periods.
func (d *Dispatcher) ActivateMembership(ctx context.Context, memberID string) error {
	members := d.db.Collection("members")

	var member models.Member
	if err := members.FindOne(ctx, bson.M{"_id": memberID}).Decode(&member); err != nil {
		if err == mongo.ErrNoDocuments {
			return fmt.Errorf("member %s not found", memberID)
		}
		return fmt.Errorf("failed to fetch member %s: %w", memberID, err)
	}

	if member.MembershipStatus == "active" && member.MembershipPaidTo.After(time.Now()) {
		log.Printf("Member %s already active until %s, activation is a no-op", memberID, member.MembershipPaidTo.Format(time.DateOnly))
		return nil
	}

	paidTo := time.Now().Add(MembershipPeriod)
	_, err := members.UpdateOne(ctx, bson.M{"_id": memberID}, bson.M{
		"$set": bson.M{
			"membership_status":  "active",
			"membership_paid_to": paidTo,
			"updated_at":         time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to activate member %s: %w", memberID, err)
	}
	log.Printf("Activated membership for %s until %s", memberID, paidTo.Format(time.DateOnly))
	return nil
}

// CreditCPDPoints records a point credit keyed by a unique activity record.
// A duplicate key means the credit already happened; that is success.
func (d *Dispatcher) CreditCPDPoints(ctx context.Context, memberID string, points int, activityType, description, activityKey string) error {
	activity := models.CPDActivity{
		ID:           uuid.NewString(),
		MemberID:     memberID,
		ActivityKey:  activityKey,
		ActivityType: activityType,
		Points:       points,
		Description:  description,
		CreatedAt:    time.Now(),
	}
	_, err := d.db.Collection("cpd_activities").InsertOne(ctx, activity)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			log.Printf("CPD activity %s already credited, skipping", activityKey)
			return nil
		}
		return fmt.Errorf("failed to credit CPD points: %w", err)
	}
	log.Printf("Credited %d CPD points to member %s for %s", points, memberID, activityType)
	return nil
}

func (d *Dispatcher) issueReceipt(ctx context.Context, tx *models.Transaction) error {
	receipt := models.Receipt{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		MemberID:      tx.MemberID,
		ReceiptNumber: fmt.Sprintf("RCT-%s", uuid.NewString()[:8]),
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Narrative:     fmt.Sprintf("%s payment via %s", tx.PaymentType, tx.Gateway),
		CreatedAt:     time.Now(),
	}
	_, err := d.db.Collection("receipts").InsertOne(ctx, receipt)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil // receipt already issued for this transaction
		}
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	log.Printf("Issued receipt %s for transaction %s", receipt.ReceiptNumber, tx.ID)
	return nil
}

// ListReceipts returns a member's receipts, newest first.
func (d *Dispatcher) ListReceipts(ctx context.Context, memberID string) ([]models.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cur, err := d.db.Collection("receipts").Find(ctx, bson.M{"member_id": memberID}, options.Find().SetSort(bson.M{"created_at": -1}))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipts for %s: %w", memberID, err)
	}
	defer cur.Close(ctx)

	var receipts []models.Receipt
	if err := cur.All(ctx, &receipts); err != nil {
		return nil, fmt.Errorf("failed to decode receipts: %w", err)
	}
	return receipts, nil
}

// MongoRetryStore persists failed side-effect dispatches for sweep replay.
type MongoRetryStore struct {
	db *mongo.Database
}

func NewMongoRetryStore(db *mongo.Database) *MongoRetryStore {
	return &MongoRetryStore{db: db}
}

func (r *MongoRetryStore) Enqueue(ctx context.Context, transactionID, lastError string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now()
	_, err := r.db.Collection("side_effect_retries").UpdateOne(ctx,
		bson.M{"transaction_id": transactionID},
		bson.M{
			"$set":         bson.M{"last_error": lastError, "updated_at": now},
			"$inc":         bson.M{"attempts": 1},
			"$setOnInsert": bson.M{"_id": uuid.NewString(), "created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue side-effect retry: %w", err)
	}
	return nil
}

func (r *MongoRetryStore) Pending(ctx context.Context) ([]models.SideEffectRetry, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cur, err := r.db.Collection("side_effect_retries").Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list side-effect retries: %w", err)
	}
	defer cur.Close(ctx)

	var retries []models.SideEffectRetry
	if err := cur.All(ctx, &retries); err != nil {
		return nil, fmt.Errorf("failed to decode side-effect retries: %w", err)
	}
	return retries, nil
}

func (r *MongoRetryStore) Resolve(ctx context.Context, transactionID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.db.Collection("side_effect_retries").DeleteOne(ctx, bson.M{"transaction_id": transactionID})
	if err != nil {
		return fmt.Errorf("failed to resolve side-effect retry: %w", err)
	}
	return nil
}
