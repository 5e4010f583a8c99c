package models

import (
	"time"
)

// Member holds the slice of the member record the payment core touches:
// membership standing. The member directory itself is owned elsewhere.
type Member struct {
	ID               string    `bson:"_id" json:"id"`
	FullName         string    `bson:"fullname" json:"fullname"`
	Email            string    `bson:"email" json:"email"`
	Number           string    `bson:"number" json:"number"`
	MembershipStatus string    `bson:"membership_status" json:"membership_status"` // e.g. "active", "lapsed"
	MembershipPaidTo time.Time `bson:"membership_paid_to" json:"membership_paid_to"`
	CreatedAt        time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at" json:"updated_at"`
}

// CPDActivity is one continuing-professional-development point credit.
// ActivityKey is unique, so replaying the same credit is a no-op.
type CPDActivity struct {
	ID           string    `bson:"_id" json:"id"`
	MemberID     string    `bson:"member_id" json:"member_id"`
	ActivityKey  string    `bson:"activity_key" json:"activity_key"`
	ActivityType string    `bson:"activity_type" json:"activity_type"`
	Points       int       `bson:"points" json:"points"`
	Description  string    `bson:"description" json:"description"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
}

// Receipt is the durable record issued for a completed payment, keyed by the
// transaction so a replayed dispatch cannot issue a second one.
type Receipt struct {
	ID            string    `bson:"_id" json:"id"`
	TransactionID string    `bson:"transaction_id" json:"transaction_id"`
	MemberID      string    `bson:"member_id" json:"member_id"`
	ReceiptNumber string    `bson:"receipt_number" json:"receipt_number"`
	Amount        float64   `bson:"amount" json:"amount"`
	Currency      string    `bson:"currency" json:"currency"`
	Narrative     string    `bson:"narrative" json:"narrative"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
}

// SideEffectRetry queues a completed transaction whose side-effect dispatch
// failed, for replay by the reconciliation sweep.
type SideEffectRetry struct {
	ID            string    `bson:"_id" json:"id"`
	TransactionID string    `bson:"transaction_id" json:"transaction_id"`
	LastError     string    `bson:"last_error" json:"last_error"`
	Attempts      int       `bson:"attempts" json:"attempts"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at" json:"updated_at"`
}
