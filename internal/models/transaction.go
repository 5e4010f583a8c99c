package models

import (
	"time"
)

// Gateway identifies one external payment provider integration.
type Gateway string

const (
	GatewayMpesa    Gateway = "mpesa"    // mobile-money push (STK)
	GatewayRedirect Gateway = "redirect" // redirect/capture order flow
	GatewayCard     Gateway = "card"     // card payment intents
)

// Status is the ledger's transaction status vocabulary.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
)

// PaymentType selects which side effect a completed payment triggers.
type PaymentType string

const (
	PaymentTypeMembership PaymentType = "membership"
	PaymentTypeEvent      PaymentType = "event"
)

// Transaction is the system of record for one payment attempt.
// Rows are never deleted; status moves only along the transition graph below.
type Transaction struct {
	ID                 string      `bson:"_id" json:"id"`
	MemberID           string      `bson:"member_id" json:"member_id"`
	Gateway            Gateway     `bson:"gateway" json:"gateway"`
	ExternalReference  string      `bson:"external_reference,omitempty" json:"external_reference,omitempty"`
	Amount             float64     `bson:"amount" json:"amount"`
	Currency           string      `bson:"currency" json:"currency"`
	PaymentType        PaymentType `bson:"payment_type" json:"payment_type"`
	Status             Status      `bson:"status" json:"status"`
	RawProviderPayload string      `bson:"raw_provider_payload,omitempty" json:"-"`
	FailureReason      string      `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	CreatedAt          time.Time   `bson:"created_at" json:"created_at"`
	UpdatedAt          time.Time   `bson:"updated_at" json:"updated_at"`
}

// transitions is the full status graph. Terminal states have no outgoing edges
// except COMPLETED -> REFUNDED, which is admin-triggered only.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusRefunded},
	StatusFailed:     {},
	StatusRefunded:   {},
}

// CanTransition reports whether from -> to is a legal edge of the status graph.
// Same-state moves are not legal edges; callers treat them as idempotent no-ops.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LegalPredecessors returns every status from which "to" is directly reachable.
// The ledger uses this set as the compare-and-set filter on status writes.
func LegalPredecessors(to Status) []Status {
	var from []Status
	for _, s := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRefunded} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// IsTerminal reports whether s accepts no further non-administrative transition.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

// ValidGateway reports whether g names a known gateway integration.
func ValidGateway(g Gateway) bool {
	return g == GatewayMpesa || g == GatewayRedirect || g == GatewayCard
}

// ValidPaymentType reports whether t is a known payment type.
func ValidPaymentType(t PaymentType) bool {
	return t == PaymentTypeMembership || t == PaymentTypeEvent
}
