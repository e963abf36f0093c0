// internal/models/bid.go
package models

import "time"

// BidState is the lifecycle state of a staked endorsement bid.
type BidState string

const (
	BidPending        BidState = "pending"
	BidAdmitted       BidState = "admitted"
	BidEvicted        BidState = "evicted"
	BidRefunded       BidState = "refunded"
	BidSettledPaid    BidState = "settled-paid"
	BidSettledSlashed BidState = "settled-slashed"
)

// Bid is one expert's staked endorsement attempt on an application. A bid is
// immutable in amount: a resubmission supersedes the prior bid, it never
// mutates it, so the audit trail stays exact.
type Bid struct {
	ID            string   `json:"id"`
	ApplicationID string   `json:"applicationId"`
	ExpertID      string   `json:"expertId"`
	Amount        int64    `json:"amount"`
	State         BidState `json:"state"`
	// ReservationHandle is the stake ledger's handle for the funds locked
	// behind this bid; empty until the reservation succeeds.
	ReservationHandle string    `json:"reservationHandle,omitempty"`
	SubmittedAt       time.Time `json:"submittedAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// OutranksSlot reports whether this bid displaces other under the slot
// ordering: amount descending, ties broken by earliest submission, then by
// id so the order is total and reproducible from stored fields.
func (b *Bid) OutranksSlot(other *Bid) bool {
	if b.Amount != other.Amount {
		return b.Amount > other.Amount
	}
	if !b.SubmittedAt.Equal(other.SubmittedAt) {
		return b.SubmittedAt.Before(other.SubmittedAt)
	}
	return b.ID < other.ID
}
