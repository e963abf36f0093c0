// internal/models/attempt.go
package models

import "time"

// AttemptPhase is the phase of one commit-protocol run for a bid.
type AttemptPhase string

const (
	PhaseCreated           AttemptPhase = "created"
	PhaseAllowanceChecked  AttemptPhase = "allowance-checked"
	PhaseFundsReserved     AttemptPhase = "funds-reserved"
	PhaseAdmitted          AttemptPhase = "admitted"
	PhaseRejectedAdmission AttemptPhase = "rejected-admission"
	PhaseConfirmed         AttemptPhase = "confirmed"
	PhaseFailed            AttemptPhase = "failed"
)

// Terminal reports whether the phase ends the protocol run.
func (p AttemptPhase) Terminal() bool {
	return p == PhaseConfirmed || p == PhaseRejectedAdmission || p == PhaseFailed
}

// TransactionAttempt records one commit-protocol run. Attempts are keyed by
// correlation id so a retried submission resumes instead of double-reserving.
type TransactionAttempt struct {
	CorrelationID     string       `json:"correlationId"`
	ApplicationID     string       `json:"applicationId"`
	ExpertID          string       `json:"expertId"`
	BidID             string       `json:"bidId,omitempty"`
	Amount            int64        `json:"amount"`
	Phase             AttemptPhase `json:"phase"`
	ReservationHandle string       `json:"reservationHandle,omitempty"`
	RetryCount        int          `json:"retryCount"`
	LastError         string       `json:"lastError,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}
