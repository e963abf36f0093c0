// Package ledger defines the engine's contract with the external stake
// ledger. The engine never mutates balances directly; it only issues
// reserve/release/credit/debit instructions, each idempotent by correlation
// id, and consumes the ledger's asynchronous confirmation events.
package ledger

import (
	"context"
	"errors"
)

// ReservationHandle identifies a funds lock held by the ledger.
type ReservationHandle string

// Sentinel errors surfaced by ledger implementations.
var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrUnknownReservation  = errors.New("ledger: unknown reservation")
	ErrRejected            = errors.New("ledger: reservation rejected")
)

// Confirmation is the ledger's asynchronous answer to a reservation.
type Confirmation struct {
	Handle    ReservationHandle
	Confirmed bool
	Reason    string
}

// StakeLedger is the adapter over the external value-transfer ledger.
type StakeLedger interface {
	// Allowance returns how much stake the expert has authorized for
	// endorsement bidding. The engine never authorizes on the expert's
	// behalf.
	Allowance(ctx context.Context, expertID string) (int64, error)

	// Reserve locks amount against the expert's account. Reservation is
	// idempotent per correlation id: a retry with the same id returns the
	// existing handle instead of double-locking funds.
	Reserve(ctx context.Context, expertID string, amount int64, correlationID string) (ReservationHandle, error)

	// Release returns the remaining locked funds behind handle.
	Release(ctx context.Context, handle ReservationHandle) error

	// Credit pays amount to the expert, idempotent per correlation id.
	Credit(ctx context.Context, expertID string, amount int64, correlationID string) error

	// Debit transfers amount out of the reservation (slashing). Like
	// Credit it is idempotent per correlation id: a redelivered debit is
	// a no-op even after the reservation has been released.
	Debit(ctx context.Context, handle ReservationHandle, amount int64, correlationID string) error
}

// ConfirmationSource streams the ledger's async confirmation events.
type ConfirmationSource interface {
	Confirmations() <-chan Confirmation
}
