package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Account is one expert's stake account as the in-memory ledger sees it.
type Account struct {
	Available int64
	Locked    int64
	Allowed   int64
}

type reservation struct {
	expertID  string
	amount    int64
	remaining int64
	released  bool
}

// MemoryLedger is an in-process StakeLedger used in tests and local mode.
// Confirmations are delivered on a channel; by default every reservation is
// confirmed immediately, but tests can hold confirmations back and drive
// them by hand to exercise timeout and retry paths.
type MemoryLedger struct {
	mu            sync.Mutex
	accounts      map[string]*Account
	reservations  map[ReservationHandle]*reservation
	byCorrelation map[string]ReservationHandle
	credits       map[string]bool
	debits        map[string]bool
	confirmations chan Confirmation
	autoConfirm   bool
	held          []ReservationHandle
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts:      make(map[string]*Account),
		reservations:  make(map[ReservationHandle]*reservation),
		byCorrelation: make(map[string]ReservationHandle),
		credits:       make(map[string]bool),
		debits:        make(map[string]bool),
		confirmations: make(chan Confirmation, 64),
		autoConfirm:   true,
	}
}

// SetAutoConfirm toggles immediate confirmation of reservations. With auto
// confirm off, reservations queue up until ConfirmNext or FailNext.
func (l *MemoryLedger) SetAutoConfirm(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.autoConfirm = on
}

// Fund seeds an expert account with available balance and allowance.
func (l *MemoryLedger) Fund(expertID string, available, allowed int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[expertID] = &Account{Available: available, Allowed: allowed}
}

// AccountState returns a copy of the expert's account for assertions.
func (l *MemoryLedger) AccountState(expertID string) Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acct, ok := l.accounts[expertID]; ok {
		return *acct
	}
	return Account{}
}

func (l *MemoryLedger) Allowance(ctx context.Context, expertID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[expertID]
	if !ok {
		return 0, nil
	}
	return acct.Allowed, nil
}

func (l *MemoryLedger) Reserve(ctx context.Context, expertID string, amount int64, correlationID string) (ReservationHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Idempotent per correlation id: a retry returns the existing handle.
	if handle, ok := l.byCorrelation[correlationID]; ok {
		return handle, nil
	}

	acct, ok := l.accounts[expertID]
	if !ok || acct.Available < amount {
		return "", ErrInsufficientBalance
	}

	acct.Available -= amount
	acct.Locked += amount

	handle := ReservationHandle(uuid.New().String())
	l.reservations[handle] = &reservation{
		expertID:  expertID,
		amount:    amount,
		remaining: amount,
	}
	l.byCorrelation[correlationID] = handle

	if l.autoConfirm {
		l.confirmations <- Confirmation{Handle: handle, Confirmed: true}
	} else {
		l.held = append(l.held, handle)
	}
	return handle, nil
}

// ConfirmNext delivers a confirmation for the oldest held reservation.
func (l *MemoryLedger) ConfirmNext() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.held) == 0 {
		return false
	}
	handle := l.held[0]
	l.held = l.held[1:]
	l.confirmations <- Confirmation{Handle: handle, Confirmed: true}
	return true
}

// FailNext delivers a rejection for the oldest held reservation.
func (l *MemoryLedger) FailNext(reason string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.held) == 0 {
		return false
	}
	handle := l.held[0]
	l.held = l.held[1:]
	if res, ok := l.reservations[handle]; ok && !res.released {
		acct := l.accounts[res.expertID]
		acct.Available += res.remaining
		acct.Locked -= res.remaining
		res.released = true
		res.remaining = 0
	}
	l.confirmations <- Confirmation{Handle: handle, Confirmed: false, Reason: reason}
	return true
}

// DropNext silently discards the oldest held reservation, simulating a
// confirmation that never arrives.
func (l *MemoryLedger) DropNext() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.held) == 0 {
		return false
	}
	l.held = l.held[1:]
	return true
}

func (l *MemoryLedger) Release(ctx context.Context, handle ReservationHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[handle]
	if !ok {
		return ErrUnknownReservation
	}
	if res.released {
		return nil
	}

	acct := l.accounts[res.expertID]
	acct.Available += res.remaining
	acct.Locked -= res.remaining
	res.remaining = 0
	res.released = true
	return nil
}

func (l *MemoryLedger) Credit(ctx context.Context, expertID string, amount int64, correlationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.credits[correlationID] {
		return nil
	}
	l.credits[correlationID] = true

	acct, ok := l.accounts[expertID]
	if !ok {
		acct = &Account{}
		l.accounts[expertID] = acct
	}
	acct.Available += amount
	return nil
}

func (l *MemoryLedger) Debit(ctx context.Context, handle ReservationHandle, amount int64, correlationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// The dedup check comes before the reservation lookup so a replayed
	// debit stays a no-op after the reservation has been released.
	if l.debits[correlationID] {
		return nil
	}

	res, ok := l.reservations[handle]
	if !ok {
		return ErrUnknownReservation
	}
	if res.released || res.remaining < amount {
		return fmt.Errorf("%w: debit %d exceeds remaining %d", ErrRejected, amount, res.remaining)
	}

	l.debits[correlationID] = true
	acct := l.accounts[res.expertID]
	res.remaining -= amount
	acct.Locked -= amount
	return nil
}

func (l *MemoryLedger) Confirmations() <-chan Confirmation {
	return l.confirmations
}
