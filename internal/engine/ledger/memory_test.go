// internal/engine/ledger/memory_test.go
package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_ReserveLocksFunds(t *testing.T) {
	l := NewMemoryLedger()
	l.Fund("expert1", 100, 100)

	handle, err := l.Reserve(context.Background(), "expert1", 30, "corr-1")
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	acct := l.AccountState("expert1")
	assert.Equal(t, int64(70), acct.Available)
	assert.Equal(t, int64(30), acct.Locked)
}

func TestMemoryLedger_ReserveIdempotentPerCorrelationID(t *testing.T) {
	l := NewMemoryLedger()
	l.Fund("expert1", 100, 100)

	first, err := l.Reserve(context.Background(), "expert1", 30, "corr-1")
	require.NoError(t, err)
	second, err := l.Reserve(context.Background(), "expert1", 30, "corr-1")
	require.NoError(t, err)

	// A retried reservation returns the existing handle without double locking.
	assert.Equal(t, first, second)
	acct := l.AccountState("expert1")
	assert.Equal(t, int64(30), acct.Locked)
}

func TestMemoryLedger_InsufficientBalance(t *testing.T) {
	l := NewMemoryLedger()
	l.Fund("expert1", 10, 100)

	_, err := l.Reserve(context.Background(), "expert1", 30, "corr-1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestMemoryLedger_ReleaseRestoresBalance(t *testing.T) {
	l := NewMemoryLedger()
	l.Fund("expert1", 100, 100)

	handle, err := l.Reserve(context.Background(), "expert1", 30, "corr-1")
	require.NoError(t, err)

	require.NoError(t, l.Release(context.Background(), handle))
	acct := l.AccountState("expert1")
	assert.Equal(t, int64(100), acct.Available)
	assert.Equal(t, int64(0), acct.Locked)

	// Double release is a no-op.
	require.NoError(t, l.Release(context.Background(), handle))
	assert.Equal(t, int64(100), l.AccountState("expert1").Available)
}

func TestMemoryLedger_ReleaseUnknownHandle(t *testing.T) {
	l := NewMemoryLedger()
	err := l.Release(context.Background(), ReservationHandle("missing"))
	assert.ErrorIs(t, err, ErrUnknownReservation)
}

func TestMemoryLedger_DebitThenRelease(t *testing.T) {
	l := NewMemoryLedger()
	l.Fund("expert1", 100, 100)

	handle, err := l.Reserve(context.Background(), "expert1", 30, "corr-1")
	require.NoError(t, err)

	// Slash part of the stake, then return the remainder.
	require.NoError(t, l.Debit(context.Background(), handle, 10, "slash:bid-1"))
	acct := l.AccountState("expert1")
	assert.Equal(t, int64(70), acct.Available)
	assert.Equal(t, int64(20), acct.Locked)

	require.NoError(t, l.Release(context.Background(), handle))
	acct = l.AccountState("expert1")
	assert.Equal(t, int64(90), acct.Available)
	assert.Equal(t, int64(0), acct.Locked)
}

func TestMemoryLedger_DebitBeyondRemaining(t *testing.T) {
	l := NewMemoryLedger()
	l.Fund("expert1", 100, 100)

	handle, err := l.Reserve(context.Background(), "expert1", 30, "corr-1")
	require.NoError(t, err)

	err = l.Debit(context.Background(), handle, 40, "slash:bid-1")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestMemoryLedger_DebitDedupesByCorrelationID(t *testing.T) {
	l := NewMemoryLedger()
	l.Fund("expert1", 100, 100)

	handle, err := l.Reserve(context.Background(), "expert1", 30, "corr-1")
	require.NoError(t, err)

	require.NoError(t, l.Debit(context.Background(), handle, 10, "slash:bid-1"))
	require.NoError(t, l.Debit(context.Background(), handle, 10, "slash:bid-1"))

	acct := l.AccountState("expert1")
	assert.Equal(t, int64(70), acct.Available)
	assert.Equal(t, int64(20), acct.Locked)

	// The dedup survives release, so a redelivered slash after a fully
	// settled run stays a no-op instead of failing on the released
	// reservation.
	require.NoError(t, l.Release(context.Background(), handle))
	require.NoError(t, l.Debit(context.Background(), handle, 10, "slash:bid-1"))
	assert.Equal(t, int64(90), l.AccountState("expert1").Available)
}

func TestMemoryLedger_CreditDedupesByCorrelationID(t *testing.T) {
	l := NewMemoryLedger()

	require.NoError(t, l.Credit(context.Background(), "expert1", 50, "settle:bid-1"))
	require.NoError(t, l.Credit(context.Background(), "expert1", 50, "settle:bid-1"))

	assert.Equal(t, int64(50), l.AccountState("expert1").Available)
}

func TestMemoryLedger_AutoConfirmDeliversConfirmation(t *testing.T) {
	l := NewMemoryLedger()
	l.Fund("expert1", 100, 100)

	handle, err := l.Reserve(context.Background(), "expert1", 30, "corr-1")
	require.NoError(t, err)

	conf := <-l.Confirmations()
	assert.Equal(t, handle, conf.Handle)
	assert.True(t, conf.Confirmed)
}

func TestMemoryLedger_HeldConfirmations(t *testing.T) {
	l := NewMemoryLedger()
	l.SetAutoConfirm(false)
	l.Fund("expert1", 100, 100)

	handle, err := l.Reserve(context.Background(), "expert1", 30, "corr-1")
	require.NoError(t, err)

	select {
	case <-l.Confirmations():
		t.Fatal("confirmation delivered while auto confirm is off")
	default:
	}

	require.True(t, l.ConfirmNext())
	conf := <-l.Confirmations()
	assert.Equal(t, handle, conf.Handle)
	assert.True(t, conf.Confirmed)
}

func TestMemoryLedger_FailNextReleasesFunds(t *testing.T) {
	l := NewMemoryLedger()
	l.SetAutoConfirm(false)
	l.Fund("expert1", 100, 100)

	_, err := l.Reserve(context.Background(), "expert1", 30, "corr-1")
	require.NoError(t, err)

	require.True(t, l.FailNext("compliance hold"))
	conf := <-l.Confirmations()
	assert.False(t, conf.Confirmed)
	assert.Equal(t, "compliance hold", conf.Reason)

	acct := l.AccountState("expert1")
	assert.Equal(t, int64(100), acct.Available)
	assert.Equal(t, int64(0), acct.Locked)
}
