// internal/engine/commitment/router_test.go
package commitment

import (
	"context"
	"testing"
	"time"

	"endorsement-engine/internal/common/logger"
	"endorsement-engine/internal/engine/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	ch chan ledger.Confirmation
}

func newStubSource() *stubSource {
	return &stubSource{ch: make(chan ledger.Confirmation, 8)}
}

func (s *stubSource) Confirmations() <-chan ledger.Confirmation { return s.ch }

func TestRouter_DeliversToWaiter(t *testing.T) {
	source := newStubSource()
	router := NewConfirmationRouter(source, logger.NewNoOpLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	wait := router.Await(ledger.ReservationHandle("res-1"))
	source.ch <- ledger.Confirmation{Handle: "res-1", Confirmed: true}

	select {
	case conf := <-wait:
		assert.True(t, conf.Confirmed)
	case <-time.After(time.Second):
		t.Fatal("confirmation was not routed")
	}
}

func TestRouter_ParksEarlyConfirmation(t *testing.T) {
	source := newStubSource()
	router := NewConfirmationRouter(source, logger.NewNoOpLogger())

	// Route before anyone awaits; the confirmation must not be lost.
	router.route(ledger.Confirmation{Handle: "res-early", Confirmed: true})

	wait := router.Await(ledger.ReservationHandle("res-early"))
	select {
	case conf := <-wait:
		assert.True(t, conf.Confirmed)
	default:
		t.Fatal("parked confirmation not delivered on Await")
	}
}

func TestRouter_CancelDropsWaiter(t *testing.T) {
	source := newStubSource()
	router := NewConfirmationRouter(source, logger.NewNoOpLogger())

	wait := router.Await(ledger.ReservationHandle("res-2"))
	router.Cancel(ledger.ReservationHandle("res-2"))

	// A confirmation after cancel is parked for a future waiter instead of
	// being sent to the withdrawn one.
	router.route(ledger.Confirmation{Handle: "res-2", Confirmed: false, Reason: "late"})

	select {
	case <-wait:
		t.Fatal("cancelled waiter still received a confirmation")
	default:
	}

	replay := router.Await(ledger.ReservationHandle("res-2"))
	select {
	case conf := <-replay:
		require.False(t, conf.Confirmed)
		assert.Equal(t, "late", conf.Reason)
	default:
		t.Fatal("late confirmation lost after cancel")
	}
}
