package commitment

import (
	"context"
	"sync"

	"endorsement-engine/internal/common/logger"
	"endorsement-engine/internal/engine/ledger"
)

// ConfirmationRouter fans the ledger's confirmation stream out to the
// attempt goroutines waiting on individual reservation handles.
type ConfirmationRouter struct {
	source ledger.ConfirmationSource
	logger logger.Logger

	mu      sync.Mutex
	waiters map[ledger.ReservationHandle]chan ledger.Confirmation
	// early holds confirmations that raced ahead of their waiter.
	early map[ledger.ReservationHandle]ledger.Confirmation
}

func NewConfirmationRouter(source ledger.ConfirmationSource, log logger.Logger) *ConfirmationRouter {
	return &ConfirmationRouter{
		source:  source,
		logger:  log.WithFields(map[string]interface{}{"component": "confirmation-router"}),
		waiters: make(map[ledger.ReservationHandle]chan ledger.Confirmation),
		early:   make(map[ledger.ReservationHandle]ledger.Confirmation),
	}
}

// Run consumes the confirmation stream until ctx is cancelled.
func (r *ConfirmationRouter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case conf, ok := <-r.source.Confirmations():
			if !ok {
				return
			}
			r.route(conf)
		}
	}
}

func (r *ConfirmationRouter) route(conf ledger.Confirmation) {
	r.mu.Lock()
	ch, ok := r.waiters[conf.Handle]
	if !ok {
		// Confirmation beat the waiter registration; park it.
		r.early[conf.Handle] = conf
		r.mu.Unlock()
		return
	}
	delete(r.waiters, conf.Handle)
	r.mu.Unlock()

	ch <- conf
}

// Await registers interest in a handle and returns a channel that yields at
// most one confirmation. Callers must Cancel when giving up.
func (r *ConfirmationRouter) Await(handle ledger.ReservationHandle) <-chan ledger.Confirmation {
	ch := make(chan ledger.Confirmation, 1)

	r.mu.Lock()
	if conf, ok := r.early[handle]; ok {
		delete(r.early, handle)
		r.mu.Unlock()
		ch <- conf
		return ch
	}
	r.waiters[handle] = ch
	r.mu.Unlock()
	return ch
}

// Cancel withdraws a waiter after timeout so the map does not leak.
func (r *ConfirmationRouter) Cancel(handle ledger.ReservationHandle) {
	r.mu.Lock()
	delete(r.waiters, handle)
	r.mu.Unlock()
}
