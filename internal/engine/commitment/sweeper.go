// internal/engine/commitment/sweeper.go
package commitment

import (
	"context"
	"time"

	"endorsement-engine/internal/common/logger"
	"endorsement-engine/internal/common/metrics"
	"endorsement-engine/internal/engine/ledger"
	"endorsement-engine/internal/models"
)

// Sweeper releases reservations left behind by attempts that stalled in
// PhaseFundsReserved. An attempt can get stuck there when the process dies
// between the reserve confirmation and admission, or when a confirmation
// never arrives and the context was cancelled before the retry loop could
// release the hold. The sweep guarantees reserved funds are never locked
// forever.
type Sweeper struct {
	attempts *AttemptStore
	ledger   ledger.StakeLedger
	logger   logger.Logger

	interval time.Duration
	// An attempt is only considered stuck once it has been idle longer than
	// the whole retry budget, so the sweep never races a live retry loop.
	staleAfter time.Duration
}

func NewSweeper(attempts *AttemptStore, l ledger.StakeLedger, log logger.Logger, interval, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		attempts:   attempts,
		ledger:     l,
		logger:     log,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Reservation sweep failed", map[string]interface{}{
					"error": err.Error(),
				})
			} else if n > 0 {
				s.logger.Info("Released stale reservations", map[string]interface{}{
					"count": n,
				})
			}
		}
	}
}

// SweepOnce releases every stale reservation and marks its attempt failed.
// Returns the number of reservations released.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	stale, err := s.attempts.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, attempt := range stale {
		if err := s.ledger.Release(ctx, ledger.ReservationHandle(attempt.ReservationHandle)); err != nil {
			s.logger.Error("Failed to release stale reservation", map[string]interface{}{
				"correlation_id":     attempt.CorrelationID,
				"reservation_handle": attempt.ReservationHandle,
				"error":              err.Error(),
			})
			continue
		}

		attempt.Phase = models.PhaseFailed
		attempt.LastError = "reservation expired before admission"
		if err := s.attempts.UpdatePhase(ctx, attempt); err != nil {
			s.logger.Error("Failed to mark swept attempt", map[string]interface{}{
				"correlation_id": attempt.CorrelationID,
				"error":          err.Error(),
			})
			continue
		}

		metrics.ReservationsSwept.Inc()
		released++
	}
	return released, nil
}
