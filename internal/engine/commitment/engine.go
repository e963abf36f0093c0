// Package commitment drives one bid submission safely across the external,
// possibly slow stake ledger: allowance check, idempotent reservation,
// confirmation wait with bounded retries, then admission, with compensating
// releases on every failure path.
package commitment

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	stderrors "endorsement-engine/internal/common/errors"
	"endorsement-engine/internal/common/logger"
	"endorsement-engine/internal/common/metrics"
	"endorsement-engine/internal/engine/admission"
	"endorsement-engine/internal/engine/ledger"
	"endorsement-engine/internal/models"
	"endorsement-engine/internal/outbox"
	"endorsement-engine/pkg/events"
)

// Config bounds the commit protocol.
type Config struct {
	// ReservationTimeout is the wait for one ledger confirmation.
	ReservationTimeout time.Duration
	// MaxReserveAttempts bounds confirmation waits per bid.
	MaxReserveAttempts int
	// RetryBackoff is the base delay between attempts, doubled each retry.
	RetryBackoff time.Duration
}

// SubmitRequest is one expert's bid submission.
type SubmitRequest struct {
	ApplicationID string
	ExpertID      string
	Amount        int64
	// CorrelationID makes retries idempotent. Empty means the caller
	// does not retry and a fresh id is assigned.
	CorrelationID string
}

// Receipt reports the protocol's outcome for a submission.
type Receipt struct {
	CorrelationID string
	BidID         string
	Phase         models.AttemptPhase
	Admitted      bool
	// Rank is the bid's slot position when admitted.
	Rank int
}

// Engine is the transaction commit state machine.
type Engine struct {
	db       *sql.DB
	ledger   ledger.StakeLedger
	router   *ConfirmationRouter
	table    *admission.Table
	attempts *AttemptStore
	cfg      Config
	logger   logger.Logger

	mu       sync.Mutex
	inflight map[string]int
	drained  *sync.Cond
}

func NewEngine(
	db *sql.DB,
	stakeLedger ledger.StakeLedger,
	router *ConfirmationRouter,
	table *admission.Table,
	cfg Config,
	log logger.Logger,
) *Engine {
	e := &Engine{
		db:       db,
		ledger:   stakeLedger,
		router:   router,
		table:    table,
		attempts: NewAttemptStore(db),
		cfg:      cfg,
		logger:   log.WithFields(map[string]interface{}{"component": "commit-engine"}),
		inflight: make(map[string]int),
	}
	e.drained = sync.NewCond(&e.mu)
	return e
}

// SubmitBid runs the commit protocol for one bid. Safe for concurrent use;
// the slow ledger round-trip never holds the admission critical section.
func (e *Engine) SubmitBid(ctx context.Context, req SubmitRequest) (*Receipt, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}

	// Idempotency: a known correlation id reports its current phase
	// instead of re-running the protocol.
	if existing, err := e.attempts.Get(ctx, req.CorrelationID); err != nil {
		return nil, err
	} else if existing != nil {
		return receiptFor(existing), nil
	}

	app, err := e.loadApplication(ctx, req.ApplicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != models.ApplicationOpen {
		metrics.BidsSubmitted.WithLabelValues("rejected").Inc()
		return nil, stderrors.NewApplicationClosedError(app.ID, string(app.Status))
	}
	if req.Amount < app.MinimumBid {
		metrics.BidsSubmitted.WithLabelValues("rejected").Inc()
		return nil, stderrors.NewBidBelowMinimumError(req.Amount, app.MinimumBid)
	}

	// A resubmission must exceed the expert's own live bid.
	current, err := e.currentLiveBid(ctx, req.ApplicationID, req.ExpertID)
	if err != nil {
		return nil, err
	}
	if current != nil && req.Amount <= current.Amount {
		metrics.BidsSubmitted.WithLabelValues("rejected").Inc()
		return nil, stderrors.NewBidNotIncreasingError(req.Amount, current.Amount)
	}

	attempt := &models.TransactionAttempt{
		CorrelationID: req.CorrelationID,
		ApplicationID: req.ApplicationID,
		ExpertID:      req.ExpertID,
		Amount:        req.Amount,
		Phase:         models.PhaseCreated,
		CreatedAt:     time.Now().UTC(),
	}
	created, err := e.attempts.Create(ctx, attempt)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost a race with a concurrent retry of the same submission.
		existing, err := e.attempts.Get(ctx, req.CorrelationID)
		if err != nil {
			return nil, err
		}
		return receiptFor(existing), nil
	}

	e.enterFlight(req.ApplicationID)
	defer e.leaveFlight(req.ApplicationID)

	receipt, err := e.run(ctx, app, attempt)
	if err != nil {
		metrics.BidsSubmitted.WithLabelValues("failed").Inc()
		return nil, err
	}
	if receipt.Admitted {
		metrics.BidsSubmitted.WithLabelValues("admitted").Inc()
	} else {
		metrics.BidsSubmitted.WithLabelValues("evicted").Inc()
	}
	return receipt, nil
}

func (e *Engine) run(ctx context.Context, app *models.Application, attempt *models.TransactionAttempt) (*Receipt, error) {
	// Allowance is a precondition check only; authorization itself is an
	// external step the engine never performs on the expert's behalf.
	allowed, err := e.ledger.Allowance(ctx, attempt.ExpertID)
	if err != nil {
		return nil, e.fail(ctx, attempt, stderrors.NewLedgerUnavailableError("allowance", err))
	}
	if allowed < attempt.Amount {
		return nil, e.fail(ctx, attempt, stderrors.NewInsufficientAllowanceError(attempt.Amount, allowed))
	}
	attempt.Phase = models.PhaseAllowanceChecked
	if err := e.attempts.UpdatePhase(ctx, attempt); err != nil {
		return nil, err
	}

	handle, err := e.reserveConfirmed(ctx, attempt)
	if err != nil {
		return nil, err
	}

	bid := &models.Bid{
		ID:                uuid.New().String(),
		ApplicationID:     attempt.ApplicationID,
		ExpertID:          attempt.ExpertID,
		Amount:            attempt.Amount,
		State:             models.BidPending,
		ReservationHandle: string(handle),
		SubmittedAt:       attempt.CreatedAt,
	}
	attempt.BidID = bid.ID

	if err := e.emitSubmitted(ctx, bid, attempt.CorrelationID); err != nil {
		return nil, err
	}

	decision, admitErr := e.table.Admit(ctx, bid)
	if admitErr != nil {
		// Admission refused (closed application, below minimum under a
		// raced minimum change, or infra failure): compensate the
		// reservation before surfacing.
		if relErr := e.ledger.Release(ctx, handle); relErr != nil {
			e.logger.Error("release after admission failure also failed", map[string]interface{}{
				"correlationId": attempt.CorrelationID,
				"handle":        string(handle),
				"error":         relErr.Error(),
			})
		}
		return nil, e.fail(ctx, attempt, admitErr)
	}

	// Evicted reservations are released right away; MarkRefunded records
	// the refund event once the funds moved. The stale-reservation sweep
	// backstops a crash between these two steps.
	for _, ev := range decision.Evictions {
		if ev.Bid.ReservationHandle == "" {
			continue
		}
		if err := e.ledger.Release(ctx, ledger.ReservationHandle(ev.Bid.ReservationHandle)); err != nil {
			e.logger.Error("refund release failed, sweep will retry", map[string]interface{}{
				"bidId": ev.Bid.ID,
				"error": err.Error(),
			})
			continue
		}
		if err := e.table.MarkRefunded(ctx, ev.Bid); err != nil {
			e.logger.Error("refund bookkeeping failed", map[string]interface{}{
				"bidId": ev.Bid.ID,
				"error": err.Error(),
			})
		}
	}

	if !decision.Admitted {
		attempt.Phase = models.PhaseRejectedAdmission
		if err := e.attempts.UpdatePhase(ctx, attempt); err != nil {
			return nil, err
		}
		return receiptFor(attempt), nil
	}

	attempt.Phase = models.PhaseAdmitted
	if err := e.attempts.UpdatePhase(ctx, attempt); err != nil {
		return nil, err
	}

	// Funds were confirmed before admission, so the admitted bid is final.
	attempt.Phase = models.PhaseConfirmed
	if err := e.attempts.UpdatePhase(ctx, attempt); err != nil {
		return nil, err
	}

	r := receiptFor(attempt)
	r.Admitted = true
	r.Rank = decision.Rank
	return r, nil
}

// reserveConfirmed issues the idempotent reservation and waits for the
// ledger's confirmation, retrying with backoff up to the configured bound.
// On exhaustion the reservation is released and the attempt fails with
// LEDGER_TIMEOUT, leaving the bid unadmitted and no funds locked.
func (e *Engine) reserveConfirmed(ctx context.Context, attempt *models.TransactionAttempt) (ledger.ReservationHandle, error) {
	var handle ledger.ReservationHandle

	for try := 0; try < e.cfg.MaxReserveAttempts; try++ {
		if try > 0 {
			metrics.ReservationRetries.Inc()
			backoff := e.cfg.RetryBackoff * time.Duration(1<<(try-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", e.fail(ctx, attempt, stderrors.NewLedgerTimeoutError(attempt.CorrelationID, try))
			}
		}

		h, err := e.ledger.Reserve(ctx, attempt.ExpertID, attempt.Amount, attempt.CorrelationID)
		if err == ledger.ErrInsufficientBalance {
			return "", e.fail(ctx, attempt, stderrors.NewInsufficientBalanceError(err.Error()))
		}
		if err != nil {
			attempt.RetryCount = try + 1
			attempt.LastError = err.Error()
			_ = e.attempts.UpdatePhase(ctx, attempt)
			continue
		}
		handle = h

		attempt.Phase = models.PhaseFundsReserved
		attempt.ReservationHandle = string(handle)
		attempt.RetryCount = try
		if err := e.attempts.UpdatePhase(ctx, attempt); err != nil {
			return "", err
		}

		wait := e.router.Await(handle)
		select {
		case conf := <-wait:
			if conf.Confirmed {
				return handle, nil
			}
			return "", e.fail(ctx, attempt, stderrors.NewLedgerRejectedError(conf.Reason))
		case <-time.After(e.cfg.ReservationTimeout):
			e.router.Cancel(handle)
			attempt.LastError = "confirmation timeout"
			// Next loop iteration re-issues the same correlation id;
			// the ledger returns the existing handle, no double lock.
		case <-ctx.Done():
			e.router.Cancel(handle)
			break
		}

		if ctx.Err() != nil {
			break
		}
	}

	if handle != "" {
		if err := e.ledger.Release(ctx, handle); err != nil {
			e.logger.Error("release after retry exhaustion failed, sweep will retry", map[string]interface{}{
				"correlationId": attempt.CorrelationID,
				"error":         err.Error(),
			})
		}
	}
	return "", e.fail(ctx, attempt, stderrors.NewLedgerTimeoutError(attempt.CorrelationID, e.cfg.MaxReserveAttempts))
}

// fail records a terminal failed phase and passes the causal error through.
func (e *Engine) fail(ctx context.Context, attempt *models.TransactionAttempt, cause error) error {
	attempt.Phase = models.PhaseFailed
	attempt.LastError = cause.Error()
	if err := e.attempts.UpdatePhase(ctx, attempt); err != nil {
		e.logger.Error("failed to record attempt failure", map[string]interface{}{
			"correlationId": attempt.CorrelationID,
			"error":         err.Error(),
		})
	}
	return cause
}

func (e *Engine) emitSubmitted(ctx context.Context, bid *models.Bid, correlationID string) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return stderrors.NewDatabaseConnectionFailedError(err)
	}
	defer tx.Rollback()

	env, err := events.New(bid.ApplicationID, events.TypeBidSubmitted, events.BidSubmitted{
		BidID:         bid.ID,
		ExpertID:      bid.ExpertID,
		Amount:        bid.Amount,
		CorrelationID: correlationID,
	})
	if err != nil {
		return stderrors.NewEventPublishFailedError(string(events.TypeBidSubmitted), err)
	}
	if err := outbox.Append(ctx, tx, env); err != nil {
		return stderrors.NewQueryExecutionFailedError("append submitted event", err)
	}
	return tx.Commit()
}

func (e *Engine) loadApplication(ctx context.Context, applicationID string) (*models.Application, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT id, candidate_id, job_id, minimum_bid, reward_pool, status
		FROM applications
		WHERE id = $1`, applicationID)

	var app models.Application
	if err := row.Scan(&app.ID, &app.CandidateID, &app.JobID, &app.MinimumBid, &app.RewardPool, &app.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, stderrors.NewApplicationNotFoundError(applicationID)
		}
		return nil, stderrors.NewQueryExecutionFailedError("load application", err)
	}
	return &app, nil
}

// currentLiveBid returns the expert's pending or admitted bid on the
// application, or nil when they have none at stake.
func (e *Engine) currentLiveBid(ctx context.Context, applicationID, expertID string) (*models.Bid, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT id, amount, state
		FROM bids
		WHERE application_id = $1 AND expert_id = $2 AND state IN ($3, $4)
		ORDER BY amount DESC
		LIMIT 1`,
		applicationID, expertID, models.BidPending, models.BidAdmitted)

	var b models.Bid
	if err := row.Scan(&b.ID, &b.Amount, &b.State); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, stderrors.NewQueryExecutionFailedError("current bid lookup", err)
	}
	b.ApplicationID = applicationID
	b.ExpertID = expertID
	return &b, nil
}

func (e *Engine) enterFlight(applicationID string) {
	e.mu.Lock()
	e.inflight[applicationID]++
	e.mu.Unlock()
}

func (e *Engine) leaveFlight(applicationID string) {
	e.mu.Lock()
	e.inflight[applicationID]--
	if e.inflight[applicationID] <= 0 {
		delete(e.inflight, applicationID)
	}
	e.drained.Broadcast()
	e.mu.Unlock()
}

// Drain blocks until no attempts are in flight for the application or the
// context expires. Settlement calls this after closing the application so
// it never reads a slot set that a straggling attempt could still change.
func (e *Engine) Drain(ctx context.Context, applicationID string) error {
	done := make(chan struct{})
	cancelled := false
	go func() {
		e.mu.Lock()
		for e.inflight[applicationID] > 0 && !cancelled {
			e.drained.Wait()
		}
		e.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Flag first, then wake the waiter so it exits now instead of
		// sleeping until the application actually drains.
		e.mu.Lock()
		cancelled = true
		e.mu.Unlock()
		e.drained.Broadcast()
		return ctx.Err()
	}
}

func receiptFor(a *models.TransactionAttempt) *Receipt {
	return &Receipt{
		CorrelationID: a.CorrelationID,
		BidID:         a.BidID,
		Phase:         a.Phase,
		Admitted:      a.Phase == models.PhaseConfirmed || a.Phase == models.PhaseAdmitted,
	}
}
