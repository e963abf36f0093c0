// internal/engine/settlement/engine.go

// Package settlement resolves an application's terminal outcome against its
// admitted bids. Settlement runs exactly once per application: a marker row
// recorded with the computed lines makes retries replay the same ledger
// instructions instead of recomputing them, so crashes between the marker
// commit and the ledger calls are safe.
package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	stderrors "endorsement-engine/internal/common/errors"
	"endorsement-engine/internal/common/logger"
	"endorsement-engine/internal/common/metrics"
	"endorsement-engine/internal/engine/ledger"
	"endorsement-engine/internal/engine/reputation"
	"endorsement-engine/internal/models"
	"endorsement-engine/internal/outbox"
	"endorsement-engine/pkg/events"
)

var tracer = otel.Tracer("endorsement-engine/internal/engine/settlement")

// Drainer blocks until no commit-protocol run for the application is still
// in flight. Settlement drains after closing the application so a racing
// admission either lands before the snapshot or fails with ApplicationClosed.
type Drainer interface {
	Drain(ctx context.Context, applicationID string) error
}

// Config carries the settlement tunables.
type Config struct {
	// DrainTimeout bounds the wait for in-flight submissions.
	DrainTimeout time.Duration
	// ReputationGainOnHire is the delta emitted per paid endorser.
	ReputationGainOnHire float64
	// ReputationLossOnReject is the delta emitted per slashed endorser.
	ReputationLossOnReject float64
}

// Result is what one settlement run resolved to.
type Result struct {
	ApplicationID string                  `json:"applicationId"`
	Outcome       models.Outcome          `json:"outcome"`
	Lines         []events.SettlementLine `json:"lines"`
	// Replayed is true when a marker already existed and the run only
	// re-applied the recorded ledger instructions.
	Replayed bool `json:"replayed"`
}

type Engine struct {
	db         *sql.DB
	ledger     ledger.StakeLedger
	drainer    Drainer
	reputation reputation.Source
	policy     SlashPolicy
	cfg        Config
	logger     logger.Logger
}

func NewEngine(
	db *sql.DB,
	l ledger.StakeLedger,
	drainer Drainer,
	source reputation.Source,
	policy SlashPolicy,
	cfg Config,
	log logger.Logger,
) *Engine {
	return &Engine{
		db:         db,
		ledger:     l,
		drainer:    drainer,
		reputation: source,
		policy:     policy,
		cfg:        cfg,
		logger:     log.WithFields(map[string]interface{}{"component": "settlement"}),
	}
}

// Settle resolves the application's outcome. Safe to call any number of
// times with the same outcome; conflicting outcomes after the first are
// rejected.
func (e *Engine) Settle(ctx context.Context, applicationID string, outcome models.Outcome) (*Result, error) {
	if !outcome.Valid() {
		return nil, stderrors.NewInvalidBidInputError(fmt.Sprintf("unknown outcome %q", outcome))
	}

	ctx, span := tracer.Start(ctx, "settlement.settle")
	span.SetAttributes(
		attribute.String("application.id", applicationID),
		attribute.String("application.outcome", string(outcome)),
	)
	defer span.End()

	app, err := e.closeApplication(ctx, applicationID, outcome)
	if err != nil {
		return nil, err
	}

	// After the status flip no new admission can commit; wait out the runs
	// that were already past their status check.
	drainCtx, cancel := context.WithTimeout(ctx, e.cfg.DrainTimeout)
	defer cancel()
	if err := e.drainer.Drain(drainCtx, applicationID); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("drain in-flight submissions", err)
	}

	result, err := e.recordSettlement(ctx, app, outcome)
	if err != nil {
		return nil, err
	}

	if err := e.applyLedger(ctx, result); err != nil {
		return nil, err
	}

	if !result.Replayed {
		metrics.SettlementsCompleted.WithLabelValues(string(outcome)).Inc()
		e.logger.Info("application settled", map[string]interface{}{
			"applicationId": applicationID,
			"outcome":       string(outcome),
			"lines":         len(result.Lines),
		})
	}
	return result, nil
}

// closeApplication flips the application to its terminal status. A repeat
// call with the same outcome is a no-op; a conflicting outcome fails.
func (e *Engine) closeApplication(ctx context.Context, applicationID string, outcome models.Outcome) (*models.Application, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, stderrors.NewDatabaseConnectionFailedError(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, candidate_id, job_id, minimum_bid, reward_pool, status
		FROM applications
		WHERE id = $1
		FOR UPDATE`, applicationID)

	var app models.Application
	if err := row.Scan(&app.ID, &app.CandidateID, &app.JobID, &app.MinimumBid, &app.RewardPool, &app.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, stderrors.NewApplicationNotFoundError(applicationID)
		}
		return nil, stderrors.NewQueryExecutionFailedError("lock application", err)
	}

	target := outcome.Status()
	switch app.Status {
	case models.ApplicationOpen:
		if _, err := tx.ExecContext(ctx, `
			UPDATE applications SET status = $1, updated_at = $2 WHERE id = $3`,
			target, time.Now().UTC(), applicationID,
		); err != nil {
			return nil, stderrors.NewQueryExecutionFailedError("close application", err)
		}
		app.Status = target
	case target:
		// Duplicate outcome delivery; settlement below replays idempotently.
	default:
		return nil, stderrors.NewAlreadySettledError(applicationID)
	}

	if err := tx.Commit(); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("close commit", err)
	}
	return &app, nil
}

// recordSettlement computes the settlement lines and commits them together
// with the marker row, the bid-state transitions, and the outbox events. If
// the marker already exists the stored lines are returned instead.
func (e *Engine) recordSettlement(ctx context.Context, app *models.Application, outcome models.Outcome) (*Result, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, stderrors.NewDatabaseConnectionFailedError(err)
	}
	defer tx.Rollback()

	if existing, err := e.loadMarker(ctx, tx, app.ID); err != nil {
		return nil, err
	} else if existing != nil {
		if existing.Outcome != outcome {
			return nil, stderrors.NewAlreadySettledError(app.ID)
		}
		existing.Replayed = true
		return existing, nil
	}

	bids, err := e.admittedBids(ctx, tx, app.ID)
	if err != nil {
		return nil, err
	}

	result := &Result{ApplicationID: app.ID, Outcome: outcome}

	if len(bids) == 0 {
		env, err := events.New(app.ID, events.TypeNoEndorsersToSettle, events.NoEndorsersToSettle{
			Outcome: string(outcome),
		})
		if err != nil {
			return nil, stderrors.NewEventPublishFailedError(string(events.TypeNoEndorsersToSettle), err)
		}
		if err := outbox.Append(ctx, tx, env); err != nil {
			return nil, stderrors.NewQueryExecutionFailedError("append no-endorsers event", err)
		}
	} else {
		switch outcome {
		case models.OutcomeHired:
			result.Lines, err = e.payoutLines(app, bids)
		case models.OutcomeRejected:
			result.Lines, err = e.slashLines(ctx, bids)
		}
		if err != nil {
			return nil, err
		}
		if err := e.persistLines(ctx, tx, app, outcome, result.Lines); err != nil {
			return nil, err
		}
	}

	if err := e.insertMarker(ctx, tx, app.ID, outcome, result.Lines); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("settlement commit", err)
	}
	return result, nil
}

// payoutLines splits the reward pool across winners in proportion to their
// stakes. The shares sum to exactly the pool; the stake itself comes back in
// full via the reservation release.
func (e *Engine) payoutLines(app *models.Application, bids []*models.Bid) ([]events.SettlementLine, error) {
	weights := make([]int64, len(bids))
	for i, b := range bids {
		weights[i] = b.Amount
	}
	shares := apportion(app.RewardPool, weights)

	var distributed int64
	lines := make([]events.SettlementLine, len(bids))
	for i, b := range bids {
		lines[i] = events.SettlementLine{
			BidID:    b.ID,
			ExpertID: b.ExpertID,
			Amount:   b.Amount,
			Payout:   shares[i],
			Released: b.Amount,
		}
		distributed += shares[i]
	}
	if app.RewardPool > 0 && distributed != app.RewardPool {
		return nil, stderrors.NewInvariantViolationError(fmt.Sprintf(
			"payout split for application %s distributes %d of pool %d",
			app.ID, distributed, app.RewardPool,
		))
	}
	return lines, nil
}

// slashLines forfeits a reputation-weighted portion of each loser's stake.
// A failed reputation lookup falls back to a neutral score rather than
// blocking the settlement.
func (e *Engine) slashLines(ctx context.Context, bids []*models.Bid) ([]events.SettlementLine, error) {
	lines := make([]events.SettlementLine, len(bids))
	for i, b := range bids {
		score, err := e.reputation.Score(ctx, b.ExpertID)
		if err != nil {
			e.logger.Warn("reputation lookup failed, using neutral score", map[string]interface{}{
				"expertId": b.ExpertID,
				"error":    err.Error(),
			})
			score = 0.5
		}

		slashed := int64(float64(b.Amount) * e.policy.Rate(score))
		if slashed < 0 {
			slashed = 0
		}
		if slashed > b.Amount {
			slashed = b.Amount
		}

		lines[i] = events.SettlementLine{
			BidID:    b.ID,
			ExpertID: b.ExpertID,
			Amount:   b.Amount,
			Slashed:  slashed,
			Released: b.Amount - slashed,
		}
	}
	return lines, nil
}

// persistLines writes the bid-state transitions and the settlement events.
func (e *Engine) persistLines(ctx context.Context, tx *sql.Tx, app *models.Application, outcome models.Outcome, lines []events.SettlementLine) error {
	now := time.Now().UTC()

	state := models.BidSettledPaid
	delta := e.cfg.ReputationGainOnHire
	if outcome == models.OutcomeRejected {
		state = models.BidSettledSlashed
		delta = -e.cfg.ReputationLossOnReject
	}

	for _, line := range lines {
		if _, err := tx.ExecContext(ctx, `
			UPDATE bids SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`,
			state, now, line.BidID, models.BidAdmitted,
		); err != nil {
			return stderrors.NewQueryExecutionFailedError("settle bid", err)
		}
	}

	env, err := events.New(app.ID, events.TypeApplicationSettled, events.ApplicationSettled{
		Outcome:    string(outcome),
		Lines:      lines,
		RewardPool: app.RewardPool,
	})
	if err != nil {
		return stderrors.NewEventPublishFailedError(string(events.TypeApplicationSettled), err)
	}
	if err := outbox.Append(ctx, tx, env); err != nil {
		return stderrors.NewQueryExecutionFailedError("append settled event", err)
	}

	for _, line := range lines {
		env, err := events.New(app.ID, events.TypeReputationDelta, events.ReputationDelta{
			ExpertID: line.ExpertID,
			Delta:    delta,
		})
		if err != nil {
			return stderrors.NewEventPublishFailedError(string(events.TypeReputationDelta), err)
		}
		if err := outbox.Append(ctx, tx, env); err != nil {
			return stderrors.NewQueryExecutionFailedError("append reputation event", err)
		}
	}
	return nil
}

// applyLedger executes the recorded lines against the stake ledger. Every
// instruction is idempotent or tolerates replay: debits and credits dedupe
// on per-bid settlement correlation ids, and a reservation already drained
// on a prior run answers ErrUnknownReservation, which is treated as done.
func (e *Engine) applyLedger(ctx context.Context, result *Result) error {
	for _, line := range result.Lines {
		handle, err := e.reservationHandle(ctx, line.BidID)
		if err != nil {
			return err
		}

		if line.Slashed > 0 {
			correlationID := fmt.Sprintf("slash:%s", line.BidID)
			if err := e.ledger.Debit(ctx, handle, line.Slashed, correlationID); err != nil && !errors.Is(err, ledger.ErrUnknownReservation) {
				return stderrors.NewLedgerUnavailableError("debit", err)
			}
		}
		if err := e.ledger.Release(ctx, handle); err != nil && !errors.Is(err, ledger.ErrUnknownReservation) {
			return stderrors.NewLedgerUnavailableError("release", err)
		}
		if line.Payout > 0 {
			correlationID := fmt.Sprintf("settle:%s", line.BidID)
			if err := e.ledger.Credit(ctx, line.ExpertID, line.Payout, correlationID); err != nil {
				return stderrors.NewLedgerUnavailableError("credit", err)
			}
		}
	}
	return nil
}

func (e *Engine) reservationHandle(ctx context.Context, bidID string) (ledger.ReservationHandle, error) {
	var handle string
	err := e.db.QueryRowContext(ctx, `
		SELECT reservation_handle FROM bids WHERE id = $1`, bidID,
	).Scan(&handle)
	if err != nil {
		return "", stderrors.NewQueryExecutionFailedError("load reservation handle", err)
	}
	return ledger.ReservationHandle(handle), nil
}

func (e *Engine) admittedBids(ctx context.Context, tx *sql.Tx, applicationID string) ([]*models.Bid, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, application_id, expert_id, amount, state, reservation_handle, submitted_at
		FROM bids
		WHERE application_id = $1 AND state = $2
		ORDER BY amount DESC, submitted_at ASC, id ASC
		FOR UPDATE`,
		applicationID, models.BidAdmitted)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("list admitted bids", err)
	}
	defer rows.Close()

	var bids []*models.Bid
	for rows.Next() {
		var b models.Bid
		if err := rows.Scan(&b.ID, &b.ApplicationID, &b.ExpertID, &b.Amount, &b.State, &b.ReservationHandle, &b.SubmittedAt); err != nil {
			return nil, stderrors.NewQueryExecutionFailedError("scan admitted bid", err)
		}
		bids = append(bids, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("iterate admitted bids", err)
	}
	return bids, nil
}

func (e *Engine) insertMarker(ctx context.Context, tx *sql.Tx, applicationID string, outcome models.Outcome, lines []events.SettlementLine) error {
	raw, err := json.Marshal(lines)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("encode settlement lines", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO settlements (application_id, outcome, lines, settled_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (application_id) DO NOTHING`,
		applicationID, outcome, raw, time.Now().UTC(),
	)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("insert settlement marker", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// A concurrent settler won the race inside our transaction window.
		return stderrors.NewAlreadySettledError(applicationID)
	}
	return nil
}

func (e *Engine) loadMarker(ctx context.Context, tx *sql.Tx, applicationID string) (*Result, error) {
	var (
		outcome models.Outcome
		raw     []byte
	)
	err := tx.QueryRowContext(ctx, `
		SELECT outcome, lines FROM settlements WHERE application_id = $1`, applicationID,
	).Scan(&outcome, &raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("load settlement marker", err)
	}

	result := &Result{ApplicationID: applicationID, Outcome: outcome}
	if err := json.Unmarshal(raw, &result.Lines); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("decode settlement lines", err)
	}
	return result, nil
}
