package admission

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	stderrors "endorsement-engine/internal/common/errors"
	"endorsement-engine/internal/common/logger"
	"endorsement-engine/internal/common/metrics"
	"endorsement-engine/internal/models"
	"endorsement-engine/internal/outbox"
	"endorsement-engine/pkg/events"
)

// Table is the per-application bid admission table. Admission for a single
// application is serialized: the application row is locked FOR UPDATE for
// the length of the decision, and an in-process keyed mutex keeps local
// goroutines from piling up on the row lock. Different applications proceed
// fully in parallel.
type Table struct {
	db     *sql.DB
	slots  int
	logger logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTable(db *sql.DB, slotsPerApplication int, log logger.Logger) *Table {
	return &Table{
		db:     db,
		slots:  slotsPerApplication,
		logger: log.WithFields(map[string]interface{}{"component": "admission-table"}),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (t *Table) appLock(applicationID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[applicationID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[applicationID] = l
	}
	return l
}

// Admit evaluates a fund-reserved pending bid against the application's slot
// set. The bid-state transitions and their events commit in one transaction;
// release of evicted reservations is the caller's follow-up, keyed off the
// returned evictions.
func (t *Table) Admit(ctx context.Context, bid *models.Bid) (*Decision, error) {
	lock := t.appLock(bid.ApplicationID)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	defer func() {
		metrics.AdmissionDuration.Observe(time.Since(started).Seconds())
	}()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, stderrors.NewDatabaseConnectionFailedError(err)
	}
	defer tx.Rollback()

	app, err := t.lockApplication(ctx, tx, bid.ApplicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != models.ApplicationOpen {
		return nil, stderrors.NewApplicationClosedError(app.ID, string(app.Status))
	}
	if bid.Amount < app.MinimumBid {
		return nil, stderrors.NewBidBelowMinimumError(bid.Amount, app.MinimumBid)
	}

	slots, err := t.listAdmitted(ctx, tx, app.ID)
	if err != nil {
		return nil, err
	}

	decision := decide(slots, bid, t.slots)

	if len(decision.Slots) > t.slots {
		// Broken atomicity upstream; fail loud, never persist.
		return nil, stderrors.NewInvariantViolationError(fmt.Sprintf(
			"slot set for application %s would hold %d bids, limit %d",
			app.ID, len(decision.Slots), t.slots,
		))
	}

	if err := t.persist(ctx, tx, app, bid, &decision); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("admission commit", err)
	}

	if decision.Admitted {
		metrics.BidsAdmitted.Inc()
	}
	for _, ev := range decision.Evictions {
		metrics.BidsEvicted.WithLabelValues(string(ev.Reason)).Inc()
	}
	metrics.SlotOccupancy.WithLabelValues(app.ID).Set(float64(len(decision.Slots)))

	t.logger.Info("admission decided", map[string]interface{}{
		"applicationId": app.ID,
		"bidId":         bid.ID,
		"expertId":      bid.ExpertID,
		"amount":        bid.Amount,
		"admitted":      decision.Admitted,
		"rank":          decision.Rank,
		"evictions":     len(decision.Evictions),
	})

	return &decision, nil
}

// MarkRefunded transitions an evicted bid to refunded once its reservation
// release went through, emitting the BidRefunded event atomically.
func (t *Table) MarkRefunded(ctx context.Context, bid *models.Bid) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return stderrors.NewDatabaseConnectionFailedError(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE bids SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`,
		models.BidRefunded, time.Now().UTC(), bid.ID, models.BidEvicted,
	); err != nil {
		return stderrors.NewQueryExecutionFailedError("mark refunded", err)
	}

	env, err := events.New(bid.ApplicationID, events.TypeBidRefunded, events.BidRefunded{
		BidID:    bid.ID,
		ExpertID: bid.ExpertID,
		Amount:   bid.Amount,
	})
	if err != nil {
		return stderrors.NewEventPublishFailedError(string(events.TypeBidRefunded), err)
	}
	if err := outbox.Append(ctx, tx, env); err != nil {
		return stderrors.NewQueryExecutionFailedError("append refund event", err)
	}

	if err := tx.Commit(); err != nil {
		return stderrors.NewQueryExecutionFailedError("refund commit", err)
	}
	metrics.RefundsIssued.Inc()
	return nil
}

// AdmittedBids returns the current slot set in rank order.
func (t *Table) AdmittedBids(ctx context.Context, applicationID string) ([]*models.Bid, error) {
	tx, err := t.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, stderrors.NewDatabaseConnectionFailedError(err)
	}
	defer tx.Rollback()
	return t.listAdmitted(ctx, tx, applicationID)
}

func (t *Table) lockApplication(ctx context.Context, tx *sql.Tx, applicationID string) (*models.Application, error) {
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
	return &app, nil
}

func (t *Table) listAdmitted(ctx context.Context, tx *sql.Tx, applicationID string) ([]*models.Bid, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, application_id, expert_id, amount, state, reservation_handle, submitted_at
		FROM bids
		WHERE application_id = $1 AND state = $2
		ORDER BY amount DESC, submitted_at ASC, id ASC`,
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

func (t *Table) persist(ctx context.Context, tx *sql.Tx, app *models.Application, bid *models.Bid, decision *Decision) error {
	now := time.Now().UTC()

	newState := models.BidEvicted
	if decision.Admitted {
		newState = models.BidAdmitted
	}
	bid.State = newState

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bids (id, application_id, expert_id, amount, state, reservation_handle, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		bid.ID, bid.ApplicationID, bid.ExpertID, bid.Amount, bid.State,
		bid.ReservationHandle, bid.SubmittedAt, now,
	); err != nil {
		return stderrors.NewQueryExecutionFailedError("insert bid", err)
	}

	for _, ev := range decision.Evictions {
		if ev.Bid.ID == bid.ID {
			continue // the incoming bid was inserted already evicted
		}
		ev.Bid.State = models.BidEvicted
		if _, err := tx.ExecContext(ctx, `
			UPDATE bids SET state = $1, updated_at = $2 WHERE id = $3`,
			models.BidEvicted, now, ev.Bid.ID,
		); err != nil {
			return stderrors.NewQueryExecutionFailedError("evict bid", err)
		}
	}

	if decision.Admitted {
		env, err := events.New(app.ID, events.TypeBidAdmitted, events.BidAdmitted{
			BidID:    bid.ID,
			ExpertID: bid.ExpertID,
			Amount:   bid.Amount,
			Rank:     decision.Rank,
		})
		if err != nil {
			return stderrors.NewEventPublishFailedError(string(events.TypeBidAdmitted), err)
		}
		if err := outbox.Append(ctx, tx, env); err != nil {
			return stderrors.NewQueryExecutionFailedError("append admitted event", err)
		}
	}

	for _, ev := range decision.Evictions {
		env, err := events.New(app.ID, events.TypeBidEvicted, events.BidEvicted{
			BidID:       ev.Bid.ID,
			ExpertID:    ev.Bid.ExpertID,
			Amount:      ev.Bid.Amount,
			Reason:      ev.Reason,
			DisplacedBy: ev.DisplacedBy,
		})
		if err != nil {
			return stderrors.NewEventPublishFailedError(string(events.TypeBidEvicted), err)
		}
		if err := outbox.Append(ctx, tx, env); err != nil {
			return stderrors.NewQueryExecutionFailedError("append evicted event", err)
		}
	}

	return nil
}
