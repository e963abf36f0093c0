// internal/engine/settlement/engine_test.go
package settlement

import (
	"context"
	"testing"
	"time"

	stderrors "endorsement-engine/internal/common/errors"
	"endorsement-engine/internal/common/logger"
	"endorsement-engine/internal/engine/ledger"
	"endorsement-engine/internal/engine/reputation"
	"endorsement-engine/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

type noopDrainer struct{}

func (noopDrainer) Drain(context.Context, string) error { return nil }

func testConfig() Config {
	return Config{
		DrainTimeout:           time.Second,
		ReputationGainOnHire:   0.05,
		ReputationLossOnReject: 0.05,
	}
}

func admittedBid(id, expertID string, amount int64) *models.Bid {
	return &models.Bid{
		ID:                id,
		ApplicationID:     "app-001",
		ExpertID:          expertID,
		Amount:            amount,
		State:             models.BidAdmitted,
		ReservationHandle: "res-" + id,
		SubmittedAt:       time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC),
	}
}

func settlementAppRows(status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "candidate_id", "job_id", "minimum_bid", "reward_pool", "status"}).
		AddRow("app-001", "cand-001", "job-001", 10, 300, status)
}

func settlementBidRows(bids ...*models.Bid) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "application_id", "expert_id", "amount", "state", "reservation_handle", "submitted_at"})
	for _, b := range bids {
		rows.AddRow(b.ID, b.ApplicationID, b.ExpertID, b.Amount, string(b.State), b.ReservationHandle, b.SubmittedAt)
	}
	return rows
}

// ==========================
// Line Computation Tests
// ==========================

func TestPayoutLines_ConservesRewardPool(t *testing.T) {
	e := &Engine{logger: logger.NewNoOpLogger()}
	app := &models.Application{ID: "app-001", RewardPool: 300}
	bids := []*models.Bid{
		admittedBid("bid-1", "expert1", 20),
		admittedBid("bid-2", "expert2", 15),
		admittedBid("bid-3", "expert3", 12),
	}

	lines, err := e.payoutLines(app, bids)
	require.NoError(t, err)

	var paid int64
	for i, line := range lines {
		paid += line.Payout
		assert.Equal(t, bids[i].Amount, line.Released, "full stake returns on a win")
		assert.Zero(t, line.Slashed)
	}
	assert.Equal(t, int64(300), paid)
	assert.Equal(t, int64(128), lines[0].Payout)
	assert.Equal(t, int64(96), lines[1].Payout)
	assert.Equal(t, int64(76), lines[2].Payout)
}

func TestSlashLines_ReputationWeighted(t *testing.T) {
	e := &Engine{
		reputation: &reputation.StaticSource{
			Scores:  map[string]float64{"expert1": 0.0, "expert2": 0.5, "expert3": 1.0},
			Neutral: 0.5,
		},
		policy: ReputationWeighted{Base: 0.30, Max: 0.50},
		logger: logger.NewNoOpLogger(),
	}
	bids := []*models.Bid{
		admittedBid("bid-1", "expert1", 20),
		admittedBid("bid-2", "expert2", 15),
		admittedBid("bid-3", "expert3", 12),
	}

	lines, err := e.slashLines(context.Background(), bids)
	require.NoError(t, err)

	// 30% at zero reputation, 15% at neutral, nothing at perfect.
	assert.Equal(t, int64(6), lines[0].Slashed)
	assert.Equal(t, int64(2), lines[1].Slashed)
	assert.Equal(t, int64(0), lines[2].Slashed)

	var staked, slashed int64
	for _, line := range lines {
		staked += line.Amount
		slashed += line.Slashed
		assert.LessOrEqual(t, line.Slashed, line.Amount)
		assert.Equal(t, line.Amount-line.Slashed, line.Released)
		assert.Zero(t, line.Payout)
	}
	assert.LessOrEqual(t, slashed, staked)
}

func TestSlashLines_LookupFailureFallsBackToNeutral(t *testing.T) {
	e := &Engine{
		reputation: failingSource{},
		policy:     ReputationWeighted{Base: 0.30, Max: 0.50},
		logger:     logger.NewNoOpLogger(),
	}

	lines, err := e.slashLines(context.Background(), []*models.Bid{admittedBid("bid-1", "expert1", 100)})
	require.NoError(t, err)
	assert.Equal(t, int64(15), lines[0].Slashed)
}

type failingSource struct{}

func (failingSource) Score(context.Context, string) (float64, error) {
	return 0, assert.AnError
}

// ==========================
// Full Settlement Tests
// ==========================

func TestSettle_Hired(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	bids := []*models.Bid{
		admittedBid("bid-1", "expert1", 20),
		admittedBid("bid-2", "expert2", 15),
		admittedBid("bid-3", "expert3", 12),
	}

	// Close the application.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM applications`).
		WithArgs("app-001").
		WillReturnRows(settlementAppRows("open"))
	mock.ExpectExec(`UPDATE applications SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Record settlement lines, marker and events.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT outcome, lines FROM settlements`).
		WillReturnRows(sqlmock.NewRows([]string{"outcome", "lines"}))
	mock.ExpectQuery(`SELECT (.+) FROM bids`).
		WillReturnRows(settlementBidRows(bids...))
	for range bids {
		mock.ExpectExec(`UPDATE bids SET state`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	// One ApplicationSettled event plus one ReputationDelta per line.
	mock.ExpectExec(`INSERT INTO outbox`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for range bids {
		mock.ExpectExec(`INSERT INTO outbox`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(`INSERT INTO settlements`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Ledger application reads each reservation handle back.
	for _, b := range bids {
		mock.ExpectQuery(`SELECT reservation_handle FROM bids`).
			WithArgs(b.ID).
			WillReturnRows(sqlmock.NewRows([]string{"reservation_handle"}).AddRow(b.ReservationHandle))
	}

	stake := ledger.NewMemoryLedger()
	engine := NewEngine(db, stake, noopDrainer{}, &reputation.StaticSource{Neutral: 0.5},
		ReputationWeighted{Base: 0.30, Max: 0.50}, testConfig(), logger.NewNoOpLogger())

	result, err := engine.Settle(context.Background(), "app-001", models.OutcomeHired)
	require.NoError(t, err)

	assert.False(t, result.Replayed)
	assert.Equal(t, models.OutcomeHired, result.Outcome)
	require.Len(t, result.Lines, 3)
	assert.Equal(t, int64(128), result.Lines[0].Payout)

	// Payouts landed as credits.
	assert.Equal(t, int64(128), stake.AccountState("expert1").Available)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettle_DuplicateOutcomeReplays(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	storedLines := `[{"bidId":"bid-1","expertId":"expert1","amount":20,"payout":300,"slashed":0,"released":20}]`

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM applications`).
		WillReturnRows(settlementAppRows("hired"))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT outcome, lines FROM settlements`).
		WillReturnRows(sqlmock.NewRows([]string{"outcome", "lines"}).AddRow("hired", storedLines))
	mock.ExpectRollback()

	mock.ExpectQuery(`SELECT reservation_handle FROM bids`).
		WillReturnRows(sqlmock.NewRows([]string{"reservation_handle"}).AddRow("res-bid-1"))

	stake := ledger.NewMemoryLedger()
	engine := NewEngine(db, stake, noopDrainer{}, &reputation.StaticSource{Neutral: 0.5},
		ReputationWeighted{Base: 0.30, Max: 0.50}, testConfig(), logger.NewNoOpLogger())

	result, err := engine.Settle(context.Background(), "app-001", models.OutcomeHired)
	require.NoError(t, err)
	assert.True(t, result.Replayed)
	require.Len(t, result.Lines, 1)

	// The credit is idempotent per correlation id, so a second replay
	// leaves the balance unchanged.
	assert.Equal(t, int64(300), stake.AccountState("expert1").Available)
}

func TestSettle_DuplicateRejectedOutcomeReplays(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	// Recreate the ledger state a fully settled first run leaves behind:
	// stake reserved, slash debited, remainder released.
	stake := ledger.NewMemoryLedger()
	stake.Fund("expert1", 100, 100)
	handle, err := stake.Reserve(context.Background(), "expert1", 20, "corr-1")
	require.NoError(t, err)
	require.NoError(t, stake.Debit(context.Background(), handle, 6, "slash:bid-1"))
	require.NoError(t, stake.Release(context.Background(), handle))

	storedLines := `[{"bidId":"bid-1","expertId":"expert1","amount":20,"payout":0,"slashed":6,"released":14}]`

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM applications`).
		WillReturnRows(settlementAppRows("rejected"))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT outcome, lines FROM settlements`).
		WillReturnRows(sqlmock.NewRows([]string{"outcome", "lines"}).AddRow("rejected", storedLines))
	mock.ExpectRollback()

	mock.ExpectQuery(`SELECT reservation_handle FROM bids`).
		WillReturnRows(sqlmock.NewRows([]string{"reservation_handle"}).AddRow(string(handle)))

	engine := NewEngine(db, stake, noopDrainer{}, &reputation.StaticSource{Neutral: 0.5},
		ReputationWeighted{Base: 0.30, Max: 0.50}, testConfig(), logger.NewNoOpLogger())

	result, err := engine.Settle(context.Background(), "app-001", models.OutcomeRejected)
	require.NoError(t, err)
	assert.True(t, result.Replayed)

	// The redelivered slash dedupes and the released reservation stays
	// released: exactly one 6-unit slash, never two.
	acct := stake.AccountState("expert1")
	assert.Equal(t, int64(94), acct.Available)
	assert.Equal(t, int64(0), acct.Locked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettle_RejectedReplayAfterPartialLedgerApply(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	// The first run crashed after the debit landed but before the
	// release: the slash is on the books, the remainder still locked.
	stake := ledger.NewMemoryLedger()
	stake.Fund("expert1", 100, 100)
	handle, err := stake.Reserve(context.Background(), "expert1", 20, "corr-1")
	require.NoError(t, err)
	require.NoError(t, stake.Debit(context.Background(), handle, 6, "slash:bid-1"))

	storedLines := `[{"bidId":"bid-1","expertId":"expert1","amount":20,"payout":0,"slashed":6,"released":14}]`

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM applications`).
		WillReturnRows(settlementAppRows("rejected"))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT outcome, lines FROM settlements`).
		WillReturnRows(sqlmock.NewRows([]string{"outcome", "lines"}).AddRow("rejected", storedLines))
	mock.ExpectRollback()

	mock.ExpectQuery(`SELECT reservation_handle FROM bids`).
		WillReturnRows(sqlmock.NewRows([]string{"reservation_handle"}).AddRow(string(handle)))

	engine := NewEngine(db, stake, noopDrainer{}, &reputation.StaticSource{Neutral: 0.5},
		ReputationWeighted{Base: 0.30, Max: 0.50}, testConfig(), logger.NewNoOpLogger())

	result, err := engine.Settle(context.Background(), "app-001", models.OutcomeRejected)
	require.NoError(t, err)
	assert.True(t, result.Replayed)

	// The replay completes the release without debiting a second time.
	acct := stake.AccountState("expert1")
	assert.Equal(t, int64(94), acct.Available)
	assert.Equal(t, int64(0), acct.Locked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettle_ConflictingOutcomeRejected(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM applications`).
		WillReturnRows(settlementAppRows("hired"))
	mock.ExpectRollback()

	stake := ledger.NewMemoryLedger()
	engine := NewEngine(db, stake, noopDrainer{}, &reputation.StaticSource{Neutral: 0.5},
		ReputationWeighted{Base: 0.30, Max: 0.50}, testConfig(), logger.NewNoOpLogger())

	_, err = engine.Settle(context.Background(), "app-001", models.OutcomeRejected)
	require.Error(t, err)
	assert.Equal(t, stderrors.ErrCodeAlreadySettled, stderrors.CodeOf(err))
}

func TestSettle_NoEndorsers(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM applications`).
		WillReturnRows(settlementAppRows("open"))
	mock.ExpectExec(`UPDATE applications SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT outcome, lines FROM settlements`).
		WillReturnRows(sqlmock.NewRows([]string{"outcome", "lines"}))
	mock.ExpectQuery(`SELECT (.+) FROM bids`).
		WillReturnRows(settlementBidRows())
	mock.ExpectExec(`INSERT INTO outbox`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO settlements`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stake := ledger.NewMemoryLedger()
	engine := NewEngine(db, stake, noopDrainer{}, &reputation.StaticSource{Neutral: 0.5},
		ReputationWeighted{Base: 0.30, Max: 0.50}, testConfig(), logger.NewNoOpLogger())

	result, err := engine.Settle(context.Background(), "app-001", models.OutcomeRejected)
	require.NoError(t, err)
	assert.Empty(t, result.Lines)
	assert.NoError(t, mock.ExpectationsWereMet())
}
