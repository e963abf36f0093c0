package commitment

import (
	"context"
	"database/sql"
	"time"

	stderrors "endorsement-engine/internal/common/errors"
	"endorsement-engine/internal/models"
)

// AttemptStore persists transaction attempts. The unique correlation id key
// is what makes the whole commit protocol idempotent: a retried submission
// finds its attempt and resumes or reports instead of re-reserving.
type AttemptStore struct {
	db *sql.DB
}

func NewAttemptStore(db *sql.DB) *AttemptStore {
	return &AttemptStore{db: db}
}

// Get returns the attempt for a correlation id, or nil when none exists.
func (s *AttemptStore) Get(ctx context.Context, correlationID string) (*models.TransactionAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT correlation_id, application_id, expert_id, bid_id, amount, phase,
		       reservation_handle, retry_count, last_error, created_at, updated_at
		FROM transaction_attempts
		WHERE correlation_id = $1`, correlationID)

	var a models.TransactionAttempt
	var bidID, handle, lastErr sql.NullString
	err := row.Scan(&a.CorrelationID, &a.ApplicationID, &a.ExpertID, &bidID, &a.Amount,
		&a.Phase, &handle, &a.RetryCount, &lastErr, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("get attempt", err)
	}
	a.BidID = bidID.String
	a.ReservationHandle = handle.String
	a.LastError = lastErr.String
	return &a, nil
}

// Create inserts a fresh attempt in phase created. A conflicting correlation
// id reports false so the caller can fall back to the existing attempt.
func (s *AttemptStore) Create(ctx context.Context, a *models.TransactionAttempt) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_attempts
			(correlation_id, application_id, expert_id, amount, phase, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		ON CONFLICT (correlation_id) DO NOTHING`,
		a.CorrelationID, a.ApplicationID, a.ExpertID, a.Amount, a.Phase, a.CreatedAt)
	if err != nil {
		return false, stderrors.NewQueryExecutionFailedError("create attempt", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, stderrors.NewQueryExecutionFailedError("create attempt", err)
	}
	return n == 1, nil
}

// UpdatePhase advances an attempt, recording handle/bid/error context.
func (s *AttemptStore) UpdatePhase(ctx context.Context, a *models.TransactionAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transaction_attempts
		SET phase = $1, bid_id = NULLIF($2, ''), reservation_handle = NULLIF($3, ''),
		    retry_count = $4, last_error = NULLIF($5, ''), updated_at = $6
		WHERE correlation_id = $7`,
		a.Phase, a.BidID, a.ReservationHandle, a.RetryCount, a.LastError,
		time.Now().UTC(), a.CorrelationID)
	if err != nil {
		return stderrors.NewQueryExecutionFailedError("update attempt", err)
	}
	return nil
}

// ListStale returns non-terminal attempts with a reservation that have not
// progressed since the cutoff; the sweep releases their funds.
func (s *AttemptStore) ListStale(ctx context.Context, cutoff time.Time) ([]*models.TransactionAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, application_id, expert_id, bid_id, amount, phase,
		       reservation_handle, retry_count, last_error, created_at, updated_at
		FROM transaction_attempts
		WHERE phase = $1 AND updated_at < $2 AND reservation_handle IS NOT NULL`,
		models.PhaseFundsReserved, cutoff)
	if err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("list stale attempts", err)
	}
	defer rows.Close()

	var out []*models.TransactionAttempt
	for rows.Next() {
		var a models.TransactionAttempt
		var bidID, handle, lastErr sql.NullString
		if err := rows.Scan(&a.CorrelationID, &a.ApplicationID, &a.ExpertID, &bidID, &a.Amount,
			&a.Phase, &handle, &a.RetryCount, &lastErr, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, stderrors.NewQueryExecutionFailedError("scan stale attempt", err)
		}
		a.BidID = bidID.String
		a.ReservationHandle = handle.String
		a.LastError = lastErr.String
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, stderrors.NewQueryExecutionFailedError("iterate stale attempts", err)
	}
	return out, nil
}

// CountInFlight returns how many attempts for an application have not
// reached a terminal phase. Settlement drains on this.
func (s *AttemptStore) CountInFlight(ctx context.Context, applicationID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM transaction_attempts
		WHERE application_id = $1 AND phase NOT IN ($2, $3, $4)`,
		applicationID, models.PhaseConfirmed, models.PhaseRejectedAdmission, models.PhaseFailed)

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, stderrors.NewQueryExecutionFailedError("count in-flight attempts", err)
	}
	return n, nil
}
