// Package outbox implements the transactional outbox: every admit/evict and
// settlement transition writes its event row in the same database
// transaction as the state change, and a dispatcher delivers the rows to
// downstream consumers at-least-once.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	commonaws "endorsement-engine/internal/common/aws"
	"endorsement-engine/internal/common/logger"
	"endorsement-engine/internal/common/metrics"
	"endorsement-engine/pkg/events"

	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// Append writes one event row inside the caller's transaction. The caller
// owns commit/rollback; no event escapes a rolled-back state change.
func Append(ctx context.Context, tx *sql.Tx, env events.Envelope) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (event_id, application_id, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`,
		env.EventID,
		env.ApplicationID,
		string(env.Type),
		[]byte(env.Payload),
		env.OccurredAt,
	)
	return err
}

// Subscriber consumes dispatched events in-process (e.g. the projector).
// Returning an error leaves the row undispatched for the next pass.
type Subscriber interface {
	Apply(ctx context.Context, env events.Envelope) error
}

// SNSPublisher is the slice of the SNS client the dispatcher needs.
type SNSPublisher interface {
	Publish(ctx context.Context, input *sns.PublishInput) (*sns.PublishOutput, error)
}

// Dispatcher polls the outbox table and fans events out to subscribers and,
// when configured, an SNS topic.
type Dispatcher struct {
	db          *sql.DB
	subscribers []Subscriber
	snsClient   SNSPublisher
	topicARN    string
	interval    time.Duration
	batchSize   int
	logger      logger.Logger
}

func NewDispatcher(db *sql.DB, interval time.Duration, batchSize int, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		db:        db,
		interval:  interval,
		batchSize: batchSize,
		logger:    log.WithFields(map[string]interface{}{"component": "outbox-dispatcher"}),
	}
}

// Subscribe registers an in-process consumer. Not safe after Run starts.
func (d *Dispatcher) Subscribe(s Subscriber) {
	d.subscribers = append(d.subscribers, s)
}

// WithSNS routes every dispatched event to an SNS topic as well.
func (d *Dispatcher) WithSNS(client SNSPublisher, topicARN string) {
	d.snsClient = client
	d.topicARN = topicARN
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.dispatchBatch(ctx); err != nil {
				d.logger.Warn("outbox dispatch pass failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// DispatchOnce runs a single dispatch pass; used by tests and drain paths.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	return d.dispatchBatch(ctx)
}

func (d *Dispatcher) dispatchBatch(ctx context.Context) error {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, event_id, application_id, event_type, payload, occurred_at
		FROM outbox
		WHERE dispatched_at IS NULL
		ORDER BY id
		LIMIT $1`, d.batchSize)
	if err != nil {
		return err
	}
	defer rows.Close()

	type pending struct {
		rowID int64
		env   events.Envelope
	}
	var batch []pending
	for rows.Next() {
		var p pending
		var payload []byte
		if err := rows.Scan(&p.rowID, &p.env.EventID, &p.env.ApplicationID, &p.env.Type, &payload, &p.env.OccurredAt); err != nil {
			return err
		}
		p.env.Payload = json.RawMessage(payload)
		batch = append(batch, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	metrics.OutboxPending.Set(float64(len(batch)))

	for _, p := range batch {
		if err := d.deliver(ctx, p.env); err != nil {
			// Leave the row for the next pass; consumers dedup by
			// event id so partial delivery is safe.
			d.logger.Warn("event delivery failed", map[string]interface{}{
				"eventId":   p.env.EventID,
				"eventType": string(p.env.Type),
				"error":     err.Error(),
			})
			return err
		}

		if _, err := d.db.ExecContext(ctx, `
			UPDATE outbox SET dispatched_at = $1 WHERE id = $2`,
			time.Now().UTC(), p.rowID,
		); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, env events.Envelope) error {
	for _, s := range d.subscribers {
		if err := s.Apply(ctx, env); err != nil {
			return err
		}
	}

	if d.snsClient != nil && d.topicARN != "" {
		body, err := json.Marshal(env)
		if err != nil {
			return err
		}
		// FIFO topic: dedup by event id, order within an application.
		_, err = d.snsClient.Publish(ctx, commonaws.FIFOEventInput(
			d.topicARN, string(body), env.EventID, env.ApplicationID))
		if err != nil {
			return err
		}
	}
	return nil
}
