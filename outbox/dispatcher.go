package outbox

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Notifier is the delivery sink for drained outbox messages. Delivery
// failures are retried; they never fail the poll loop.
type Notifier interface {
	Notify(ctx context.Context, topic string, payload json.RawMessage) error
}

// Dispatcher drains pending outbox rows in batches and hands them to the
// notifier. Rows are claimed with SKIP LOCKED so multiple dispatchers can
// run side by side.
type Dispatcher struct {
	pool     *pgxpool.Pool
	notifier Notifier

	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
}

func NewDispatcher(pool *pgxpool.Pool, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		pool:         pool,
		notifier:     notifier,
		BatchSize:    10,
		PollInterval: 250 * time.Millisecond,
		MaxAttempts:  5,
	}
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				log.Printf("outbox: drain: %v", err)
			}
		}
	}
}

type pendingMessage struct {
	ID       string
	Topic    string
	Payload  json.RawMessage
	Attempts int
}

// DrainOnce claims and delivers up to BatchSize pending messages, returning
// the number delivered.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, d.BatchSize)
	if err != nil {
		return 0, err
	}

	batch := make([]pendingMessage, 0, d.BatchSize)
	for rows.Next() {
		var m pendingMessage
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	delivered := 0
	for _, m := range batch {
		if err := d.notifier.Notify(ctx, m.Topic, m.Payload); err != nil {
			// Notification outages must never block state progression.
			log.Printf("outbox: deliver %s (%s) attempt %d: %v", m.ID, m.Topic, m.Attempts+1, err)
			next := "pending"
			if m.Attempts+1 >= d.MaxAttempts {
				next = "dead"
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET status=$2, attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, m.ID, next); err != nil {
				return delivered, err
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, m.ID); err != nil {
			return delivered, err
		}
		delivered++
	}

	return delivered, tx.Commit(ctx)
}
