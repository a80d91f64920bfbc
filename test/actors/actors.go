package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OfferRacer keeps submitting pending offers for the same request from one
// provider. The partial unique index allows at most one live offer per
// (request, provider), so concurrent inserts collide under contention.
func OfferRacer(ctx context.Context, pool *pgxpool.Pool, requestID, providerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO offers (request_id, provider_id, duration_days, price, status)
                                   VALUES ($1,$2,$3,$4,'pending')`,
			requestID, providerID, 5+rand.Intn(20), 100+rand.Intn(900))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// expected while a live offer from this provider exists
			} else {
				return fmt.Errorf("offer racer insert: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Selector races to pick a pending offer for a request that is still open.
// It locks the request row, selects one offer, rejects the siblings and
// moves the request to offer_selected, mirroring the selection transaction.
func Selector(ctx context.Context, pool *pgxpool.Pool, requestID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var status string
		err = tx.QueryRow(ctx, `SELECT status FROM requests WHERE id=$1 FOR UPDATE`, requestID).Scan(&status)
		if err == nil && status == "new" {
			var offerID, providerID string
			err = tx.QueryRow(ctx, `SELECT id, provider_id FROM offers
                                     WHERE request_id=$1 AND status='pending'
                                     ORDER BY created_at LIMIT 1 FOR UPDATE`, requestID).Scan(&offerID, &providerID)
			if err == nil {
				_, _ = tx.Exec(ctx, `UPDATE offers SET status='selected', updated_at=get_tx_timestamp() WHERE id=$1`, offerID)
				_, _ = tx.Exec(ctx, `UPDATE offers SET status='rejected', updated_at=get_tx_timestamp()
                                      WHERE request_id=$1 AND status='pending' AND id<>$2`, requestID, offerID)
				_, _ = tx.Exec(ctx, `UPDATE requests SET status='offer_selected', provider_id=$2,
                                      agreement_due_at=get_tx_timestamp() + interval '72 hours',
                                      updated_at=get_tx_timestamp() WHERE id=$1`, requestID, providerID)
				_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (request_id, type, payload)
                                      VALUES ($1,'OFFER_SELECTED', jsonb_build_object('offer_id',$2))`, requestID, offerID)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                                      VALUES ('offer.selected', jsonb_build_object('request_id',$1,'offer_id',$2))`, requestID, offerID)
				if err := tx.Commit(ctx); err != nil {
					_ = tx.Rollback(ctx)
				}
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Payer fires payment confirmations for one invoice, deliberately reusing a
// small pool of idempotency keys so replays race the first delivery. Only
// the registrar of a fresh key may flip the invoice to paid.
func Payer(ctx context.Context, pool *pgxpool.Pool, invoiceID, requestID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		key := fmt.Sprintf("pay-%s-%d", invoiceID, rand.Intn(3))
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		ct, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT DO NOTHING`, key)
		if err == nil && ct.RowsAffected() == 1 {
			var status string
			err = tx.QueryRow(ctx, `SELECT status FROM invoices WHERE id=$1 FOR UPDATE`, invoiceID).Scan(&status)
			if err == nil {
				if status == "unpaid" {
					_, _ = tx.Exec(ctx, `UPDATE invoices SET status='paid', paid_at=get_tx_timestamp() WHERE id=$1`, invoiceID)
					_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (request_id, type, payload)
                                          VALUES ($1,'INVOICE_PAID', jsonb_build_object('invoice_id',$2,'key',$3))`, requestID, invoiceID, key)
					_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                                          VALUES ('invoice.paid', jsonb_build_object('invoice_id',$1))`, invoiceID)
				}
				if err := tx.Commit(ctx); err != nil {
					_ = tx.Rollback(ctx)
				}
			}
		}
		_ = tx.Rollback(ctx)

		// reconcile in a separate transaction so a reconcile failure can
		// never undo a recorded payment
		reconcile(ctx, pool, requestID)
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

func reconcile(ctx context.Context, pool *pgxpool.Pool, requestID string) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return
	}
	defer tx.Rollback(ctx)
	var status string
	var frozen bool
	if err := tx.QueryRow(ctx, `SELECT status, frozen FROM requests WHERE id=$1 FOR UPDATE`, requestID).Scan(&status, &frozen); err != nil {
		return
	}
	if frozen || status != "awaiting_payment" {
		return
	}
	var unpaid int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM invoices i
                                 JOIN agreements a ON a.id = i.agreement_id
                                 WHERE a.request_id=$1 AND i.amount > 0 AND i.status='unpaid'`, requestID).Scan(&unpaid); err != nil {
		return
	}
	if unpaid > 0 {
		return
	}
	_, _ = tx.Exec(ctx, `UPDATE requests SET status='in_progress', updated_at=get_tx_timestamp() WHERE id=$1`, requestID)
	_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (request_id, type, payload) VALUES ($1,'WORK_STARTED','{}'::jsonb)`, requestID)
	_ = tx.Commit(ctx)
}

// MilestoneWorker walks an agreement's milestones through deliver, reject
// and approve, skipping deliveries while the request is frozen.
func MilestoneWorker(ctx context.Context, pool *pgxpool.Pool, agreementID, requestID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var frozen bool
		err = tx.QueryRow(ctx, `SELECT frozen FROM requests WHERE id=$1 FOR UPDATE`, requestID).Scan(&frozen)
		if err == nil && !frozen {
			var msID, status string
			err = tx.QueryRow(ctx, `SELECT id, status FROM milestones
                                     WHERE agreement_id=$1 AND deleted_at IS NULL AND status <> 'approved'
                                     ORDER BY ord LIMIT 1 FOR UPDATE`, agreementID).Scan(&msID, &status)
			if err == nil {
				switch status {
				case "pending", "rejected":
					_, _ = tx.Exec(ctx, `UPDATE milestones SET status='delivered', delivery_note='done',
                                          updated_at=get_tx_timestamp() WHERE id=$1`, msID)
				case "delivered":
					if rand.Intn(4) == 0 {
						_, _ = tx.Exec(ctx, `UPDATE milestones SET status='rejected', rejection_reason='redo',
                                              updated_at=get_tx_timestamp() WHERE id=$1`, msID)
					} else {
						_, _ = tx.Exec(ctx, `UPDATE milestones SET status='approved',
                                              updated_at=get_tx_timestamp() WHERE id=$1`, msID)
					}
				}
				_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (request_id, type, payload)
                                      VALUES ($1,'MILESTONE_UPDATED', jsonb_build_object('milestone_id',$2))`, requestID, msID)
				if err := tx.Commit(ctx); err != nil {
					_ = tx.Rollback(ctx)
				}
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(25+rand.Intn(40)) * time.Millisecond)
	}
}

// Disputer opens disputes against the single-active-dispute index and
// resolves them again, freezing and unfreezing the request as it goes.
func Disputer(ctx context.Context, pool *pgxpool.Pool, requestID, openerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var dispID string
		err = tx.QueryRow(ctx, `SELECT id FROM disputes WHERE request_id=$1 AND status IN ('open','in_review')
                                 LIMIT 1 FOR UPDATE`, requestID).Scan(&dispID)
		if err == nil {
			_, _ = tx.Exec(ctx, `UPDATE disputes SET status='resolved', resolution_note='settled',
                                  resolved_at=get_tx_timestamp(), updated_at=get_tx_timestamp() WHERE id=$1`, dispID)
			_, _ = tx.Exec(ctx, `UPDATE requests SET frozen=false, updated_at=get_tx_timestamp() WHERE id=$1`, requestID)
			if err := tx.Commit(ctx); err != nil {
				_ = tx.Rollback(ctx)
			}
		}
		_ = tx.Rollback(ctx)

		if errors.Is(err, pgx.ErrNoRows) {
			// freeze and open in one statement so a duplicate-dispute
			// conflict rolls both back together
			err = pool.QueryRow(ctx, `WITH freeze AS (
                                        UPDATE requests SET frozen=true, updated_at=get_tx_timestamp() WHERE id=$1
                                      )
                                      INSERT INTO disputes (request_id, opened_by, opener_role, title, reason)
                                      VALUES ($1,$2,'client','stress','stress') RETURNING id`, requestID, openerID).Scan(&dispID)
			if err != nil {
				var pgErr *pgconn.PgError
				if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
					return fmt.Errorf("disputer open: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, occasionally simulating a delivery failure.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
