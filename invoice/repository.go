package invoice

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound                = errors.New("invoice: not found")
	ErrAgreementNotFound       = errors.New("invoice: agreement not found")
	ErrDuplicateIdempotencyKey = errors.New("invoice: duplicate idempotency key")
)

const invoiceColumns = `id, agreement_id, amount, vat_percent, platform_fee_percent,
	status, issued_at, paid_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertIdempotencyKey reserves the payment event's idempotency key inside
// the active transaction. A duplicate key means the event was already
// processed.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("invoice: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("invoice: insert idempotency key: %w", err)
	}

	return nil
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, inv Invoice) (Invoice, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO invoices (id, agreement_id, amount, vat_percent, platform_fee_percent)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+invoiceColumns,
		inv.ID, inv.AgreementID, inv.Amount, inv.VATPercent, inv.PlatformFeePercent)
	created, err := scanInvoice(row)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: insert: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, fmt.Errorf("invoice: get: %w", err)
	}
	return inv, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Invoice, error) {
	row := tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, fmt.Errorf("invoice: get for update: %w", err)
	}
	return inv, nil
}

func (r *Repository) ListByAgreement(ctx context.Context, agreementID string) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE agreement_id = $1 ORDER BY issued_at
	`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("invoice: list: %w", err)
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("invoice: scan list: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *Repository) MarkPaid(ctx context.Context, tx pgx.Tx, id string) (Invoice, error) {
	row := tx.QueryRow(ctx, `
		UPDATE invoices SET status = 'paid', paid_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING `+invoiceColumns, id)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, fmt.Errorf("invoice: mark paid: %w", err)
	}
	return inv, nil
}

// AgreementParties resolves the request and the two parties behind an
// agreement in one query.
func (r *Repository) AgreementParties(ctx context.Context, tx pgx.Tx, agreementID string) (requestID, clientID, providerID string, err error) {
	err = tx.QueryRow(ctx, `
		SELECT a.request_id, r.client_id, a.provider_id
		FROM agreements a
		JOIN requests r ON r.id = a.request_id
		WHERE a.id = $1
	`, agreementID).Scan(&requestID, &clientID, &providerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", "", ErrAgreementNotFound
		}
		return "", "", "", fmt.Errorf("invoice: resolve agreement parties: %w", err)
	}
	return requestID, clientID, providerID, nil
}

// AllPositivePaid reports whether every invoice with amount > 0 on the
// agreement is paid. Rows are read under FOR UPDATE so two concurrent
// payment confirmations serialize instead of both observing an unpaid
// sibling.
func (r *Repository) AllPositivePaid(ctx context.Context, tx pgx.Tx, agreementID string) (bool, error) {
	rows, err := tx.Query(ctx, `
		SELECT status::text, amount FROM invoices
		WHERE agreement_id = $1 FOR UPDATE
	`, agreementID)
	if err != nil {
		return false, fmt.Errorf("invoice: lock invoices: %w", err)
	}
	defer rows.Close()

	all := true
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(&inv.Status, &inv.Amount); err != nil {
			return false, fmt.Errorf("invoice: scan lock row: %w", err)
		}
		if inv.Positive() && inv.Status != StatusPaid {
			all = false
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return all, nil
}

// AllMilestonesApproved reports whether every live milestone on the
// agreement is approved. Vacuously true with zero milestones. Locking read
// for the same reason as AllPositivePaid.
func (r *Repository) AllMilestonesApproved(ctx context.Context, tx pgx.Tx, agreementID string) (bool, error) {
	rows, err := tx.Query(ctx, `
		SELECT status::text FROM milestones
		WHERE agreement_id = $1 AND deleted_at IS NULL FOR UPDATE
	`, agreementID)
	if err != nil {
		return false, fmt.Errorf("invoice: lock milestones: %w", err)
	}
	defer rows.Close()

	all := true
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return false, fmt.Errorf("invoice: scan milestone row: %w", err)
		}
		if status != "approved" {
			all = false
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return all, nil
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID,
		&inv.AgreementID,
		&inv.Amount,
		&inv.VATPercent,
		&inv.PlatformFeePercent,
		&inv.Status,
		&inv.IssuedAt,
		&inv.PaidAt,
	)
	return inv, err
}
