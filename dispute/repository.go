package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound            = errors.New("dispute: not found")
	ErrActiveDisputeExists = errors.New("dispute: an active dispute already exists for this request")
)

const disputeColumns = `id, request_id, opened_by, opener_role, status, title, reason,
	COALESCE(details, ''), resolved_by, resolution_note, created_at, updated_at, resolved_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert creates the dispute row. The partial unique index on active
// disputes surfaces as ErrActiveDisputeExists.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO disputes (id, request_id, opened_by, opener_role, title, reason, details)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		RETURNING `+disputeColumns,
		d.ID, d.RequestID, d.OpenedBy, d.OpenerRole, d.Title, d.Reason, d.Details)
	created, err := scanDispute(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrActiveDisputeExists
		}
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Dispute, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	row := tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id)
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return d, nil
}

func (r *Repository) ListByRequest(ctx context.Context, requestID string) ([]Dispute, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE request_id = $1 ORDER BY created_at DESC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	var out []Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan list: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateStatus moves the dispute between active states without recording a
// resolution.
func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Dispute, error) {
	row := tx.QueryRow(ctx, `
		UPDATE disputes SET status = $2, updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING `+disputeColumns, id, status)
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: update status: %w", err)
	}
	return d, nil
}

// Settle records the terminal outcome with the resolver and note.
func (r *Repository) Settle(ctx context.Context, tx pgx.Tx, id string, status Status, resolvedBy, note string) (Dispute, error) {
	row := tx.QueryRow(ctx, `
		UPDATE disputes
		SET status = $2, resolved_by = $3, resolution_note = NULLIF($4, ''),
		    resolved_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING `+disputeColumns, id, status, resolvedBy, note)
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: settle: %w", err)
	}
	return d, nil
}

// Reopen clears the resolution fields and returns the dispute to open.
func (r *Repository) Reopen(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	row := tx.QueryRow(ctx, `
		UPDATE disputes
		SET status = 'open', resolved_by = NULL, resolution_note = NULL,
		    resolved_at = NULL, updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING `+disputeColumns, id)
	d, err := scanDispute(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrActiveDisputeExists
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: reopen: %w", err)
	}
	return d, nil
}

// HasOtherActive reports whether another active dispute exists for the
// request, locking any such row.
func (r *Repository) HasOtherActive(ctx context.Context, tx pgx.Tx, requestID, excludeID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM disputes
			WHERE request_id = $1 AND id <> $2 AND status IN ('open', 'in_review')
			FOR UPDATE
		)
	`, requestID, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dispute: check active: %w", err)
	}
	return exists, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID,
		&d.RequestID,
		&d.OpenedBy,
		&d.OpenerRole,
		&d.Status,
		&d.Title,
		&d.Reason,
		&d.Details,
		&d.ResolvedBy,
		&d.ResolutionNote,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.ResolvedAt,
	)
	return d, err
}
