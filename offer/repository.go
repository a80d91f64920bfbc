package offer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("offer: not found")
	// ErrActiveOfferExists signals the provider already holds a live offer
	// on the request; withdraw-then-resubmit is required.
	ErrActiveOfferExists = errors.New("offer: active offer already exists for provider")
)

const columns = `id, request_id, provider_id, duration_days, price, status, created_at, updated_at`

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Offer, error)
	ListByRequest(ctx context.Context, requestID string) ([]Offer, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Offer, error)
	RejectOtherPending(ctx context.Context, tx pgx.Tx, requestID, keepID string) (int64, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, o Offer) (Offer, error) {
	const query = `
        INSERT INTO offers (id, request_id, provider_id, duration_days, price, status)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6)
        RETURNING ` + columns

	created, err := scanOffer(tx.QueryRow(ctx, query, o.ID, o.RequestID, o.ProviderID, o.DurationDays, o.Price, o.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Offer{}, ErrActiveOfferExists
		}
		return Offer{}, fmt.Errorf("offer: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Offer, error) {
	row := tx.QueryRow(ctx, `SELECT `+columns+` FROM offers WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOffer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("offer: get for update: %w", err)
	}
	return o, nil
}

func (r *PGRepository) ListByRequest(ctx context.Context, requestID string) ([]Offer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM offers WHERE request_id = $1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("offer: list: %w", err)
	}
	defer rows.Close()

	out := make([]Offer, 0, 8)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("offer: scan: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Offer, error) {
	const query = `
		UPDATE offers
		SET status = $2, updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + columns

	o, err := scanOffer(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Offer{}, fmt.Errorf("offer: update status: %w", err)
	}
	return o, nil
}

// RejectOtherPending rejects every pending offer on the request except the
// one being selected, returning how many were bumped.
func (r *PGRepository) RejectOtherPending(ctx context.Context, tx pgx.Tx, requestID, keepID string) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE offers
		SET status = 'rejected', updated_at = get_tx_timestamp()
		WHERE request_id = $1 AND id <> $2 AND status = 'pending'
	`, requestID, keepID)
	if err != nil {
		return 0, fmt.Errorf("offer: reject others: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	return o, row.Scan(
		&o.ID,
		&o.RequestID,
		&o.ProviderID,
		&o.DurationDays,
		&o.Price,
		&o.Status,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
}
