package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("request: not found")
)

const columns = `id, client_id, provider_id, category, title, details, status,
	estimated_duration_days, estimated_price, offers_open_until, agreement_due_at,
	sla_overdue, frozen, created_at, updated_at`

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	Get(ctx context.Context, id string) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	List(ctx context.Context, filters Filters) ([]Request, int, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Request, error)
	SetSelection(ctx context.Context, tx pgx.Tx, id, providerID string, agreementDueAt time.Time) (Request, error)
	ClearAssignment(ctx context.Context, tx pgx.Tx, id string, status Status, offersOpenUntil *time.Time) (Request, error)
	SetFrozen(ctx context.Context, tx pgx.Tx, id string, frozen bool) error
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]Request, error)
	MarkOverdue(ctx context.Context, tx pgx.Tx, id string) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	const query = `
        INSERT INTO requests (id, client_id, category, title, details, status,
            estimated_duration_days, estimated_price, offers_open_until)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING ` + columns

	row := tx.QueryRow(ctx, query,
		req.ID,
		req.ClientID,
		req.Category,
		req.Title,
		req.Details,
		req.Status,
		req.EstimatedDurationDays,
		req.EstimatedPrice,
		req.OffersOpenUntil,
	)
	return scanRequest(row)
}

func (r *PGRepository) Get(ctx context.Context, id string) (Request, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+columns+` FROM requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get: %w", err)
	}
	return req, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	row := tx.QueryRow(ctx, `SELECT `+columns+` FROM requests WHERE id = $1 FOR UPDATE`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get for update: %w", err)
	}
	return req, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Request, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.SortKey == "" {
		filters.SortKey = "created_at"
	}
	if filters.SortOrder == "" {
		filters.SortOrder = "desc"
	}

	where := []string{"1=1"}
	args := []any{}

	if filters.ClientID != "" {
		where = append(where, fmt.Sprintf("client_id=$%d", len(args)+1))
		args = append(args, filters.ClientID)
	}
	if filters.ProviderID != "" {
		where = append(where, fmt.Sprintf("provider_id=$%d", len(args)+1))
		args = append(args, filters.ProviderID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.Category != "" {
		where = append(where, fmt.Sprintf("category=$%d", len(args)+1))
		args = append(args, filters.Category)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM requests%s ORDER BY %s %s LIMIT %d OFFSET %d`,
		columns, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("request: query list: %w", err)
	}
	defer rows.Close()

	list := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, req)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM requests%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("request: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Request, error) {
	const query = `
		UPDATE requests
		SET status = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + columns

	req, err := scanRequest(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Request{}, fmt.Errorf("request: update status: %w", err)
	}
	return req, nil
}

// SetSelection assigns the winning provider and starts the agreement-send
// SLA clock.
func (r *PGRepository) SetSelection(ctx context.Context, tx pgx.Tx, id, providerID string, agreementDueAt time.Time) (Request, error) {
	const query = `
		UPDATE requests
		SET status = 'offer_selected',
		    provider_id = $2,
		    agreement_due_at = $3,
		    sla_overdue = false,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + columns

	req, err := scanRequest(tx.QueryRow(ctx, query, id, providerID, agreementDueAt))
	if err != nil {
		return Request{}, fmt.Errorf("request: set selection: %w", err)
	}
	return req, nil
}

// ClearAssignment removes the provider and SLA fields, setting the given
// status. A non-nil offersOpenUntil reopens the offer window.
func (r *PGRepository) ClearAssignment(ctx context.Context, tx pgx.Tx, id string, status Status, offersOpenUntil *time.Time) (Request, error) {
	const query = `
		UPDATE requests
		SET status = $2,
		    provider_id = NULL,
		    agreement_due_at = NULL,
		    sla_overdue = false,
		    offers_open_until = COALESCE($3, offers_open_until),
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + columns

	req, err := scanRequest(tx.QueryRow(ctx, query, id, status, offersOpenUntil))
	if err != nil {
		return Request{}, fmt.Errorf("request: clear assignment: %w", err)
	}
	return req, nil
}

func (r *PGRepository) SetFrozen(ctx context.Context, tx pgx.Tx, id string, frozen bool) error {
	if _, err := tx.Exec(ctx, `
		UPDATE requests SET frozen = $2, updated_at = get_tx_timestamp() WHERE id = $1
	`, id, frozen); err != nil {
		return fmt.Errorf("request: set frozen: %w", err)
	}
	return nil
}

// ListOverdue returns requests whose agreement-send deadline has lapsed and
// which have not yet been flagged. Used by the scheduled sweep.
func (r *PGRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]Request, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `
		SELECT ` + columns + `
		FROM requests
		WHERE status = 'offer_selected'
		  AND agreement_due_at IS NOT NULL
		  AND agreement_due_at < $1
		  AND sla_overdue = false
		ORDER BY agreement_due_at
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("request: list overdue: %w", err)
	}
	defer rows.Close()

	out := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *PGRepository) MarkOverdue(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE requests SET sla_overdue = true, updated_at = get_tx_timestamp() WHERE id = $1
	`, id); err != nil {
		return fmt.Errorf("request: mark overdue: %w", err)
	}
	return nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	return req, row.Scan(
		&req.ID,
		&req.ClientID,
		&req.ProviderID,
		&req.Category,
		&req.Title,
		&req.Details,
		&req.Status,
		&req.EstimatedDurationDays,
		&req.EstimatedPrice,
		&req.OffersOpenUntil,
		&req.AgreementDueAt,
		&req.SLAOverdue,
		&req.Frozen,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
}

func mapSortKey(key string) string {
	switch key {
	case "estimatedPrice":
		return "estimated_price"
	case "estimatedDuration":
		return "estimated_duration_days"
	case "status":
		return "status"
	case "updatedAt":
		return "updated_at"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}
