package agreement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound          = errors.New("agreement: not found")
	ErrMilestoneNotFound = errors.New("agreement: milestone not found")
)

const agreementColumns = `id, request_id, provider_id, title, body, duration_days,
	extension_days, extension_requested_days, total_amount, status, rejection_reason,
	created_at, updated_at`

const milestoneColumns = `id, agreement_id, title, due_days, ord, amount, status,
	delivery_note, rejection_reason, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error) {
	const query = `
        INSERT INTO agreements (id, request_id, provider_id, title, body, duration_days, total_amount, status)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8)
        RETURNING ` + agreementColumns

	created, err := scanAgreement(tx.QueryRow(ctx, query,
		a.ID, a.RequestID, a.ProviderID, a.Title, a.Body, a.DurationDays, a.TotalAmount, a.Status))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: insert: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Agreement, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1`, id)
	a, err := scanAgreement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get: %w", err)
	}
	return a, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	row := tx.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAgreement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get for update: %w", err)
	}
	return a, nil
}

// GetByRequestForUpdate returns the (at most one) agreement on a request.
func (r *Repository) GetByRequestForUpdate(ctx context.Context, tx pgx.Tx, requestID string) (Agreement, error) {
	row := tx.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE request_id = $1 FOR UPDATE`, requestID)
	a, err := scanAgreement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get by request: %w", err)
	}
	return a, nil
}

func (r *Repository) UpdateDraft(ctx context.Context, tx pgx.Tx, id, title, body string, durationDays int) (Agreement, error) {
	const query = `
		UPDATE agreements
		SET title = $2, body = $3, duration_days = $4, updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + agreementColumns

	a, err := scanAgreement(tx.QueryRow(ctx, query, id, title, body, durationDays))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: update draft: %w", err)
	}
	return a, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Agreement, error) {
	const query = `
		UPDATE agreements
		SET status = $2, updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + agreementColumns

	a, err := scanAgreement(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: update status: %w", err)
	}
	return a, nil
}

func (r *Repository) SetRejection(ctx context.Context, tx pgx.Tx, id, reason string) (Agreement, error) {
	const query = `
		UPDATE agreements
		SET status = 'rejected', rejection_reason = $2, updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + agreementColumns

	a, err := scanAgreement(tx.QueryRow(ctx, query, id, reason))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: set rejection: %w", err)
	}
	return a, nil
}

// ReopenDraft returns a rejected agreement to draft for rework. The prior
// milestones and approved extension days are kept; the rejection reason and
// any pending extension request are cleared.
func (r *Repository) ReopenDraft(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	const query = `
		UPDATE agreements
		SET status = 'draft', rejection_reason = NULL,
		    extension_requested_days = NULL, updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + agreementColumns

	a, err := scanAgreement(tx.QueryRow(ctx, query, id))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: reopen draft: %w", err)
	}
	return a, nil
}

func (r *Repository) SetExtensionRequest(ctx context.Context, tx pgx.Tx, id string, days *int) (Agreement, error) {
	const query = `
		UPDATE agreements
		SET extension_requested_days = $2, updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + agreementColumns

	a, err := scanAgreement(tx.QueryRow(ctx, query, id, days))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: set extension request: %w", err)
	}
	return a, nil
}

// ApplyExtension folds an approved extension into the duration without
// touching the milestone sum invariant.
func (r *Repository) ApplyExtension(ctx context.Context, tx pgx.Tx, id string, days int) (Agreement, error) {
	const query = `
		UPDATE agreements
		SET duration_days = duration_days + $2,
		    extension_days = extension_days + $2,
		    extension_requested_days = NULL,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + agreementColumns

	a, err := scanAgreement(tx.QueryRow(ctx, query, id, days))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: apply extension: %w", err)
	}
	return a, nil
}

// ListMilestones returns the live milestones of an agreement in order.
func (r *Repository) ListMilestones(ctx context.Context, agreementID string) ([]Milestone, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE agreement_id = $1 AND deleted_at IS NULL
		ORDER BY ord
	`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("agreement: list milestones: %w", err)
	}
	defer rows.Close()

	out := make([]Milestone, 0, 8)
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("agreement: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Repository) GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, id string) (Milestone, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE
	`, id)
	m, err := scanMilestone(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrMilestoneNotFound
		}
		return Milestone{}, fmt.Errorf("agreement: get milestone for update: %w", err)
	}
	return m, nil
}

func (r *Repository) SetMilestoneStatus(ctx context.Context, tx pgx.Tx, id string, status MilestoneStatus, deliveryNote, rejectionReason *string) (Milestone, error) {
	const query = `
		UPDATE milestones
		SET status = $2,
		    delivery_note = COALESCE($3, delivery_note),
		    rejection_reason = $4,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + milestoneColumns

	m, err := scanMilestone(tx.QueryRow(ctx, query, id, status, deliveryNote, rejectionReason))
	if err != nil {
		return Milestone{}, fmt.Errorf("agreement: set milestone status: %w", err)
	}
	return m, nil
}

// ReplaceMilestones persists a normalized draft set: survivors keep their
// ids and are renumbered by position, removed rows are soft-deleted, new
// rows are inserted. Amounts stay pinned at zero by the table constraint.
func (r *Repository) ReplaceMilestones(ctx context.Context, tx pgx.Tx, agreementID string, inputs []MilestoneInput) error {
	keepIDs := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if in.ID != "" {
			keepIDs = append(keepIDs, in.ID)
		}
	}

	// Soft-delete rows missing from the submitted set.
	if _, err := tx.Exec(ctx, `
		UPDATE milestones
		SET deleted_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
		WHERE agreement_id = $1 AND deleted_at IS NULL AND NOT (id = ANY($2::uuid[]))
	`, agreementID, keepIDs); err != nil {
		return fmt.Errorf("agreement: delete milestones: %w", err)
	}

	// Shift survivors out of the contiguous range so the renumber below
	// never trips the (agreement_id, ord) unique index mid-flight.
	if _, err := tx.Exec(ctx, `
		UPDATE milestones SET ord = ord + 10000
		WHERE agreement_id = $1 AND deleted_at IS NULL
	`, agreementID); err != nil {
		return fmt.Errorf("agreement: stage renumber: %w", err)
	}

	for i, in := range inputs {
		ord := i + 1
		if in.ID != "" {
			tag, err := tx.Exec(ctx, `
				UPDATE milestones
				SET title = $2, due_days = $3, ord = $4, updated_at = get_tx_timestamp()
				WHERE id = $1 AND agreement_id = $5 AND deleted_at IS NULL
			`, in.ID, in.Title, in.DueDays, ord, agreementID)
			if err != nil {
				return fmt.Errorf("agreement: update milestone: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrMilestoneNotFound
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO milestones (agreement_id, title, due_days, ord)
			VALUES ($1, $2, $3, $4)
		`, agreementID, in.Title, in.DueDays, ord); err != nil {
			return fmt.Errorf("agreement: insert milestone: %w", err)
		}
	}

	return nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var a Agreement
	return a, row.Scan(
		&a.ID,
		&a.RequestID,
		&a.ProviderID,
		&a.Title,
		&a.Body,
		&a.DurationDays,
		&a.ExtensionDays,
		&a.ExtensionRequestedDays,
		&a.TotalAmount,
		&a.Status,
		&a.RejectionReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	return m, row.Scan(
		&m.ID,
		&m.AgreementID,
		&m.Title,
		&m.DueDays,
		&m.Order,
		&m.Amount,
		&m.Status,
		&m.DeliveryNote,
		&m.RejectionReason,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
}
