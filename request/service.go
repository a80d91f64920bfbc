package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"marketflow/auth"
	"marketflow/fault"
	"marketflow/outbox"
)

const (
	// DefaultOfferWindowDays is how long a new request accepts offers.
	DefaultOfferWindowDays = 5
	// DefaultAgreementDueDays is the SLA for sending an agreement after an
	// offer is selected.
	DefaultAgreementDueDays = 3
)

// Service owns the request lifecycle. Transitions that compose into a
// sibling service's transaction are exposed as *Tx methods taking the open
// pgx.Tx; the row lock taken inside serializes concurrent transitions on
// the same request.
type Service struct {
	pool        *pgxpool.Pool
	repo        Repository
	timeline    outbox.TimelineWriter
	events      outbox.Enqueuer
	idGenerator func() string
	now         func() time.Time
}

type CreateParams struct {
	ClientID              string
	Category              string
	Title                 string
	Details               string
	EstimatedDurationDays int
	EstimatedPrice        decimal.Decimal
}

func NewService(pool *pgxpool.Pool, repo Repository, timeline outbox.TimelineWriter, events outbox.Enqueuer) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		timeline:    timeline,
		events:      events,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a new request on behalf of a client and starts the offer
// window.
func (s *Service) Create(ctx context.Context, params CreateParams) (Request, error) {
	if params.ClientID == "" {
		return Request{}, fault.New(fault.KindValidation, "request: missing client id")
	}
	if strings.TrimSpace(params.Title) == "" {
		return Request{}, fault.New(fault.KindValidation, "request: title required")
	}
	if params.EstimatedDurationDays <= 0 {
		return Request{}, fault.New(fault.KindValidation, "request: estimated duration must be positive")
	}
	if params.EstimatedPrice.IsNegative() {
		return Request{}, fault.New(fault.KindValidation, "request: estimated price must not be negative")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	openUntil := s.now().Add(DefaultOfferWindowDays * 24 * time.Hour)
	req := Request{
		ID:                    s.idGenerator(),
		ClientID:              params.ClientID,
		Category:              params.Category,
		Title:                 params.Title,
		Details:               params.Details,
		Status:                StatusNew,
		EstimatedDurationDays: params.EstimatedDurationDays,
		EstimatedPrice:        params.EstimatedPrice,
		OffersOpenUntil:       &openUntil,
	}

	created, err := s.repo.Create(ctx, tx, req)
	if err != nil {
		return Request{}, fmt.Errorf("request: create: %w", err)
	}

	if s.timeline != nil {
		payload := map[string]any{
			"title":    created.Title,
			"category": created.Category,
		}
		if err := s.timeline.Append(ctx, tx, created.ID, "REQUEST_CREATED", created.ClientID, payload); err != nil {
			return Request{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: commit: %w", err)
	}
	return created, nil
}

// Get fetches a request by id.
func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	return s.repo.Get(ctx, id)
}

// List returns requests matching the filters.
func (s *Service) List(ctx context.Context, filters Filters) ([]Request, int, error) {
	return s.repo.List(ctx, filters)
}

// SelectOfferTx advances new -> offer_selected inside the caller's
// transaction, assigning the provider and arming the agreement-send SLA.
func (s *Service) SelectOfferTx(ctx context.Context, tx pgx.Tx, requestID, providerID string) (Request, error) {
	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusNew {
		// Already selected (the idempotent re-select path short-circuits in
		// the offer service before reaching here).
		return Request{}, fault.Newf(fault.KindConflict, "request: cannot select offer from %s", req.Status)
	}

	var role auth.Role
	if err := tx.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, providerID).Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, fault.New(fault.KindValidation, "request: provider does not exist")
		}
		return Request{}, fmt.Errorf("request: fetch provider role: %w", err)
	}
	if !(auth.User{Role: role}).CanProvide() {
		return Request{}, fault.Newf(fault.KindForbidden, "request: user %s lacks provider capability", providerID)
	}

	dueAt := s.now().Add(DefaultAgreementDueDays * 24 * time.Hour)
	return s.repo.SetSelection(ctx, tx, requestID, providerID, dueAt)
}

// SendAgreementTx advances offer_selected -> agreement_pending.
func (s *Service) SendAgreementTx(ctx context.Context, tx pgx.Tx, requestID string) (Request, error) {
	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusOfferSelected {
		return Request{}, fault.Newf(fault.KindConflict, "request: cannot send agreement from %s", req.Status)
	}
	return s.repo.UpdateStatus(ctx, tx, requestID, StatusAgreementPending)
}

// AwaitPaymentTx advances agreement_pending -> awaiting_payment when the
// client accepts the agreement. Idempotent when already awaiting.
func (s *Service) AwaitPaymentTx(ctx context.Context, tx pgx.Tx, requestID string) (Request, error) {
	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	switch req.Status {
	case StatusAwaitingPayment:
		return req, nil
	case StatusAgreementPending:
		return s.repo.UpdateStatus(ctx, tx, requestID, StatusAwaitingPayment)
	default:
		return Request{}, fault.Newf(fault.KindConflict, "request: cannot await payment from %s", req.Status)
	}
}

// BackToOfferSelectedTx returns an agreement-rejected request to
// offer_selected so a new draft can be prepared.
func (s *Service) BackToOfferSelectedTx(ctx context.Context, tx pgx.Tx, requestID string) (Request, error) {
	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusAgreementPending {
		return Request{}, fault.Newf(fault.KindConflict, "request: cannot return to offer_selected from %s", req.Status)
	}
	return s.repo.UpdateStatus(ctx, tx, requestID, StatusOfferSelected)
}

// MarkInProgressTx advances toward in_progress on the first paid invoice.
// It is a no-op when the request is already in progress, terminal, or
// frozen by a dispute; it never regresses a further-along request.
func (s *Service) MarkInProgressTx(ctx context.Context, tx pgx.Tx, requestID string) (Request, error) {
	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Frozen || req.Status == StatusInProgress || req.Status == StatusDisputed || req.Status.Terminal() {
		return req, nil
	}
	switch req.Status {
	case StatusAgreementPending, StatusAwaitingPayment:
		return s.repo.UpdateStatus(ctx, tx, requestID, StatusInProgress)
	default:
		return Request{}, fault.Newf(fault.KindConflict, "request: cannot start progress from %s", req.Status)
	}
}

// MarkCompletedTx closes out the request. Callers are responsible for the
// financial gating (all positive invoices paid, all milestones approved).
func (s *Service) MarkCompletedTx(ctx context.Context, tx pgx.Tx, requestID string) (Request, error) {
	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status == StatusCompleted {
		return req, nil
	}
	if req.Status != StatusInProgress && req.Status != StatusDisputed {
		return Request{}, fault.Newf(fault.KindConflict, "request: cannot complete from %s", req.Status)
	}
	updated, err := s.repo.UpdateStatus(ctx, tx, requestID, StatusCompleted)
	if err != nil {
		return Request{}, err
	}
	if s.events != nil {
		payload := map[string]any{"request_id": requestID}
		if err := s.events.Enqueue(ctx, tx, outbox.TopicRequestCompleted, payload); err != nil {
			return Request{}, err
		}
	}
	return updated, nil
}

// OpenDisputeTx moves any non-terminal request into disputed and freezes
// milestone and financial progression.
func (s *Service) OpenDisputeTx(ctx context.Context, tx pgx.Tx, requestID string) (Request, error) {
	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status.Terminal() {
		return Request{}, fault.Newf(fault.KindConflict, "request: cannot dispute a %s request", req.Status)
	}
	if err := s.repo.SetFrozen(ctx, tx, requestID, true); err != nil {
		return Request{}, err
	}
	if req.Status == StatusDisputed {
		return req, nil
	}
	return s.repo.UpdateStatus(ctx, tx, requestID, StatusDisputed)
}

// CloseDisputeTx leaves disputed for the resume status, defaulting to
// agreement_pending when a provider was ever assigned and new otherwise.
func (s *Service) CloseDisputeTx(ctx context.Context, tx pgx.Tx, requestID string, resume *Status) (Request, error) {
	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status != StatusDisputed {
		return Request{}, fault.Newf(fault.KindConflict, "request: cannot close dispute from %s", req.Status)
	}

	next := StatusNew
	if req.ProviderID != nil {
		next = StatusAgreementPending
	}
	if resume != nil {
		next = *resume
	}
	if next == StatusDisputed {
		return Request{}, fault.New(fault.KindValidation, "request: resume status cannot be disputed")
	}

	if err := s.repo.SetFrozen(ctx, tx, requestID, false); err != nil {
		return Request{}, err
	}
	return s.repo.UpdateStatus(ctx, tx, requestID, next)
}

// SweepOverdue flags requests whose agreement-send deadline has passed and
// emits an overdue event for each. Returns how many were flagged.
func (s *Service) SweepOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := s.repo.ListOverdue(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}

	flagged := 0
	for _, req := range overdue {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return flagged, fmt.Errorf("request: begin tx: %w", err)
		}

		err = func() error {
			defer tx.Rollback(ctx)

			// Re-check under the lock; the provider may have sent the
			// agreement between the scan and now.
			locked, err := s.repo.GetForUpdate(ctx, tx, req.ID)
			if err != nil {
				return err
			}
			if !locked.AgreementOverdue(s.now()) || locked.SLAOverdue {
				return nil
			}
			if err := s.repo.MarkOverdue(ctx, tx, req.ID); err != nil {
				return err
			}
			if s.events != nil {
				payload := map[string]any{
					"request_id":  req.ID,
					"provider_id": req.ProviderID,
					"due_at":      req.AgreementDueAt,
				}
				if err := s.events.Enqueue(ctx, tx, outbox.TopicRequestOverdue, payload); err != nil {
					return err
				}
			}
			flagged++
			return tx.Commit(ctx)
		}()
		if err != nil {
			return flagged, err
		}
	}
	return flagged, nil
}

// AdminCancel cancels a request from any state, clearing the assignment and
// SLA fields.
func (s *Service) AdminCancel(ctx context.Context, actor auth.User, requestID string) (Request, error) {
	if !actor.IsAdmin() {
		return Request{}, fault.New(fault.KindForbidden, "request: only admin may cancel")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status == StatusCancelled {
		return req, nil
	}

	updated, err := s.repo.ClearAssignment(ctx, tx, requestID, StatusCancelled, nil)
	if err != nil {
		return Request{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{"previous_status": req.Status}
		if err := s.timeline.Append(ctx, tx, requestID, "REQUEST_CANCELLED", actor.ID, payload); err != nil {
			return Request{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: cancel commit: %w", err)
	}
	return updated, nil
}

// ResetToNew rewinds a request to new: all live offers are rejected, the
// assignment cleared, and the offer window reopened.
func (s *Service) ResetToNew(ctx context.Context, actor auth.User, requestID string) (Request, error) {
	if !actor.IsAdmin() {
		return Request{}, fault.New(fault.KindForbidden, "request: only admin may reset")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE offers
		SET status = 'rejected', updated_at = get_tx_timestamp()
		WHERE request_id = $1 AND status IN ('pending', 'selected')
	`, requestID); err != nil {
		return Request{}, fmt.Errorf("request: reject live offers: %w", err)
	}

	reopen := s.now().Add(DefaultOfferWindowDays * 24 * time.Hour)
	updated, err := s.repo.ClearAssignment(ctx, tx, requestID, StatusNew, &reopen)
	if err != nil {
		return Request{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{"previous_status": req.Status}
		if err := s.timeline.Append(ctx, tx, requestID, "REQUEST_RESET", actor.ID, payload); err != nil {
			return Request{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("request: reset commit: %w", err)
	}
	return updated, nil
}
