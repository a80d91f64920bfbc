package agreement

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
	"marketflow/request"
)

const (
	// defaultDurationDays seeds a fresh draft when the selected offer
	// carries no usable duration.
	defaultDurationDays = 7

	minRejectionReasonLen          = 5
	minMilestoneRejectionReasonLen = 3
)

// Reconciler re-runs the invoice/milestone completeness check after a
// milestone approval. Implemented by the invoice service.
type Reconciler interface {
	ReconcileTx(ctx context.Context, tx pgx.Tx, agreementID, requestID string) error
}

// Service owns the agreement and milestone lifecycles. All transitions run
// under the parent request's row lock so competing client/provider/admin
// actions serialize.
type Service struct {
	pool        *pgxpool.Pool
	repo        *Repository
	requests    *request.Service
	reqRepo     request.Repository
	reconciler  Reconciler
	timeline    outbox.TimelineWriter
	events      outbox.Enqueuer
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool *pgxpool.Pool, repo *Repository, requests *request.Service, reqRepo request.Repository, timeline outbox.TimelineWriter, events outbox.Enqueuer) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	if reqRepo == nil {
		reqRepo = request.NewRepository(pool)
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		requests:    requests,
		reqRepo:     reqRepo,
		timeline:    timeline,
		events:      events,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// WithReconciler wires the invoice-side completeness check used as a
// safety net on milestone approval.
func (s *Service) WithReconciler(r Reconciler) *Service {
	s.reconciler = r
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Open creates (or returns) the draft agreement for a request whose offer
// has been selected, seeded from the winning offer.
func (s *Service) Open(ctx context.Context, actor auth.User, requestID string) (Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.reqRepo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Agreement{}, err
	}
	if req.ProviderID == nil {
		return Agreement{}, fault.New(fault.KindConflict, "agreement: request has no selected offer")
	}
	if !actor.IsAdmin() && actor.ID != *req.ProviderID {
		return Agreement{}, fault.New(fault.KindForbidden, "agreement: only the assigned provider may open the agreement")
	}

	// One agreement per request: idempotent open. A rejected agreement
	// goes back to draft so the provider can rework the terms.
	existing, err := s.repo.GetByRequestForUpdate(ctx, tx, requestID)
	switch {
	case err == nil:
		if existing.Status != StatusRejected {
			return existing, nil
		}
		if req.Status != request.StatusOfferSelected {
			return Agreement{}, fault.Newf(fault.KindConflict, "agreement: cannot redraft while the request is %s", req.Status)
		}
		reopened, err := s.repo.ReopenDraft(ctx, tx, existing.ID)
		if err != nil {
			return Agreement{}, err
		}
		if s.timeline != nil {
			payload := map[string]any{"agreement_id": reopened.ID}
			if err := s.timeline.Append(ctx, tx, requestID, "AGREEMENT_REDRAFTED", actor.ID, payload); err != nil {
				return Agreement{}, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return Agreement{}, fmt.Errorf("agreement: commit: %w", err)
		}
		return reopened, nil
	case errors.Is(err, ErrNotFound):
	default:
		return Agreement{}, err
	}

	var (
		offerDuration int
		offerPrice    decimal.Decimal
	)
	err = tx.QueryRow(ctx, `
		SELECT duration_days, price FROM offers
		WHERE request_id = $1 AND status = 'selected'
	`, requestID).Scan(&offerDuration, &offerPrice)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, fault.New(fault.KindConflict, "agreement: request has no selected offer")
		}
		return Agreement{}, fmt.Errorf("agreement: load selected offer: %w", err)
	}
	if offerDuration <= 0 {
		offerDuration = defaultDurationDays
	}

	created, err := s.repo.Insert(ctx, tx, Agreement{
		ID:           s.idGenerator(),
		RequestID:    requestID,
		ProviderID:   *req.ProviderID,
		Title:        req.Title,
		DurationDays: offerDuration,
		TotalAmount:  offerPrice,
		Status:       StatusDraft,
	})
	if err != nil {
		return Agreement{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"agreement_id":  created.ID,
			"duration_days": created.DurationDays,
			"total_amount":  created.TotalAmount,
		}
		if err := s.timeline.Append(ctx, tx, requestID, "AGREEMENT_DRAFTED", actor.ID, payload); err != nil {
			return Agreement{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit: %w", err)
	}
	return created, nil
}

// SaveDraft persists a draft edit: milestones are validated, renumbered to
// a contiguous 1..N, and their due-day sum becomes the duration.
func (s *Service) SaveDraft(ctx context.Context, actor auth.User, agreementID string, form DraftForm) (Agreement, error) {
	kept, sum, err := normalizeDraft(form.Milestones)
	if err != nil {
		return Agreement{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, err
	}
	if !actor.IsAdmin() && actor.ID != a.ProviderID {
		return Agreement{}, fault.New(fault.KindForbidden, "agreement: only the assigned provider may edit the draft")
	}
	if a.Status != StatusDraft {
		return Agreement{}, fault.Newf(fault.KindConflict, "agreement: cannot edit a %s agreement", a.Status)
	}

	if err := s.repo.ReplaceMilestones(ctx, tx, agreementID, kept); err != nil {
		return Agreement{}, err
	}

	updated, err := s.repo.UpdateDraft(ctx, tx, agreementID, form.Title, form.Body, sum)
	if err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: save commit: %w", err)
	}
	return updated, nil
}

// Send moves the draft to pending and hands the request to the client for
// acceptance.
func (s *Service) Send(ctx context.Context, actor auth.User, agreementID string) (Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, err
	}
	if !actor.IsAdmin() && actor.ID != a.ProviderID {
		return Agreement{}, fault.New(fault.KindForbidden, "agreement: only the assigned provider may send the agreement")
	}
	if a.Status != StatusDraft {
		return Agreement{}, fault.Newf(fault.KindConflict, "agreement: cannot send a %s agreement", a.Status)
	}

	// The draft editor keeps duration and milestone sum in lockstep, but
	// this boundary re-checks in case rows were written by another path.
	var sum int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(due_days), 0) FROM milestones
		WHERE agreement_id = $1 AND deleted_at IS NULL
	`, agreementID).Scan(&sum); err != nil {
		return Agreement{}, fmt.Errorf("agreement: sum milestone days: %w", err)
	}
	if sum == 0 {
		return Agreement{}, fault.New(fault.KindValidation, "agreement: sum of milestone days must be > 0")
	}
	if sum+a.ExtensionDays != a.DurationDays {
		return Agreement{}, fault.Newf(fault.KindValidation,
			"agreement: duration %d does not match milestone-day sum %d", a.DurationDays, sum)
	}

	if _, err := s.requests.SendAgreementTx(ctx, tx, a.RequestID); err != nil {
		return Agreement{}, err
	}
	updated, err := s.repo.UpdateStatus(ctx, tx, agreementID, StatusPending)
	if err != nil {
		return Agreement{}, err
	}

	if err := s.record(ctx, tx, a.RequestID, "AGREEMENT_SENT", actor.ID, outbox.TopicAgreementSent, map[string]any{
		"agreement_id": agreementID,
	}); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: send commit: %w", err)
	}
	return updated, nil
}

// Accept records the client's acceptance and moves the request toward
// payment. Idempotent when already accepted.
func (s *Service) Accept(ctx context.Context, actor auth.User, agreementID string) (Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, err
	}
	req, err := s.reqRepo.GetForUpdate(ctx, tx, a.RequestID)
	if err != nil {
		return Agreement{}, err
	}
	if !actor.IsAdmin() && actor.ID != req.ClientID {
		return Agreement{}, fault.New(fault.KindForbidden, "agreement: only the request's client may accept")
	}
	if a.Status == StatusAccepted {
		return a, nil
	}
	if a.Status != StatusPending {
		return Agreement{}, fault.Newf(fault.KindConflict, "agreement: cannot accept a %s agreement", a.Status)
	}

	if _, err := s.requests.AwaitPaymentTx(ctx, tx, a.RequestID); err != nil {
		return Agreement{}, err
	}
	updated, err := s.repo.UpdateStatus(ctx, tx, agreementID, StatusAccepted)
	if err != nil {
		return Agreement{}, err
	}

	if err := s.record(ctx, tx, a.RequestID, "AGREEMENT_ACCEPTED", actor.ID, outbox.TopicAgreementAccepted, map[string]any{
		"agreement_id": agreementID,
	}); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: accept commit: %w", err)
	}
	return updated, nil
}

// Reject records the client's rejection with a reason and returns the
// request to offer_selected so a fresh draft can be prepared.
func (s *Service) Reject(ctx context.Context, actor auth.User, agreementID, reason string) (Agreement, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) < minRejectionReasonLen {
		return Agreement{}, fault.Newf(fault.KindValidation,
			"agreement: rejection reason must be at least %d characters", minRejectionReasonLen)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, err
	}
	req, err := s.reqRepo.GetForUpdate(ctx, tx, a.RequestID)
	if err != nil {
		return Agreement{}, err
	}
	if !actor.IsAdmin() && actor.ID != req.ClientID {
		return Agreement{}, fault.New(fault.KindForbidden, "agreement: only the request's client may reject")
	}
	if a.Status != StatusPending {
		return Agreement{}, fault.Newf(fault.KindConflict, "agreement: cannot reject a %s agreement", a.Status)
	}

	if _, err := s.requests.BackToOfferSelectedTx(ctx, tx, a.RequestID); err != nil {
		return Agreement{}, err
	}
	updated, err := s.repo.SetRejection(ctx, tx, agreementID, reason)
	if err != nil {
		return Agreement{}, err
	}

	if err := s.record(ctx, tx, a.RequestID, "AGREEMENT_REJECTED", actor.ID, outbox.TopicAgreementRejected, map[string]any{
		"agreement_id": agreementID,
		"reason":       reason,
	}); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: reject commit: %w", err)
	}
	return updated, nil
}

// RequestExtension lets the assigned provider ask for extra days on top of
// the milestone-backed duration.
func (s *Service) RequestExtension(ctx context.Context, actor auth.User, agreementID string, extraDays int) (Agreement, error) {
	if extraDays <= 0 {
		return Agreement{}, fault.New(fault.KindValidation, "agreement: extension days must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, err
	}
	if actor.ID != a.ProviderID {
		return Agreement{}, fault.New(fault.KindForbidden, "agreement: only the assigned provider may request an extension")
	}
	if a.Status != StatusPending && a.Status != StatusAccepted {
		return Agreement{}, fault.Newf(fault.KindConflict, "agreement: cannot extend a %s agreement", a.Status)
	}

	updated, err := s.repo.SetExtensionRequest(ctx, tx, agreementID, &extraDays)
	if err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: extension commit: %w", err)
	}
	return updated, nil
}

// ApproveExtension folds the requested days into the duration. Approved
// extensions are additive and do not touch the milestone-sum invariant.
func (s *Service) ApproveExtension(ctx context.Context, actor auth.User, agreementID string) (Agreement, error) {
	return s.settleExtension(ctx, actor, agreementID, true)
}

// RejectExtension discards the pending extension request.
func (s *Service) RejectExtension(ctx context.Context, actor auth.User, agreementID string) (Agreement, error) {
	return s.settleExtension(ctx, actor, agreementID, false)
}

func (s *Service) settleExtension(ctx context.Context, actor auth.User, agreementID string, approve bool) (Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return Agreement{}, err
	}
	req, err := s.reqRepo.GetForUpdate(ctx, tx, a.RequestID)
	if err != nil {
		return Agreement{}, err
	}
	if !actor.IsAdmin() && actor.ID != req.ClientID {
		return Agreement{}, fault.New(fault.KindForbidden, "agreement: only the request's client may settle an extension")
	}
	if a.ExtensionRequestedDays == nil {
		return Agreement{}, fault.New(fault.KindConflict, "agreement: no extension requested")
	}

	var updated Agreement
	if approve {
		updated, err = s.repo.ApplyExtension(ctx, tx, agreementID, *a.ExtensionRequestedDays)
	} else {
		updated, err = s.repo.SetExtensionRequest(ctx, tx, agreementID, nil)
	}
	if err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: extension commit: %w", err)
	}
	return updated, nil
}

// Get fetches an agreement by id.
func (s *Service) Get(ctx context.Context, id string) (Agreement, error) {
	return s.repo.Get(ctx, id)
}

// Milestones lists the live milestones of an agreement in order.
func (s *Service) Milestones(ctx context.Context, agreementID string) ([]Milestone, error) {
	return s.repo.ListMilestones(ctx, agreementID)
}

// record writes the timeline event and outbox message for a transition.
func (s *Service) record(ctx context.Context, tx pgx.Tx, requestID, eventType, actorID, topic string, payload map[string]any) error {
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, requestID, eventType, actorID, payload); err != nil {
			return err
		}
	}
	if s.events != nil {
		enriched := map[string]any{"request_id": requestID}
		for k, v := range payload {
			enriched[k] = v
		}
		if err := s.events.Enqueue(ctx, tx, topic, enriched); err != nil {
			return err
		}
	}
	return nil
}
