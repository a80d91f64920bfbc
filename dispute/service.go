package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketflow/auth"
	"marketflow/fault"
	"marketflow/outbox"
	"marketflow/request"
)

// noExclusion is a nil UUID used when checking for any active dispute.
const noExclusion = "00000000-0000-0000-0000-000000000000"

// Service owns the dispute overlay: opening a dispute freezes the request,
// settling it lifts the freeze, and a human decides where the request
// resumes.
type Service struct {
	pool        *pgxpool.Pool
	repo        *Repository
	requests    *request.Service
	reqRepo     request.Repository
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

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Open raises a dispute on a request and freezes it. Only the request's
// client, the assigned provider, or an admin may open one, and only one
// dispute may be active per request at a time.
func (s *Service) Open(ctx context.Context, actor auth.User, requestID string, form OpenForm) (Dispute, error) {
	form.Title = strings.TrimSpace(form.Title)
	form.Reason = strings.TrimSpace(form.Reason)
	if form.Title == "" {
		return Dispute{}, fault.New(fault.KindValidation, "dispute: title required")
	}
	if form.Reason == "" {
		return Dispute{}, fault.New(fault.KindValidation, "dispute: reason required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.reqRepo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Dispute{}, err
	}
	if !s.participant(actor, req) {
		return Dispute{}, fault.New(fault.KindForbidden, "dispute: only the request's parties may open a dispute")
	}

	if _, err := s.requests.OpenDisputeTx(ctx, tx, requestID); err != nil {
		return Dispute{}, err
	}

	created, err := s.repo.Insert(ctx, tx, Dispute{
		ID:         s.idGenerator(),
		RequestID:  requestID,
		OpenedBy:   actor.ID,
		OpenerRole: actor.Role,
		Title:      form.Title,
		Reason:     form.Reason,
		Details:    form.Details,
	})
	if err != nil {
		if errors.Is(err, ErrActiveDisputeExists) {
			return Dispute{}, fault.New(fault.KindConflict, "dispute: an active dispute already exists for this request")
		}
		return Dispute{}, err
	}

	if err := s.record(ctx, tx, requestID, "DISPUTE_OPENED", actor.ID, outbox.TopicDisputeOpened, map[string]any{
		"dispute_id": created.ID,
		"title":      created.Title,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: open commit: %w", err)
	}
	return created, nil
}

// Review moves an open dispute into admin review.
func (s *Service) Review(ctx context.Context, actor auth.User, disputeID string) (Dispute, error) {
	if !actor.IsAdmin() {
		return Dispute{}, fault.New(fault.KindForbidden, "dispute: only admins review disputes")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != StatusOpen {
		return Dispute{}, fault.Newf(fault.KindConflict, "dispute: cannot review a %s dispute", d.Status)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, disputeID, StatusInReview)
	if err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: review commit: %w", err)
	}
	return updated, nil
}

// Resolve settles the dispute with a recorded outcome. The freeze lifts if
// no other active dispute remains; the request stays disputed until an
// admin picks the resume status via ResumeRequest.
func (s *Service) Resolve(ctx context.Context, actor auth.User, disputeID, note string) (Dispute, error) {
	return s.settle(ctx, actor, disputeID, StatusResolved, note, "DISPUTE_RESOLVED")
}

// Cancel withdraws the dispute without a resolution on the merits.
func (s *Service) Cancel(ctx context.Context, actor auth.User, disputeID, note string) (Dispute, error) {
	return s.settle(ctx, actor, disputeID, StatusCanceled, note, "DISPUTE_CANCELED")
}

func (s *Service) settle(ctx context.Context, actor auth.User, disputeID string, status Status, note, eventType string) (Dispute, error) {
	if !actor.IsAdmin() {
		return Dispute{}, fault.New(fault.KindForbidden, "dispute: only admins settle disputes")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if !d.Status.Active() {
		return Dispute{}, fault.Newf(fault.KindConflict, "dispute: cannot settle a %s dispute", d.Status)
	}

	// Lock the request before touching its freeze flag.
	if _, err := s.reqRepo.GetForUpdate(ctx, tx, d.RequestID); err != nil {
		return Dispute{}, err
	}

	updated, err := s.repo.Settle(ctx, tx, disputeID, status, actor.ID, note)
	if err != nil {
		return Dispute{}, err
	}

	otherActive, err := s.repo.HasOtherActive(ctx, tx, d.RequestID, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if !otherActive {
		if err := s.reqRepo.SetFrozen(ctx, tx, d.RequestID, false); err != nil {
			return Dispute{}, err
		}
	}

	if err := s.record(ctx, tx, d.RequestID, eventType, actor.ID, outbox.TopicDisputeResolved, map[string]any{
		"dispute_id": disputeID,
		"outcome":    string(status),
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: settle commit: %w", err)
	}
	return updated, nil
}

// Reopen returns a settled dispute to open and re-freezes the request.
func (s *Service) Reopen(ctx context.Context, actor auth.User, disputeID string) (Dispute, error) {
	if !actor.IsAdmin() {
		return Dispute{}, fault.New(fault.KindForbidden, "dispute: only admins reopen disputes")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status.Active() {
		return Dispute{}, fault.Newf(fault.KindConflict, "dispute: cannot reopen a %s dispute", d.Status)
	}

	if _, err := s.requests.OpenDisputeTx(ctx, tx, d.RequestID); err != nil {
		return Dispute{}, err
	}
	updated, err := s.repo.Reopen(ctx, tx, disputeID)
	if err != nil {
		if errors.Is(err, ErrActiveDisputeExists) {
			return Dispute{}, fault.New(fault.KindConflict, "dispute: another dispute is already active for this request")
		}
		return Dispute{}, err
	}

	if err := s.record(ctx, tx, d.RequestID, "DISPUTE_REOPENED", actor.ID, outbox.TopicDisputeOpened, map[string]any{
		"dispute_id": disputeID,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: reopen commit: %w", err)
	}
	return updated, nil
}

// ResumeRequest is the human decision that moves a disputed request back
// into its lifecycle once every dispute is settled.
func (s *Service) ResumeRequest(ctx context.Context, actor auth.User, requestID string, resume *request.Status) (request.Request, error) {
	if !actor.IsAdmin() {
		return request.Request{}, fault.New(fault.KindForbidden, "dispute: only admins resume a disputed request")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return request.Request{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.reqRepo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return request.Request{}, err
	}
	otherActive, err := s.repo.HasOtherActive(ctx, tx, requestID, noExclusion)
	if err != nil {
		return request.Request{}, err
	}
	if otherActive {
		return request.Request{}, fault.New(fault.KindConflict, "dispute: settle the active dispute before resuming the request")
	}

	resumed, err := s.requests.CloseDisputeTx(ctx, tx, requestID, resume)
	if err != nil {
		return request.Request{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"from": string(req.Status),
			"to":   string(resumed.Status),
		}
		if err := s.timeline.Append(ctx, tx, requestID, "REQUEST_RESUMED", actor.ID, payload); err != nil {
			return request.Request{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return request.Request{}, fmt.Errorf("dispute: resume commit: %w", err)
	}
	return resumed, nil
}

// Get fetches a dispute by id.
func (s *Service) Get(ctx context.Context, id string) (Dispute, error) {
	return s.repo.Get(ctx, id)
}

// ListByRequest returns a request's disputes, newest first.
func (s *Service) ListByRequest(ctx context.Context, requestID string) ([]Dispute, error) {
	return s.repo.ListByRequest(ctx, requestID)
}

func (s *Service) participant(actor auth.User, req request.Request) bool {
	if actor.IsAdmin() || actor.ID == req.ClientID {
		return true
	}
	return req.ProviderID != nil && actor.ID == *req.ProviderID
}

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
