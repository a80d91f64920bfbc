package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"marketflow/fault"
	"marketflow/outbox"
	"marketflow/request"
)

// txBeginner abstracts pgxpool.Pool for testability.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service coordinates offer submission and selection. Selection is the
// contended path: the request row lock taken via the request service
// serializes competing selects so exactly one wins.
type Service struct {
	pool        txBeginner
	repo        Repository
	requests    *request.Service
	reqRepo     request.Repository
	timeline    outbox.TimelineWriter
	events      outbox.Enqueuer
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool *pgxpool.Pool, repo Repository, requests *request.Service, reqRepo request.Repository, timeline outbox.TimelineWriter, events outbox.Enqueuer) *Service {
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

type SubmitParams struct {
	RequestID    string
	ProviderID   string
	DurationDays int
	Price        decimal.Decimal
}

// Submit records a provider's bid. The request must still be new with an
// open offer window, and the provider must not hold a live offer already.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (Offer, error) {
	if params.RequestID == "" || params.ProviderID == "" {
		return Offer{}, fault.New(fault.KindValidation, "offer: request and provider ids required")
	}
	if params.DurationDays <= 0 {
		return Offer{}, fault.New(fault.KindValidation, "offer: duration must be positive")
	}
	if params.Price.IsNegative() {
		return Offer{}, fault.New(fault.KindValidation, "offer: price must not be negative")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.reqRepo.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return Offer{}, err
	}
	if req.Status != request.StatusNew {
		return Offer{}, fault.Newf(fault.KindConflict, "offer: request is %s, offers closed", req.Status)
	}
	if !req.OffersWindowActive(s.now()) {
		return Offer{}, fault.New(fault.KindConflict, "offer: offer window has closed")
	}

	created, err := s.repo.Create(ctx, tx, Offer{
		ID:           s.idGenerator(),
		RequestID:    params.RequestID,
		ProviderID:   params.ProviderID,
		DurationDays: params.DurationDays,
		Price:        params.Price,
		Status:       StatusPending,
	})
	if err != nil {
		if errors.Is(err, ErrActiveOfferExists) {
			return Offer{}, fault.Wrap(fault.KindValidation, "offer: withdraw the existing offer before resubmitting", err)
		}
		return Offer{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"offer_id":      created.ID,
			"provider_id":   created.ProviderID,
			"duration_days": created.DurationDays,
			"price":         created.Price,
		}
		if err := s.timeline.Append(ctx, tx, req.ID, "OFFER_SUBMITTED", created.ProviderID, payload); err != nil {
			return Offer{}, err
		}
	}
	if s.events != nil {
		payload := map[string]any{
			"offer_id":   created.ID,
			"request_id": req.ID,
			"recipient":  req.ClientID,
		}
		if err := s.events.Enqueue(ctx, tx, outbox.TopicOfferSubmitted, payload); err != nil {
			return Offer{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit: %w", err)
	}
	return created, nil
}

// Select marks the offer as the winner: the offer flips to selected, every
// other pending offer on the request is rejected, and the request advances
// to offer_selected, all in one transaction under the request row lock.
// Re-selecting an already-selected offer is a no-op.
func (s *Service) Select(ctx context.Context, offerID, actorID string) (Offer, error) {
	if offerID == "" || actorID == "" {
		return Offer{}, fault.New(fault.KindValidation, "offer: offer and actor ids required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdate(ctx, tx, offerID)
	if err != nil {
		return Offer{}, err
	}

	// Lock the request before deciding: concurrent selects on the same
	// request serialize here, and the loser sees offer_selected.
	req, err := s.reqRepo.GetForUpdate(ctx, tx, o.RequestID)
	if err != nil {
		return Offer{}, err
	}
	if req.ClientID != actorID {
		return Offer{}, fault.New(fault.KindForbidden, "offer: only the request's client may select an offer")
	}

	if o.Status == StatusSelected {
		return o, nil
	}
	if o.Status != StatusPending {
		return Offer{}, fault.Newf(fault.KindConflict, "offer: cannot select a %s offer", o.Status)
	}

	if _, err := s.requests.SelectOfferTx(ctx, tx, o.RequestID, o.ProviderID); err != nil {
		return Offer{}, err
	}
	if _, err := s.repo.RejectOtherPending(ctx, tx, o.RequestID, o.ID); err != nil {
		return Offer{}, err
	}
	selected, err := s.repo.UpdateStatus(ctx, tx, o.ID, StatusSelected)
	if err != nil {
		return Offer{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"offer_id":    o.ID,
			"provider_id": o.ProviderID,
		}
		if err := s.timeline.Append(ctx, tx, o.RequestID, "OFFER_SELECTED", actorID, payload); err != nil {
			return Offer{}, err
		}
	}
	if s.events != nil {
		// One notification each for the client and the winning provider.
		for _, recipient := range []string{req.ClientID, o.ProviderID} {
			payload := map[string]any{
				"offer_id":   o.ID,
				"request_id": o.RequestID,
				"recipient":  recipient,
			}
			if err := s.events.Enqueue(ctx, tx, outbox.TopicOfferSelected, payload); err != nil {
				return Offer{}, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: select commit: %w", err)
	}
	return selected, nil
}

// Reject declines a pending offer. Client only.
func (s *Service) Reject(ctx context.Context, offerID, actorID string) (Offer, error) {
	return s.close(ctx, offerID, actorID, StatusRejected)
}

// Withdraw retracts a pending offer so the provider can submit a new one.
func (s *Service) Withdraw(ctx context.Context, offerID, actorID string) (Offer, error) {
	return s.close(ctx, offerID, actorID, StatusWithdrawn)
}

func (s *Service) close(ctx context.Context, offerID, actorID string, next Status) (Offer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdate(ctx, tx, offerID)
	if err != nil {
		return Offer{}, err
	}
	req, err := s.reqRepo.GetForUpdate(ctx, tx, o.RequestID)
	if err != nil {
		return Offer{}, err
	}

	switch next {
	case StatusRejected:
		if req.ClientID != actorID {
			return Offer{}, fault.New(fault.KindForbidden, "offer: only the request's client may reject an offer")
		}
	case StatusWithdrawn:
		if o.ProviderID != actorID {
			return Offer{}, fault.New(fault.KindForbidden, "offer: only the owning provider may withdraw an offer")
		}
	}
	if o.Status != StatusPending {
		return Offer{}, fault.Newf(fault.KindConflict, "offer: cannot move a %s offer to %s", o.Status, next)
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, o.ID, next)
	if err != nil {
		return Offer{}, err
	}

	if s.timeline != nil {
		eventType := "OFFER_REJECTED"
		if next == StatusWithdrawn {
			eventType = "OFFER_WITHDRAWN"
		}
		payload := map[string]any{"offer_id": o.ID}
		if err := s.timeline.Append(ctx, tx, o.RequestID, eventType, actorID, payload); err != nil {
			return Offer{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit: %w", err)
	}
	return updated, nil
}

// ListByRequest returns all offers on a request, oldest first.
func (s *Service) ListByRequest(ctx context.Context, requestID string) ([]Offer, error) {
	return s.repo.ListByRequest(ctx, requestID)
}
