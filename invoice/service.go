package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"marketflow/auth"
	"marketflow/fault"
	"marketflow/money"
	"marketflow/outbox"
	"marketflow/rates"
	"marketflow/request"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service.
type Store interface {
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	Insert(ctx context.Context, tx pgx.Tx, inv Invoice) (Invoice, error)
	Get(ctx context.Context, id string) (Invoice, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Invoice, error)
	ListByAgreement(ctx context.Context, agreementID string) ([]Invoice, error)
	MarkPaid(ctx context.Context, tx pgx.Tx, id string) (Invoice, error)
	AgreementParties(ctx context.Context, tx pgx.Tx, agreementID string) (requestID, clientID, providerID string, err error)
	AllPositivePaid(ctx context.Context, tx pgx.Tx, agreementID string) (bool, error)
	AllMilestonesApproved(ctx context.Context, tx pgx.Tx, agreementID string) (bool, error)
}

// requestFlow is the slice of the request service that reconciliation
// drives. Satisfied by *request.Service.
type requestFlow interface {
	MarkInProgressTx(ctx context.Context, tx pgx.Tx, requestID string) (request.Request, error)
	MarkCompletedTx(ctx context.Context, tx pgx.Tx, requestID string) (request.Request, error)
}

// Service issues invoices and reconciles payment confirmations against the
// request lifecycle.
type Service struct {
	pool         TxBeginner
	repo         Store
	requests     requestFlow
	reqRepo      request.Repository
	rates        *rates.CachedStore
	timeline     outbox.TimelineWriter
	events       outbox.Enqueuer
	idGenerator  func() string
	now          func() time.Time
	autocomplete bool
}

func NewService(pool TxBeginner, repo Store, requests requestFlow, reqRepo request.Repository, rateStore *rates.CachedStore, timeline outbox.TimelineWriter, events outbox.Enqueuer) *Service {
	return &Service{
		pool:         pool,
		repo:         repo,
		requests:     requests,
		reqRepo:      reqRepo,
		rates:        rateStore,
		timeline:     timeline,
		events:       events,
		idGenerator:  func() string { return uuid.NewString() },
		now:          time.Now,
		autocomplete: true,
	}
}

// WithAutocomplete toggles the completion check that closes a request once
// every positive invoice is paid and every milestone approved.
func (s *Service) WithAutocomplete(enabled bool) *Service {
	s.autocomplete = enabled
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

// Issue creates an invoice for an agreement from a base price. The current
// rate schedule resolves the fee and VAT; the resulting percents are
// snapshotted on the row so later rate changes never reshape the invoice.
func (s *Service) Issue(ctx context.Context, actor auth.User, agreementID string, base decimal.Decimal, lookup money.Lookup) (Invoice, error) {
	if base.IsNegative() {
		return Invoice{}, fault.New(fault.KindValidation, "invoice: amount must not be negative")
	}

	sched := s.rates.Current(ctx)
	feeRate, err := money.NormalizeRate(sched.FeeRate(lookup))
	if err != nil {
		return Invoice{}, err
	}
	vatRate, err := money.NormalizeRate(sched.DefaultVATRate)
	if err != nil {
		return Invoice{}, err
	}
	breakdown, err := money.Compute(base, feeRate, vatRate, money.PayoutNetAfterFee)
	if err != nil {
		return Invoice{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	requestID, clientID, _, err := s.repo.AgreementParties(ctx, tx, agreementID)
	if err != nil {
		return Invoice{}, err
	}
	if !actor.IsAdmin() && actor.ID != clientID {
		return Invoice{}, fault.New(fault.KindForbidden, "invoice: only the request's client may be invoiced")
	}

	hundred := decimal.NewFromInt(100)
	created, err := s.repo.Insert(ctx, tx, Invoice{
		ID:                 s.idGenerator(),
		AgreementID:        agreementID,
		Amount:             breakdown.ClientTotal,
		VATPercent:         vatRate.Mul(hundred),
		PlatformFeePercent: feeRate.Mul(hundred),
	})
	if err != nil {
		return Invoice{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"invoice_id":   created.ID,
			"agreement_id": agreementID,
			"amount":       created.Amount,
		}
		if err := s.timeline.Append(ctx, tx, requestID, "INVOICE_ISSUED", actor.ID, payload); err != nil {
			return Invoice{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, fmt.Errorf("invoice: issue commit: %w", err)
	}
	return created, nil
}

// Get fetches an invoice by id.
func (s *Service) Get(ctx context.Context, id string) (Invoice, error) {
	return s.repo.Get(ctx, id)
}

// ListByAgreement returns all invoices issued against an agreement.
func (s *Service) ListByAgreement(ctx context.Context, agreementID string) ([]Invoice, error) {
	return s.repo.ListByAgreement(ctx, agreementID)
}

// HandlePaymentConfirmation processes an external payment event. The paid
// write commits first under the event's idempotency key; reconciliation
// runs in a second transaction so a reconciliation failure never rolls
// back the recorded payment. Replays of the same key, and saves that do
// not flip unpaid to paid, are acknowledged without re-running anything.
func (s *Service) HandlePaymentConfirmation(ctx context.Context, ev PaymentEvent) error {
	if ev.InvoiceID == "" {
		return fault.New(fault.KindValidation, "invoice: payment event missing invoice id")
	}

	agreementID, paid, err := s.recordPayment(ctx, ev)
	if err != nil || !paid {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("invoice: begin reconcile tx: %w", err)
	}
	defer tx.Rollback(ctx)

	requestID, _, _, err := s.repo.AgreementParties(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	if err := s.ReconcileTx(ctx, tx, agreementID, requestID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("invoice: reconcile commit: %w", err)
	}
	return nil
}

// recordPayment flips the invoice to paid and reports whether an actual
// unpaid-to-paid edge occurred.
func (s *Service) recordPayment(ctx context.Context, ev PaymentEvent) (agreementID string, paid bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("invoice: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if ev.IdempotencyKey != "" {
		if err := s.repo.InsertIdempotencyKey(ctx, tx, ev.IdempotencyKey); err != nil {
			if errors.Is(err, ErrDuplicateIdempotencyKey) {
				return "", false, nil
			}
			return "", false, err
		}
	}

	inv, err := s.repo.GetForUpdate(ctx, tx, ev.InvoiceID)
	if err != nil {
		return "", false, err
	}
	if inv.Status == StatusPaid {
		// Same-status save: acknowledge without re-triggering. The
		// idempotency key still commits so the replay is remembered.
		if ev.IdempotencyKey != "" {
			if err := tx.Commit(ctx); err != nil {
				return "", false, fmt.Errorf("invoice: commit replay: %w", err)
			}
		}
		return "", false, nil
	}

	if _, err := s.repo.MarkPaid(ctx, tx, ev.InvoiceID); err != nil {
		return "", false, err
	}

	requestID, _, _, err := s.repo.AgreementParties(ctx, tx, inv.AgreementID)
	if err != nil {
		return "", false, err
	}

	payload := map[string]any{
		"invoice_id":   inv.ID,
		"agreement_id": inv.AgreementID,
		"amount":       inv.Amount,
		"reference":    ev.Reference,
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, requestID, "INVOICE_PAID", "", payload); err != nil {
			return "", false, err
		}
	}
	if s.events != nil {
		payload["request_id"] = requestID
		if err := s.events.Enqueue(ctx, tx, outbox.TopicInvoicePaid, payload); err != nil {
			return "", false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("invoice: payment commit: %w", err)
	}
	return inv.AgreementID, true, nil
}

// ReconcileTx advances the request after a payment or milestone approval:
// once every positive invoice is paid the request moves to in_progress,
// and to completed once every milestone is approved as well. Frozen,
// disputed, and terminal requests are left alone. Callers own the
// transaction.
func (s *Service) ReconcileTx(ctx context.Context, tx pgx.Tx, agreementID, requestID string) error {
	req, err := s.reqRepo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if req.Frozen || req.Status == request.StatusDisputed || req.Status.Terminal() {
		return nil
	}

	paid, err := s.repo.AllPositivePaid(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	if !paid {
		return nil
	}

	status := req.Status
	if status == request.StatusAgreementPending || status == request.StatusAwaitingPayment {
		if _, err := s.requests.MarkInProgressTx(ctx, tx, requestID); err != nil {
			return fmt.Errorf("invoice: advance request: %w", err)
		}
		status = request.StatusInProgress
	}

	if !s.autocomplete || status != request.StatusInProgress {
		return nil
	}

	approved, err := s.repo.AllMilestonesApproved(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	if !approved {
		return nil
	}

	if _, err := s.requests.MarkCompletedTx(ctx, tx, requestID); err != nil {
		return fmt.Errorf("invoice: complete request: %w", err)
	}
	return nil
}
