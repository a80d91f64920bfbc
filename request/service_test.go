package request

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"marketflow/fault"
)

func newTestService(req Request) (*Service, *memRepo) {
	repo := &memRepo{req: req}
	svc := &Service{
		repo:        repo,
		idGenerator: func() string { return "req-1" },
		now:         func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
	return svc, repo
}

func TestSendAgreementTx(t *testing.T) {
	svc, _ := newTestService(Request{ID: "req-1", Status: StatusOfferSelected})
	req, err := svc.SendAgreementTx(context.Background(), &fakeTx{}, "req-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if req.Status != StatusAgreementPending {
		t.Errorf("expected agreement_pending, got %s", req.Status)
	}

	svc, _ = newTestService(Request{ID: "req-1", Status: StatusNew})
	if _, err := svc.SendAgreementTx(context.Background(), &fakeTx{}, "req-1"); !fault.IsConflict(err) {
		t.Errorf("expected conflict from new, got %v", err)
	}
}

func TestAwaitPaymentTx_Idempotent(t *testing.T) {
	svc, _ := newTestService(Request{ID: "req-1", Status: StatusAwaitingPayment})
	req, err := svc.AwaitPaymentTx(context.Background(), &fakeTx{}, "req-1")
	if err != nil {
		t.Fatalf("expected nil error on replay, got %v", err)
	}
	if req.Status != StatusAwaitingPayment {
		t.Errorf("expected awaiting_payment, got %s", req.Status)
	}
}

func TestMarkInProgressTx(t *testing.T) {
	cases := []struct {
		name       string
		start      Request
		wantStatus Status
		wantErr    bool
	}{
		{
			name:       "from awaiting_payment",
			start:      Request{ID: "req-1", Status: StatusAwaitingPayment},
			wantStatus: StatusInProgress,
		},
		{
			name:       "from agreement_pending",
			start:      Request{ID: "req-1", Status: StatusAgreementPending},
			wantStatus: StatusInProgress,
		},
		{
			name:       "already in progress is a no-op",
			start:      Request{ID: "req-1", Status: StatusInProgress},
			wantStatus: StatusInProgress,
		},
		{
			name:       "completed is a no-op",
			start:      Request{ID: "req-1", Status: StatusCompleted},
			wantStatus: StatusCompleted,
		},
		{
			name:       "frozen request is left alone",
			start:      Request{ID: "req-1", Status: StatusAwaitingPayment, Frozen: true},
			wantStatus: StatusAwaitingPayment,
		},
		{
			name:    "from new is a conflict",
			start:   Request{ID: "req-1", Status: StatusNew},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, repo := newTestService(tc.start)
			req, err := svc.MarkInProgressTx(context.Background(), &fakeTx{}, "req-1")
			if tc.wantErr {
				if !fault.IsConflict(err) {
					t.Fatalf("expected conflict fault, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			if req.Status != tc.wantStatus {
				t.Errorf("expected %s, got %s", tc.wantStatus, req.Status)
			}
			if repo.req.Status != tc.wantStatus {
				t.Errorf("expected stored status %s, got %s", tc.wantStatus, repo.req.Status)
			}
		})
	}
}

func TestMarkCompletedTx(t *testing.T) {
	enq := &captureEnqueuer{}
	svc, _ := newTestService(Request{ID: "req-1", Status: StatusInProgress})
	svc.events = enq

	req, err := svc.MarkCompletedTx(context.Background(), &fakeTx{}, "req-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if req.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", req.Status)
	}
	if len(enq.topics) != 1 || enq.topics[0] != "request.completed" {
		t.Errorf("expected a request.completed event, got %v", enq.topics)
	}

	// Replay is a no-op and emits nothing further.
	if _, err := svc.MarkCompletedTx(context.Background(), &fakeTx{}, "req-1"); err != nil {
		t.Fatalf("expected nil error on replay, got %v", err)
	}
	if len(enq.topics) != 1 {
		t.Errorf("expected no event on replay, got %v", enq.topics)
	}

	svc, _ = newTestService(Request{ID: "req-1", Status: StatusAwaitingPayment})
	if _, err := svc.MarkCompletedTx(context.Background(), &fakeTx{}, "req-1"); !fault.IsConflict(err) {
		t.Errorf("expected conflict completing from awaiting_payment, got %v", err)
	}
}

func TestOpenDisputeTx(t *testing.T) {
	svc, repo := newTestService(Request{ID: "req-1", Status: StatusInProgress})
	req, err := svc.OpenDisputeTx(context.Background(), &fakeTx{}, "req-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if req.Status != StatusDisputed || !repo.req.Frozen {
		t.Errorf("expected disputed and frozen, got %s frozen=%v", req.Status, repo.req.Frozen)
	}

	svc, _ = newTestService(Request{ID: "req-1", Status: StatusCancelled})
	if _, err := svc.OpenDisputeTx(context.Background(), &fakeTx{}, "req-1"); !fault.IsConflict(err) {
		t.Errorf("expected conflict disputing a cancelled request, got %v", err)
	}
}

func TestCloseDisputeTx(t *testing.T) {
	provider := "prov-1"

	// With an assigned provider the default resume is agreement_pending.
	svc, repo := newTestService(Request{ID: "req-1", Status: StatusDisputed, ProviderID: &provider, Frozen: true})
	req, err := svc.CloseDisputeTx(context.Background(), &fakeTx{}, "req-1", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if req.Status != StatusAgreementPending || repo.req.Frozen {
		t.Errorf("expected agreement_pending unfrozen, got %s frozen=%v", req.Status, repo.req.Frozen)
	}

	// Without one the default is new.
	svc, _ = newTestService(Request{ID: "req-1", Status: StatusDisputed, Frozen: true})
	if req, err = svc.CloseDisputeTx(context.Background(), &fakeTx{}, "req-1", nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if req.Status != StatusNew {
		t.Errorf("expected new, got %s", req.Status)
	}

	// An explicit resume status wins.
	resume := StatusInProgress
	svc, _ = newTestService(Request{ID: "req-1", Status: StatusDisputed, ProviderID: &provider, Frozen: true})
	if req, err = svc.CloseDisputeTx(context.Background(), &fakeTx{}, "req-1", &resume); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if req.Status != StatusInProgress {
		t.Errorf("expected in_progress, got %s", req.Status)
	}

	// Resuming into disputed is rejected.
	bad := StatusDisputed
	svc, _ = newTestService(Request{ID: "req-1", Status: StatusDisputed})
	if _, err := svc.CloseDisputeTx(context.Background(), &fakeTx{}, "req-1", &bad); !fault.IsValidation(err) {
		t.Errorf("expected validation fault, got %v", err)
	}

	// Only disputed requests close disputes.
	svc, _ = newTestService(Request{ID: "req-1", Status: StatusInProgress})
	if _, err := svc.CloseDisputeTx(context.Background(), &fakeTx{}, "req-1", nil); !fault.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestOffersWindowActive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	open := now.Add(24 * time.Hour)
	closed := now.Add(-time.Minute)

	req := Request{Status: StatusNew, OffersOpenUntil: &open}
	if !req.OffersWindowActive(now) {
		t.Errorf("expected window active")
	}
	req.OffersOpenUntil = &closed
	if req.OffersWindowActive(now) {
		t.Errorf("expected window closed")
	}
	req = Request{Status: StatusOfferSelected, OffersOpenUntil: &open}
	if req.OffersWindowActive(now) {
		t.Errorf("expected window closed once an offer is selected")
	}
}

// memRepo holds a single request in memory and applies status updates the
// way the SQL repository would.
type memRepo struct {
	req Request
}

func (m *memRepo) Create(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	m.req = req
	return req, nil
}

func (m *memRepo) Get(ctx context.Context, id string) (Request, error) {
	if m.req.ID != id {
		return Request{}, ErrNotFound
	}
	return m.req, nil
}

func (m *memRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	return m.Get(ctx, id)
}

func (m *memRepo) List(ctx context.Context, filters Filters) ([]Request, int, error) {
	return []Request{m.req}, 1, nil
}

func (m *memRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Request, error) {
	m.req.Status = status
	return m.req, nil
}

func (m *memRepo) SetSelection(ctx context.Context, tx pgx.Tx, id, providerID string, agreementDueAt time.Time) (Request, error) {
	m.req.Status = StatusOfferSelected
	m.req.ProviderID = &providerID
	m.req.AgreementDueAt = &agreementDueAt
	m.req.SLAOverdue = false
	return m.req, nil
}

func (m *memRepo) ClearAssignment(ctx context.Context, tx pgx.Tx, id string, status Status, offersOpenUntil *time.Time) (Request, error) {
	m.req.Status = status
	m.req.ProviderID = nil
	m.req.AgreementDueAt = nil
	m.req.OffersOpenUntil = offersOpenUntil
	m.req.SLAOverdue = false
	return m.req, nil
}

func (m *memRepo) SetFrozen(ctx context.Context, tx pgx.Tx, id string, frozen bool) error {
	m.req.Frozen = frozen
	return nil
}

func (m *memRepo) ListOverdue(ctx context.Context, now time.Time, limit int) ([]Request, error) {
	return nil, nil
}

func (m *memRepo) MarkOverdue(ctx context.Context, tx pgx.Tx, id string) error {
	m.req.SLAOverdue = true
	return nil
}

type captureEnqueuer struct {
	topics []string
}

func (c *captureEnqueuer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	c.topics = append(c.topics, topic)
	return nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
