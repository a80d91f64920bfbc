package agreement

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"marketflow/auth"
	"marketflow/fault"
	"marketflow/outbox"
	"marketflow/request"
)

// TestAgreementLifecycle_Integration connects to a real PostgreSQL via
// DATABASE_URL and walks draft -> send -> accept plus a milestone round
// trip, verifying the request status moves in lockstep.
func TestAgreementLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "agreements") || !tableExists(ctx, t, pool, "milestones") || !tableExists(ctx, t, pool, "timeline_events") {
		t.Skip("database schema missing; apply migrations first")
	}

	var (
		clientID    string
		providerID  string
		requestID   string
		offerID     string
		agreementID string
	)

	nano := time.Now().UnixNano()
	if err := pool.QueryRow(ctx, `
		INSERT INTO users (email, full_name, password_hash, role)
		VALUES ($1, 'Cleo Client', 'x', 'client') RETURNING id
	`, fmt.Sprintf("cleo+%d@example.com", nano)).Scan(&clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO users (email, full_name, password_hash, role)
		VALUES ($1, 'Pat Provider', 'x', 'provider') RETURNING id
	`, fmt.Sprintf("pat+%d@example.com", nano)).Scan(&providerID); err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO requests (client_id, provider_id, title, status, estimated_duration_days, estimated_price, agreement_due_at)
		VALUES ($1, $2, 'Landing page redesign', 'offer_selected', 10, 1000, now() + interval '3 days')
		RETURNING id
	`, clientID, providerID).Scan(&requestID); err != nil {
		t.Fatalf("seed request: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO offers (request_id, provider_id, duration_days, price, status)
		VALUES ($1, $2, 12, 950, 'selected') RETURNING id
	`, requestID, providerID).Scan(&offerID); err != nil {
		t.Fatalf("seed offer: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE request_id = $1`, requestID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'request_id' = $1`, requestID)
		pool.Exec(ctx2, `DELETE FROM milestones WHERE agreement_id = $1`, agreementID)
		pool.Exec(ctx2, `DELETE FROM agreements WHERE id = $1`, agreementID)
		pool.Exec(ctx2, `DELETE FROM offers WHERE id = $1`, offerID)
		pool.Exec(ctx2, `DELETE FROM requests WHERE id = $1`, requestID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, clientID, providerID)
	})

	timeline := outbox.NewTimeline()
	events := outbox.NewOutbox()
	reqRepo := request.NewRepository(pool)
	requests := request.NewService(pool, reqRepo, timeline, events)
	svc := NewService(pool, NewRepository(pool), requests, reqRepo, timeline, events)

	client := auth.User{ID: clientID, Role: auth.RoleClient}
	provider := auth.User{ID: providerID, Role: auth.RoleProvider}

	// Open seeds the draft from the selected offer.
	a, err := svc.Open(ctx, provider, requestID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	agreementID = a.ID
	if a.Status != StatusDraft {
		t.Fatalf("expected draft status, got %s", a.Status)
	}
	if a.DurationDays != 12 {
		t.Errorf("expected duration seeded from offer (12), got %d", a.DurationDays)
	}
	if !a.TotalAmount.Equal(decimal.NewFromInt(950)) {
		t.Errorf("expected total seeded from offer price, got %s", a.TotalAmount)
	}

	// Opening again returns the same agreement.
	again, err := svc.Open(ctx, provider, requestID)
	if err != nil {
		t.Fatalf("open (again): %v", err)
	}
	if again.ID != a.ID {
		t.Fatalf("expected idempotent open, got new agreement %s", again.ID)
	}

	a, err = svc.SaveDraft(ctx, provider, agreementID, DraftForm{
		Title: "Landing page redesign",
		Body:  "Two-phase delivery.",
		Milestones: []MilestoneInput{
			{Title: "Wireframes", DueDays: 4},
			{Title: "Implementation", DueDays: 8},
		},
	})
	if err != nil {
		t.Fatalf("save draft: %v", err)
	}
	if a.DurationDays != 12 {
		t.Errorf("expected duration 12 after save, got %d", a.DurationDays)
	}

	ms, err := svc.Milestones(ctx, agreementID)
	if err != nil {
		t.Fatalf("list milestones: %v", err)
	}
	if len(ms) != 2 || ms[0].Order != 1 || ms[1].Order != 2 {
		t.Fatalf("expected contiguous ordering 1..2, got %+v", ms)
	}

	// The client cannot send; the provider can.
	if _, err := svc.Send(ctx, client, agreementID); !fault.IsForbidden(err) {
		t.Fatalf("expected forbidden fault for client send, got %v", err)
	}
	if a, err = svc.Send(ctx, provider, agreementID); err != nil {
		t.Fatalf("send: %v", err)
	}
	if a.Status != StatusPending {
		t.Fatalf("expected pending after send, got %s", a.Status)
	}
	assertRequestStatus(ctx, t, pool, requestID, "agreement_pending")

	// Milestones cannot be delivered before acceptance.
	if _, err := svc.Deliver(ctx, provider, ms[0].ID, "early"); !fault.IsConflict(err) {
		t.Fatalf("expected conflict delivering on pending agreement, got %v", err)
	}

	if a, err = svc.Accept(ctx, client, agreementID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if a.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s", a.Status)
	}
	assertRequestStatus(ctx, t, pool, requestID, "awaiting_payment")

	// Accept replays are no-ops.
	if _, err := svc.Accept(ctx, client, agreementID); err != nil {
		t.Fatalf("accept (replay): %v", err)
	}

	m, err := svc.Deliver(ctx, provider, ms[0].ID, "wireframes attached")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if m.Status != MilestoneDelivered {
		t.Fatalf("expected delivered, got %s", m.Status)
	}

	m, err = svc.RejectMilestone(ctx, client, ms[0].ID, "missing mobile views")
	if err != nil {
		t.Fatalf("reject milestone: %v", err)
	}
	if m.Status != MilestoneRejected {
		t.Fatalf("expected rejected, got %s", m.Status)
	}

	// Rejected milestones can be re-delivered and then approved.
	if _, err := svc.Deliver(ctx, provider, ms[0].ID, "mobile views added"); err != nil {
		t.Fatalf("re-deliver: %v", err)
	}
	m, err = svc.ApproveMilestone(ctx, client, ms[0].ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if m.Status != MilestoneApproved {
		t.Fatalf("expected approved, got %s", m.Status)
	}

	// Extension flow: provider asks, client approves, duration grows.
	if _, err := svc.RequestExtension(ctx, provider, agreementID, 3); err != nil {
		t.Fatalf("request extension: %v", err)
	}
	a, err = svc.ApproveExtension(ctx, client, agreementID)
	if err != nil {
		t.Fatalf("approve extension: %v", err)
	}
	if a.DurationDays != 15 || a.ExtensionDays != 3 {
		t.Fatalf("expected duration 15 with 3 extension days, got %d/%d", a.DurationDays, a.ExtensionDays)
	}
	if a.ExtensionRequestedDays != nil {
		t.Fatalf("expected extension request cleared")
	}
}

func assertRequestStatus(ctx context.Context, t *testing.T, pool *pgxpool.Pool, requestID, want string) {
	t.Helper()
	var status string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM requests WHERE id = $1`, requestID).Scan(&status); err != nil {
		t.Fatalf("read request status: %v", err)
	}
	if status != want {
		t.Fatalf("expected request status %q, got %q", want, status)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
