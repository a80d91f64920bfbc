package dispute

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"marketflow/auth"
	"marketflow/fault"
	"marketflow/outbox"
	"marketflow/request"
)

// TestDisputeFreeze_Integration walks the dispute overlay against a live
// PostgreSQL: open freezes the request, a second open conflicts, resolve
// lifts the freeze, and an admin resumes the lifecycle.
func TestDisputeFreeze_Integration(t *testing.T) {
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

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'disputes')`).Scan(&exists); err != nil || !exists {
		t.Skip("database schema missing; apply migrations first")
	}

	var (
		clientID   string
		providerID string
		outsiderID string
		adminID    string
		requestID  string
	)
	nano := time.Now().UnixNano()
	seedUser := func(name, role string) string {
		var id string
		if err := pool.QueryRow(ctx, `
			INSERT INTO users (email, full_name, password_hash, role)
			VALUES ($1, $2, 'x', $3) RETURNING id
		`, fmt.Sprintf("%s+%d@example.com", role, nano), name, role).Scan(&id); err != nil {
			t.Fatalf("seed %s: %v", role, err)
		}
		return id
	}
	clientID = seedUser("Cleo Client", "client")
	providerID = seedUser("Pat Provider", "provider")
	adminID = seedUser("Ada Admin", "admin")
	if err := pool.QueryRow(ctx, `
		INSERT INTO users (email, full_name, password_hash, role)
		VALUES ($1, 'Olly Outsider', 'x', 'client') RETURNING id
	`, fmt.Sprintf("outsider+%d@example.com", nano)).Scan(&outsiderID); err != nil {
		t.Fatalf("seed outsider: %v", err)
	}

	if err := pool.QueryRow(ctx, `
		INSERT INTO requests (client_id, provider_id, title, status, estimated_duration_days, estimated_price)
		VALUES ($1, $2, 'Brand refresh', 'in_progress', 14, 2500) RETURNING id
	`, clientID, providerID).Scan(&requestID); err != nil {
		t.Fatalf("seed request: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM timeline_events WHERE request_id = $1`, requestID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'request_id' = $1`, requestID)
		pool.Exec(ctx2, `DELETE FROM disputes WHERE request_id = $1`, requestID)
		pool.Exec(ctx2, `DELETE FROM requests WHERE id = $1`, requestID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2, $3, $4)`, clientID, providerID, adminID, outsiderID)
	})

	timeline := outbox.NewTimeline()
	events := outbox.NewOutbox()
	reqRepo := request.NewRepository(pool)
	requests := request.NewService(pool, reqRepo, timeline, events)
	svc := NewService(pool, NewRepository(pool), requests, reqRepo, timeline, events)

	client := auth.User{ID: clientID, Role: auth.RoleClient}
	provider := auth.User{ID: providerID, Role: auth.RoleProvider}
	outsider := auth.User{ID: outsiderID, Role: auth.RoleClient}
	admin := auth.User{ID: adminID, Role: auth.RoleAdmin}

	// Outsiders cannot open disputes.
	if _, err := svc.Open(ctx, outsider, requestID, OpenForm{Title: "x", Reason: "y"}); !fault.IsForbidden(err) {
		t.Fatalf("expected forbidden fault for outsider, got %v", err)
	}

	d, err := svc.Open(ctx, client, requestID, OpenForm{
		Title:  "Work stalled",
		Reason: "No delivery in two weeks",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if d.Status != StatusOpen || d.OpenerRole != auth.RoleClient {
		t.Fatalf("unexpected dispute after open: %+v", d)
	}
	assertRequest(ctx, t, pool, requestID, "disputed", true)

	// Second active dispute conflicts, even from the other party.
	if _, err := svc.Open(ctx, provider, requestID, OpenForm{Title: "Counter", Reason: "Scope creep"}); !fault.IsConflict(err) {
		t.Fatalf("expected conflict fault for second dispute, got %v", err)
	}

	if _, err := svc.Review(ctx, admin, d.ID); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := svc.Review(ctx, client, d.ID); !fault.IsForbidden(err) {
		t.Fatalf("expected forbidden fault for non-admin review, got %v", err)
	}

	// Resume is refused while the dispute is active.
	if _, err := svc.ResumeRequest(ctx, admin, requestID, nil); !fault.IsConflict(err) {
		t.Fatalf("expected conflict resuming with active dispute, got %v", err)
	}

	d, err = svc.Resolve(ctx, admin, d.ID, "Provider given one week to deliver")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Status != StatusResolved || d.ResolvedAt == nil {
		t.Fatalf("unexpected dispute after resolve: %+v", d)
	}
	// The freeze is lifted but the status stays disputed until a human
	// decides where the request resumes.
	assertRequest(ctx, t, pool, requestID, "disputed", false)

	resume := request.StatusInProgress
	req, err := svc.ResumeRequest(ctx, admin, requestID, &resume)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if req.Status != request.StatusInProgress || req.Frozen {
		t.Fatalf("unexpected request after resume: %+v", req)
	}

	// Reopen re-freezes.
	if _, err := svc.Reopen(ctx, admin, d.ID); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	assertRequest(ctx, t, pool, requestID, "disputed", true)
}

func assertRequest(ctx context.Context, t *testing.T, pool *pgxpool.Pool, requestID, wantStatus string, wantFrozen bool) {
	t.Helper()
	var (
		status string
		frozen bool
	)
	if err := pool.QueryRow(ctx, `SELECT status::text, frozen FROM requests WHERE id = $1`, requestID).Scan(&status, &frozen); err != nil {
		t.Fatalf("read request: %v", err)
	}
	if status != wantStatus || frozen != wantFrozen {
		t.Fatalf("expected request %s/frozen=%v, got %s/frozen=%v", wantStatus, wantFrozen, status, frozen)
	}
}
