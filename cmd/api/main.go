package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"marketflow/agreement"
	"marketflow/auth"
	"marketflow/db"
	"marketflow/dispute"
	"marketflow/invoice"
	"marketflow/outbox"
	"marketflow/rates"
	"marketflow/request"

	offerpkg "marketflow/offer"
)

// logNotifier is the default delivery sink until a real notification
// transport is configured.
type logNotifier struct{}

func (logNotifier) Notify(ctx context.Context, topic string, payload json.RawMessage) error {
	log.Printf("notify %s: %s", topic, payload)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	timeline := outbox.NewTimeline()
	events := outbox.NewOutbox()

	reqRepo := request.NewRepository(pool)
	agrRepo := agreement.NewRepository(pool)
	invRepo := invoice.NewRepository(pool)

	rateStore := rates.NewCachedStore(rates.NewRepository(pool), 5*time.Minute)

	authService := auth.NewService(auth.NewRepository(pool), jwtSecret)
	requestService := request.NewService(pool, reqRepo, timeline, events)
	offerService := offerpkg.NewService(pool, offerpkg.NewRepository(pool), requestService, reqRepo, timeline, events)
	invoiceService := invoice.NewService(pool, invRepo, requestService, reqRepo, rateStore, timeline, events)
	agreementService := agreement.NewService(pool, agrRepo, requestService, reqRepo, timeline, events).
		WithReconciler(invoiceService)
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), requestService, reqRepo, timeline, events)

	dispatcher := outbox.NewDispatcher(pool, logNotifier{})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	log.Printf("marketflow ready: auth=%t requests=%t offers=%t agreements=%t invoices=%t disputes=%t",
		authService != nil, requestService != nil, offerService != nil,
		agreementService != nil, invoiceService != nil, disputeService != nil)

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("shutdown: %v", err)
	}
}
