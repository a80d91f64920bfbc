package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"marketflow/db"
	"marketflow/outbox"
	"marketflow/request"
)

const sweepBatchSize = 100

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	interval := time.Minute
	if raw := os.Getenv("SWEEP_INTERVAL_SECONDS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			log.Fatalf("invalid SWEEP_INTERVAL_SECONDS %q", raw)
		}
		interval = time.Duration(secs) * time.Second
	}

	requests := request.NewService(pool, request.NewRepository(pool), outbox.NewTimeline(), outbox.NewOutbox())

	log.Printf("sweeper running every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Print("sweeper stopped")
			return
		case <-ticker.C:
			flagged, err := requests.SweepOverdue(ctx, sweepBatchSize)
			if err != nil {
				log.Printf("sweep: %v", err)
				continue
			}
			if flagged > 0 {
				log.Printf("sweep: flagged %d overdue requests", flagged)
			}
		}
	}
}
