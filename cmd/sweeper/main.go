package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qrattend/internal/config"
	"qrattend/internal/session"
	"qrattend/internal/store"
)

// Sweeper deactivates Active sessions whose validity window has passed.
// Rotation loops normally close their own sessions; the sweeper covers the
// ones orphaned by a crashed api process.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	sessions := session.NewPostgres(db.Client)
	if err := sessions.EnsureSchema(ctx); err != nil {
		log.Fatalf("schema init failed: %v", err)
	}

	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("sweeper started, interval %s", interval)
	for {
		select {
		case <-ticker.C:
			sweepCtx, cancelSweep := context.WithTimeout(ctx, 30*time.Second)
			n, err := sessions.ExpireOverdue(sweepCtx, time.Now().UTC())
			cancelSweep()
			if err != nil {
				log.Printf("sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("deactivated %d overdue session(s)", n)
			}
		case <-ctx.Done():
			log.Println("sweeper stopped")
			return
		}
	}
}
