package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tevani/auth"
	"tevani/consent"
	"tevani/db"
	"tevani/invoice"
	"tevani/notify"
	"tevani/risk"
	"tevani/trrf"
)

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

	outbox := notify.NewOutbox(pool)
	allocator := trrf.NewAllocator(pool, trrf.NewRepository(pool), trrf.DefaultConfig())
	consents := consent.NewService(pool, consent.NewRepository(pool), outbox, consent.DefaultConfig())
	ledger := invoice.NewLedger(pool, invoice.NewRepository(pool), risk.NewEngine(risk.DefaultConfig()), consents, allocator)
	authSvc := auth.NewService(auth.NewRepository(pool), jwtSecret)

	server := &Server{
		authService:    authSvc,
		ledgerService:  ledger,
		consentService: consents,
		trrfService:    allocator,
	}

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweepInterval := time.Minute
	if raw := os.Getenv("SWEEP_INTERVAL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("parse SWEEP_INTERVAL: %v", err)
		}
		sweepInterval = parsed
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("api listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Passive-consent sweep: windows that elapse without a buyer response
	// resolve to passive approval on this cadence.
	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n, err := consents.SweepPassive(gctx, time.Now())
				if err != nil {
					log.Printf("consent sweep: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("consent sweep resolved %d window(s)", n)
				}
			}
		}
	})

	g.Go(func() error {
		worker := notify.NewWorker(pool, notify.LogSender{})
		if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("api terminated: %v", err)
	}
}
