package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"tevani/consent"
	"tevani/invoice"
	"tevani/notify"
	"tevani/risk"
	"tevani/test/actors"
	"tevani/test/chaos"
	"tevani/test/infra"
	"tevani/test/oracles"
	"tevani/trrf"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestMarketplaceConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	sellerID := mustSeed(t, ctx, pool)

	outbox := notify.NewOutbox(pool)
	allocator := trrf.NewAllocator(pool, trrf.NewRepository(pool), trrf.DefaultConfig())
	consents := consent.NewService(pool, consent.NewRepository(pool), outbox, consent.DefaultConfig())
	ledger := invoice.NewLedger(pool, invoice.NewRepository(pool), risk.NewEngine(risk.DefaultConfig()), consents, allocator)
	worker := notify.NewWorker(pool, notify.LogSender{})

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// sellers feeding the pipeline, responders and funders racing over it
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Seller(ctx2, ledger, sellerID, stop) })
		g.Go(func() error { return actors.Responder(ctx2, pool, consents, stop) })
		g.Go(func() error { return actors.Funder(ctx2, pool, ledger, stop) })
	}

	// sweeper with the clock pushed past the consent window so fresh
	// windows count as expired and race explicit responses
	g.Go(func() error {
		return actors.Sweeper(ctx2, consents, consent.DefaultConfig().Window+time.Hour, stop)
	})
	g.Go(func() error { return actors.Settler(ctx2, pool, ledger, stop) })
	g.Go(func() error { return actors.Rejector(ctx2, pool, ledger, stop) })
	g.Go(func() error { return actors.Flagger(ctx2, pool, ledger, stop) })
	g.Go(func() error { return actors.DisbursalAdmin(ctx2, allocator, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, worker, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, "", stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) string {
	t.Helper()
	var sellerID string
	err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Stress Seller', 'seller') RETURNING id`,
		fmt.Sprintf("seller%d@example.com", rand.Int63())).Scan(&sellerID)
	if err != nil {
		t.Fatalf("seed seller: %v", err)
	}
	return sellerID
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"invoices", `SELECT id, status, amount, funded_amount, available_amount, trust_score, risk_tier FROM invoices ORDER BY updated_at DESC LIMIT 50`},
		{"consent_records", `SELECT id, invoice_id, status, window_end FROM consent_records ORDER BY created_at DESC LIMIT 50`},
		{"consent_events", `SELECT id, consent_id, seq, kind, created_at FROM consent_events ORDER BY id DESC LIMIT 50`},
		{"trrf_pool", `SELECT id, total_pool, utilized, available FROM trrf_pool`},
		{"trrf_reservations", `SELECT id, invoice_id, amount, tier, status FROM trrf_reservations ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
