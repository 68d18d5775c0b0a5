package test

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/arbitration"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/resolution"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

const (
	oracleKey   = "stress-relay-key"
	seedBalance = int64(100_000)
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestEscrowConcurrency(t *testing.T) {
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

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(pool, ledgerRepo)
	disputeRepo := dispute.NewRepository(pool)
	disputeService := dispute.NewService(pool, disputeRepo, ledgerRepo)
	correlator := resolution.NewCorrelator(resolution.NewRepository(pool), disputeRepo)
	gateway := arbitration.NewGateway(pool, disputeService, correlator, oracleKey, logger)

	partyA, partyB := mustSeed(t, ctx, pool, ledgerService)

	// In-process stand-in for the LLM adapter: picks a random party and
	// occasionally misbehaves the way a flaky upstream would.
	adapter := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID   string `json:"id"`
			Data struct {
				DisputeID int64  `json:"disputeId"`
				PartyA    string `json:"partyA"`
				PartyB    string `json:"partyB"`
			} `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch rand.Intn(10) {
		case 0:
			http.Error(w, "model overloaded", http.StatusInternalServerError)
			return
		case 1:
			// Prose instead of an identity; must be rejected, never defaulted.
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jobRunID": req.ID,
				"data": map[string]any{
					"winner":    "the first party has the stronger argument",
					"analysis":  "free-form prose",
					"disputeId": req.Data.DisputeID,
				},
			})
			return
		}
		winner := req.Data.PartyA
		if rand.Intn(2) == 0 {
			winner = req.Data.PartyB
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jobRunID": req.ID,
			"data": map[string]any{
				"winner":    winner,
				"analysis":  fmt.Sprintf("dispute %d considered", req.Data.DisputeID),
				"disputeId": req.Data.DisputeID,
			},
		})
	}))
	defer adapter.Close()

	client := arbitration.NewClient(adapter.URL, 10*time.Second)
	dispatcher := arbitration.NewDispatcher(client, gateway, nil, oracleKey, 4, logger)
	gateway.SetDispatcher(dispatcher)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	var funded atomic.Int64

	g.Go(func() error { return dispatcher.Run(runCtx) })

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Creator(ctx2, disputeService, partyA, stop) })
		g.Go(func() error { return actors.Joiner(ctx2, disputeService, partyB, stop) })
	}
	g.Go(func() error { return actors.Funder(ctx2, ledgerService, partyA, &funded, stop) })
	g.Go(func() error { return actors.Funder(ctx2, ledgerService, partyB, &funded, stop) })
	g.Go(func() error { return actors.Advocate(ctx2, disputeService, partyA, stop) })
	g.Go(func() error { return actors.Advocate(ctx2, disputeService, partyB, stop) })
	g.Go(func() error { return actors.Resolver(ctx2, disputeService, gateway, partyA, stop) })
	g.Go(func() error { return actors.Spoofer(ctx2, gateway, partyA, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

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
	cancelRun()
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	// Money conservation: every unit in the system was deposited, and
	// settlement only moves units between balances and holds.
	var total int64
	if err := pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT SUM(balance) FROM accounts), 0) + COALESCE((SELECT SUM(held) FROM escrow_holds), 0)`,
	).Scan(&total); err != nil {
		t.Fatalf("conservation query: %v", err)
	}
	expected := 2*seedBalance + funded.Load()
	if total != expected {
		dumpRecent(t, ctx, pool)
		t.Fatalf("money not conserved: have %d, expected %d (seed=%d)", total, expected, seed)
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

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, ledgerService *ledger.Service) (string, string) {
	t.Helper()

	newParty := func(label string) string {
		var id string
		err := pool.QueryRow(ctx,
			`INSERT INTO parties (email, display_name, password_hash) VALUES ($1, $2, 'x') RETURNING id::text`,
			fmt.Sprintf("%s-%d@example.com", label, rand.Int63()), label,
		).Scan(&id)
		if err != nil {
			t.Fatalf("seed party %s: %v", label, err)
		}
		if err := ledgerService.Open(ctx, id); err != nil {
			t.Fatalf("open account %s: %v", label, err)
		}
		if _, err := ledgerService.Deposit(ctx, id, seedBalance); err != nil {
			t.Fatalf("fund account %s: %v", label, err)
		}
		return id
	}

	return newParty("party-a"), newParty("party-b")
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"disputes", `SELECT id, party_b IS NOT NULL AS joined, amount, is_resolved, winner, request_handle FROM disputes ORDER BY id DESC LIMIT 50`},
		{"escrow_holds", `SELECT dispute_id, held FROM escrow_holds ORDER BY dispute_id DESC LIMIT 50`},
		{"resolution_requests", `SELECT handle, dispute_id, opened_at, consumed_at FROM resolution_requests ORDER BY opened_at DESC LIMIT 50`},
		{"dispute_events", `SELECT id, dispute_id, seq, type, created_at FROM dispute_events ORDER BY id DESC LIMIT 50`},
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
