package dispute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/ledger"
)

// TestDisputeLifecycle_Integration connects to a real PostgreSQL via
// DATABASE_URL and drives a dispute from creation through settlement against
// the actual schema, including the conditional-update guards the unit fakes
// only mimic.
func TestDisputeLifecycle_Integration(t *testing.T) {
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

	if !tableExists(ctx, t, pool, "disputes") || !tableExists(ctx, t, pool, "accounts") || !tableExists(ctx, t, pool, "escrow_holds") {
		t.Skip("database schema missing; apply migrations from migrations/ first")
	}

	seedParty := func(label string) string {
		var id string
		err := pool.QueryRow(ctx,
			`INSERT INTO parties (email, display_name, password_hash) VALUES ($1, $2, 'x') RETURNING id::text`,
			fmt.Sprintf("%s+%d@example.com", label, time.Now().UnixNano()), label,
		).Scan(&id)
		if err != nil {
			t.Fatalf("seed party %s: %v", label, err)
		}
		return id
	}
	partyA := seedParty("itest-a")
	partyB := seedParty("itest-b")

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(pool, ledgerRepo)
	svc := NewService(pool, NewRepository(pool), ledgerRepo)

	for _, id := range []string{partyA, partyB} {
		if err := ledgerService.Open(ctx, id); err != nil {
			t.Fatalf("open account: %v", err)
		}
		if _, err := ledgerService.Deposit(ctx, id, 500); err != nil {
			t.Fatalf("fund account: %v", err)
		}
	}

	rec, err := svc.Create(ctx, partyA, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM dispute_events WHERE dispute_id = $1`, rec.ID)
		pool.Exec(ctx2, `DELETE FROM resolution_requests WHERE dispute_id = $1`, rec.ID)
		pool.Exec(ctx2, `DELETE FROM escrow_holds WHERE dispute_id = $1`, rec.ID)
		pool.Exec(ctx2, `DELETE FROM disputes WHERE id = $1`, rec.ID)
		pool.Exec(ctx2, `DELETE FROM accounts WHERE party_id::text IN ($1, $2)`, partyA, partyB)
		pool.Exec(ctx2, `DELETE FROM parties WHERE id::text IN ($1, $2)`, partyA, partyB)
	})

	if balance, _ := ledgerService.Balance(ctx, partyA); balance != 400 {
		t.Fatalf("expected creator balance 400, got %d", balance)
	}
	if held, _ := ledgerService.Held(ctx, rec.ID); held != 100 {
		t.Fatalf("expected hold 100, got %d", held)
	}

	// Deposit mismatch is rejected by the service before any money moves.
	if _, err := svc.Join(ctx, partyB, rec.ID, 150); !errors.Is(err, ErrDepositMismatch) {
		t.Fatalf("expected ErrDepositMismatch, got %v", err)
	}
	if balance, _ := ledgerService.Balance(ctx, partyB); balance != 500 {
		t.Fatalf("mismatch must not debit, balance %d", balance)
	}

	if _, err := svc.Join(ctx, partyB, rec.ID, 100); err != nil {
		t.Fatalf("join: %v", err)
	}
	if held, _ := ledgerService.Held(ctx, rec.ID); held != 200 {
		t.Fatalf("expected hold 200 after join, got %d", held)
	}

	// The conditional UPDATE in the repository is the backstop against a
	// second joiner racing past the service guard.
	if _, err := svc.Join(ctx, partyA, rec.ID, 100); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}

	if err := svc.SubmitCase(ctx, partyA, rec.ID, "the goods never arrived"); err != nil {
		t.Fatalf("case a: %v", err)
	}
	if err := svc.SubmitCase(ctx, partyB, rec.ID, "tracking shows delivery"); err != nil {
		t.Fatalf("case b: %v", err)
	}
	if err := svc.SubmitCase(ctx, partyA, rec.ID, "revised"); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}

	got, err := svc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status() != StatusCasesComplete {
		t.Fatalf("expected cases complete, got %s", got.Status())
	}
	if got.CaseA != "the goods never arrived" {
		t.Fatalf("first case text must stick, got %q", got.CaseA)
	}

	// Settle in one transaction the way the gateway does.
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	resolved, err := svc.ApplyVerdict(ctx, tx, rec.ID, partyB)
	if err != nil {
		tx.Rollback(ctx)
		t.Fatalf("apply verdict: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if resolved.Winner == nil || *resolved.Winner != partyB {
		t.Fatalf("expected winner %s, got %+v", partyB, resolved.Winner)
	}

	if balance, _ := ledgerService.Balance(ctx, partyB); balance != 600 {
		t.Fatalf("winner must hold 600 after payout, got %d", balance)
	}
	if held, _ := ledgerService.Held(ctx, rec.ID); held != 0 {
		t.Fatalf("expected hold drained, got %d", held)
	}

	// A second verdict must hit the is_resolved backstop in SQL.
	tx2, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin second: %v", err)
	}
	if _, err := svc.ApplyVerdict(ctx, tx2, rec.ID, partyA); !errors.Is(err, ErrAlreadyResolved) {
		tx2.Rollback(ctx)
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	tx2.Rollback(ctx)

	// The timeline carries the full story in order.
	events, err := svc.repo.(*PGRepository).Events(ctx, rec.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	wantTypes := []string{
		EventDisputeCreated,
		EventPartyJoined,
		EventCaseSubmitted,
		EventCaseSubmitted,
		EventDisputeResolved,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(events))
	}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Fatalf("event %d: expected %s, got %s", i, wantTypes[i], ev.Type)
		}
		if ev.Seq != i+1 {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	if err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, name,
	).Scan(&exists); err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
