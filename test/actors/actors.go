package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/arbitration"
	"escrowflow/dispute"
	"escrowflow/ledger"
)

// Amounts the creator picks from. Joiners must guess the exact figure, so a
// small set keeps the join rate useful while still exercising mismatches.
var amounts = []int64{50, 100, 250}

// Funder tops up a party's account and records the added total so the final
// conservation check knows how much money entered the system.
func Funder(ctx context.Context, svc *ledger.Service, partyID string, funded *atomic.Int64, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		amount := amounts[rand.Intn(len(amounts))]
		if _, err := svc.Deposit(ctx, partyID, amount); err == nil {
			funded.Add(amount)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Creator opens disputes on behalf of party A. Insufficient funds is a normal
// outcome when the funder falls behind.
func Creator(ctx context.Context, svc *dispute.Service, partyA string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = svc.Create(ctx, partyA, amounts[rand.Intn(len(amounts))])
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Joiner scans recent disputes and tries to join as party B. Most attempts
// use the matching deposit; some deliberately mismatch to probe the guard.
func Joiner(ctx context.Context, svc *dispute.Service, partyB string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		recs, err := svc.List(ctx, 20)
		if err == nil {
			for _, rec := range recs {
				if rec.PartyB != nil {
					continue
				}
				deposit := rec.Amount
				if rand.Intn(10) == 0 {
					deposit = rec.Amount + 1
				}
				_, _ = svc.Join(ctx, partyB, rec.ID, deposit)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Advocate submits a case for every joined dispute the party is in. Repeat
// submissions are expected to bounce; the first text must stick.
func Advocate(ctx context.Context, svc *dispute.Service, partyID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		recs, err := svc.List(ctx, 20)
		if err == nil {
			for _, rec := range recs {
				if rec.PartyB == nil || rec.IsResolved || !rec.IsParty(partyID) {
					continue
				}
				text := fmt.Sprintf("statement from %s for dispute %d", partyID, rec.ID)
				_ = svc.SubmitCase(ctx, partyID, rec.ID, text)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Resolver requests resolution for every fully argued dispute, repeatedly.
// Only the first request per dispute may win; the rest must conflict.
func Resolver(ctx context.Context, svc *dispute.Service, gw *arbitration.Gateway, partyA string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		recs, err := svc.List(ctx, 20)
		if err == nil {
			for _, rec := range recs {
				if rec.Status() != dispute.StatusCasesComplete {
					continue
				}
				_, _ = gw.RequestResolution(ctx, partyA, rec.ID)
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Spoofer plays a hostile relay: wrong credential, guessed handles. A single
// accepted delivery is a failure of the whole exercise.
func Spoofer(ctx context.Context, gw *arbitration.Gateway, partyA string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := gw.DeliverVerdict(ctx, "forged-credential", uuid.NewString(), partyA, "spoof")
		if err == nil {
			return fmt.Errorf("spoofed verdict was accepted")
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED, simulating
// occasional delivery failures that bump the attempt counter.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
