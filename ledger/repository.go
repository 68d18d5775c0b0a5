package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNoAccount signals that the party has no ledger account.
	ErrNoAccount = errors.New("ledger: account not found")
	// ErrInsufficientFunds signals that a debit would drive the balance negative.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrBadAmount signals a non-positive amount.
	ErrBadAmount = errors.New("ledger: amount must be positive")
)

// Repository is the only component allowed to move value. Mutating methods are
// tx-scoped so callers compose them into their own transaction; a failed
// transaction leaves balances and holds untouched.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed ledger.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateAccount ensures a zero-balance account exists for the party.
func (r *Repository) CreateAccount(ctx context.Context, tx pgx.Tx, partyID string) error {
	const q = `
		INSERT INTO accounts (party_id, balance)
		VALUES ($1::uuid, 0)
		ON CONFLICT (party_id) DO NOTHING
	`
	if _, err := tx.Exec(ctx, q, partyID); err != nil {
		return fmt.Errorf("ledger: create account: %w", err)
	}
	return nil
}

// Credit adds funds to a party's account and returns the new balance.
func (r *Repository) Credit(ctx context.Context, tx pgx.Tx, partyID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrBadAmount
	}

	const q = `
		UPDATE accounts
		SET balance = balance + $2
		WHERE party_id = $1::uuid
		RETURNING balance
	`
	var balance int64
	if err := tx.QueryRow(ctx, q, partyID, amount).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoAccount
		}
		return 0, fmt.Errorf("ledger: credit: %w", err)
	}
	return balance, nil
}

// Debit removes funds from a party's account. The conditional update keeps the
// balance check and the write atomic under concurrent debits.
func (r *Repository) Debit(ctx context.Context, tx pgx.Tx, partyID string, amount int64) error {
	if amount <= 0 {
		return ErrBadAmount
	}

	const q = `
		UPDATE accounts
		SET balance = balance - $2
		WHERE party_id = $1::uuid AND balance >= $2
	`
	tag, err := tx.Exec(ctx, q, partyID, amount)
	if err != nil {
		return fmt.Errorf("ledger: debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		const exists = `SELECT 1 FROM accounts WHERE party_id = $1::uuid`
		var one int
		if scanErr := tx.QueryRow(ctx, exists, partyID).Scan(&one); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return ErrNoAccount
			}
			return fmt.Errorf("ledger: debit check: %w", scanErr)
		}
		return ErrInsufficientFunds
	}
	return nil
}

// AddHold escrows value against a dispute id.
func (r *Repository) AddHold(ctx context.Context, tx pgx.Tx, disputeID int64, amount int64) error {
	if amount <= 0 {
		return ErrBadAmount
	}

	const q = `
		INSERT INTO escrow_holds (dispute_id, held)
		VALUES ($1, $2)
		ON CONFLICT (dispute_id) DO UPDATE SET held = escrow_holds.held + EXCLUDED.held
	`
	if _, err := tx.Exec(ctx, q, disputeID, amount); err != nil {
		return fmt.Errorf("ledger: add hold: %w", err)
	}
	return nil
}

// ReleaseHold zeroes the escrow held for a dispute and returns the amount released.
func (r *Repository) ReleaseHold(ctx context.Context, tx pgx.Tx, disputeID int64) (int64, error) {
	const q = `
		UPDATE escrow_holds e
		SET held = 0
		FROM (SELECT dispute_id, held FROM escrow_holds WHERE dispute_id = $1 FOR UPDATE) prev
		WHERE e.dispute_id = prev.dispute_id
		RETURNING prev.held
	`
	var released int64
	if err := tx.QueryRow(ctx, q, disputeID).Scan(&released); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("ledger: release hold: no hold for dispute %d", disputeID)
		}
		return 0, fmt.Errorf("ledger: release hold: %w", err)
	}
	return released, nil
}

// Balance returns a party's current account balance.
func (r *Repository) Balance(ctx context.Context, partyID string) (int64, error) {
	const q = `SELECT balance FROM accounts WHERE party_id = $1::uuid`
	var balance int64
	if err := r.pool.QueryRow(ctx, q, partyID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoAccount
		}
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return balance, nil
}

// Held returns the value currently escrowed for a dispute. Disputes with no
// hold row report zero.
func (r *Repository) Held(ctx context.Context, disputeID int64) (int64, error) {
	const q = `SELECT held FROM escrow_holds WHERE dispute_id = $1`
	var held int64
	if err := r.pool.QueryRow(ctx, q, disputeID).Scan(&held); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("ledger: held: %w", err)
	}
	return held, nil
}
