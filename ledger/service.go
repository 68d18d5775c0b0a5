package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service exposes the account-facing ledger operations. Escrow movement is
// not reachable here; it only happens inside dispute transactions.
type Service struct {
	pool TxBeginner
	repo *Repository
}

// NewService builds a ledger service over the repository.
func NewService(pool TxBeginner, repo *Repository) *Service {
	return &Service{pool: pool, repo: repo}
}

// Open ensures the party has a ledger account.
func (s *Service) Open(ctx context.Context, partyID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.CreateAccount(ctx, tx, partyID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit open: %w", err)
	}
	return nil
}

// Deposit credits funds to the party's account and returns the new balance.
func (s *Service) Deposit(ctx context.Context, partyID string, amount int64) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := s.repo.Credit(ctx, tx, partyID, amount)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("ledger: commit deposit: %w", err)
	}
	return balance, nil
}

// Balance returns the party's current account balance.
func (s *Service) Balance(ctx context.Context, partyID string) (int64, error) {
	return s.repo.Balance(ctx, partyID)
}

// Held returns the value escrowed for a dispute.
func (s *Service) Held(ctx context.Context, disputeID int64) (int64, error) {
	return s.repo.Held(ctx, disputeID)
}
