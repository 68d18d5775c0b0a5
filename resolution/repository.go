package resolution

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository stores the handle -> dispute mapping in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed correlator repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert records a fresh handle for the dispute. The partial unique index on
// open requests rejects a concurrent second open for the same dispute.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, handle string, disputeID int64) error {
	const q = `
		INSERT INTO resolution_requests (handle, dispute_id)
		VALUES ($1::uuid, $2)
	`
	if _, err := tx.Exec(ctx, q, handle, disputeID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyRequested
		}
		return fmt.Errorf("resolution: insert request: %w", err)
	}
	return nil
}

// Consume closes the mapping and returns the dispute id. The conditional
// update makes a handle consumable at most once, even under concurrent
// deliveries racing on the same handle.
func (r *PGRepository) Consume(ctx context.Context, tx pgx.Tx, handle string) (int64, error) {
	const q = `
		UPDATE resolution_requests
		SET consumed_at = now()
		WHERE handle = $1::uuid AND consumed_at IS NULL
		RETURNING dispute_id
	`
	var disputeID int64
	if err := tx.QueryRow(ctx, q, handle).Scan(&disputeID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUnknownHandle
		}
		// 22P02: the presented handle is not even a uuid.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
			return 0, ErrUnknownHandle
		}
		return 0, fmt.Errorf("resolution: consume request: %w", err)
	}
	return disputeID, nil
}
