package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements Repository backed by PostgreSQL. Mutating methods
// are tx-scoped; the service owns the surrounding transaction so no partial
// mutation is ever observable.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed dispute repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const disputeColumns = `
	id, party_a::text, party_b::text, amount, case_a, case_b,
	request_handle::text, is_resolved, winner::text, created_at, resolved_at
`

// Insert allocates a new dispute row for party A and returns it.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, partyA string, amount int64) (Record, error) {
	const q = `
		INSERT INTO disputes (party_a, amount)
		VALUES ($1::uuid, $2)
		RETURNING ` + disputeColumns

	rec, err := scanDispute(tx.QueryRow(ctx, q, partyA, amount))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return rec, nil
}

// GetForUpdate loads a dispute row and locks it for the rest of the
// transaction, serializing all operations touching the same dispute.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Record, error) {
	const q = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`

	rec, err := scanDispute(tx.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return rec, nil
}

// Get returns a dispute without locking it.
func (r *PGRepository) Get(ctx context.Context, id int64) (Record, error) {
	const q = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`

	rec, err := scanDispute(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// List returns disputes newest first, up to limit.
func (r *PGRepository) List(ctx context.Context, limit int) ([]Record, error) {
	q := `SELECT ` + disputeColumns + ` FROM disputes ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// NextID reports the id the next created dispute will receive.
func (r *PGRepository) NextID(ctx context.Context) (int64, error) {
	const q = `SELECT COALESCE(MAX(id), 0) + 1 FROM disputes`
	var next int64
	if err := r.pool.QueryRow(ctx, q).Scan(&next); err != nil {
		return 0, fmt.Errorf("dispute: next id: %w", err)
	}
	return next, nil
}

// SetPartyB binds the joining party. The caller holds the row lock and has
// already verified party B is unset.
func (r *PGRepository) SetPartyB(ctx context.Context, tx pgx.Tx, id int64, partyB string) error {
	const q = `UPDATE disputes SET party_b = $2::uuid WHERE id = $1 AND party_b IS NULL`
	tag, err := tx.Exec(ctx, q, id, partyB)
	if err != nil {
		return fmt.Errorf("dispute: set party b: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyJoined
	}
	return nil
}

// SetCaseA stores party A's statement, first write wins.
func (r *PGRepository) SetCaseA(ctx context.Context, tx pgx.Tx, id int64, text string) error {
	const q = `UPDATE disputes SET case_a = $2 WHERE id = $1 AND case_a = ''`
	tag, err := tx.Exec(ctx, q, id, text)
	if err != nil {
		return fmt.Errorf("dispute: set case a: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadySubmitted
	}
	return nil
}

// SetCaseB stores party B's statement, first write wins.
func (r *PGRepository) SetCaseB(ctx context.Context, tx pgx.Tx, id int64, text string) error {
	const q = `UPDATE disputes SET case_b = $2 WHERE id = $1 AND case_b = ''`
	tag, err := tx.Exec(ctx, q, id, text)
	if err != nil {
		return fmt.Errorf("dispute: set case b: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadySubmitted
	}
	return nil
}

// SetRequestHandle stamps the outstanding resolution handle onto the dispute.
func (r *PGRepository) SetRequestHandle(ctx context.Context, tx pgx.Tx, id int64, handle string) error {
	const q = `UPDATE disputes SET request_handle = $2::uuid WHERE id = $1 AND request_handle IS NULL`
	tag, err := tx.Exec(ctx, q, id, handle)
	if err != nil {
		return fmt.Errorf("dispute: set request handle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyRequested
	}
	return nil
}

// MarkResolved flips the dispute to its terminal state. The conditional
// update backs the exactly-once guarantee even if a guard were bypassed.
func (r *PGRepository) MarkResolved(ctx context.Context, tx pgx.Tx, id int64, winner string) (time.Time, error) {
	const q = `
		UPDATE disputes
		SET is_resolved = TRUE, winner = $2::uuid, resolved_at = now()
		WHERE id = $1 AND is_resolved = FALSE
		RETURNING resolved_at
	`
	var resolvedAt time.Time
	if err := tx.QueryRow(ctx, q, id, winner).Scan(&resolvedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrAlreadyResolved
		}
		return time.Time{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return resolvedAt, nil
}

// AppendEvent records an immutable dispute event with a per-dispute monotonic
// sequence number.
func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, disputeID int64, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispute: marshal event payload: %w", err)
	}

	const q = `
		INSERT INTO dispute_events (dispute_id, seq, type, actor_id, payload)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3::uuid, $4::jsonb
		FROM dispute_events
		WHERE dispute_id = $1
	`
	var actor any
	if actorID != nil {
		actor = *actorID
	}
	if _, err := tx.Exec(ctx, q, disputeID, eventType, actor, body); err != nil {
		return fmt.Errorf("dispute: insert event: %w", err)
	}
	return nil
}

// EnqueueOutbox writes a transactional outbox entry for downstream delivery.
func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispute: marshal outbox payload: %w", err)
	}

	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("dispute: enqueue outbox: %w", err)
	}
	return nil
}

// Events returns the event log for a dispute in sequence order.
func (r *PGRepository) Events(ctx context.Context, disputeID int64) ([]Event, error) {
	const q = `
		SELECT id, dispute_id, seq, type, actor_id::text, payload, created_at
		FROM dispute_events
		WHERE dispute_id = $1
		ORDER BY seq
	`
	rows, err := r.pool.Query(ctx, q, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &ev.Seq, &ev.Type, &ev.ActorID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate events: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.PartyA,
		&rec.PartyB,
		&rec.Amount,
		&rec.CaseA,
		&rec.CaseB,
		&rec.RequestHandle,
		&rec.IsResolved,
		&rec.Winner,
		&rec.CreatedAt,
		&rec.ResolvedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
