package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrNotFound signals that the dispute id is unknown.
	ErrNotFound = errors.New("dispute: not found")
	// ErrBadAmount signals a non-positive deposit.
	ErrBadAmount = errors.New("dispute: deposit must be positive")
	// ErrAlreadyJoined signals that party B is already bound.
	ErrAlreadyJoined = errors.New("dispute: already joined")
	// ErrDepositMismatch signals that the joining deposit does not match party A's.
	ErrDepositMismatch = errors.New("dispute: deposit must match initial deposit")
	// ErrNotJoined signals case submission before party B joined.
	ErrNotJoined = errors.New("dispute: not joined yet")
	// ErrNotAParty signals the caller is neither bound party.
	ErrNotAParty = errors.New("dispute: caller is not a party")
	// ErrEmptyCase signals an empty case statement.
	ErrEmptyCase = errors.New("dispute: case text must not be empty")
	// ErrAlreadySubmitted signals a second case submission by the same party.
	ErrAlreadySubmitted = errors.New("dispute: case already submitted")
	// ErrAlreadyRequested signals that a resolution handle was already issued.
	ErrAlreadyRequested = errors.New("dispute: resolution already requested")
	// ErrAlreadyResolved signals a verdict against a settled dispute.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	// ErrInvalidWinner signals a verdict naming a non-party.
	ErrInvalidWinner = errors.New("dispute: winner must be one of the parties")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the service.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, partyA string, amount int64) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Record, error)
	Get(ctx context.Context, id int64) (Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
	NextID(ctx context.Context) (int64, error)
	SetPartyB(ctx context.Context, tx pgx.Tx, id int64, partyB string) error
	SetCaseA(ctx context.Context, tx pgx.Tx, id int64, text string) error
	SetCaseB(ctx context.Context, tx pgx.Tx, id int64, text string) error
	MarkResolved(ctx context.Context, tx pgx.Tx, id int64, winner string) (time.Time, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, disputeID int64, eventType string, actorID *string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Ledger is the slice of the funds ledger the registry needs. All methods are
// tx-scoped so deposits and payouts commit or roll back with the dispute write.
type Ledger interface {
	Debit(ctx context.Context, tx pgx.Tx, partyID string, amount int64) error
	Credit(ctx context.Context, tx pgx.Tx, partyID string, amount int64) (int64, error)
	AddHold(ctx context.Context, tx pgx.Tx, disputeID int64, amount int64) error
	ReleaseHold(ctx context.Context, tx pgx.Tx, disputeID int64) (int64, error)
}

// Service owns dispute records and their lifecycle state. It is the only
// writer of the disputes table; funds move exclusively through the ledger.
type Service struct {
	pool   TxBeginner
	repo   Repository
	ledger Ledger
}

// NewService builds the dispute registry service.
func NewService(pool TxBeginner, repo Repository, ledger Ledger) *Service {
	return &Service{pool: pool, repo: repo, ledger: ledger}
}

// Create opens a new dispute funded by the caller's deposit.
func (s *Service) Create(ctx context.Context, caller string, amount int64) (Record, error) {
	if amount <= 0 {
		return Record{}, ErrBadAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ledger.Debit(ctx, tx, caller, amount); err != nil {
		return Record{}, err
	}

	rec, err := s.repo.Insert(ctx, tx, caller, amount)
	if err != nil {
		return Record{}, err
	}

	if err := s.ledger.AddHold(ctx, tx, rec.ID, amount); err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"dispute_id": rec.ID,
		"party_a":    rec.PartyA,
		"amount":     rec.Amount,
	}
	if err := s.repo.AppendEvent(ctx, tx, rec.ID, EventDisputeCreated, &caller, payload); err != nil {
		return Record{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicCreated, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit create: %w", err)
	}
	return rec, nil
}

// Join binds the caller as party B. The deposit must match party A's exactly;
// on any failure no balance changes.
func (s *Service) Join(ctx context.Context, caller string, disputeID int64, amount int64) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.PartyB != nil {
		return Record{}, ErrAlreadyJoined
	}
	if amount != rec.Amount {
		return Record{}, ErrDepositMismatch
	}

	if err := s.ledger.Debit(ctx, tx, caller, amount); err != nil {
		return Record{}, err
	}
	if err := s.repo.SetPartyB(ctx, tx, disputeID, caller); err != nil {
		return Record{}, err
	}
	if err := s.ledger.AddHold(ctx, tx, disputeID, amount); err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"dispute_id": disputeID,
		"party_b":    caller,
	}
	if err := s.repo.AppendEvent(ctx, tx, disputeID, EventPartyJoined, &caller, payload); err != nil {
		return Record{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicJoined, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit join: %w", err)
	}

	rec.PartyB = &caller
	return rec, nil
}

// SubmitCase stores a party's statement. Each side is settable exactly once,
// only by the bound party, and only after both parties joined.
func (s *Service) SubmitCase(ctx context.Context, caller string, disputeID int64, text string) error {
	if text == "" {
		return ErrEmptyCase
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	if rec.PartyB == nil {
		return ErrNotJoined
	}
	if !rec.IsParty(caller) {
		return ErrNotAParty
	}

	switch caller {
	case rec.PartyA:
		if rec.CaseA != "" {
			return ErrAlreadySubmitted
		}
		if err := s.repo.SetCaseA(ctx, tx, disputeID, text); err != nil {
			return err
		}
	default:
		if rec.CaseB != "" {
			return ErrAlreadySubmitted
		}
		if err := s.repo.SetCaseB(ctx, tx, disputeID, text); err != nil {
			return err
		}
	}

	payload := map[string]any{
		"dispute_id": disputeID,
		"party":      caller,
		"text":       text,
	}
	if err := s.repo.AppendEvent(ctx, tx, disputeID, EventCaseSubmitted, &caller, payload); err != nil {
		return err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicCaseSubmitted, map[string]any{
		"dispute_id": disputeID,
		"party":      caller,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit case: %w", err)
	}
	return nil
}

// NoteResolutionRequested records the request event once the correlator has
// issued a handle. Runs inside the caller's transaction.
func (s *Service) NoteResolutionRequested(ctx context.Context, tx pgx.Tx, disputeID int64, handle string, caller string) error {
	payload := map[string]any{
		"dispute_id": disputeID,
		"handle":     handle,
	}
	if err := s.repo.AppendEvent(ctx, tx, disputeID, EventResolutionRequested, &caller, payload); err != nil {
		return err
	}
	return s.repo.EnqueueOutbox(ctx, tx, OutboxTopicRequested, payload)
}

// ApplyVerdict finalizes a dispute and pays the full held pot to the winner.
// It is designed to be invoked inside the caller's transaction (the
// arbitration gateway's delivery transaction) so the handle consumption, the
// state flip and the payout are all-or-nothing. Resolved state is written
// before the transfer; anything re-entering mid-transfer sees an already
// resolved dispute and is rejected.
func (s *Service) ApplyVerdict(ctx context.Context, tx pgx.Tx, disputeID int64, winner string) (Record, error) {
	rec, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.IsResolved {
		return Record{}, ErrAlreadyResolved
	}
	if !rec.IsParty(winner) {
		return Record{}, ErrInvalidWinner
	}

	resolvedAt, err := s.repo.MarkResolved(ctx, tx, disputeID, winner)
	if err != nil {
		return Record{}, err
	}

	released, err := s.ledger.ReleaseHold(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if _, err := s.ledger.Credit(ctx, tx, winner, released); err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"dispute_id": disputeID,
		"winner":     winner,
		"payout":     released,
	}
	if err := s.repo.AppendEvent(ctx, tx, disputeID, EventDisputeResolved, nil, payload); err != nil {
		return Record{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicResolved, payload); err != nil {
		return Record{}, err
	}

	rec.IsResolved = true
	rec.Winner = &winner
	rec.ResolvedAt = &resolvedAt
	return rec, nil
}

// Lock loads a dispute under its row lock inside the caller's transaction.
func (s *Service) Lock(ctx context.Context, tx pgx.Tx, disputeID int64) (Record, error) {
	return s.repo.GetForUpdate(ctx, tx, disputeID)
}

// Get returns a dispute's full record.
func (s *Service) Get(ctx context.Context, disputeID int64) (Record, error) {
	return s.repo.Get(ctx, disputeID)
}

// List returns disputes newest first, up to limit.
func (s *Service) List(ctx context.Context, limit int) ([]Record, error) {
	return s.repo.List(ctx, limit)
}

// NextID reports the next dispute id to be assigned.
func (s *Service) NextID(ctx context.Context) (int64, error) {
	return s.repo.NextID(ctx)
}
