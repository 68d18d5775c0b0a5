package resolution

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/dispute"
)

var (
	// ErrNotReady signals a resolution request before both cases were submitted.
	ErrNotReady = errors.New("resolution: both cases must be submitted")
	// ErrAlreadyRequested signals that a handle was already issued for the dispute.
	ErrAlreadyRequested = errors.New("resolution: request already outstanding")
	// ErrUnknownHandle signals a handle that was never issued or is already consumed.
	ErrUnknownHandle = errors.New("resolution: unknown handle")
)

// Repository defines the persistence the correlator needs.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, handle string, disputeID int64) error
	Consume(ctx context.Context, tx pgx.Tx, handle string) (int64, error)
}

// Registry is the slice of the dispute registry the correlator writes to.
type Registry interface {
	SetRequestHandle(ctx context.Context, tx pgx.Tx, id int64, handle string) error
}

// Correlator issues and tracks outstanding resolution requests. Callbacks are
// validated purely by handle lookup, so a duplicate or spoofed delivery has to
// guess a live handle, not merely a dispute id.
type Correlator struct {
	repo     Repository
	registry Registry
}

// NewCorrelator builds the correlator over its repository and the dispute
// registry.
func NewCorrelator(repo Repository, registry Registry) *Correlator {
	return &Correlator{repo: repo, registry: registry}
}

// Open issues a fresh globally unique handle for the dispute. The caller
// holds the dispute's row lock and passes the locked record.
func (c *Correlator) Open(ctx context.Context, tx pgx.Tx, rec dispute.Record) (string, error) {
	if rec.RequestHandle != nil {
		return "", ErrAlreadyRequested
	}
	if rec.CaseA == "" || rec.CaseB == "" {
		return "", ErrNotReady
	}

	handle := uuid.NewString()
	if err := c.repo.Insert(ctx, tx, handle, rec.ID); err != nil {
		return "", err
	}
	if err := c.registry.SetRequestHandle(ctx, tx, rec.ID, handle); err != nil {
		if errors.Is(err, dispute.ErrAlreadyRequested) {
			return "", ErrAlreadyRequested
		}
		return "", err
	}
	return handle, nil
}

// Resolve consumes the handle and returns the dispute it correlates to.
// A handle resolves at most once; every later call fails with ErrUnknownHandle.
func (c *Correlator) Resolve(ctx context.Context, tx pgx.Tx, handle string) (int64, error) {
	return c.repo.Consume(ctx, tx, handle)
}
