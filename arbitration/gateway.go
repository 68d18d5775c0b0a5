package arbitration

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"escrowflow/dispute"
)

var (
	// ErrUnauthorizedSource signals a verdict delivery that does not carry the
	// designated relay credential.
	ErrUnauthorizedSource = errors.New("arbitration: unauthorized verdict source")
	// ErrNotRequester signals a resolution request by anyone but party A.
	ErrNotRequester = errors.New("arbitration: only party A may request resolution")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Registry is the slice of the dispute registry the gateway drives.
type Registry interface {
	Lock(ctx context.Context, tx pgx.Tx, disputeID int64) (dispute.Record, error)
	NoteResolutionRequested(ctx context.Context, tx pgx.Tx, disputeID int64, handle string, caller string) error
	ApplyVerdict(ctx context.Context, tx pgx.Tx, disputeID int64, winner string) (dispute.Record, error)
}

// Correlator issues and consumes resolution handles.
type Correlator interface {
	Open(ctx context.Context, tx pgx.Tx, rec dispute.Record) (string, error)
	Resolve(ctx context.Context, tx pgx.Tx, handle string) (int64, error)
}

// JobDispatcher hands an accepted resolution request to the asynchronous leg.
type JobDispatcher interface {
	Dispatch(job Job)
}

// Gateway is the boundary between the escrow state machine and the external
// arbitration adapter. Requesting a resolution never waits for the verdict;
// delivery arrives later, correlated by handle, and settles in one
// transaction.
type Gateway struct {
	pool       TxBeginner
	registry   Registry
	correlator Correlator
	dispatcher JobDispatcher
	oracleKey  []byte
	log        *slog.Logger
}

// NewGateway builds the gateway. The dispatcher is attached afterwards since
// it needs the gateway as its verdict sink.
func NewGateway(pool TxBeginner, registry Registry, correlator Correlator, oracleKey string, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		pool:       pool,
		registry:   registry,
		correlator: correlator,
		oracleKey:  []byte(oracleKey),
		log:        log,
	}
}

// SetDispatcher attaches the asynchronous dispatcher.
func (g *Gateway) SetDispatcher(d JobDispatcher) {
	g.dispatcher = d
}

// RequestResolution opens a resolution request for the dispute and hands it
// to the dispatcher once the transaction committed. Only party A may drive
// resolution. The returned handle is the correlation token the eventual
// callback must present.
func (g *Gateway) RequestResolution(ctx context.Context, caller string, disputeID int64) (string, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := g.registry.Lock(ctx, tx, disputeID)
	if err != nil {
		return "", err
	}
	if caller != rec.PartyA {
		return "", ErrNotRequester
	}

	handle, err := g.correlator.Open(ctx, tx, rec)
	if err != nil {
		return "", err
	}
	if err := g.registry.NoteResolutionRequested(ctx, tx, disputeID, handle, caller); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("arbitration: commit request: %w", err)
	}

	job := Job{
		Handle:    handle,
		DisputeID: rec.ID,
		PartyA:    rec.PartyA,
		PartyB:    *rec.PartyB,
		CaseA:     rec.CaseA,
		CaseB:     rec.CaseB,
	}
	if g.dispatcher != nil {
		g.dispatcher.Dispatch(job)
	} else {
		g.log.Warn("no dispatcher attached, request stays pending", "dispute_id", rec.ID, "handle", handle)
	}

	return handle, nil
}

// DeliverVerdict is the callback entry point. The handle consumption and the
// verdict application share one transaction: if either fails, nothing is
// mutated, which is what makes duplicate and late callbacks harmless.
func (g *Gateway) DeliverVerdict(ctx context.Context, sourceKey string, handle string, winner string, rationale string) (dispute.Record, error) {
	if subtle.ConstantTimeCompare([]byte(sourceKey), g.oracleKey) != 1 {
		return dispute.Record{}, ErrUnauthorizedSource
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return dispute.Record{}, fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	disputeID, err := g.correlator.Resolve(ctx, tx, handle)
	if err != nil {
		return dispute.Record{}, err
	}

	rec, err := g.registry.ApplyVerdict(ctx, tx, disputeID, winner)
	if err != nil {
		return dispute.Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return dispute.Record{}, fmt.Errorf("arbitration: commit verdict: %w", err)
	}

	g.log.Info("verdict applied",
		"dispute_id", disputeID,
		"winner", winner,
		"rationale_len", len(rationale),
	)
	return rec, nil
}
