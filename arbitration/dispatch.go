package arbitration

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"escrowflow/dispute"
)

// Job carries everything the adapter needs to decide a dispute, plus the
// handle the verdict must be delivered against.
type Job struct {
	Handle    string
	DisputeID int64
	PartyA    string
	PartyB    string
	CaseA     string
	CaseB     string
}

// Arbiter produces a decision for a job. Implemented by Client; tests swap in
// fakes.
type Arbiter interface {
	Decide(ctx context.Context, job Job) (Decision, error)
}

// VerdictSink accepts a decided verdict. Implemented by Gateway.
type VerdictSink interface {
	DeliverVerdict(ctx context.Context, sourceKey string, handle string, winner string, rationale string) (dispute.Record, error)
}

// Dispatcher is the relay between committed resolution requests and the
// adapter. Many requests may be in flight at once; the guard ensures each
// adapter response is submitted at most once per handle, with the
// correlator's single-use semantics as the actual safety net underneath.
type Dispatcher struct {
	arbiter   Arbiter
	sink      VerdictSink
	guard     Guard
	oracleKey string
	workers   int
	jobs      chan Job
	log       *slog.Logger
}

// NewDispatcher builds a dispatcher with the given worker count.
func NewDispatcher(arbiter Arbiter, sink VerdictSink, guard Guard, oracleKey string, workers int, log *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if guard == nil {
		guard = NewMemoryGuard()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		arbiter:   arbiter,
		sink:      sink,
		guard:     guard,
		oracleKey: oracleKey,
		workers:   workers,
		jobs:      make(chan Job, 256),
		log:       log,
	}
}

// Dispatch enqueues a job without blocking the caller. The requesting
// transaction has already committed; the handle stays open until a verdict
// lands, so a slow queue only delays settlement.
func (d *Dispatcher) Dispatch(job Job) {
	select {
	case d.jobs <- job:
	default:
		go func() { d.jobs <- job }()
	}
}

// Run drains jobs with a worker pool until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case job := <-d.jobs:
					d.deliver(ctx, job)
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, job Job) {
	first, err := d.guard.First(ctx, job.Handle)
	if err != nil {
		d.log.Error("submission guard failed", "handle", job.Handle, "err", err)
		return
	}
	if !first {
		d.log.Info("duplicate submission suppressed", "handle", job.Handle)
		return
	}

	decision, err := d.arbiter.Decide(ctx, job)
	if err != nil {
		// The handle stays open: a later redelivery through the callback
		// endpoint can still settle the dispute.
		d.log.Error("arbitration failed", "dispute_id", job.DisputeID, "handle", job.Handle, "err", err)
		d.release(ctx, job.Handle)
		return
	}

	if _, err := d.sink.DeliverVerdict(ctx, d.oracleKey, job.Handle, decision.Winner, decision.Analysis); err != nil {
		d.log.Error("verdict delivery failed", "dispute_id", job.DisputeID, "handle", job.Handle, "err", err)
		d.release(ctx, job.Handle)
		return
	}
}

func (d *Dispatcher) release(ctx context.Context, handle string) {
	if err := d.guard.Release(ctx, handle); err != nil {
		d.log.Error("guard release failed", "handle", handle, "err", err)
	}
}
