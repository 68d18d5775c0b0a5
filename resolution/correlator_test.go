package resolution

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"escrowflow/dispute"
)

func arguedRecord() dispute.Record {
	partyB := "party-b"
	return dispute.Record{
		ID:     7,
		PartyA: "party-a",
		PartyB: &partyB,
		Amount: 100,
		CaseA:  "case of A",
		CaseB:  "case of B",
	}
}

func TestOpen_NotReady(t *testing.T) {
	c := NewCorrelator(newFakeRequests(), &fakeRegistry{})

	rec := arguedRecord()
	rec.CaseB = ""
	if _, err := c.Open(context.Background(), nil, rec); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	rec = arguedRecord()
	rec.CaseA = ""
	if _, err := c.Open(context.Background(), nil, rec); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestOpen_AlreadyRequested(t *testing.T) {
	c := NewCorrelator(newFakeRequests(), &fakeRegistry{})

	rec := arguedRecord()
	existing := "f2b9f6f0-0000-0000-0000-000000000000"
	rec.RequestHandle = &existing
	if _, err := c.Open(context.Background(), nil, rec); !errors.Is(err, ErrAlreadyRequested) {
		t.Fatalf("expected ErrAlreadyRequested, got %v", err)
	}
}

func TestOpen_IssuesUniqueHandles(t *testing.T) {
	repo := newFakeRequests()
	c := NewCorrelator(repo, &fakeRegistry{})

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		rec := arguedRecord()
		rec.ID = int64(i + 1)
		handle, err := c.Open(context.Background(), nil, rec)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if _, dup := seen[handle]; dup {
			t.Fatalf("duplicate handle issued: %s", handle)
		}
		seen[handle] = struct{}{}
	}
	if len(repo.open) != 100 {
		t.Fatalf("expected 100 open requests, got %d", len(repo.open))
	}
}

func TestOpen_SurfacesRegistryConflict(t *testing.T) {
	c := NewCorrelator(newFakeRequests(), &fakeRegistry{err: dispute.ErrAlreadyRequested})

	if _, err := c.Open(context.Background(), nil, arguedRecord()); !errors.Is(err, ErrAlreadyRequested) {
		t.Fatalf("expected ErrAlreadyRequested, got %v", err)
	}
}

func TestResolve_ConsumesExactlyOnce(t *testing.T) {
	repo := newFakeRequests()
	c := NewCorrelator(repo, &fakeRegistry{})

	handle, err := c.Open(context.Background(), nil, arguedRecord())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	id, err := c.Resolve(context.Background(), nil, handle)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != 7 {
		t.Fatalf("expected dispute 7, got %d", id)
	}

	if _, err := c.Resolve(context.Background(), nil, handle); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected ErrUnknownHandle on second resolve, got %v", err)
	}
}

func TestResolve_UnknownHandle(t *testing.T) {
	c := NewCorrelator(newFakeRequests(), &fakeRegistry{})

	if _, err := c.Resolve(context.Background(), nil, "never-issued"); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected ErrUnknownHandle, got %v", err)
	}
}

// fakeRequests mirrors the single-use semantics of the requests table.
type fakeRequests struct {
	open     map[string]int64
	consumed map[string]int64
}

func newFakeRequests() *fakeRequests {
	return &fakeRequests{
		open:     make(map[string]int64),
		consumed: make(map[string]int64),
	}
}

func (f *fakeRequests) Insert(_ context.Context, _ pgx.Tx, handle string, disputeID int64) error {
	if _, ok := f.open[handle]; ok {
		return ErrAlreadyRequested
	}
	f.open[handle] = disputeID
	return nil
}

func (f *fakeRequests) Consume(_ context.Context, _ pgx.Tx, handle string) (int64, error) {
	id, ok := f.open[handle]
	if !ok {
		return 0, ErrUnknownHandle
	}
	delete(f.open, handle)
	f.consumed[handle] = id
	return id, nil
}

type fakeRegistry struct {
	err     error
	handles map[int64]string
}

func (f *fakeRegistry) SetRequestHandle(_ context.Context, _ pgx.Tx, id int64, handle string) error {
	if f.err != nil {
		return f.err
	}
	if f.handles == nil {
		f.handles = make(map[int64]string)
	}
	f.handles[id] = handle
	return nil
}
