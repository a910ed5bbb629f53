package seqchunk

import (
	"bytes"
	"testing"

	"github.com/hds/rfr/internal/clock"
	"github.com/hds/rfr/internal/record"
)

func taskNew(iid record.InstrumentationID, ts uint64) record.Record {
	return record.Record{
		Meta: record.RecordMeta{Timestamp: clock.ChunkTimestamp{Micros: ts}},
		Data: record.RecordData{Kind: record.KindTaskNew, TaskIID: iid},
	}
}

func taskDrop(iid record.InstrumentationID, ts uint64) record.Record {
	return record.Record{
		Meta: record.RecordMeta{Timestamp: clock.ChunkTimestamp{Micros: ts}},
		Data: record.RecordData{Kind: record.KindTaskDrop, TaskIID: iid},
	}
}

func wakerWake(taskIID record.InstrumentationID, context *record.InstrumentationID, ts uint64) record.Record {
	return record.Record{
		Meta: record.RecordMeta{Timestamp: clock.ChunkTimestamp{Micros: ts}},
		Data: record.RecordData{Kind: record.KindWakerWake, Waker: record.Waker{TaskIID: taskIID, Context: context}},
	}
}

func alwaysResolve(obj *record.Object) Resolver {
	return func(ids []record.InstrumentationID) []*record.Object {
		out := make([]*record.Object, len(ids))
		for i := range ids {
			out[i] = obj
		}
		return out
	}
}

func neverResolve() Resolver {
	return func(ids []record.InstrumentationID) []*record.Object {
		return make([]*record.Object, len(ids))
	}
}

func TestAppendDropsUnresolvedRecord(t *testing.T) {
	// S2: unknown object -> record_count unchanged.
	b := New(1, clock.ChunkInterval{})
	err := b.Append(taskNew(5, 100), neverResolve())
	if err != ErrUnresolvedObject {
		t.Fatalf("expected ErrUnresolvedObject, got %v", err)
	}
	if b.RecordCount() != 0 {
		t.Fatalf("record count should be unchanged, got %d", b.RecordCount())
	}
}

func TestAppendCachesResolvedObjectAcrossRecords(t *testing.T) {
	// S3: resolver called exactly once, both records persisted.
	calls := 0
	resolver := func(ids []record.InstrumentationID) []*record.Object {
		calls++
		out := make([]*record.Object, len(ids))
		for i := range ids {
			out[i] = &record.Object{Task: &record.Task{IID: ids[i]}}
		}
		return out
	}

	b := New(1, clock.ChunkInterval{})
	if err := b.Append(taskNew(2, 100), resolver); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := b.Append(taskDrop(2, 200), resolver); err != nil {
		t.Fatalf("second append: %v", err)
	}
	if calls != 1 {
		t.Fatalf("resolver should be called exactly once, got %d calls", calls)
	}
	if b.RecordCount() != 2 {
		t.Fatalf("expected 2 records, got %d", b.RecordCount())
	}
	if len(b.objectOrder) != 1 {
		t.Fatalf("expected exactly one cached object, got %d", len(b.objectOrder))
	}
}

func TestAppendOnceMissingAlwaysMissing(t *testing.T) {
	// Second reference to an already-missing iid must not re-invoke the resolver.
	calls := 0
	resolver := func(ids []record.InstrumentationID) []*record.Object {
		calls++
		return make([]*record.Object, len(ids))
	}

	b := New(1, clock.ChunkInterval{})
	_ = b.Append(taskNew(9, 100), resolver)
	err := b.Append(taskDrop(9, 200), resolver)
	if err != ErrUnresolvedObject {
		t.Fatalf("expected ErrUnresolvedObject on second append too, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("resolver should not be re-invoked for a known-missing iid, got %d calls", calls)
	}
	if b.RecordCount() != 0 {
		t.Fatalf("expected no records persisted, got %d", b.RecordCount())
	}
}

func TestAppendTracksEarliestLatest(t *testing.T) {
	b := New(1, clock.ChunkInterval{})
	resolver := alwaysResolve(&record.Object{Task: &record.Task{IID: 1}})

	_ = b.Append(taskNew(1, 500), resolver)
	_ = b.Append(taskDrop(1, 100), resolver)
	_ = b.Append(taskNew(1, 900), resolver)

	earliest, latest, ok := b.Bounds()
	if !ok {
		t.Fatal("expected bounds to be set")
	}
	if earliest.Micros != 100 {
		t.Fatalf("earliest = %d, want 100", earliest.Micros)
	}
	if latest.Micros != 900 {
		t.Fatalf("latest = %d, want 900", latest.Micros)
	}
}

func TestAppendSelfWakingWakerDeduplicatesReferencedIID(t *testing.T) {
	// A task waking itself (waker.context == waker.task_iid) must be
	// queried and cached as a single iid, not twice: ReferencedIIDs
	// de-duplicates the union per spec's {task_iid} ∪ context set-builder
	// notation, matching the original Rust's own context_task_id !=
	// &waker.task_iid guard.
	const self record.InstrumentationID = 3
	var queried []record.InstrumentationID
	resolver := func(ids []record.InstrumentationID) []*record.Object {
		queried = append(queried, ids...)
		out := make([]*record.Object, len(ids))
		for i := range ids {
			out[i] = &record.Object{Task: &record.Task{IID: ids[i]}}
		}
		return out
	}

	b := New(1, clock.ChunkInterval{})
	selfCtx := self
	if err := b.Append(wakerWake(self, &selfCtx, 100), resolver); err != nil {
		t.Fatalf("append: %v", err)
	}

	if len(queried) != 1 {
		t.Fatalf("resolver queried %d ids for a self-waking waker, want 1: %v", len(queried), queried)
	}
	if queried[0] != self {
		t.Fatalf("resolver queried iid %d, want %d", queried[0], self)
	}
	if len(b.objectOrder) != 1 {
		t.Fatalf("expected exactly one cached object for a self-waking waker, got %d", len(b.objectOrder))
	}
}

func TestWriteToProducesNonEmptyStream(t *testing.T) {
	b := New(7, clock.ChunkInterval{})
	resolver := alwaysResolve(&record.Object{Task: &record.Task{IID: 1}})
	if err := b.Append(taskNew(1, 100), resolver); err != nil {
		t.Fatalf("append: %v", err)
	}

	var buf bytes.Buffer
	n, err := b.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n == 0 || buf.Len() == 0 {
		t.Fatal("expected non-empty serialized output")
	}
}
