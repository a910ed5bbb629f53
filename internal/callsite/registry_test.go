package callsite

import (
	"reflect"
	"testing"

	"github.com/hds/rfr/internal/record"
)

func TestRegisterIsIdempotentOnID(t *testing.T) {
	r := New()
	cs := Callsite{ID: 1, Level: LevelInfo, Kind: KindEvent, SplitFieldNames: []string{"message"}}

	isNew, err := r.Register(cs)
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	if !isNew {
		t.Fatal("first registration should be new")
	}

	isNew, err = r.Register(cs)
	if err != nil {
		t.Fatalf("re-register with identical value: %v", err)
	}
	if isNew {
		t.Fatal("re-registration with matching id should be a no-op")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", r.Len())
	}
}

func TestRegisterMismatchDetected(t *testing.T) {
	r := New()
	r.Register(Callsite{ID: 1, Level: LevelInfo, Kind: KindEvent})

	_, err := r.Register(Callsite{ID: 1, Level: LevelError, Kind: KindEvent})
	if err != ErrMismatchedReregistration {
		t.Fatalf("expected ErrMismatchedReregistration, got %v", err)
	}
}

func TestGet(t *testing.T) {
	r := New()
	cs := Callsite{ID: 42, Level: LevelDebug, Kind: KindSpan}
	r.Register(cs)

	got, ok := r.Get(42)
	if !ok {
		t.Fatal("expected registered callsite to be found")
	}
	if !reflect.DeepEqual(got, cs) {
		t.Fatalf("got %+v want %+v", got, cs)
	}

	if _, ok := r.Get(999); ok {
		t.Fatal("unregistered id should not be found")
	}
}

func TestSinceStreamsInOrder(t *testing.T) {
	r := New()
	ids := []record.CallsiteID{1, 2, 3}
	for _, id := range ids {
		r.Register(Callsite{ID: id, Level: LevelInfo, Kind: KindEvent})
	}

	fresh, total := r.Since(0)
	if total != 3 || len(fresh) != 3 {
		t.Fatalf("got %d fresh of %d total, want 3 of 3", len(fresh), total)
	}
	for i, id := range ids {
		if fresh[i].ID != id {
			t.Fatalf("order mismatch at %d: got %d want %d", i, fresh[i].ID, id)
		}
	}

	fresh, total = r.Since(2)
	if total != 3 || len(fresh) != 1 || fresh[0].ID != 3 {
		t.Fatalf("incremental Since(2) mismatch: %+v total=%d", fresh, total)
	}

	fresh, total = r.Since(3)
	if len(fresh) != 0 || total != 3 {
		t.Fatalf("Since(caught up) should yield nothing new, got %+v total=%d", fresh, total)
	}
}
