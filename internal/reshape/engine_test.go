package reshape

import (
	"path/filepath"
	"testing"

	"github.com/hds/rfr/internal/clock"
	"github.com/hds/rfr/internal/reader"
	"github.com/hds/rfr/internal/record"
	"github.com/hds/rfr/internal/writer"
)

// buildRecording writes a tiny recording under t.TempDir() using fn to
// append records through a single producer, then opens it for reading.
func buildRecording(t *testing.T, fn func(p *writer.Producer, t0 clock.AbsTimestamp)) *reader.Recording {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "rec")
	w, err := writer.Open(writer.Config{RootDir: dir, ChunkPeriodMicros: clock.MicrosPerSecond})
	if err != nil {
		t.Fatalf("writer.Open: %v", err)
	}
	t0, _ := clock.New(1_700_000_000, 0)
	p := w.NewProducer()
	fn(p, t0)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rec, err := reader.Open(dir)
	if err != nil {
		t.Fatalf("reader.Open: %v", err)
	}
	return rec
}

// TestReshapeSpawnLinkage covers spec scenario S4: task A (iid=1,
// context=None) is created, then task B (iid=2, context=Some(1)) is
// created. Task A's record list must contain a synthesized Spawn event
// naming task B; task B must get a TaskNew event and DynamicIds must be
// assigned in first-sight order (A=0, B=1).
func TestReshapeSpawnLinkage(t *testing.T) {
	const iidA record.InstrumentationID = 1
	const iidB record.InstrumentationID = 2

	taskA := record.Task{IID: iidA, TaskID: 100}
	taskB := record.Task{IID: iidB, TaskID: 101, Context: func() *record.InstrumentationID { v := iidA; return &v }()}

	objects := map[record.InstrumentationID]record.Task{iidA: taskA, iidB: taskB}
	resolve := func(ids []record.InstrumentationID) []*record.Object {
		out := make([]*record.Object, len(ids))
		for i, id := range ids {
			if task, ok := objects[id]; ok {
				taskCopy := task
				out[i] = &record.Object{Task: &taskCopy}
			}
		}
		return out
	}

	rec := buildRecording(t, func(p *writer.Producer, t0 clock.AbsTimestamp) {
		mustAppend := func(ts clock.AbsTimestamp, data record.RecordData) {
			if err := p.Append(ts, record.Record{Data: data}, resolve); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}
		mustAppend(t0, record.RecordData{Kind: record.KindTaskNew, TaskIID: iidA})
		t1 := clock.AbsTimestamp{Secs: t0.Secs, SubsecMicros: t0.SubsecMicros + 1000}
		mustAppend(t1, record.RecordData{Kind: record.KindTaskNew, TaskIID: iidB})
	})

	data, err := Reshape(rec, Config{})
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}

	trA, ok := data.Tasks[iidA]
	if !ok {
		t.Fatalf("task A (iid=%d) not discovered", iidA)
	}
	trB, ok := data.Tasks[iidB]
	if !ok {
		t.Fatalf("task B (iid=%d) not discovered", iidB)
	}

	if trA.DynamicID != 0 {
		t.Fatalf("task A DynamicID = %d, want 0 (first sighted)", trA.DynamicID)
	}
	if trB.DynamicID != 1 {
		t.Fatalf("task B DynamicID = %d, want 1 (second sighted)", trB.DynamicID)
	}
	if data.LargestDID != 1 {
		t.Fatalf("LargestDID = %d, want 1", data.LargestDID)
	}

	var sawOwnNew, sawSpawn bool
	var spawnTarget record.InstrumentationID
	for _, ev := range trA.Records {
		switch ev.Kind {
		case EventTaskNew:
			sawOwnNew = true
		case EventSpawn:
			sawSpawn = true
			spawnTarget = ev.RelatedIID
		}
	}
	if !sawOwnNew {
		t.Fatal("task A missing its own TaskNew event")
	}
	if !sawSpawn {
		t.Fatal("task A missing synthesized Spawn event")
	}
	if spawnTarget != iidB {
		t.Fatalf("Spawn.RelatedIID = %d, want %d", spawnTarget, iidB)
	}

	var sawBNew bool
	for _, ev := range trB.Records {
		if ev.Kind == EventTaskNew {
			sawBNew = true
		}
	}
	if !sawBNew {
		t.Fatal("task B missing its own TaskNew event")
	}
}

// TestReshapeIgnoresUnknownContext covers the case where a task's Context
// names an iid that was never itself discovered as a task object (e.g.
// its Object was unresolved at write time): no Spawn event should be
// synthesized toward a task that does not exist.
func TestReshapeIgnoresUnknownContext(t *testing.T) {
	const orphanContext record.InstrumentationID = 999
	const iidB record.InstrumentationID = 2

	taskB := record.Task{IID: iidB, TaskID: 101, Context: func() *record.InstrumentationID { v := orphanContext; return &v }()}
	resolve := func(ids []record.InstrumentationID) []*record.Object {
		out := make([]*record.Object, len(ids))
		for i, id := range ids {
			if id == iidB {
				taskCopy := taskB
				out[i] = &record.Object{Task: &taskCopy}
			}
		}
		return out
	}

	rec := buildRecording(t, func(p *writer.Producer, t0 clock.AbsTimestamp) {
		if err := p.Append(t0, record.Record{Data: record.RecordData{Kind: record.KindTaskNew, TaskIID: iidB}}, resolve); err != nil {
			t.Fatalf("Append: %v", err)
		}
	})

	data, err := Reshape(rec, Config{})
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}
	if _, ok := data.Tasks[orphanContext]; ok {
		t.Fatal("orphan context iid should not have been discovered as a task")
	}
	trB := data.Tasks[iidB]
	for _, ev := range trB.Records {
		if ev.Kind == EventSpawn {
			t.Fatal("unexpected Spawn event with an undiscovered context")
		}
	}
}
