package reshape

import (
	"log/slog"
	"runtime"
	"sort"

	"github.com/hds/rfr/internal/clock"
	"github.com/hds/rfr/internal/logging"
	"github.com/hds/rfr/internal/reader"
	"github.com/hds/rfr/internal/record"
	"golang.org/x/sync/errgroup"
)

// Config configures Reshape.
type Config struct {
	// Logger is scoped with component="reshape" if non-nil; otherwise
	// logging is discarded. Used only to report per-chunk load failures
	// and elided illegal transitions, never for per-event detail.
	Logger *slog.Logger
}

// flatRecord is one record flattened to an absolute timestamp, ready for
// the engine's single global chronological sort (spec §4.9 doesn't
// guarantee cross-sequence ordering on disk, so the engine re-establishes
// it defensively before fan-out, matching §5's "reshape engine sorts
// defensively").
type flatRecord struct {
	Abs   clock.AbsTimestamp
	Data  record.RecordData
	SeqID record.SeqID
}

// chunkFold is one chunk's contribution to task discovery and the global
// record list, computed independently of every other chunk so the fold
// step can run concurrently (spec §4.9 step 1-2, SPEC_FULL.md DOMAIN
// STACK errgroup wiring).
type chunkFold struct {
	earliest clock.AbsTimestamp
	haveBound bool
	objects  []objectSighting
	records  []flatRecord
}

type objectSighting struct {
	iid  record.InstrumentationID
	task record.Task
}

// Reshape implements spec §4.9 end to end: concurrent per-chunk folding,
// deterministic first-sight task discovery, a single global chronological
// sort, then event fan-out with spawn and wake-counter synthesis.
func Reshape(rec *reader.Recording, cfg Config) (*CollectedData, error) {
	logger := logging.Default(cfg.Logger).With("component", "reshape")

	paths := rec.ChunkPaths()
	folds := make([]*chunkFold, len(paths))

	g := &errgroup.Group{}
	g.SetLimit(max(1, runtime.GOMAXPROCS(0)))
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			chunk, err := rec.ChunkFor(path)
			if err != nil {
				logger.Warn("chunk unreadable, skipping", "path", path, "error", err)
				return nil
			}
			folds[i] = foldChunk(chunk)
			return nil
		})
	}
	// errgroup.Group never returns an error here: per-chunk failures are
	// logged and skipped rather than propagated (spec §7 "a single
	// malformed chunk file does not prevent reading the rest").
	_ = g.Wait()

	data := &CollectedData{
		Tasks:     make(map[record.InstrumentationID]*TaskRecords),
		Sequences: make(map[record.SeqID]*SeqRecords),
	}

	var allRecords []flatRecord
	var haveEarliest bool
	var nextDID record.DynamicID

	// Task discovery and the earliest-timestamp fold must run in chunk
	// order for DynamicId assignment to be deterministic (spec §4.9 step
	// 1: "assign a compact DynamicId in first-sight order"), so this
	// pass over the concurrently computed folds is sequential.
	for _, f := range folds {
		if f == nil {
			continue
		}
		if f.haveBound && (!haveEarliest || f.earliest.Before(data.EarliestTimestamp)) {
			data.EarliestTimestamp = f.earliest
			haveEarliest = true
		}
		for _, sighting := range f.objects {
			if _, ok := data.Tasks[sighting.iid]; ok {
				continue
			}
			data.Tasks[sighting.iid] = &TaskRecords{Task: sighting.task, DynamicID: nextDID}
			nextDID++
		}
		allRecords = append(allRecords, f.records...)
	}
	data.LargestDID = 0
	if nextDID > 0 {
		data.LargestDID = nextDID - 1
	}

	sort.SliceStable(allRecords, func(i, j int) bool {
		return allRecords[i].Abs.Before(allRecords[j].Abs)
	})

	wakeCounters := make(map[record.InstrumentationID]record.WakeID)
	for _, fr := range allRecords {
		fanOut(data, wakeCounters, fr, logger)
	}

	for _, tr := range data.Tasks {
		sort.SliceStable(tr.Records, func(i, j int) bool {
			return tr.Records[i].Timestamp.Before(tr.Records[j].Timestamp)
		})
	}
	for _, sr := range data.Sequences {
		sort.SliceStable(sr.Records, func(i, j int) bool {
			return sr.Records[i].Timestamp.Before(sr.Records[j].Timestamp)
		})
	}

	return data, nil
}

// foldChunk flattens one decoded Chunk into its task-object sightings
// (in on-disk, first-sight order) and its records converted to absolute
// timestamps.
func foldChunk(chunk *reader.Chunk) *chunkFold {
	f := &chunkFold{}
	base := chunk.Header.Interval.Base

	for _, sc := range chunk.SeqChunks {
		for _, entry := range sc.Objects {
			if entry.Object.Task == nil {
				continue // spec §4.9 only processes Object::Task
			}
			f.objects = append(f.objects, objectSighting{iid: entry.IID, task: *entry.Object.Task})
		}
		for _, rec := range sc.Records {
			abs := clock.ToAbs(base, rec.Meta.Timestamp)
			if !f.haveBound || abs.Before(f.earliest) {
				f.earliest = abs
				f.haveBound = true
			}
			f.records = append(f.records, flatRecord{Abs: abs, Data: rec.Data, SeqID: sc.Header.SeqID})
		}
	}
	return f
}

// fanOut implements spec §4.9 step 2-3 for one record: it emits the
// TaskEvent/Spawn pairs addressed to the relevant tasks or sequence, and
// advances the per-task wake counter used to mint WakeIds.
func fanOut(data *CollectedData, wakeCounters map[record.InstrumentationID]record.WakeID, fr flatRecord, logger *slog.Logger) {
	switch fr.Data.Kind {
	case record.KindTaskNew:
		addTaskEvent(data, fr.Data.TaskIID, TaskEvent{Timestamp: fr.Abs, Kind: EventTaskNew})
		if tr, ok := data.Tasks[fr.Data.TaskIID]; ok && tr.Task.Context != nil {
			if _, ok := data.Tasks[*tr.Task.Context]; ok {
				addTaskEvent(data, *tr.Task.Context, TaskEvent{
					Timestamp:  fr.Abs,
					Kind:       EventSpawn,
					RelatedIID: fr.Data.TaskIID,
				})
			}
		}

	case record.KindTaskPollStart:
		addTaskEvent(data, fr.Data.TaskIID, TaskEvent{Timestamp: fr.Abs, Kind: EventTaskPollStart})

	case record.KindTaskPollEnd:
		addTaskEvent(data, fr.Data.TaskIID, TaskEvent{Timestamp: fr.Abs, Kind: EventTaskPollEnd})

	case record.KindTaskDrop:
		addTaskEvent(data, fr.Data.TaskIID, TaskEvent{Timestamp: fr.Abs, Kind: EventTaskDrop})

	case record.KindWakerWake, record.KindWakerWakeByRef:
		action := ActionConsume
		if fr.Data.Kind == record.KindWakerWakeByRef {
			action = ActionByRef
		}
		w := fr.Data.Waker
		wakeCounters[w.TaskIID]++
		wid := wakeCounters[w.TaskIID]

		addTaskEvent(data, w.TaskIID, TaskEvent{
			Timestamp:  fr.Abs,
			Kind:       EventWakerWoken,
			WakeID:     wid,
			Action:     action,
			RelatedIID: contextOrZero(w.Context),
		})

		wakeEvent := TaskEvent{
			Timestamp:  fr.Abs,
			Kind:       EventWakerWake,
			WakeID:     wid,
			Action:     action,
			RelatedIID: w.TaskIID,
		}
		if w.Context != nil {
			addTaskEvent(data, *w.Context, wakeEvent)
		} else {
			addSeqEvent(data, fr.SeqID, wakeEvent)
		}

	case record.KindWakerClone:
		addTaskEvent(data, fr.Data.Waker.TaskIID, TaskEvent{Timestamp: fr.Abs, Kind: EventWakerClone})

	case record.KindWakerDrop:
		addTaskEvent(data, fr.Data.Waker.TaskIID, TaskEvent{Timestamp: fr.Abs, Kind: EventWakerDrop})

	default:
		// Span/generic-event variants are explicitly out of reshape
		// scope (spec §4.9 step 2).
	}
}

func contextOrZero(ctx *record.InstrumentationID) record.InstrumentationID {
	if ctx == nil {
		return 0
	}
	return *ctx
}

// addTaskEvent appends ev to iid's TaskRecords, creating an empty entry
// if iid was never discovered as a task object (e.g. its Object was
// written as a Span rather than a Task, which foldChunk skips).
func addTaskEvent(data *CollectedData, iid record.InstrumentationID, ev TaskEvent) {
	tr, ok := data.Tasks[iid]
	if !ok {
		tr = &TaskRecords{}
		data.Tasks[iid] = tr
	}
	tr.Records = append(tr.Records, ev)
}

func addSeqEvent(data *CollectedData, seqID record.SeqID, ev TaskEvent) {
	sr, ok := data.Sequences[seqID]
	if !ok {
		sr = &SeqRecords{SeqID: seqID}
		data.Sequences[seqID] = sr
	}
	sr.Records = append(sr.Records, ev)
}
