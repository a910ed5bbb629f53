package record

import "github.com/hds/rfr/internal/clock"

// TaskKind classifies how a task was spawned.
type TaskKind int

const (
	TaskKindTask TaskKind = iota
	TaskKindLocal
	TaskKindBlocking
	TaskKindBlockOn
	TaskKindOther
)

// Task describes one instrumented task instance.
type Task struct {
	IID      InstrumentationID
	Callsite CallsiteID
	TaskID   TaskID
	Name     string
	Kind     TaskKind
	// OtherKind carries the free-form description when Kind == TaskKindOther.
	OtherKind string
	// Context is the spawning task's iid, if known.
	Context *InstrumentationID
}

// Waker describes a waker operation's subject and the task it was invoked
// from, if known.
type Waker struct {
	TaskIID InstrumentationID
	Context *InstrumentationID
}

// Object is a tagged union of the referent types a sequence chunk embeds
// by value so records can carry only an iid.
type Object struct {
	Task *Task
	Span *Span
}

// Span is the non-task referent kind. The reshape engine (spec §4.9) only
// processes Task objects; Span exists so the wire format and the resolver
// contract are complete, matching "records/span and generic-event
// variants" in spec §3.
type Span struct {
	IID      InstrumentationID
	Callsite CallsiteID
	Fields   map[string]string
}

// RecordDataKind tags the closed union of event variants a Record can
// carry (spec §3).
type RecordDataKind int

const (
	KindTaskNew RecordDataKind = iota
	KindTaskPollStart
	KindTaskPollEnd
	KindTaskDrop
	KindWakerWake
	KindWakerWakeByRef
	KindWakerClone
	KindWakerDrop
	KindEvent // generic/span event, out of reshape scope
)

// RecordData is the tagged payload of one Record. Exactly one of the
// typed fields is meaningful, selected by Kind.
type RecordData struct {
	Kind RecordDataKind

	// Valid when Kind is one of the Task* variants.
	TaskIID InstrumentationID

	// Valid when Kind is one of the Waker* variants.
	Waker Waker

	// Valid when Kind == KindEvent. Carried opaquely; the reshape engine
	// explicitly ignores it (spec §4.9 step 2: "other record variants are
	// ignored").
	EventCallsite CallsiteID
	EventFields   map[string]string
}

// ReferencedIIDs returns the set of InstrumentationIDs this record's data
// references, per spec §4.4 step 1.
func (d RecordData) ReferencedIIDs() []InstrumentationID {
	switch d.Kind {
	case KindTaskNew, KindTaskPollStart, KindTaskPollEnd, KindTaskDrop:
		return []InstrumentationID{d.TaskIID}
	case KindWakerWake, KindWakerWakeByRef, KindWakerClone, KindWakerDrop:
		ids := []InstrumentationID{d.Waker.TaskIID}
		if d.Waker.Context != nil && *d.Waker.Context != d.Waker.TaskIID {
			ids = append(ids, *d.Waker.Context)
		}
		return ids
	default:
		return nil
	}
}

// RecordMeta carries per-record metadata. Today this is just the
// chunk-relative timestamp; the struct exists so additional fields (e.g.
// a future thread/cpu tag) can be added without changing Record's shape.
type RecordMeta struct {
	Timestamp clock.ChunkTimestamp
}

// Record is a single timestamped event.
type Record struct {
	Meta RecordMeta
	Data RecordData
}
