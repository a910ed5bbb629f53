// Package reshape implements the reshape engine (spec §4.9): the
// cross-sequence join that folds a Recording's chunks into per-task event
// streams, assigns compact DynamicIds in first-sight order, synthesizes
// spawn and wake linkage, and derives the Idle/Scheduled/Active timeline
// a viewer renders.
package reshape

import (
	"github.com/hds/rfr/internal/clock"
	"github.com/hds/rfr/internal/record"
)

// TaskEventKind tags the closed union of per-task event variants the
// reshape engine emits, one level removed from record.RecordDataKind:
// a single Record can fan out into more than one TaskEvent (spec §4.9
// step 2), and Spawn has no record.RecordDataKind counterpart at all.
type TaskEventKind int

const (
	EventTaskNew TaskEventKind = iota
	EventTaskPollStart
	EventTaskPollEnd
	EventTaskDrop
	EventWakerWoken
	EventWakerWake
	EventWakerClone
	EventWakerDrop
	EventSpawn
)

// WakeAction distinguishes a consuming wake from a by-reference wake,
// carried through from the originating WakerWake/WakerWakeByRef record.
type WakeAction int

const (
	ActionConsume WakeAction = iota
	ActionByRef
)

// TaskEvent is one entry in a TaskRecords or SeqRecords list. Which
// fields are meaningful depends on Kind, mirroring record.RecordData's
// own tagged-union style.
type TaskEvent struct {
	Timestamp clock.AbsTimestamp
	Kind      TaskEventKind

	// WakeID links a WakerWoken/WakerWake pair to the poll it schedules
	// (valid for EventWakerWoken and EventWakerWake).
	WakeID record.WakeID
	// Action is valid for EventWakerWoken and EventWakerWake.
	Action WakeAction

	// RelatedIID carries, depending on Kind: for EventWakerWoken, the
	// waking task's iid if known (zero otherwise); for EventWakerWake,
	// the woken task's iid; for EventSpawn, the newly spawned task's
	// iid.
	RelatedIID record.InstrumentationID
}

// TaskRecords is one discovered task's identity plus its chronologically
// ordered event list.
type TaskRecords struct {
	Task      record.Task
	DynamicID record.DynamicID
	Records   []TaskEvent
}

// SeqRecords holds WakerWake pairs addressed to a producing sequence
// rather than to a task, which happens when the originating Waker has no
// context iid (spec §4.9 step 2: "addressed to ... the owning sequence").
type SeqRecords struct {
	SeqID   record.SeqID
	Records []TaskEvent
}

// CollectedData is the reshape engine's output, matching the artifact
// consumer contract of spec §6 verbatim: per-task event streams, the
// records that could only be addressed to a sequence, and the largest
// DynamicId assigned (so a consumer can size a dense array instead of a
// map, if it chooses to).
type CollectedData struct {
	Tasks      map[record.InstrumentationID]*TaskRecords
	Sequences  map[record.SeqID]*SeqRecords
	LargestDID record.DynamicID

	// EarliestTimestamp is the smallest timestamp observed across every
	// loaded chunk (spec §4.9 step 1).
	EarliestTimestamp clock.AbsTimestamp
}

// SectionKind classifies one span of a task's derived timeline.
type SectionKind int

const (
	SectionIdle SectionKind = iota
	SectionScheduled
	SectionActive
)

func (k SectionKind) String() string {
	switch k {
	case SectionIdle:
		return "idle"
	case SectionScheduled:
		return "scheduled"
	case SectionActive:
		return "active"
	default:
		return "unknown"
	}
}

// Section is one derived timeline interval for a task (spec §4.9 step
// 5). WakeFlowID is set on an Active section that was entered from a
// scheduled state, carrying the wid that links it back to the wake that
// scheduled it.
type Section struct {
	Kind       SectionKind
	Start      clock.AbsTimestamp
	End        clock.AbsTimestamp
	WakeFlowID *record.WakeID
}

// TaskStateKind is the derived per-task state machine's state tag (spec
// §4.9 step 5).
type TaskStateKind int

const (
	StateUnknown TaskStateKind = iota
	StateIdle
	StateIdleScheduled
	StatePolling
	StatePollingScheduled
	StateDropped
)

// TaskState is the state machine's full state: a tag plus, for the two
// Scheduled variants, the wid of the wake that scheduled the task.
type TaskState struct {
	Kind   TaskStateKind
	WakeID record.WakeID
}
