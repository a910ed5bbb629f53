package reshape

import "github.com/hds/rfr/internal/record"

// drivesState is the subset of TaskEventKind that drives the derived
// state machine and timeline sections (spec §4.9 step 5); WakerClone,
// WakerDrop, and Spawn carry no state-machine meaning.
func drivesState(k TaskEventKind) bool {
	switch k {
	case EventTaskNew, EventTaskPollStart, EventTaskPollEnd, EventWakerWoken, EventTaskDrop:
		return true
	default:
		return false
	}
}

// transition implements spec §4.9 step 5's table. ok is false for an
// illegal transition (a state-driving event reaching a Dropped task,
// e.g. PollStart after Drop, per §7 "Illegal state transition"); the
// caller elides the offending event rather than halting.
func transition(state TaskState, ev TaskEvent) (next TaskState, ok bool) {
	if state.Kind == StateDropped && ev.Kind != EventTaskDrop {
		return state, false
	}

	switch ev.Kind {
	case EventTaskNew:
		return TaskState{Kind: StateIdle}, true

	case EventWakerWoken:
		switch state.Kind {
		case StatePolling:
			return TaskState{Kind: StatePollingScheduled, WakeID: ev.WakeID}, true
		default:
			return TaskState{Kind: StateIdleScheduled, WakeID: ev.WakeID}, true
		}

	case EventTaskPollStart:
		return TaskState{Kind: StatePolling}, true

	case EventTaskPollEnd:
		switch state.Kind {
		case StatePollingScheduled:
			return TaskState{Kind: StateIdleScheduled, WakeID: state.WakeID}, true
		default:
			return TaskState{Kind: StateIdle}, true
		}

	case EventTaskDrop:
		return TaskState{Kind: StateDropped}, true

	default:
		return state, true
	}
}

// classifySection implements the pairing rule of spec §4.9 step 5: a gap
// between consecutive state-driving events is Active between
// (PollStart, PollEnd), Scheduled between (WakerWoken, PollStart), and
// Idle for every other pairing.
func classifySection(from, to TaskEventKind) SectionKind {
	switch {
	case from == EventTaskPollStart && to == EventTaskPollEnd:
		return SectionActive
	case from == EventWakerWoken && to == EventTaskPollStart:
		return SectionScheduled
	default:
		return SectionIdle
	}
}

// DeriveSections runs the derived task-state machine over a task's
// events (not pre-filtered to state-driving kinds) and returns the
// resulting timeline, per spec §4.9 step 5. events must already be
// sorted by Timestamp; TaskRecords.Records and SeqRecords.Records are
// kept in that order by the engine.
func DeriveSections(events []TaskEvent) []Section {
	var sections []Section
	var state TaskState
	var havePrev bool
	var prevEvent TaskEvent
	var pendingWakeID record.WakeID
	var havePendingWakeID bool
	var lastWasDrop bool

	for _, ev := range events {
		if !drivesState(ev.Kind) {
			continue
		}

		next, ok := transition(state, ev)
		if !ok {
			// Illegal transition: elide the offending event, leave the
			// state and pending section boundary untouched (spec §7).
			continue
		}

		if havePrev {
			kind := classifySection(prevEvent.Kind, ev.Kind)
			section := Section{Kind: kind, Start: prevEvent.Timestamp, End: ev.Timestamp}
			if kind == SectionActive && havePendingWakeID {
				wid := pendingWakeID
				section.WakeFlowID = &wid
			}
			sections = append(sections, section)
		}

		if ev.Kind == EventTaskPollStart {
			if state.Kind == StateIdleScheduled || state.Kind == StatePollingScheduled {
				pendingWakeID = state.WakeID
				havePendingWakeID = true
			} else {
				havePendingWakeID = false
			}
		}

		prevEvent = ev
		havePrev = true
		state = next
		lastWasDrop = ev.Kind == EventTaskDrop
	}

	if lastWasDrop && len(sections) >= 2 {
		a, b := sections[len(sections)-2], sections[len(sections)-1]
		if a.Kind == b.Kind && a.Kind != SectionActive {
			merged := Section{Kind: a.Kind, Start: a.Start, End: b.End, WakeFlowID: b.WakeFlowID}
			sections = append(sections[:len(sections)-2], merged)
		}
	}

	return sections
}
