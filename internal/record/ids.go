// Package record defines the data model shared by every component of the
// recorder: opaque identifiers, the lifecycle event variants, and the
// referenced-object types a sequence chunk embeds by value (spec §3).
package record

// CallsiteID opaquely identifies a static instrumentation site, unique for
// the lifetime of the recording process.
type CallsiteID uint64

// InstrumentationID (iid) opaquely identifies one instrumented instance —
// a specific task's or span's occurrence — unique within one recording.
type InstrumentationID uint64

// TaskID is the runtime-assigned task identity. Multiple InstrumentationIDs
// may refer to the same TaskID across task re-spawns; each
// InstrumentationID is still unique within a recording.
type TaskID uint64

// SeqID monotonically identifies one producer (a logical "thread of
// execution"), assigned on first use and stable for that producer's
// lifetime across chunks.
type SeqID uint64

// DynamicID is a reshape-assigned compact per-task id, used to keep the
// flow-id encoding (spec §4.9 step 6) within its 53-bit budget.
type DynamicID uint64

// WakeID links a waker-woken event to the poll that consumes it. Zero
// means "owning task unknown."
type WakeID uint64
