// Package clock implements the timestamp model of spec §3/§4.2: absolute,
// microsecond-resolution timestamps; chunk-relative timestamps; and the
// interval arithmetic that assigns an arbitrary absolute timestamp to a
// fixed-duration wall-clock chunk.
package clock

import (
	"errors"
	"fmt"
)

// MicrosPerSecond is the resolution denominator for the whole package: one
// microsecond, matching spec §1's explicit non-goal of sub-microsecond
// precision.
const MicrosPerSecond = 1_000_000

// AbsTimestamp is an absolute point in time since the Unix epoch,
// resolved to one microsecond. Invariant: SubsecMicros < MicrosPerSecond.
type AbsTimestamp struct {
	Secs         uint64
	SubsecMicros uint32
}

// ErrInvalidSubsec is returned by New when subsecMicros is out of range.
var ErrInvalidSubsec = errors.New("clock: subsec_micros must be < 1_000_000")

// New constructs an AbsTimestamp, validating the sub-second component.
func New(secs uint64, subsecMicros uint32) (AbsTimestamp, error) {
	if subsecMicros >= MicrosPerSecond {
		return AbsTimestamp{}, fmt.Errorf("%w: got %d", ErrInvalidSubsec, subsecMicros)
	}
	return AbsTimestamp{Secs: secs, SubsecMicros: subsecMicros}, nil
}

// Compare returns -1, 0, or 1 as a is before, equal to, or after b.
func (a AbsTimestamp) Compare(b AbsTimestamp) int {
	switch {
	case a.Secs != b.Secs:
		if a.Secs < b.Secs {
			return -1
		}
		return 1
	case a.SubsecMicros != b.SubsecMicros:
		if a.SubsecMicros < b.SubsecMicros {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Before reports whether a happens strictly before b.
func (a AbsTimestamp) Before(b AbsTimestamp) bool { return a.Compare(b) < 0 }

// AbsTimestampSecs is a whole-second absolute timestamp used as a chunk's
// base. Every event assigned to a chunk with this base must satisfy
// base.Secs <= event.Secs.
type AbsTimestampSecs struct {
	Secs uint64
}

// ChunkTimestamp is a timestamp expressed in microseconds relative to a
// chunk's AbsTimestampSecs base.
type ChunkTimestamp struct {
	Micros uint64
}

// ToChunk converts an absolute timestamp to a chunk-relative one, given the
// chunk's base. Requires abs.Secs >= base.Secs; the caller (the writer's
// Producer.Append) is responsible for only calling this for timestamps
// that fall within the chunk's interval.
func ToChunk(base AbsTimestampSecs, abs AbsTimestamp) (ChunkTimestamp, error) {
	if abs.Secs < base.Secs {
		return ChunkTimestamp{}, fmt.Errorf("clock: timestamp %d.%06d is before chunk base %d", abs.Secs, abs.SubsecMicros, base.Secs)
	}
	micros := (abs.Secs-base.Secs)*MicrosPerSecond + uint64(abs.SubsecMicros)
	return ChunkTimestamp{Micros: micros}, nil
}

// ToAbs converts a chunk-relative timestamp back to an absolute one, given
// the chunk's base. Total: never fails.
func ToAbs(base AbsTimestampSecs, ct ChunkTimestamp) AbsTimestamp {
	return AbsTimestamp{
		Secs:         base.Secs + ct.Micros/MicrosPerSecond,
		SubsecMicros: uint32(ct.Micros % MicrosPerSecond),
	}
}

// ChunkInterval is the half-open wall-clock range [Start, End) that one
// chunk is responsible for, anchored to Base.
type ChunkInterval struct {
	Base  AbsTimestampSecs
	Start ChunkTimestamp
	End   ChunkTimestamp
}

// Equal reports whether two intervals have identical base, start, and end.
func (iv ChunkInterval) Equal(other ChunkInterval) bool {
	return iv.Base == other.Base && iv.Start == other.Start && iv.End == other.End
}

// ErrInvalidPeriod is returned by FromTimestamp when periodMicros is
// neither a divisor of nor a multiple of one second.
var ErrInvalidPeriod = errors.New("clock: chunk period must divide or be a multiple of 1_000_000 micros")

// FromTimestamp derives the ChunkInterval that abs falls into for a given
// period, per spec §3:
//   - period >= 1s (and a multiple of 1s): base aligns down to a multiple
//     of the period in seconds, Start = 0.
//   - period < 1s (and divides 1s evenly): base is the whole-second floor,
//     Start is the sub-second floor aligned to the period.
//   - End = Start + period in both cases.
func FromTimestamp(abs AbsTimestamp, periodMicros uint64) (ChunkInterval, error) {
	if periodMicros == 0 {
		return ChunkInterval{}, ErrInvalidPeriod
	}
	switch {
	case periodMicros >= MicrosPerSecond:
		if periodMicros%MicrosPerSecond != 0 {
			return ChunkInterval{}, ErrInvalidPeriod
		}
		periodSecs := periodMicros / MicrosPerSecond
		baseSecs := (abs.Secs / periodSecs) * periodSecs
		return ChunkInterval{
			Base:  AbsTimestampSecs{Secs: baseSecs},
			Start: ChunkTimestamp{Micros: 0},
			End:   ChunkTimestamp{Micros: periodMicros},
		}, nil
	case MicrosPerSecond%periodMicros == 0:
		baseSecs := abs.Secs
		startMicros := (uint64(abs.SubsecMicros) / periodMicros) * periodMicros
		return ChunkInterval{
			Base:  AbsTimestampSecs{Secs: baseSecs},
			Start: ChunkTimestamp{Micros: startMicros},
			End:   ChunkTimestamp{Micros: startMicros + periodMicros},
		}, nil
	default:
		return ChunkInterval{}, ErrInvalidPeriod
	}
}

// Contains reports whether abs falls within [iv.Start, iv.End) once
// converted relative to iv.Base. abs before iv.Base is never contained.
func (iv ChunkInterval) Contains(abs AbsTimestamp) bool {
	if abs.Secs < iv.Base.Secs {
		return false
	}
	ct, err := ToChunk(iv.Base, abs)
	if err != nil {
		return false
	}
	return ct.Micros >= iv.Start.Micros && ct.Micros < iv.End.Micros
}

// AbsEnd returns the interval's End timestamp converted back to absolute
// time, relative to Base.
func (iv ChunkInterval) AbsEnd() AbsTimestamp {
	return ToAbs(iv.Base, iv.End)
}

// AbsStart returns the interval's Start timestamp converted back to
// absolute time, relative to Base.
func (iv ChunkInterval) AbsStart() AbsTimestamp {
	return ToAbs(iv.Base, iv.Start)
}
