package clock

import "testing"

func TestRoundTripLaw(t *testing.T) {
	// spec §8 property 1: to_abs(b, to_chunk(b, t)) == t for t.Secs >= b.Secs.
	cases := []struct {
		base AbsTimestampSecs
		abs  AbsTimestamp
	}{
		{AbsTimestampSecs{Secs: 0}, AbsTimestamp{Secs: 0, SubsecMicros: 0}},
		{AbsTimestampSecs{Secs: 100}, AbsTimestamp{Secs: 100, SubsecMicros: 999_999}},
		{AbsTimestampSecs{Secs: 100}, AbsTimestamp{Secs: 205, SubsecMicros: 1}},
		{AbsTimestampSecs{Secs: 1_700_000_000}, AbsTimestamp{Secs: 1_700_000_500, SubsecMicros: 123_456}},
	}
	for _, c := range cases {
		ct, err := ToChunk(c.base, c.abs)
		if err != nil {
			t.Fatalf("ToChunk(%+v, %+v): %v", c.base, c.abs, err)
		}
		got := ToAbs(c.base, ct)
		if got != c.abs {
			t.Fatalf("round trip mismatch: base=%+v abs=%+v got=%+v", c.base, c.abs, got)
		}
	}
}

func TestToChunkRejectsBeforeBase(t *testing.T) {
	base := AbsTimestampSecs{Secs: 100}
	abs := AbsTimestamp{Secs: 50}
	if _, err := ToChunk(base, abs); err == nil {
		t.Fatal("expected error for timestamp before base")
	}
}

func TestFromTimestampOneSecondPeriod(t *testing.T) {
	// Boundary behavior: period = 1s produces start=0, end=1_000_000.
	iv, err := FromTimestamp(AbsTimestamp{Secs: 42, SubsecMicros: 500_000}, MicrosPerSecond)
	if err != nil {
		t.Fatalf("FromTimestamp: %v", err)
	}
	if iv.Start.Micros != 0 || iv.End.Micros != MicrosPerSecond {
		t.Fatalf("got start=%d end=%d", iv.Start.Micros, iv.End.Micros)
	}
	if iv.Base.Secs != 42 {
		t.Fatalf("got base=%d want 42", iv.Base.Secs)
	}
}

func TestFromTimestampMultiSecondPeriodAligns(t *testing.T) {
	iv, err := FromTimestamp(AbsTimestamp{Secs: 1_700_000_123}, 10*MicrosPerSecond)
	if err != nil {
		t.Fatalf("FromTimestamp: %v", err)
	}
	if iv.Base.Secs%10 != 0 {
		t.Fatalf("base not aligned to period: %d", iv.Base.Secs)
	}
	if iv.Start.Micros != 0 {
		t.Fatalf("start should be 0 for period >= 1s, got %d", iv.Start.Micros)
	}
	if iv.End.Micros != 10*MicrosPerSecond {
		t.Fatalf("end mismatch: %d", iv.End.Micros)
	}
}

func TestFromTimestampSubSecondPeriodAligns(t *testing.T) {
	iv, err := FromTimestamp(AbsTimestamp{Secs: 7, SubsecMicros: 123_456}, 100_000)
	if err != nil {
		t.Fatalf("FromTimestamp: %v", err)
	}
	if iv.Base.Secs != 7 {
		t.Fatalf("base should be whole-second floor, got %d", iv.Base.Secs)
	}
	if iv.Start.Micros != 100_000 {
		t.Fatalf("start should align down to period multiple, got %d", iv.Start.Micros)
	}
	if iv.End.Micros != 200_000 {
		t.Fatalf("end mismatch: %d", iv.End.Micros)
	}
}

func TestFromTimestampRejectsBadPeriod(t *testing.T) {
	if _, err := FromTimestamp(AbsTimestamp{}, 300_000); err == nil {
		t.Fatal("300ms neither divides nor is a multiple of 1s, expected error")
	}
	if _, err := FromTimestamp(AbsTimestamp{}, 0); err == nil {
		t.Fatal("zero period should be rejected")
	}
}

func TestIntervalContainsConvertsBackWithinBounds(t *testing.T) {
	// spec §8: ChunkInterval::from(ts, period): start <= ts < end when
	// converted back to absolute.
	ts := AbsTimestamp{Secs: 1000, SubsecMicros: 250_000}
	iv, err := FromTimestamp(ts, MicrosPerSecond)
	if err != nil {
		t.Fatalf("FromTimestamp: %v", err)
	}
	if !iv.Contains(ts) {
		t.Fatalf("interval %+v should contain %+v", iv, ts)
	}
	if iv.Contains(iv.AbsEnd()) {
		t.Fatal("interval end is exclusive")
	}
}

func TestIntervalEqual(t *testing.T) {
	a := ChunkInterval{Base: AbsTimestampSecs{Secs: 1}, Start: ChunkTimestamp{Micros: 0}, End: ChunkTimestamp{Micros: 10}}
	b := a
	if !a.Equal(b) {
		t.Fatal("identical intervals should be equal")
	}
	b.Start.Micros = 1
	if a.Equal(b) {
		t.Fatal("differing start should not be equal")
	}
}
