package recfmt

import (
	"bytes"
	"testing"
)

func TestStringParseRoundTrip(t *testing.T) {
	cases := []Identifier{
		{Variant: "rfr", Major: 1, Minor: 2, Patch: 3},
		{Variant: "rfr", Major: 0, Minor: 0, Patch: 0},
		{Variant: "rfr", Major: 9, Minor: 0, Patch: 12},
	}
	for _, id := range cases {
		got, err := Parse(id.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", id.String(), err)
		}
		if got != id {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, id)
		}
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse("rfr-1.0.0"); err == nil {
		t.Fatal("expected IncorrectPartsError for missing slash")
	}
	if _, err := Parse("other/1.0.0"); !errorsIs[UnknownVariantError](t, err) {
		t.Fatal("expected UnknownVariantError")
	}
	if _, err := Parse("rfr/1.0"); err == nil {
		t.Fatal("expected error for wrong part count")
	}
	if _, err := Parse("rfr/x.0.0"); err == nil {
		t.Fatal("expected InvalidVersionError")
	}
}

func errorsIs[T error](t *testing.T, err error) bool {
	t.Helper()
	_, ok := err.(T)
	return ok
}

func TestCanReadReflexive(t *testing.T) {
	ids := []Identifier{
		{Variant: "rfr", Major: 0, Minor: 0, Patch: 0},
		{Variant: "rfr", Major: 0, Minor: 3, Patch: 1},
		{Variant: "rfr", Major: 2, Minor: 4, Patch: 9},
	}
	for _, id := range ids {
		if !id.CanRead(id) {
			t.Fatalf("CanRead not reflexive for %s", id)
		}
	}
}

func TestCanReadMajorZeroIsStrict(t *testing.T) {
	reader := Identifier{Variant: "rfr", Major: 0, Minor: 1, Patch: 0}
	writer := Identifier{Variant: "rfr", Major: 0, Minor: 2, Patch: 0}
	if reader.CanRead(writer) {
		t.Fatal("major=0 should require exact minor match")
	}
}

func TestCanReadPatchWithinMinor(t *testing.T) {
	reader := Identifier{Variant: "rfr", Major: 1, Minor: 2, Patch: 5}
	writer := Identifier{Variant: "rfr", Major: 1, Minor: 2, Patch: 1}
	if !reader.CanRead(writer) {
		t.Fatal("reader patch >= writer patch within same minor should be compatible")
	}
	writer.Patch = 9
	if reader.CanRead(writer) {
		t.Fatal("reader patch < writer patch within same minor should be incompatible")
	}
}

func TestCanReadCrossVariant(t *testing.T) {
	reader := Identifier{Variant: "rfr", Major: 1}
	writer := Identifier{Variant: "other", Major: 1}
	if reader.CanRead(writer) {
		t.Fatal("different variants must never be compatible")
	}
}

func TestGate(t *testing.T) {
	reader := Identifier{Variant: "rfr", Major: 1, Minor: 0, Patch: 0}
	writer := Identifier{Variant: "rfr", Major: 2, Minor: 0, Patch: 0}
	err := Gate(reader, writer)
	if err == nil {
		t.Fatal("expected IncompatibleFormatError")
	}
	var ife IncompatibleFormatError
	if !asIncompatible(err, &ife) {
		t.Fatalf("expected IncompatibleFormatError, got %T", err)
	}
	if ife.Writer != writer {
		t.Fatalf("expected writer identifier to be carried, got %+v", ife.Writer)
	}
}

func asIncompatible(err error, out *IncompatibleFormatError) bool {
	ife, ok := err.(IncompatibleFormatError)
	if ok {
		*out = ife
	}
	return ok
}

func TestWriteReadFrom(t *testing.T) {
	id := Identifier{Variant: "rfr", Major: 3, Minor: 1, Patch: 4}
	var buf bytes.Buffer
	if _, err := id.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	got, err := ReadFrom(&buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if got != id {
		t.Fatalf("got %+v want %+v", got, id)
	}
}
