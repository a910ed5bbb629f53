package manifest

import (
	"path/filepath"
	"testing"

	"github.com/hds/rfr/internal/callsite"
	"github.com/hds/rfr/internal/recfmt"
	"github.com/hds/rfr/internal/record"
)

func TestCallsiteWriterStreamsOnlyNewEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, CallsitesFileName)

	w, err := CreateCallsitesFile(path, recfmt.Current)
	if err != nil {
		t.Fatalf("CreateCallsitesFile: %v", err)
	}
	defer w.Close()

	reg := callsite.New()
	_, _ = reg.Register(callsite.Callsite{ID: 1, Level: callsite.LevelInfo, Kind: callsite.KindEvent})
	_, _ = reg.Register(callsite.Callsite{ID: 2, Level: callsite.LevelDebug, Kind: callsite.KindSpan, SplitFieldNames: []string{"a", "b"}})

	if err := w.SyncNew(reg); err != nil {
		t.Fatalf("SyncNew: %v", err)
	}

	_, _ = reg.Register(callsite.Callsite{ID: 3, Level: callsite.LevelWarn, Kind: callsite.KindEvent, ConstFields: map[string]string{"k": "v"}})
	if err := w.SyncNew(reg); err != nil {
		t.Fatalf("second SyncNew: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := ReadCallsites(path, recfmt.Current)
	if err != nil {
		t.Fatalf("ReadCallsites: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 callsites, got %d", len(got))
	}
	if got[0].ID != record.CallsiteID(1) || got[1].ID != record.CallsiteID(2) || got[2].ID != record.CallsiteID(3) {
		t.Fatalf("unexpected callsite ids: %+v", got)
	}
	if got[2].ConstFields["k"] != "v" {
		t.Fatalf("const fields not preserved: %+v", got[2])
	}
	if len(got[1].SplitFieldNames) != 2 {
		t.Fatalf("split field names not preserved: %+v", got[1])
	}
}

func TestReadCallsitesRejectsIncompatibleWriter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, CallsitesFileName)
	writer := recfmt.Identifier{Variant: recfmt.Variant, Major: 99, Minor: 0, Patch: 0}

	w, err := CreateCallsitesFile(path, writer)
	if err != nil {
		t.Fatalf("CreateCallsitesFile: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = ReadCallsites(path, recfmt.Current)
	if err == nil {
		t.Fatal("expected an incompatible-format error")
	}
}
