package manifest

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hds/rfr/internal/callsite"
	"github.com/hds/rfr/internal/recfmt"
	"github.com/hds/rfr/internal/record"
	"github.com/vmihailenco/msgpack/v5"
)

// CallsitesFileName is callsites.rfr's fixed filename within a recording
// directory.
const CallsitesFileName = "callsites.rfr"

// callsiteWire is the msgpack wire shape of callsite.Callsite.
type callsiteWire struct {
	ID              uint64
	Level           uint8
	Kind            int
	ConstFields     map[string]string
	SplitFieldNames []string
}

func toWire(cs callsite.Callsite) callsiteWire {
	return callsiteWire{
		ID:              uint64(cs.ID),
		Level:           uint8(cs.Level),
		Kind:            int(cs.Kind),
		ConstFields:     cs.ConstFields,
		SplitFieldNames: cs.SplitFieldNames,
	}
}

func fromWire(w callsiteWire) callsite.Callsite {
	return callsite.Callsite{
		ID:              record.CallsiteID(w.ID),
		Level:           callsite.Level(w.Level),
		Kind:            callsite.Kind(w.Kind),
		ConstFields:     w.ConstFields,
		SplitFieldNames: w.SplitFieldNames,
	}
}

// CallsiteWriter appends newly-registered callsites to callsites.rfr. One
// mutex covers both the pending-count bookkeeping and the underlying file
// writer (spec §4.6: "the callsite writer holds one mutex covering both the
// pending list and the file"), mirroring the teacher's meta_store.go, which
// serializes every mutation of its on-disk state behind a single lock.
type CallsiteWriter struct {
	mu       sync.Mutex
	f        *os.File
	streamed int
}

// CreateCallsitesFile creates callsites.rfr at path and writes the leading
// format identifier, returning a writer ready to stream registrations.
func CreateCallsitesFile(path string, writer recfmt.Identifier) (*CallsiteWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if _, err := writer.WriteTo(f); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	return &CallsiteWriter{f: f}, nil
}

// SyncNew streams every callsite registered in reg since the last call to
// SyncNew (or since creation) into the file, flushing to stable storage
// before returning.
func (w *CallsiteWriter) SyncNew(reg *callsite.Registry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	fresh, total := reg.Since(w.streamed)
	if len(fresh) == 0 {
		return nil
	}

	for _, cs := range fresh {
		blob, err := msgpack.Marshal(toWire(cs))
		if err != nil {
			return fmt.Errorf("manifest: encoding callsite %d: %w", cs.ID, err)
		}
		var lenBuf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(lenBuf[:], uint64(len(blob)))
		if _, err := w.f.Write(lenBuf[:n]); err != nil {
			return err
		}
		if _, err := w.f.Write(blob); err != nil {
			return err
		}
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	w.streamed = total
	return nil
}

// Close closes the underlying file.
func (w *CallsiteWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// DeserializeError reports the index (0-based, in file order) of a
// callsite record that failed to decode when reading callsites.rfr.
type DeserializeError struct {
	Index int
	Err   error
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("manifest: callsites.rfr record %d: %v", e.Index, e.Err)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

// ReadCallsites reads callsites.rfr at path in full, validating the leading
// format identifier against reader and decoding the stream of Callsite
// records until EOF. Per spec §4.7, any decode error is surfaced with the
// index of the offending record rather than silently truncating the file.
func ReadCallsites(path string, reader recfmt.Identifier) ([]callsite.Callsite, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := &byteReader{r: f}
	writerID, err := recfmt.ReadFrom(br)
	if err != nil {
		return nil, fmt.Errorf("manifest: reading format identifier: %w", err)
	}
	if err := recfmt.Gate(reader, writerID); err != nil {
		return nil, err
	}

	var out []callsite.Callsite
	for i := 0; ; i++ {
		length, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, &DeserializeError{Index: i, Err: err}
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(f, buf); err != nil {
			return out, &DeserializeError{Index: i, Err: err}
		}
		var wire callsiteWire
		if err := msgpack.Unmarshal(buf, &wire); err != nil {
			return out, &DeserializeError{Index: i, Err: err}
		}
		out = append(out, fromWire(wire))
	}
	return out, nil
}
