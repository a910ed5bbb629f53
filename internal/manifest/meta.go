// Package manifest implements the top-level archive files: meta.rfr (spec
// §4.7), written once at recording creation, and callsites.rfr, appended
// incrementally as new callsites are first seen.
package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hds/rfr/internal/recfmt"
	"github.com/vmihailenco/msgpack/v5"
)

// MetaFileName is the manifest's fixed filename within a recording directory.
const MetaFileName = "meta.rfr"

// ErrEmptyIdentifierList is returned when meta.rfr's format_identifiers
// list is empty — the archive cannot be attributed to any writer version.
var ErrEmptyIdentifierList = errors.New("manifest: meta.rfr has no format identifiers")

// Header is meta.rfr's body, following the format identifier.
type Header struct {
	CreatedTime        int64 // unix micros, UTC
	FormatIdentifiers  []recfmt.Identifier
	// RecordingID is a UUIDv7 stamped at creation time so a recording
	// directory has a sortable, collision-resistant identity independent
	// of its wall-clock path. No read path depends on it; it is diagnostic
	// metadata, logged at writer-open and printed by rfr-view.
	RecordingID uuid.UUID
}

// headerWire is the msgpack wire shape of Header (recfmt.Identifier has
// no msgpack tags of its own, so a plain alias suffices).
type headerWire struct {
	CreatedTime       int64
	FormatIdentifiers []recfmt.Identifier
	RecordingID       [16]byte
}

// NewRecordingID mints a fresh UUIDv7 recording identity.
func NewRecordingID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// WriteMeta writes meta.rfr at path, stamping writer as the sole format
// identifier and created as the creation time.
func WriteMeta(path string, writer recfmt.Identifier, created time.Time, recordingID uuid.UUID) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := writer.WriteTo(f); err != nil {
		return err
	}

	hdr := headerWire{
		CreatedTime:       created.UTC().UnixMicro(),
		FormatIdentifiers: []recfmt.Identifier{writer},
		RecordingID:       recordingID,
	}
	blob, err := msgpack.Marshal(hdr)
	if err != nil {
		return err
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(blob)))
	if _, err := f.Write(lenBuf[:n]); err != nil {
		return err
	}
	if _, err := f.Write(blob); err != nil {
		return err
	}
	return f.Sync()
}

// ReadMeta reads and validates meta.rfr at path against reader's
// identifier, returning the decoded Header.
func ReadMeta(path string, reader recfmt.Identifier) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	br := &byteReader{r: f}
	writerID, err := recfmt.ReadFrom(br)
	if err != nil {
		return Header{}, fmt.Errorf("manifest: reading format identifier: %w", err)
	}
	if err := recfmt.Gate(reader, writerID); err != nil {
		return Header{}, err
	}

	length, err := binary.ReadUvarint(br)
	if err != nil {
		return Header{}, fmt.Errorf("manifest: reading header length: %w", err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(f, buf); err != nil {
		return Header{}, fmt.Errorf("manifest: reading header body: %w", err)
	}

	var wire headerWire
	if err := msgpack.Unmarshal(buf, &wire); err != nil {
		return Header{}, fmt.Errorf("manifest: decoding header: %w", err)
	}
	if len(wire.FormatIdentifiers) == 0 {
		return Header{}, ErrEmptyIdentifierList
	}
	for _, id := range wire.FormatIdentifiers {
		if err := recfmt.Gate(reader, id); err != nil {
			return Header{}, err
		}
	}

	return Header{
		CreatedTime:       wire.CreatedTime,
		FormatIdentifiers: wire.FormatIdentifiers,
		RecordingID:       uuid.UUID(wire.RecordingID),
	}, nil
}

// byteReader adapts an io.Reader to io.ByteReader one byte at a time.
// meta.rfr and callsites.rfr are read once at open time, so the extra
// syscall-per-byte during the short identifier prefix is not worth
// avoiding with a buffered reader dependency.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}
