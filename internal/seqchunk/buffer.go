// Package seqchunk implements the per-producer in-memory accumulator that
// spec §4.4 calls the "sequence chunk buffer": a header, a set of
// referenced objects faulted in on first sight, and an ordered byte
// stream of serialized records.
package seqchunk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/hds/rfr/internal/clock"
	"github.com/hds/rfr/internal/record"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnresolvedObject is returned by Append when the resolver could not
// supply an Object for one of the record's referenced iids. The record is
// dropped; the iid is remembered so the resolver is never asked again for
// it in this buffer (spec §4.4 step 3, §7 "unresolved object").
var ErrUnresolvedObject = errors.New("seqchunk: referenced object unresolved, record dropped")

// Resolver maps a batch of iids to their Object values. The result slice
// must be the same length and order as ids; a nil entry means the object
// could not be resolved. The writer calls the resolver at most once per
// iid per buffer (spec §4.4 step 2, §9 "object fault-in resolver").
type Resolver func(ids []record.InstrumentationID) []*record.Object

// Header is the fixed metadata of a sequence chunk, serialized first.
type Header struct {
	SeqID    record.SeqID
	Earliest clock.ChunkTimestamp
	Latest   clock.ChunkTimestamp
}

// Buffer is the per-producer in-memory accumulator. Every mutation holds
// one mutex covering all fields, per spec §4.4: "every mutation holds one
// mutex covering all buffer fields. The resolver is invoked under the
// lock and must not reenter the buffer."
type Buffer struct {
	mu sync.Mutex

	seqID    record.SeqID
	interval clock.ChunkInterval

	haveBounds bool
	earliest   clock.ChunkTimestamp
	latest     clock.ChunkTimestamp

	objects     map[record.InstrumentationID][]byte
	objectOrder []record.InstrumentationID
	missing     map[record.InstrumentationID]struct{}

	records     bytes.Buffer
	recordCount uint64
}

// New creates an empty sequence chunk buffer for seqID, scoped to
// interval.
func New(seqID record.SeqID, interval clock.ChunkInterval) *Buffer {
	return &Buffer{
		seqID:    seqID,
		interval: interval,
		objects:  make(map[record.InstrumentationID][]byte),
		missing:  make(map[record.InstrumentationID]struct{}),
	}
}

// SeqID returns the buffer's producer id.
func (b *Buffer) SeqID() record.SeqID { return b.seqID }

// Interval returns the wall-clock interval this buffer is scoped to.
func (b *Buffer) Interval() clock.ChunkInterval { return b.interval }

// RecordCount returns the number of records successfully appended so far.
func (b *Buffer) RecordCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recordCount
}

// Bounds returns the earliest/latest timestamps observed so far and
// whether any record has been appended yet.
func (b *Buffer) Bounds() (earliest, latest clock.ChunkTimestamp, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.earliest, b.latest, b.haveBounds
}

// Append implements spec §4.4's append_record operation: it faults in any
// newly-referenced objects via resolve, drops (and remembers) records that
// reference an unresolvable object, and otherwise appends the record to
// the byte stream and updates the header bounds.
func (b *Buffer) Append(rec record.Record, resolve Resolver) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	referenced := rec.Data.ReferencedIIDs()

	var toQuery []record.InstrumentationID
	knownMissing := false
	for _, id := range referenced {
		if _, ok := b.objects[id]; ok {
			continue
		}
		if _, ok := b.missing[id]; ok {
			knownMissing = true
			continue
		}
		toQuery = append(toQuery, id)
	}

	if len(toQuery) > 0 {
		results := resolve(toQuery)
		for i, id := range toQuery {
			var obj *record.Object
			if i < len(results) {
				obj = results[i]
			}
			if obj == nil {
				b.missing[id] = struct{}{}
				knownMissing = true
				continue
			}
			blob, err := msgpack.Marshal(obj)
			if err != nil {
				return err
			}
			b.objects[id] = blob
			b.objectOrder = append(b.objectOrder, id)
		}
	}

	if knownMissing {
		return ErrUnresolvedObject
	}

	blob, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := writeLengthPrefixed(&b.records, blob); err != nil {
		return err
	}
	b.recordCount++

	ts := rec.Meta.Timestamp
	if !b.haveBounds {
		b.earliest = ts
		b.latest = ts
		b.haveBounds = true
	} else {
		if ts.Micros < b.earliest.Micros {
			b.earliest = ts
		}
		if ts.Micros > b.latest.Micros {
			b.latest = ts
		}
	}
	return nil
}

// WriteTo serializes the buffer per spec §4.4's write(out): header, then
// object count + concatenated (length-prefixed) object blobs, then
// record count + concatenated (length-prefixed) record blobs.
//
// Unlike the original postcard framing, each record blob carries its own
// uvarint length prefix (see SPEC_FULL.md "Go notes"): msgpack is
// self-describing but we still need explicit element boundaries for the
// reader's growing-buffer decode loop (spec §4.8).
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total int64
	hdr := Header{SeqID: b.seqID, Earliest: b.earliest, Latest: b.latest}
	hdrBlob, err := msgpack.Marshal(hdr)
	if err != nil {
		return total, err
	}
	n, err := writeLengthPrefixed(w, hdrBlob)
	total += n
	if err != nil {
		return total, err
	}

	n, err = writeUvarint(w, uint64(len(b.objectOrder)))
	total += n
	if err != nil {
		return total, err
	}
	for _, id := range b.objectOrder {
		n, err = writeLengthPrefixed(w, b.objects[id])
		total += n
		if err != nil {
			return total, err
		}
	}

	n, err = writeUvarint(w, b.recordCount)
	total += n
	if err != nil {
		return total, err
	}
	recBytes := b.records.Bytes()
	written, err := w.Write(recBytes)
	total += int64(written)
	return total, err
}

func writeUvarint(w io.Writer, v uint64) (int64, error) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	written, err := w.Write(buf[:n])
	return int64(written), err
}

func writeLengthPrefixed(w io.Writer, blob []byte) (int64, error) {
	n, err := writeUvarint(w, uint64(len(blob)))
	if err != nil {
		return n, err
	}
	written, err := w.Write(blob)
	return n + int64(written), err
}
