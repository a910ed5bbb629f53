// Package reader implements the chunk reader (spec §4.8): a tolerant,
// length-prefixed decoder that copes with a chunk file still being
// written, surfaces a diagnostic with the offending element's index on
// real corruption, and a Recording type that discovers and lazily
// decodes every chunk file under a directory written by
// github.com/hds/rfr/internal/writer.
package reader

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// maxElementBytes caps a single decoded element, mirroring the spec's 1
// MiB scratch-buffer ceiling (§4.8, §7 "buffer exhaustion"). Unlike the
// original's non-self-describing postcard framing, every element here
// already carries its own uvarint length prefix (SPEC_FULL.md "Go
// notes"), so there is no blind scratch-buffer doubling to perform — the
// declared length is known up front, and this cap is only a sanity check
// against a corrupt or adversarial length field.
const maxElementBytes = 1 << 20

// errIncomplete signals that the element at the cursor's current position
// is not yet fully present in the source: the writer may still be
// appending to this file. Callers re-stat (source) and retry once it has
// grown, or stop and treat the remainder as not-yet-written.
var errIncomplete = errors.New("reader: element not yet fully written")

// ErrBufferExhausted is returned when an element's declared length
// exceeds maxElementBytes (spec §7 "buffer exhaustion").
var ErrBufferExhausted = errors.New("reader: element exceeds 1 MiB scratch buffer")

// DeserializeError reports the zero-based element index within a chunk
// file that failed to decode for a reason other than "not yet written"
// (spec §4.8 step 5, §7 "format malformed").
type DeserializeError struct {
	Index int
	Err   error
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("reader: chunk element %d: %v", e.Index, e.Err)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

// source is the minimal random-access surface decode needs. A plain
// chunk file is backed by an *os.File (whose Size can grow between
// reads, which is exactly the in-progress-write case this package
// tolerates); a zstd-compressed chunk is decompressed once into memory
// and backed by a *bytes.Reader, whose Size never changes — any
// truncation in a compressed chunk is therefore reported once and not
// retried (see openSource in chunk.go: compressed chunks are only ever produced
// from a buffer that was already fully sealed).
type source interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
}

// cursor decodes growing-buffer, length-prefixed elements from a source,
// tracking its own logical position explicitly so a retry after
// re-checking the source's size always resumes from the same place
// (spec §4.8 steps 1-4).
type cursor struct {
	src   source
	pos   int64
	known int64
}

func newCursor(src source) *cursor {
	return &cursor{src: src, known: src.Size()}
}

func (c *cursor) refreshSize() int64 {
	c.known = c.src.Size()
	return c.known
}

// readUvarintOnce attempts to decode one uvarint at the cursor's current
// position without retrying on incompleteness; the cursor only advances
// on success.
func (c *cursor) readUvarintOnce() (uint64, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n, err := c.src.ReadAt(buf, c.pos)
	if n == 0 {
		if err != nil {
			return 0, errIncomplete
		}
	}
	v, vn := binary.Uvarint(buf[:n])
	if vn <= 0 {
		return 0, errIncomplete
	}
	c.pos += int64(vn)
	return v, nil
}

// readBlobOnce attempts to decode one length-prefixed blob at the
// cursor's current position without retrying; the cursor only advances
// on success.
func (c *cursor) readBlobOnce() ([]byte, error) {
	start := c.pos
	length, err := c.readUvarintOnce()
	if err != nil {
		c.pos = start
		return nil, err
	}
	if length > maxElementBytes {
		c.pos = start
		return nil, ErrBufferExhausted
	}
	buf := make([]byte, length)
	n, rerr := c.src.ReadAt(buf, c.pos)
	if uint64(n) < length {
		c.pos = start
		if rerr != nil {
			return nil, errIncomplete
		}
		return nil, errIncomplete
	}
	c.pos += int64(length)
	return buf, nil
}

// waitForGrowth re-checks the source's size, reporting whether it grew
// since the last check (spec §4.8 step 4: "if the new position lies
// beyond the currently known file end, re-stat; if end did not advance,
// stop").
func (c *cursor) waitForGrowth() bool {
	prev := c.known
	return c.refreshSize() > prev
}

// uvarint decodes one uvarint, retrying after a size re-check as long as
// the source keeps growing, and reporting errIncomplete once it stops.
func (c *cursor) uvarint() (uint64, error) {
	for {
		v, err := c.readUvarintOnce()
		if err == nil {
			return v, nil
		}
		if err != errIncomplete {
			return 0, err
		}
		if !c.waitForGrowth() {
			return 0, errIncomplete
		}
	}
}

// blob decodes one length-prefixed blob, retrying after a size re-check
// as long as the source keeps growing, and reporting errIncomplete once
// it stops.
func (c *cursor) blob() ([]byte, error) {
	for {
		b, err := c.readBlobOnce()
		if err == nil {
			return b, nil
		}
		if err != errIncomplete {
			return nil, err
		}
		if !c.waitForGrowth() {
			return nil, errIncomplete
		}
	}
}
