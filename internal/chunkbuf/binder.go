// Package chunkbuf implements the chunk buffer & interval binder (spec
// §4.5): the in-memory grouping of every sequence chunk buffer that
// shares one wall-clock ChunkInterval, ready to be folded into an
// on-disk Chunk by the flusher.
package chunkbuf

import (
	"sync"

	"github.com/hds/rfr/internal/clock"
	"github.com/hds/rfr/internal/record"
	"github.com/hds/rfr/internal/seqchunk"
)

// Header is a chunk's aggregate metadata: the interval it covers plus the
// earliest/latest timestamps observed across all of its sequence chunks.
type Header struct {
	Interval clock.ChunkInterval
	Earliest clock.ChunkTimestamp
	Latest   clock.ChunkTimestamp
}

// Buffer groups every sequence chunk buffer sharing one ChunkInterval.
type Buffer struct {
	mu       sync.Mutex
	interval clock.ChunkInterval
	seqs     map[record.SeqID]*seqchunk.Buffer
	order    []record.SeqID
}

// New creates an empty chunk buffer scoped to interval.
func New(interval clock.ChunkInterval) *Buffer {
	return &Buffer{interval: interval, seqs: make(map[record.SeqID]*seqchunk.Buffer)}
}

// Interval returns the wall-clock interval this buffer covers.
func (b *Buffer) Interval() clock.ChunkInterval { return b.interval }

// NewSeqChunkBuffer appends a fresh sequence chunk buffer for seqID,
// sharing this chunk buffer's interval, and returns it (spec §4.5:
// "new_seq_chunk_buffer() appends a fresh sequence buffer sharing the
// interval and returns a shared handle").
//
// Each producer allocates a new sequence buffer per interval per thread
// (spec §4.6 step 2), so this is expected to be called once per (seqID,
// interval) pair; calling it again for a seqID already present replaces
// that seqID's buffer, which callers should avoid relying on.
func (b *Buffer) NewSeqChunkBuffer(seqID record.SeqID) *seqchunk.Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := seqchunk.New(seqID, b.interval)
	if _, exists := b.seqs[seqID]; !exists {
		b.order = append(b.order, seqID)
	}
	b.seqs[seqID] = buf
	return buf
}

// SeqBuffers returns a stable-ordered snapshot of the sequence buffers
// currently grouped under this chunk buffer.
func (b *Buffer) SeqBuffers() []*seqchunk.Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*seqchunk.Buffer, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.seqs[id])
	}
	return out
}

// Header recomputes the chunk's aggregate header by folding over every
// child sequence buffer's bounds, as the flusher does at flush time (spec
// §4.5).
func (b *Buffer) Header() Header {
	children := b.SeqBuffers()
	h := Header{Interval: b.interval}
	haveBounds := false
	for _, seq := range children {
		earliest, latest, ok := seq.Bounds()
		if !ok {
			continue
		}
		if !haveBounds {
			h.Earliest = earliest
			h.Latest = latest
			haveBounds = true
			continue
		}
		if earliest.Micros < h.Earliest.Micros {
			h.Earliest = earliest
		}
		if latest.Micros > h.Latest.Micros {
			h.Latest = latest
		}
	}
	return h
}

// IsEmpty reports whether no sequence buffer has ever been created under
// this chunk buffer.
func (b *Buffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order) == 0
}
