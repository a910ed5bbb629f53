package reader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hds/rfr/internal/clock"
	"github.com/hds/rfr/internal/recfmt"
	"github.com/hds/rfr/internal/record"
	"github.com/hds/rfr/internal/seqchunk"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// ChunkHeader is the aggregate metadata at the start of a chunk file.
type ChunkHeader struct {
	Interval clock.ChunkInterval
	Earliest clock.ChunkTimestamp
	Latest   clock.ChunkTimestamp
}

// chunkHeaderWire mirrors writer's unexported chunkHeaderWire type
// independently: the two packages agree only on the wire shape, not on a
// shared Go type.
type chunkHeaderWire struct {
	BaseSecs       uint64
	StartMicros    uint64
	EndMicros      uint64
	EarliestMicros uint64
	LatestMicros   uint64
}

func (w chunkHeaderWire) toHeader() ChunkHeader {
	return ChunkHeader{
		Interval: clock.ChunkInterval{
			Base:  clock.AbsTimestampSecs{Secs: w.BaseSecs},
			Start: clock.ChunkTimestamp{Micros: w.StartMicros},
			End:   clock.ChunkTimestamp{Micros: w.EndMicros},
		},
		Earliest: clock.ChunkTimestamp{Micros: w.EarliestMicros},
		Latest:   clock.ChunkTimestamp{Micros: w.LatestMicros},
	}
}

// ObjectEntry is one referenced object, in the on-disk order it was
// first faulted into its sequence chunk. Reshape's task-discovery pass
// (spec §4.9 step 1) depends on this order to assign DynamicIds
// deterministically, which is why Objects is a slice here and not a map.
type ObjectEntry struct {
	IID    record.InstrumentationID
	Object record.Object
}

// SeqChunk is one producer's decoded records and referenced objects
// within a Chunk.
type SeqChunk struct {
	Header  seqchunk.Header
	Objects []ObjectEntry
	Records []record.Record
}

// Chunk is one decoded chunk file. SeqChunks may be shorter than the
// count declared in the file if the writer had not yet finished
// appending the remainder at read time (spec §4.8, §3 "Chunk"); this is
// not an error.
type Chunk struct {
	Header    ChunkHeader
	SeqChunks []SeqChunk
}

type loaderState int

const (
	stateUnloaded loaderState = iota
	stateHeaderLoaded
	stateChunkLoaded
)

// ChunkLoader lazily and idempotently decodes one chunk file, promoting
// through Unloaded -> Header -> Chunk (spec §4.8 "Loader has three
// states... ensure_header and ensure_chunk are idempotent promotions").
type ChunkLoader struct {
	path string

	mu           sync.Mutex
	state        loaderState
	headerEndPos int64
	header       ChunkHeader
	chunk        *Chunk
	err          error
}

func newChunkLoader(path string) *ChunkLoader {
	return &ChunkLoader{path: path}
}

// Path returns the chunk file path this loader decodes.
func (l *ChunkLoader) Path() string { return l.path }

// openSource opens path for reading, decompressing eagerly if it carries
// the writer's compressed-chunk suffix (SPEC_FULL.md DOMAIN STACK: plain
// streaming zstd, no seekable frame index, since the archive is read
// sequentially once). A compressed chunk is only ever produced from a
// buffer the flusher had already fully sealed, so there is no
// in-progress-write case to tolerate for it: decompression either
// succeeds in full or the remainder is treated as not-yet-written, same
// as a truncated plain file.
func openSource(path string) (source, func() error, error) {
	if !strings.HasSuffix(path, ".zst") {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return fileSource{f: f}, f.Close, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("reader: opening zstd stream: %w", err)
	}
	defer zr.Close()

	buf, err := io.ReadAll(zr)
	if err != nil && len(buf) == 0 {
		return nil, nil, fmt.Errorf("reader: decompressing chunk: %w", err)
	}
	return bytes.NewReader(buf), func() error { return nil }, nil
}

type fileSource struct{ f *os.File }

func (s fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }

func (s fileSource) Size() int64 {
	info, err := s.f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// ensureHeader idempotently decodes the leading format identifier and
// ChunkHeader, gating the identifier against reader.
func (l *ChunkLoader) ensureHeader(reader recfmt.Identifier) (ChunkHeader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state >= stateHeaderLoaded {
		return l.header, l.err
	}

	src, closeFn, err := openSource(l.path)
	if err != nil {
		l.state = stateHeaderLoaded
		l.err = err
		return ChunkHeader{}, err
	}
	defer closeFn()

	c := newCursor(src)

	idBlob, err := c.blob()
	if err != nil {
		l.state = stateHeaderLoaded
		l.err = fmt.Errorf("reader: reading format identifier: %w", err)
		return ChunkHeader{}, l.err
	}
	writerID, err := recfmt.Parse(string(idBlob))
	if err != nil {
		l.state = stateHeaderLoaded
		l.err = fmt.Errorf("reader: parsing format identifier: %w", err)
		return ChunkHeader{}, l.err
	}
	if err := recfmt.Gate(reader, writerID); err != nil {
		l.state = stateHeaderLoaded
		l.err = err
		return ChunkHeader{}, err
	}

	hdrBlob, err := c.blob()
	if err != nil {
		l.state = stateHeaderLoaded
		l.err = &DeserializeError{Index: 0, Err: err}
		return ChunkHeader{}, l.err
	}
	var wire chunkHeaderWire
	if err := msgpack.Unmarshal(hdrBlob, &wire); err != nil {
		l.state = stateHeaderLoaded
		l.err = &DeserializeError{Index: 0, Err: err}
		return ChunkHeader{}, l.err
	}

	l.header = wire.toHeader()
	l.headerEndPos = c.pos
	l.state = stateHeaderLoaded
	return l.header, nil
}

// ensureChunk idempotently decodes the full chunk contents beyond the
// header: the declared sequence-chunk count, then that many SeqChunk
// entries, stopping without error at whichever entry the writer had not
// yet finished appending (spec §4.8 step 4).
func (l *ChunkLoader) ensureChunk(reader recfmt.Identifier) (*Chunk, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state >= stateChunkLoaded {
		return l.chunk, l.err
	}
	header, err := l.ensureHeaderLocked(reader)
	if err != nil {
		return nil, err
	}

	src, closeFn, err := openSource(l.path)
	if err != nil {
		l.state = stateChunkLoaded
		l.err = err
		return nil, err
	}
	defer closeFn()

	c := newCursor(src)
	c.pos = l.headerEndPos

	count, err := c.uvarint()
	chunk := &Chunk{Header: header}
	if err == errIncomplete {
		l.chunk = chunk
		l.state = stateChunkLoaded
		return chunk, nil
	}
	if err != nil {
		l.state = stateChunkLoaded
		l.err = &DeserializeError{Index: 1, Err: err}
		return nil, l.err
	}

	for i := uint64(0); i < count; i++ {
		sc, err := decodeSeqChunk(c)
		if err == errIncomplete {
			break
		}
		if err != nil {
			l.state = stateChunkLoaded
			l.err = &DeserializeError{Index: int(i) + 2, Err: err}
			return nil, l.err
		}
		chunk.SeqChunks = append(chunk.SeqChunks, sc)
	}

	l.chunk = chunk
	l.state = stateChunkLoaded
	return chunk, nil
}

// ensureHeaderLocked is ensureHeader's body for callers that already hold
// l.mu (ensureChunk promotes through Header first, per spec's "ensure_chunk"
// idempotent-promotion contract).
func (l *ChunkLoader) ensureHeaderLocked(reader recfmt.Identifier) (ChunkHeader, error) {
	if l.state >= stateHeaderLoaded {
		return l.header, l.err
	}
	l.mu.Unlock()
	header, err := l.ensureHeader(reader)
	l.mu.Lock()
	return header, err
}

func decodeSeqChunk(c *cursor) (SeqChunk, error) {
	hdrBlob, err := c.blob()
	if err != nil {
		return SeqChunk{}, err
	}
	var hdr seqchunk.Header
	if err := msgpack.Unmarshal(hdrBlob, &hdr); err != nil {
		return SeqChunk{}, err
	}

	objCount, err := c.uvarint()
	if err != nil {
		return SeqChunk{}, err
	}
	objects := make([]ObjectEntry, 0, objCount)
	for i := uint64(0); i < objCount; i++ {
		blob, err := c.blob()
		if err != nil {
			return SeqChunk{}, err
		}
		var obj record.Object
		if err := msgpack.Unmarshal(blob, &obj); err != nil {
			return SeqChunk{}, err
		}
		iid, ok := objectIID(obj)
		if !ok {
			return SeqChunk{}, fmt.Errorf("reader: object has neither task nor span")
		}
		objects = append(objects, ObjectEntry{IID: iid, Object: obj})
	}

	recCount, err := c.uvarint()
	if err != nil {
		return SeqChunk{}, err
	}
	records := make([]record.Record, 0, recCount)
	for i := uint64(0); i < recCount; i++ {
		blob, err := c.blob()
		if err != nil {
			return SeqChunk{}, err
		}
		var rec record.Record
		if err := msgpack.Unmarshal(blob, &rec); err != nil {
			return SeqChunk{}, err
		}
		records = append(records, rec)
	}

	return SeqChunk{Header: hdr, Objects: objects, Records: records}, nil
}

func objectIID(obj record.Object) (record.InstrumentationID, bool) {
	switch {
	case obj.Task != nil:
		return obj.Task.IID, true
	case obj.Span != nil:
		return obj.Span.IID, true
	default:
		return 0, false
	}
}
