// Package writer implements the chunked writer (spec §4.6): the
// goroutine-facing append path, the periodic flusher that seals completed
// intervals to disk, the callsite-streaming integration, and the
// ack/close protocols.
package writer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hds/rfr/internal/callsite"
	"github.com/hds/rfr/internal/chunkbuf"
	"github.com/hds/rfr/internal/clock"
	"github.com/hds/rfr/internal/logging"
	"github.com/hds/rfr/internal/manifest"
	"github.com/hds/rfr/internal/recfmt"
	"github.com/hds/rfr/internal/record"
	"github.com/hds/rfr/internal/seqchunk"
)

// writeBufferMicros is the 150ms grace period the flusher waits past an
// interval's end before sealing it, and the race-note constant from spec
// §4.6: a producer stalled longer than this between computing its
// timestamp and appending can lose the event.
const writeBufferMicros = 150_000

// slackMicros is added on top of writeBufferMicros when computing the
// flusher's next sleep duration, absorbing scheduling jitter.
const slackMicros = 50_000

var (
	// ErrRootDirExists is returned by Open when Config.RootDir already
	// exists: a recording directory is created fresh, never reused.
	ErrRootDirExists = errors.New("writer: root_dir already exists")
	// ErrInvalidPeriod is returned by Open when Config.ChunkPeriodMicros
	// does not divide, or is not a multiple of, one second.
	ErrInvalidPeriod = errors.New("writer: chunk_period_micros must divide or be a multiple of 1_000_000")
	// ErrClosed is returned by Producer.Append after Close.
	ErrClosed = errors.New("writer: closed")
)

// Config configures a Writer.
type Config struct {
	// RootDir is the directory the recording is created in. Must not
	// pre-exist.
	RootDir string

	// ChunkPeriodMicros is the nominal length of a chunk interval; must
	// divide 1_000_000 evenly or be a whole multiple of it (spec §4.2).
	ChunkPeriodMicros uint64

	// CompressChunks enables zstd compression of sealed chunk files.
	// Plain streaming zstd (not the seekable/frame-indexed variant) is
	// used: chunks are written once and read back sequentially, so
	// random access is never needed (SPEC_FULL.md DOMAIN STACK).
	CompressChunks bool

	// Logger is scoped with component="writer" if non-nil; otherwise
	// logging is discarded.
	Logger *slog.Logger

	// Now returns the current wall-clock time. Defaults to time.Now;
	// overridable for deterministic tests.
	Now func() time.Time
}

func (c *Config) setDefaults() error {
	if c.RootDir == "" {
		return errors.New("writer: root_dir is required")
	}
	if c.ChunkPeriodMicros == 0 {
		c.ChunkPeriodMicros = 1_000_000
	}
	if clock.MicrosPerSecond%c.ChunkPeriodMicros != 0 && c.ChunkPeriodMicros%clock.MicrosPerSecond != 0 {
		return ErrInvalidPeriod
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Writer owns an open recording directory: the chunk-buffer table, the
// callsite registry and its incremental writer, and the background
// flusher goroutine.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	buffers  map[clock.ChunkInterval]*chunkbuf.Buffer // keyed by the full interval: sub-second periods pack several intervals into one base second
	bufOrder []clock.ChunkInterval

	registry  *callsite.Registry
	csWriter  *manifest.CallsiteWriter

	nextSeqID atomic.Uint64

	notifiers *notifierSet

	closed   atomic.Bool
	closeCh  chan struct{}
	flushDone chan struct{}
}

// Open creates a fresh recording directory at cfg.RootDir and starts the
// background flusher. The returned Writer must eventually be closed with
// Close.
func Open(cfg Config) (*Writer, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.RootDir); err == nil {
		return nil, ErrRootDirExists
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("writer: creating root_dir: %w", err)
	}

	logger := logging.Default(cfg.Logger).With("component", "writer")

	recordingID := manifest.NewRecordingID()
	if err := manifest.WriteMeta(filepath.Join(cfg.RootDir, manifest.MetaFileName), recfmt.Current, cfg.Now(), recordingID); err != nil {
		return nil, fmt.Errorf("writer: writing meta.rfr: %w", err)
	}
	csWriter, err := manifest.CreateCallsitesFile(filepath.Join(cfg.RootDir, manifest.CallsitesFileName), recfmt.Current)
	if err != nil {
		return nil, fmt.Errorf("writer: creating callsites.rfr: %w", err)
	}

	w := &Writer{
		cfg:       cfg,
		logger:    logger,
		buffers:   make(map[clock.ChunkInterval]*chunkbuf.Buffer),
		registry:  callsite.New(),
		csWriter:  csWriter,
		notifiers: newNotifierSet(),
		closeCh:   make(chan struct{}),
		flushDone: make(chan struct{}),
	}

	logger.Info("recording opened", "root_dir", cfg.RootDir, "recording_id", recordingID.String(), "chunk_period_micros", cfg.ChunkPeriodMicros)

	go w.flushLoop()
	return w, nil
}

// RegisterCallsite forwards cs to this Writer's callsite registry (spec
// §4.6 "register_callsite forwards to an incremental callsite writer;
// deduplication is by CallsiteId"). Each Writer creates its own Registry
// in Open; registrations are not shared between Writers.
func (w *Writer) RegisterCallsite(cs callsite.Callsite) (isNew bool, err error) {
	return w.registry.Register(cs)
}

// Producer is the per-logical-producer handle that plays the role of the
// spec's thread-local "current sequence buffer" cell (see SPEC_FULL.md's
// "Go notes" — Go has no thread-local storage, so the caller holds this
// handle explicitly instead of the runtime keying a cell by thread id).
// A Producer is not safe for concurrent use by multiple goroutines; each
// goroutine that emits events should obtain its own via NewProducer.
type Producer struct {
	w      *Writer
	seqID  record.SeqID
	handle *seqchunk.Buffer // current interval's sequence buffer, or nil
}

// NewProducer allocates a stable SeqId and returns a Producer handle.
func (w *Writer) NewProducer() *Producer {
	return &Producer{w: w, seqID: record.SeqID(w.nextSeqID.Add(1))}
}

// Resolver resolves a batch of instrumentation ids to their Object value,
// used by seqchunk.Buffer to fault in referenced objects on first sight.
type Resolver = seqchunk.Resolver

// Append implements with_seq_chunk_buffer + append_record (spec §4.6
// steps 1-3): it resolves (or allocates) the sequence buffer for absTS's
// interval, replacing the Producer's cached handle if the interval
// changed, then appends rec to it.
func (p *Producer) Append(absTS clock.AbsTimestamp, rec record.Record, resolve Resolver) error {
	if p.w.closed.Load() {
		return ErrClosed
	}
	interval, err := clock.FromTimestamp(absTS, p.w.cfg.ChunkPeriodMicros)
	if err != nil {
		return err
	}
	chunkTS, err := clock.ToChunk(interval.Base, absTS)
	if err != nil {
		return err
	}

	if p.handle == nil || !p.handle.Interval().Equal(interval) {
		p.handle = p.w.seqBufferFor(interval, p.seqID)
	}

	rec.Meta.Timestamp = chunkTS
	return p.handle.Append(rec, resolve)
}

// seqBufferFor looks up (or creates) the chunk buffer for interval under
// the table mutex, then asks it for a fresh sequence buffer for seqID
// (spec §4.6 step 2: "This allocates a new sequence buffer per interval
// per thread, so SeqId is stable per thread across intervals.").
func (w *Writer) seqBufferFor(interval clock.ChunkInterval, seqID record.SeqID) *seqchunk.Buffer {
	w.mu.Lock()
	defer w.mu.Unlock()
	cb, ok := w.buffers[interval]
	if !ok {
		cb = chunkbuf.New(interval)
		w.buffers[interval] = cb
		w.bufOrder = append(w.bufOrder, interval)
	}
	return cb.NewSeqChunkBuffer(seqID)
}

// chunkPath derives the on-disk path for a chunk covering interval,
// rooted at cfg.RootDir, per spec §4.6:
// "<root>/YYYY-MM/DD-HH/chunk-MM-SS.rfr", UTC. For sub-second periods,
// several intervals share one base second, so the name also carries the
// interval's start within that second as six zero-padded digits
// ("chunk-MM-SS-uuuuuu.rfr"), keeping one file per interval.
func (w *Writer) chunkPath(interval clock.ChunkInterval) string {
	t := time.Unix(int64(interval.Base.Secs), 0).UTC()
	name := fmt.Sprintf("chunk-%02d-%02d.rfr", t.Minute(), t.Second())
	if w.cfg.ChunkPeriodMicros < clock.MicrosPerSecond {
		name = fmt.Sprintf("chunk-%02d-%02d-%06d.rfr", t.Minute(), t.Second(), interval.Start.Micros)
	}
	return filepath.Join(
		w.cfg.RootDir,
		t.Format("2006-01"),
		t.Format("02-15"),
		name,
	)
}
