package writer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hds/rfr/internal/chunkbuf"
	"github.com/hds/rfr/internal/clock"
	"github.com/hds/rfr/internal/recfmt"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// chunkHeaderWire is the msgpack wire shape of a chunk file's header,
// written right after the format identifier. The reader package mirrors
// this shape independently (spec §4.8: "a chunk file decodes as: format
// identifier, ChunkHeader, count, then count SeqChunk entries").
type chunkHeaderWire struct {
	BaseSecs     uint64
	StartMicros  uint64
	EndMicros    uint64
	EarliestMicros uint64
	LatestMicros   uint64
}

// writeChunkFile serializes cb to path: format identifier, header, entry
// count, then each sequence buffer's own WriteTo output back to back.
func writeChunkFile(path string, cb *chunkbuf.Buffer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("writer: creating chunk directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writer: creating chunk file: %w", err)
	}
	defer f.Close()

	if _, err := recfmt.Current.WriteTo(f); err != nil {
		return err
	}

	hdr := cb.Header()
	wire := chunkHeaderWire{
		BaseSecs:       hdr.Interval.Base.Secs,
		StartMicros:    hdr.Interval.Start.Micros,
		EndMicros:      hdr.Interval.End.Micros,
		EarliestMicros: hdr.Earliest.Micros,
		LatestMicros:   hdr.Latest.Micros,
	}
	blob, err := msgpack.Marshal(wire)
	if err != nil {
		return err
	}
	if err := writeLengthPrefixed(f, blob); err != nil {
		return err
	}

	seqs := cb.SeqBuffers()
	if err := writeUvarint(f, uint64(len(seqs))); err != nil {
		return err
	}
	for _, seq := range seqs {
		if _, err := seq.WriteTo(f); err != nil {
			return fmt.Errorf("writer: writing sequence chunk %d: %w", seq.SeqID(), err)
		}
	}
	return f.Sync()
}

// compressFile zstd-compresses path to path+".zst" and removes the plain
// file, returning the final path. Plain streaming zstd is used, not the
// seekable/frame-indexed variant: a sealed chunk is only ever read back
// sequentially, never seeked into (SPEC_FULL.md DOMAIN STACK). The plain
// file is only removed once the compressed copy is fully written and
// synced, so a crash mid-compress leaves the readable plain chunk behind
// instead of a half-written .zst.
func compressFile(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return path, err
	}
	defer src.Close()

	zstPath := path + ".zst"
	dst, err := os.Create(zstPath)
	if err != nil {
		return path, err
	}

	zw, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		os.Remove(zstPath)
		return path, err
	}
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		os.Remove(zstPath)
		return path, err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(zstPath)
		return path, err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(zstPath)
		return path, err
	}
	if err := dst.Close(); err != nil {
		os.Remove(zstPath)
		return path, err
	}
	if err := os.Remove(path); err != nil {
		return zstPath, err
	}
	return zstPath, nil
}

func writeUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

func writeLengthPrefixed(w io.Writer, blob []byte) error {
	if err := writeUvarint(w, uint64(len(blob))); err != nil {
		return err
	}
	_, err := w.Write(blob)
	return err
}

// flushLoop runs on its own goroutine for the Writer's lifetime (spec
// §4.6 "Flusher. Runs on a dedicated thread"). Each tick it syncs pending
// callsites, seals every chunk buffer whose interval has aged past the
// write buffer, and sleeps until the next interval boundary is due.
func (w *Writer) flushLoop() {
	defer close(w.flushDone)
	for {
		w.flushTick(false)

		sleep := w.nextSleep()
		select {
		case <-time.After(sleep):
		case <-w.closeCh:
			w.flushTick(true)
			return
		}
	}
}

// flushTick performs one flush pass. When final is true (close requested)
// every remaining chunk buffer is sealed regardless of age, implementing
// spec §4.6's terminal "write_all_chunks".
func (w *Writer) flushTick(final bool) {
	if err := w.csWriter.SyncNew(w.registry); err != nil {
		w.logger.Error("callsite sync failed", "error", err)
	}

	now := w.cfg.Now()
	nowAbs, err := clock.New(uint64(now.Unix()), uint32(now.Nanosecond()/1000))
	if err != nil {
		return
	}

	w.mu.Lock()
	var sealed []clock.ChunkInterval
	remaining := w.bufOrder[:0]
	for _, iv := range w.bufOrder {
		cb := w.buffers[iv]
		ageable := final || w.pastWriteBuffer(cb.Interval(), nowAbs)
		if ageable {
			sealed = append(sealed, iv)
			continue
		}
		remaining = append(remaining, iv)
	}
	buffers := make(map[clock.ChunkInterval]*chunkbuf.Buffer, len(sealed))
	for _, iv := range sealed {
		buffers[iv] = w.buffers[iv]
		delete(w.buffers, iv)
	}
	w.bufOrder = remaining
	w.mu.Unlock()

	for _, iv := range sealed {
		cb := buffers[iv]
		path := w.chunkPath(cb.Interval())
		if err := writeChunkFile(path, cb); err != nil {
			w.logger.Error("chunk flush failed", "path", path, "error", err)
			continue
		}
		finalPath := path
		if w.cfg.CompressChunks {
			compressed, err := compressFile(path)
			if err != nil {
				w.logger.Error("chunk compression failed", "path", path, "error", err)
			} else {
				finalPath = compressed
			}
		}
		w.logger.Info("chunk flushed", "path", finalPath, "records", sealedRecordCount(cb))
		w.notifiers.notifyWritten(cb.Interval().AbsEnd())
	}

	if final {
		w.notifiers.closeAll()
	}
}

func sealedRecordCount(cb *chunkbuf.Buffer) uint64 {
	var total uint64
	for _, seq := range cb.SeqBuffers() {
		total += seq.RecordCount()
	}
	return total
}

// pastWriteBuffer reports whether interval.End lies more than 150ms in
// the past relative to now (spec §4.6 step 2).
func (w *Writer) pastWriteBuffer(interval clock.ChunkInterval, now clock.AbsTimestamp) bool {
	end := interval.AbsEnd()
	endMicros := end.Secs*clock.MicrosPerSecond + uint64(end.SubsecMicros)
	nowMicros := now.Secs*clock.MicrosPerSecond + uint64(now.SubsecMicros)
	if nowMicros < endMicros {
		return false
	}
	return nowMicros-endMicros > writeBufferMicros
}

// nextSleep computes the flusher's next sleep duration: time until the
// soonest open interval ends, plus the write buffer and slack (spec §4.6
// step 3).
func (w *Writer) nextSleep() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.bufOrder) == 0 {
		return time.Duration(writeBufferMicros+slackMicros) * time.Microsecond
	}

	now := w.cfg.Now()
	var soonest time.Duration = -1
	for _, iv := range w.bufOrder {
		cb := w.buffers[iv]
		end := cb.Interval().AbsEnd()
		endTime := time.Unix(int64(end.Secs), int64(end.SubsecMicros)*1000).UTC()
		d := endTime.Sub(now)
		if soonest < 0 || d < soonest {
			soonest = d
		}
	}
	if soonest < 0 {
		soonest = 0
	}
	return soonest + time.Duration(writeBufferMicros+slackMicros)*time.Microsecond
}
