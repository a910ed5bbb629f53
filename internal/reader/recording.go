package reader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hds/rfr/internal/callsite"
	"github.com/hds/rfr/internal/manifest"
	"github.com/hds/rfr/internal/recfmt"
)

// openConfig holds Open's optional settings.
type openConfig struct {
	readerID recfmt.Identifier
}

// Option configures Open.
type Option func(*openConfig)

// WithReaderIdentifier overrides the format identifier a Recording gates
// every file against. Defaults to recfmt.Current.
func WithReaderIdentifier(id recfmt.Identifier) Option {
	return func(c *openConfig) { c.readerID = id }
}

// Recording is an opened, on-disk recording directory written by
// github.com/hds/rfr/internal/writer: a validated meta.rfr, the full
// callsite registry from callsites.rfr, and the set of discovered chunk
// file paths, decoded lazily and cached per path.
type Recording struct {
	dir      string
	readerID recfmt.Identifier

	meta       manifest.Header
	callsites  []callsite.Callsite
	chunkPaths []string

	mu      sync.Mutex
	loaders map[string]*ChunkLoader
}

// Open validates and opens the recording directory at dir: it reads and
// gates meta.rfr and callsites.rfr against the reader identifier, and
// discovers (without decoding) every chunk file beneath dir. Chunk
// contents are decoded lazily via ChunkFor or ChunksLossy.
func Open(dir string, opts ...Option) (*Recording, error) {
	cfg := openConfig{readerID: recfmt.Current}
	for _, opt := range opts {
		opt(&cfg)
	}

	meta, err := manifest.ReadMeta(filepath.Join(dir, manifest.MetaFileName), cfg.readerID)
	if err != nil {
		return nil, fmt.Errorf("reader: reading meta.rfr: %w", err)
	}

	callsitesPath := filepath.Join(dir, manifest.CallsitesFileName)
	callsites, err := manifest.ReadCallsites(callsitesPath, cfg.readerID)
	if err != nil {
		return nil, fmt.Errorf("reader: reading callsites.rfr: %w", err)
	}

	chunkPaths, err := discoverChunkPaths(dir)
	if err != nil {
		return nil, fmt.Errorf("reader: discovering chunk files: %w", err)
	}

	return &Recording{
		dir:        dir,
		readerID:   cfg.readerID,
		meta:       meta,
		callsites:  callsites,
		chunkPaths: chunkPaths,
		loaders:    make(map[string]*ChunkLoader),
	}, nil
}

// discoverChunkPaths walks dir for files matching the writer's
// "<root>/YYYY-MM/DD-HH/chunk-MM-SS.rfr" layout, plus the ".zst"
// compressed variant, returning them sorted. The fixed-width zero-padded
// naming scheme makes lexicographic order equivalent to chronological
// order (spec §4.6 chunk path rule).
func discoverChunkPaths(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if !strings.HasPrefix(base, "chunk-") {
			return nil
		}
		if !strings.HasSuffix(base, ".rfr") && !strings.HasSuffix(base, ".rfr.zst") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Dir returns the recording directory path passed to Open.
func (r *Recording) Dir() string { return r.dir }

// Meta returns meta.rfr's decoded header.
func (r *Recording) Meta() manifest.Header { return r.meta }

// Callsites returns every callsite registered in this recording, in
// first-registration order.
func (r *Recording) Callsites() []callsite.Callsite { return r.callsites }

// ChunkPaths returns every discovered chunk file path, sorted
// chronologically.
func (r *Recording) ChunkPaths() []string {
	out := make([]string, len(r.chunkPaths))
	copy(out, r.chunkPaths)
	return out
}

func (r *Recording) loaderFor(path string) *ChunkLoader {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loaders[path]
	if !ok {
		l = newChunkLoader(path)
		r.loaders[path] = l
	}
	return l
}

// ChunkFor decodes (or returns the cached decode of) the chunk file at
// path, which must be one of ChunkPaths's entries.
func (r *Recording) ChunkFor(path string) (*Chunk, error) {
	return r.loaderFor(path).ensureChunk(r.readerID)
}

// ChunksLossy decodes every discovered chunk file in chronological order.
// A chunk that fails to decode is represented by a nil entry at its
// position rather than aborting the whole pass (spec §4.8, §7 "a single
// malformed chunk file does not prevent reading the rest of the
// recording"); the failure itself is retrievable from LoadErrors.
func (r *Recording) ChunksLossy() []*Chunk {
	out := make([]*Chunk, len(r.chunkPaths))
	for i, path := range r.chunkPaths {
		chunk, err := r.ChunkFor(path)
		if err != nil {
			continue
		}
		out[i] = chunk
	}
	return out
}

// LoadErrors returns the decode error recorded for every chunk path that
// has been accessed (via ChunkFor or ChunksLossy) and failed.
func (r *Recording) LoadErrors() map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	errs := make(map[string]error)
	for path, l := range r.loaders {
		l.mu.Lock()
		if l.err != nil {
			errs[path] = l.err
		}
		l.mu.Unlock()
	}
	return errs
}
