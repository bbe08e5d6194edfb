package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nexusdb/tabletwal/sys"
	"github.com/nexusdb/tabletwal/walcore"
)

// IndexEntry locates one appended replicate operation within a segment.
type IndexEntry struct {
	Index      uint64
	SegmentSeq uint64
	Offset     int64
}

const indexEntryWireSize = 8 + 8 + 8

// Index maps replicate index -> (segment seq, offset in segment), sharded
// into fixed-size on-disk chunks keyed by index/chunkSize (C4). Grounded on
// wal/segment.go's append-only length-prefixed file idiom, generalized to
// fixed-width records since every IndexEntry has the same wire size.
type Index struct {
	mu sync.RWMutex

	env       sys.FsEnv
	dir       string
	chunkSize uint64

	// chunks holds every entry added so far, grouped by chunk number, kept
	// entirely in memory as the "cache" §4.4 calls for; entries are also
	// appended to their chunk's on-disk file as they arrive.
	chunks     map[uint64][]IndexEntry
	chunkFiles map[uint64]sys.FileHandle
}

// OpenIndex loads every existing index.<chunk> file in dir into memory and
// returns an Index ready for further appends.
func OpenIndex(env sys.FsEnv, dir string, chunkSize uint64) (*Index, error) {
	idx := &Index{
		env:        env,
		dir:        dir,
		chunkSize:  chunkSize,
		chunks:     make(map[uint64][]IndexEntry),
		chunkFiles: make(map[uint64]sys.FileHandle),
	}

	entries, err := listIndexChunkFiles(env, dir)
	if err != nil {
		return nil, err
	}
	for _, chunk := range entries {
		if err := idx.loadChunk(chunk); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// listIndexChunkFiles scans dir directly with os.ReadDir rather than
// through FsEnv, mirroring wal.go's loadSegments: §6's FsEnv is deliberately
// narrow (create/open/rename/delete on a known path) and was never meant to
// carry a directory-listing method.
func listIndexChunkFiles(env sys.FsEnv, dir string) ([]uint64, error) {
	if err := env.CreateDirIfMissing(dir); err != nil {
		return nil, err
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing index directory %s: %v", walcore.ErrIOError, dir, err)
	}
	var chunks []uint64
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if chunk, ok := walcore.ParseIndexChunkFileName(f.Name()); ok {
			chunks = append(chunks, chunk)
		}
	}
	return chunks, nil
}

func (idx *Index) chunkPath(chunk uint64) string {
	return filepath.Join(idx.dir, walcore.FormatIndexChunkFileName(chunk))
}

// loadChunk reads one chunk file fully into memory; OpenIndex calls it for
// each chunk file it finds in the index directory.
func (idx *Index) loadChunk(chunk uint64) error {
	path := idx.chunkPath(chunk)
	if !idx.env.FileExists(path) {
		return nil
	}
	f, err := idx.env.NewRandomAccessFile(path)
	if err != nil {
		return fmt.Errorf("%w: opening index chunk %s: %v", walcore.ErrIOError, path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return fmt.Errorf("%w: reading index chunk magic %s: %v", walcore.ErrCorruption, path, err)
	}
	if binary.LittleEndian.Uint32(magic[:]) != walcore.IndexChunkMagic {
		return fmt.Errorf("%w: bad index chunk magic in %s", walcore.ErrCorruption, path)
	}

	var entries []IndexEntry
	buf := make([]byte, indexEntryWireSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			break
		}
		entries = append(entries, IndexEntry{
			Index:      binary.LittleEndian.Uint64(buf[0:8]),
			SegmentSeq: binary.LittleEndian.Uint64(buf[8:16]),
			Offset:     int64(binary.LittleEndian.Uint64(buf[16:24])),
		})
	}

	idx.mu.Lock()
	idx.chunks[chunk] = entries
	idx.mu.Unlock()
	return nil
}

// AddEntry appends one entry. e.Index must be exactly one greater than the
// highest index already added (§4.4's monotonicity requirement); violating
// that is a programmer error in the appender and returns ErrInvalidArgument.
func (idx *Index) AddEntry(e IndexEntry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	chunk := e.Index / idx.chunkSize
	existing := idx.chunks[chunk]
	prev := existing
	if len(prev) == 0 && chunk > 0 {
		prev = idx.chunks[chunk-1]
	}
	if len(prev) > 0 && prev[len(prev)-1].Index+1 != e.Index {
		return fmt.Errorf("%w: index entry %d does not follow %d", walcore.ErrInvalidArgument, e.Index, prev[len(prev)-1].Index)
	}

	f, err := idx.chunkFileLocked(chunk)
	if err != nil {
		return err
	}
	var buf [indexEntryWireSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], e.Index)
	binary.LittleEndian.PutUint64(buf[8:16], e.SegmentSeq)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(e.Offset))
	if _, err := f.Write(buf[:]); err != nil {
		return fmt.Errorf("%w: appending index entry to chunk %d: %v", walcore.ErrIOError, chunk, err)
	}

	idx.chunks[chunk] = append(existing, e)
	return nil
}

// chunkFileLocked returns the open write handle for chunk. §6's FsEnv has
// no append-mode open, only a truncating NewWritableFile, so the first time
// a chunk that already has persisted entries (loaded by loadChunk at Open)
// is written to again, the whole chunk is rewritten: magic header followed
// by every entry already known for it. Every AddEntry call after that reuses
// the cached handle and only appends. idx.mu must be held.
func (idx *Index) chunkFileLocked(chunk uint64) (sys.FileHandle, error) {
	if f, ok := idx.chunkFiles[chunk]; ok {
		return f, nil
	}
	path := idx.chunkPath(chunk)
	f, err := idx.env.NewWritableFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: creating index chunk %s: %v", walcore.ErrIOError, path, err)
	}

	var magic [4]byte
	binary.LittleEndian.PutUint32(magic[:], walcore.IndexChunkMagic)
	if _, err := f.Write(magic[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: writing index chunk magic %s: %v", walcore.ErrIOError, path, err)
	}
	for _, e := range idx.chunks[chunk] {
		var buf [indexEntryWireSize]byte
		binary.LittleEndian.PutUint64(buf[0:8], e.Index)
		binary.LittleEndian.PutUint64(buf[8:16], e.SegmentSeq)
		binary.LittleEndian.PutUint64(buf[16:24], uint64(e.Offset))
		if _, err := f.Write(buf[:]); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: rewriting index chunk %s: %v", walcore.ErrIOError, path, err)
		}
	}

	idx.chunkFiles[chunk] = f
	return f, nil
}

// Lookup returns the location of index, if it has been added.
func (idx *Index) Lookup(index uint64) (IndexEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	chunk := index / idx.chunkSize
	entries := idx.chunks[chunk]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Index >= index })
	if i < len(entries) && entries[i].Index == index {
		return entries[i], true
	}
	return IndexEntry{}, false
}

// GCBelow deletes every chunk fully below floor — a chunk is eligible only
// once its highest index is still less than floor, so a chunk straddling
// the floor is kept.
func (idx *Index) GCBelow(floor uint64) error {
	idx.mu.Lock()
	var toDelete []uint64
	for chunk, entries := range idx.chunks {
		if len(entries) == 0 {
			continue
		}
		if entries[len(entries)-1].Index < floor {
			toDelete = append(toDelete, chunk)
		}
	}
	for _, chunk := range toDelete {
		delete(idx.chunks, chunk)
		if f, ok := idx.chunkFiles[chunk]; ok {
			f.Close()
			delete(idx.chunkFiles, chunk)
		}
	}
	idx.mu.Unlock()

	for _, chunk := range toDelete {
		if err := idx.env.DeleteFile(idx.chunkPath(chunk)); err != nil {
			return err
		}
	}
	return nil
}

// TruncateFrom drops every entry with Index >= from, for the consensus
// driver's replace-on-divergence path (KUDU-644): a chunk entirely at or
// above from is dropped outright; a chunk straddling from is rewritten with
// only its surviving prefix, the same way chunkFileLocked rewrites a chunk
// reloaded from disk. Returns the number of entries removed.
func (idx *Index) TruncateFrom(from uint64) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	removed := 0
	for chunk, entries := range idx.chunks {
		cut := sort.Search(len(entries), func(i int) bool { return entries[i].Index >= from })
		if cut == len(entries) {
			continue
		}
		removed += len(entries) - cut
		idx.chunks[chunk] = entries[:cut]

		if f, ok := idx.chunkFiles[chunk]; ok {
			f.Close()
			delete(idx.chunkFiles, chunk)
		}
		if len(idx.chunks[chunk]) == 0 {
			delete(idx.chunks, chunk)
			if err := idx.env.DeleteFile(idx.chunkPath(chunk)); err != nil {
				return removed, err
			}
			continue
		}
		if _, err := idx.chunkFileLocked(chunk); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Close releases every open chunk file handle.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var firstErr error
	for chunk, f := range idx.chunkFiles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(idx.chunkFiles, chunk)
	}
	return firstErr
}
