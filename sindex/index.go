// Package sindex implements the sparse index over a series' blocks: a
// densely packed array of (highest_ts, block_offset) records, appended
// to on write and memory-mapped for reads (spec.md §4.3).
package sindex

import (
	"encoding/binary"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// RecordSize is the fixed width of one index record: i64 big-endian
// highest_ts followed by u32 big-endian block_offset.
const RecordSize = 8 + 4

// Append writes one 12-byte index record at byte offset `at` in f,
// overwriting any stray bytes left by a previously failed append, and
// returns the offset immediately past the record.
func Append(f *os.File, at int64, highestTS int64, blockOffset uint32) (int64, error) {
	var buf [RecordSize]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(highestTS))
	binary.BigEndian.PutUint32(buf[8:12], blockOffset)

	if _, err := f.WriteAt(buf[:], at); err != nil {
		return 0, errors.Wrap(err, "append index record")
	}
	return at + RecordSize, nil
}

// Record is a decoded (highest_ts, block_offset) pair.
type Record struct {
	HighestTS   int64
	BlockOffset uint32
}

// Reader provides read-only, memory-mapped access to a series.idx
// file. Growing the mapping never invalidates bytes a concurrent
// reader has already observed: Remap creates a new, larger mapping and
// atomically publishes it, while old mappings are kept alive (and only
// unmapped at Close) so that a scan holding a stale pointer keeps
// reading valid memory for the prefix it cares about.
type Reader struct {
	f *os.File

	current atomic.Pointer[[]byte]

	mu       sync.Mutex // guards mappings, not the hot read path
	mappings []mmap.MMap
}

// OpenReader opens f (already positioned at the index file) for
// memory-mapped reads and maps its current contents, if any.
func OpenReader(f *os.File) (*Reader, error) {
	r := &Reader{f: f}
	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat index file")
	}
	if fi.Size() == 0 {
		empty := []byte{}
		r.current.Store(&empty)
		return r, nil
	}
	if err := r.Remap(fi.Size()); err != nil {
		return nil, err
	}
	return r, nil
}

// Remap grows the mapping to cover at least size bytes of the
// underlying file. Callers must serialize Remap with index writes
// (the per-series append lock in practice); concurrent Search calls
// need no coordination with Remap.
func (r *Reader) Remap(size int64) error {
	if size == 0 {
		empty := []byte{}
		r.current.Store(&empty)
		return nil
	}

	m, err := mmap.MapRegion(r.f, int(size), mmap.RDONLY, 0, 0)
	if err != nil {
		return errors.Wrap(err, "mmap index file")
	}

	r.mu.Lock()
	r.mappings = append(r.mappings, m)
	r.mu.Unlock()

	b := []byte(m)
	r.current.Store(&b)
	return nil
}

// Close unmaps every mapping this reader ever created.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, m := range r.mappings {
		if err := m.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// At decodes the record at index i, bounded by the visible prefix
// upto (an index_offset in bytes, a multiple of RecordSize).
func (r *Reader) At(i int, upto int64) (Record, error) {
	b := *r.current.Load()
	end := int(upto)
	if end > len(b) {
		end = len(b)
	}
	off := i * RecordSize
	if off < 0 || off+RecordSize > end {
		return Record{}, errors.Errorf("index record %d out of visible range", i)
	}
	rec := b[off : off+RecordSize]
	return Record{
		HighestTS:   int64(binary.BigEndian.Uint64(rec[0:8])),
		BlockOffset: binary.BigEndian.Uint32(rec[8:12]),
	}, nil
}

// Search performs a binary search over the visible records
// [0, upto/RecordSize) for the smallest record whose HighestTS is >=
// fromTS, per spec.md §4.3. It returns found=false if every visible
// record's HighestTS is below fromTS (the scan then yields nothing).
func (r *Reader) Search(fromTS int64, upto int64) (blockOffset uint32, found bool, err error) {
	n := int(upto / RecordSize)
	if n == 0 {
		return 0, false, nil
	}

	var searchErr error
	i := sort.Search(n, func(i int) bool {
		rec, e := r.At(i, upto)
		if e != nil {
			searchErr = e
			return true
		}
		return rec.HighestTS >= fromTS
	})
	if searchErr != nil {
		return 0, false, searchErr
	}
	if i == n {
		return 0, false, nil
	}
	rec, err := r.At(i, upto)
	if err != nil {
		return 0, false, err
	}
	return rec.BlockOffset, true, nil
}
