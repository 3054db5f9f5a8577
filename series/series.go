// Package series implements the engine that owns one series
// directory: it coordinates append (batch -> block -> index record ->
// commit) and scan (commit snapshot -> index search -> block stream),
// and recovers the last committed state on open (spec.md §4.5, §4.6).
package series

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/mseriesdb/milliseries/block"
	"github.com/mseriesdb/milliseries/codec"
	"github.com/mseriesdb/milliseries/commitlog"
	"github.com/mseriesdb/milliseries/internal/blockcache"
	"github.com/mseriesdb/milliseries/sindex"
)

// File names under a series directory.
const (
	DataFileName  = "series.dat"
	IndexFileName = "series.idx"
)

// ErrCorrupt is returned when a block within the committed range fails
// to validate, either during a scan or while recovering.
var ErrCorrupt = block.ErrCorrupt

// ErrOffsetOverflow is returned by Append when committing the batch
// would push data_offset or index_offset past the 32-bit ceiling
// spec.md §9 preserves on disk.
var ErrOffsetOverflow = errors.New("series: offset would overflow u32")

// ErrInvalidOffset is returned by Open when a recovered commit record's
// index_offset is not a multiple of the index record size, per spec.md
// §7's "index offset not a multiple of 12" Invalid example.
var ErrInvalidOffset = errors.New("series: recovered index offset is not a multiple of the index record size")

// Stat summarizes a series' latest committed state, for callers that
// want to report on size without scanning.
type Stat struct {
	DataOffset  uint32
	IndexOffset uint32
	HighestTS   int64
	BlockCount  int64
}

// Handle exclusively owns a series directory's three file families and
// the mmap of its index, per spec.md §3's ownership model.
type Handle struct {
	dir    string
	name   string
	logger log.Logger

	dataFile  *os.File
	idxFile   *os.File
	idxReader *sindex.Reader
	log       *commitlog.Log

	mu     sync.Mutex // serializes Append: held across spec.md §4.5 steps 1-6
	commit atomic.Pointer[commitlog.Record]

	cache *blockcache.Cache
}

// Create initializes a new series directory: the three empty files
// plus the sentinel first commit, per spec.md §4.8.
func Create(dir, name string, rotationThreshold int64, cacheSize int, logger log.Logger) (*Handle, error) {
	if err := os.Mkdir(dir, 0777); err != nil {
		return nil, errors.Wrap(err, "create series directory")
	}
	for _, fn := range []string{DataFileName, IndexFileName} {
		f, err := os.OpenFile(filepath.Join(dir, fn), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return nil, errors.Wrapf(err, "create %s", fn)
		}
		f.Close()
	}
	h, err := Open(dir, name, rotationThreshold, cacheSize, logger)
	if err != nil {
		return nil, err
	}
	if err := h.log.Append(commitlog.Sentinel); err != nil {
		h.Close()
		return nil, errors.Wrap(err, "write sentinel commit")
	}
	return h, nil
}

// Open opens an existing series directory, recovering the last
// committed state from the commit log and discarding any tentative
// tail bytes in series.dat/series.idx beyond it.
func Open(dir, name string, rotationThreshold int64, cacheSize int, logger log.Logger) (*Handle, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	l, rec, err := commitlog.Open(dir, rotationThreshold, log.With(logger, "series", name))
	if err != nil {
		return nil, errors.Wrap(err, "open commit log")
	}

	if rec.IndexOffset%sindex.RecordSize != 0 {
		l.Close()
		level.Error(logger).Log("msg", "recovered index offset is not a multiple of the record size",
			"series", name, "index_offset", rec.IndexOffset, "record_size", sindex.RecordSize)
		return nil, errors.Wrapf(ErrInvalidOffset, "index_offset=%d", rec.IndexOffset)
	}

	dataFile, err := os.OpenFile(filepath.Join(dir, DataFileName), os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		l.Close()
		return nil, errors.Wrap(err, "open data file")
	}
	idxFile, err := os.OpenFile(filepath.Join(dir, IndexFileName), os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		dataFile.Close()
		l.Close()
		return nil, errors.Wrap(err, "open index file")
	}

	if err := dataFile.Truncate(int64(rec.DataOffset)); err != nil {
		dataFile.Close()
		idxFile.Close()
		l.Close()
		return nil, errors.Wrap(err, "truncate data file to committed offset")
	}
	if err := idxFile.Truncate(int64(rec.IndexOffset)); err != nil {
		dataFile.Close()
		idxFile.Close()
		l.Close()
		return nil, errors.Wrap(err, "truncate index file to committed offset")
	}

	idxReader, err := sindex.OpenReader(idxFile)
	if err != nil {
		dataFile.Close()
		idxFile.Close()
		l.Close()
		return nil, errors.Wrap(err, "open index reader")
	}

	h := &Handle{
		dir:       dir,
		name:      name,
		logger:    logger,
		dataFile:  dataFile,
		idxFile:   idxFile,
		idxReader: idxReader,
		log:       l,
		cache:     blockcache.New(cacheSize),
	}
	h.commit.Store(&rec)

	level.Info(logger).Log("msg", "opened series", "series", name,
		"data_offset", rec.DataOffset, "index_offset", rec.IndexOffset, "highest_ts", rec.HighestTS)
	return h, nil
}

// Stat reports the current committed state.
func (h *Handle) Stat() Stat {
	rec := *h.commit.Load()
	return Stat{
		DataOffset:  rec.DataOffset,
		IndexOffset: rec.IndexOffset,
		HighestTS:   rec.HighestTS,
		BlockCount:  int64(rec.IndexOffset) / sindex.RecordSize,
	}
}

// Append normalizes entries (stable sort, then drop any with ts <
// current highest_ts) and, if anything remains, writes a new block and
// index record and publishes a new commit. It returns the number of
// entries actually written, which may be zero. Per spec.md §4.5, any
// I/O failure during the write leaves the prior committed state
// unchanged.
func (h *Handle) Append(entries []codec.Entry) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := *h.commit.Load()

	batch := make([]codec.Entry, len(entries))
	copy(batch, entries)
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].TS < batch[j].TS })

	filtered := batch[:0:0]
	for _, e := range batch {
		if e.TS < rec.HighestTS {
			continue
		}
		filtered = append(filtered, e)
	}
	if len(filtered) == 0 {
		return 0, nil
	}

	newDataOffset, highestTS, err := block.Write(h.dataFile, int64(rec.DataOffset), filtered)
	if err != nil {
		level.Error(h.logger).Log("msg", "block write failed", "series", h.name, "err", err)
		return 0, errors.Wrap(err, "write block")
	}
	if newDataOffset > math.MaxUint32 {
		return 0, ErrOffsetOverflow
	}

	newIndexOffset, err := sindex.Append(h.idxFile, int64(rec.IndexOffset), highestTS, rec.DataOffset)
	if err != nil {
		level.Error(h.logger).Log("msg", "index append failed", "series", h.name, "err", err)
		return 0, errors.Wrap(err, "append index record")
	}
	if newIndexOffset > math.MaxUint32 {
		return 0, ErrOffsetOverflow
	}

	if err := h.dataFile.Sync(); err != nil {
		return 0, errors.Wrap(err, "fsync data file")
	}
	if err := h.idxFile.Sync(); err != nil {
		return 0, errors.Wrap(err, "fsync index file")
	}

	if err := h.idxReader.Remap(newIndexOffset); err != nil {
		return 0, errors.Wrap(err, "remap index reader")
	}

	newRec := commitlog.Record{
		DataOffset:  uint32(newDataOffset),
		IndexOffset: uint32(newIndexOffset),
		HighestTS:   highestTS,
	}
	if err := h.log.Append(newRec); err != nil {
		level.Error(h.logger).Log("msg", "commit log append failed", "series", h.name, "err", err)
		return 0, errors.Wrap(err, "append commit record")
	}

	h.commit.Store(&newRec)
	return len(filtered), nil
}

// Close releases the handle's file descriptors and index mmap.
func (h *Handle) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(h.idxReader.Close())
	keep(h.dataFile.Close())
	keep(h.idxFile.Close())
	keep(h.log.Close())
	return firstErr
}

// Scan opens a new iterator over entries with ts >= fromTS, snapshotted
// against the commit observed at call time (spec.md §4.6). The caller
// must Close the iterator; the underlying read handle is otherwise
// leaked.
func (h *Handle) Scan(fromTS int64) (*Iterator, error) {
	rec := *h.commit.Load()

	f, err := os.Open(filepath.Join(h.dir, DataFileName))
	if err != nil {
		level.Error(h.logger).Log("msg", "open data file for scan failed", "series", h.name, "err", err)
		return nil, errors.Wrap(err, "open data file for scan")
	}

	it := &Iterator{
		h:       h,
		f:       f,
		dataEnd: int64(rec.DataOffset),
		fromTS:  fromTS,
	}

	if rec.IndexOffset == 0 {
		it.pos = it.dataEnd // empty series: nothing to stream
		return it, nil
	}
	blockOff, found, err := h.idxReader.Search(fromTS, int64(rec.IndexOffset))
	if err != nil {
		level.Error(h.logger).Log("msg", "index search failed", "series", h.name, "from_ts", fromTS, "index_offset", rec.IndexOffset, "err", err)
		f.Close()
		return nil, errors.Wrap(err, "search index")
	}
	if !found {
		it.pos = it.dataEnd
		return it, nil
	}
	it.pos = int64(blockOff)
	it.firstBlock = true
	return it, nil
}

// Iterator streams decoded entries sequentially from series.dat,
// bounded by the commit snapshot taken at Scan time. Modeled on the
// pull-based Next/At/Err/Close shape used by list-backed sample
// iterators elsewhere in this codebase.
type Iterator struct {
	h       *Handle
	f       *os.File
	pos     int64
	dataEnd int64
	fromTS  int64

	firstBlock bool
	buf        []codec.Entry
	idx        int
	cur        codec.Entry
	err        error
	closed     bool
}

// Next advances to the next entry, returning false at end of input or
// on error (check Err to distinguish the two).
func (it *Iterator) Next() bool {
	if it.closed && it.err == nil {
		it.err = errors.New("series: iterator used after Close")
	}
	if it.err != nil {
		return false
	}
	for {
		if it.idx < len(it.buf) {
			it.cur = it.buf[it.idx]
			it.idx++
			return true
		}
		if it.pos >= it.dataEnd {
			return false
		}
		if !it.loadBlock() {
			return false
		}
	}
}

func (it *Iterator) loadBlock() bool {
	offset := it.pos
	if cached, ok := it.h.cache.Get(it.h.name, offset); ok {
		it.advanceAfterCachedBlock(offset, cached)
		if it.err != nil {
			return false
		}
		return len(it.buf) > 0 || it.pos < it.dataEnd
	}

	entries, meta, err := block.Read(it.f, offset)
	if err != nil {
		level.Error(it.h.logger).Log("msg", "block read failed", "series", it.h.name, "offset", offset, "err", err)
		it.err = errors.Wrapf(err, "read block at %d", offset)
		return false
	}
	it.h.cache.Add(it.h.name, offset, entries)
	it.pos = meta.NextOffset
	it.buf = it.applyFirstBlockFilter(entries)
	it.idx = 0
	it.firstBlock = false
	return true
}

func (it *Iterator) advanceAfterCachedBlock(offset int64, entries []codec.Entry) {
	meta, err := block.ReadMeta(it.f, offset)
	if err != nil {
		level.Error(it.h.logger).Log("msg", "block header read failed", "series", it.h.name, "offset", offset, "err", err)
		it.err = errors.Wrapf(err, "read block header at %d", offset)
		return
	}
	it.pos = meta.NextOffset
	it.buf = it.applyFirstBlockFilter(entries)
	it.idx = 0
	it.firstBlock = false
}

// applyFirstBlockFilter drops entries with ts < fromTS. Per spec.md
// §4.6, only the first block returned by the index search can contain
// such entries; later blocks start at ts >= the prior block's
// highest_ts >= fromTS by the index's own invariant.
func (it *Iterator) applyFirstBlockFilter(entries []codec.Entry) []codec.Entry {
	if !it.firstBlock {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.TS < it.fromTS {
			continue
		}
		out = append(out, e)
	}
	return out
}

// At returns the entry Next just advanced to.
func (it *Iterator) At() codec.Entry { return it.cur }

// Err returns the first error encountered, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator's read handle on series.dat. Further use
// of the iterator after Close fails closed rather than returning
// truncated data.
func (it *Iterator) Close() error {
	it.closed = true
	return it.f.Close()
}

// Drain collects every remaining entry in it into a slice; a
// convenience for callers (tests, the aggregating iterator) that don't
// need streaming.
func (it *Iterator) Drain() ([]codec.Entry, error) {
	defer it.Close()
	var out []codec.Entry
	for it.Next() {
		out = append(out, it.At())
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return out, nil
}
