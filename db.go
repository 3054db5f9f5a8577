// Package milliseries is the engine-facing API: a Database of named
// series backed by the append-only block/index/commit-log format
// described in spec.md.
package milliseries

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/mseriesdb/milliseries/aggregate"
	"github.com/mseriesdb/milliseries/codec"
	"github.com/mseriesdb/milliseries/series"
)

// Entry is a single (timestamp, value) pair.
type Entry = codec.Entry

// AppendResult reports how many of the entries passed to Append were
// actually written, after normalization and the highest_ts filter.
type AppendResult struct {
	EntriesWritten int
}

// Database is a directory of named series: lifecycle (create, open,
// enumerate) plus exclusive ownership of each series' open handle,
// per spec.md §4.8.
type Database struct {
	root string
	opts *Options

	mu      sync.Mutex
	handles map[string]*Handle
}

// Open returns a Database rooted at dir, creating dir if it does not
// already exist. It does not open any series handles eagerly.
func Open(dir string, opts ...Option) (*Database, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, ioErr("open database", dir, err)
	}
	return &Database{
		root:    dir,
		opts:    newOptions(opts...),
		handles: make(map[string]*Handle),
	}, nil
}

func validateName(name string) error {
	if name == "" {
		return invalidErr("validate series name", name, errors.New("series name must not be empty"))
	}
	if strings.ContainsRune(name, os.PathSeparator) || strings.ContainsRune(name, '/') {
		return invalidErr("validate series name", name, errors.New("series name must not contain path separators"))
	}
	return nil
}

// Create creates a new series directory with the three initial files
// and a sentinel commit, and returns a handle to it. It fails with
// AlreadyExists if the directory already exists.
func (db *Database) Create(name string) (*Handle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	// Always attempt the on-disk creation first: a handle already
	// cached for name must not let a second Create silently succeed,
	// per spec.md §4.8's unconditional AlreadyExists on an existing
	// directory. series.Create itself fails with os.ErrExist when the
	// directory is already there, so no separate stat is needed, and a
	// cached handle can only exist for a directory that already exists
	// (Create/OpenSeries are the only ways to populate db.handles) —
	// this path never clobbers a live handle on success.
	dir := filepath.Join(db.root, name)
	inner, err := series.Create(dir, name, db.opts.RotationThreshold, db.opts.BlockCacheSize, db.opts.Logger)
	if err != nil {
		if os.IsExist(errors.Cause(err)) {
			return nil, &Error{Kind: KindAlreadyExists, Op: "create series", Path: dir, err: err}
		}
		return nil, ioErr("create series", dir, err)
	}

	level.Info(db.opts.Logger).Log("msg", "created series", "series", name)
	h := &Handle{name: name, inner: inner}
	db.handles[name] = h
	return h, nil
}

// OpenSeries opens an existing series, recovering its last committed
// state. It fails with NotFound if the series directory is absent.
func (db *Database) OpenSeries(name string) (*Handle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if h, ok := db.handles[name]; ok {
		return h, nil
	}

	dir := filepath.Join(db.root, name)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Kind: KindNotFound, Op: "open series", Path: dir, err: err}
		}
		return nil, ioErr("open series", dir, err)
	}

	inner, err := series.Open(dir, name, db.opts.RotationThreshold, db.opts.BlockCacheSize, db.opts.Logger)
	if err != nil {
		return nil, classifySeriesErr("open series", dir, err)
	}

	h := &Handle{name: name, inner: inner}
	db.handles[name] = h
	return h, nil
}

// List returns every series name under the database root, sorted
// lexicographically. The series set has no catalog file: it is
// readdir(db_root), per spec.md §6.
func (db *Database) List() ([]string, error) {
	entries, err := os.ReadDir(db.root)
	if err != nil {
		return nil, ioErr("list series", db.root, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close closes every handle this Database has opened.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var firstErr error
	for name, h := range db.handles {
		if err := h.inner.Close(); err != nil && firstErr == nil {
			firstErr = ioErr("close series", name, err)
		}
	}
	db.handles = make(map[string]*Handle)
	return firstErr
}

// classifySeriesErr wraps an error surfaced by the series package into
// the engine's *Error, inferring Corrupt from series.ErrCorrupt,
// Invalid from series.ErrOffsetOverflow and series.ErrInvalidOffset,
// and defaulting everything else to Io (spec.md §7).
func classifySeriesErr(op, path string, err error) error {
	if errors.Is(err, series.ErrCorrupt) {
		return &Error{Kind: KindCorrupt, Op: op, Path: path, err: err}
	}
	if errors.Is(err, series.ErrOffsetOverflow) || errors.Is(err, series.ErrInvalidOffset) {
		return invalidErr(op, path, err)
	}
	return ioErr(op, path, err)
}

// Handle exclusively owns one series' open file handles. It is safe
// for concurrent Append/Scan/Aggregate calls: appends are internally
// serialized, scans and aggregations are not (spec.md §5).
type Handle struct {
	name  string
	inner *series.Handle
}

// Append normalizes and appends entries, returning how many were
// actually written after the highest_ts filter (spec.md §4.5).
func (h *Handle) Append(entries []Entry) (AppendResult, error) {
	n, err := h.inner.Append(entries)
	if err != nil {
		return AppendResult{}, classifySeriesErr("append", h.name, err)
	}
	return AppendResult{EntriesWritten: n}, nil
}

// Scan returns an iterator over entries with ts >= fromTS, snapshotted
// against the commit visible at call time (spec.md §4.6).
func (h *Handle) Scan(fromTS int64) (*series.Iterator, error) {
	it, err := h.inner.Scan(fromTS)
	if err != nil {
		return nil, classifySeriesErr("scan", h.name, err)
	}
	return it, nil
}

// Aggregate scans from fromTS and groups the result with bucket,
// computing the requested aggregator kinds per bucket, stopping after
// limit rows (0 means unlimited) (spec.md §4.7).
func (h *Handle) Aggregate(fromTS int64, bucket aggregate.BucketFunc, kinds []aggregate.Kind, limit int) ([]aggregate.Row, error) {
	it, err := h.Scan(fromTS)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	rows, err := aggregate.Run(it, bucket, kinds, limit)
	if err != nil {
		return nil, classifySeriesErr("aggregate", h.name, err)
	}
	return rows, nil
}

// Stat reports the series' current committed state without scanning.
func (h *Handle) Stat() series.Stat {
	return h.inner.Stat()
}

// Close releases the handle's file descriptors and index mmap.
func (h *Handle) Close() error {
	if err := h.inner.Close(); err != nil {
		return ioErr("close series", h.name, err)
	}
	return nil
}
