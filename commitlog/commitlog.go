// Package commitlog implements the rotated sequence of fixed-size
// commit records that is the single source of truth for a series'
// visible state (spec.md §4.4). Unlike a conventional write-ahead log,
// a commit record carries no payload: it only names how far into
// series.dat and series.idx the committed, visible state extends.
package commitlog

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/mseriesdb/milliseries/codec"
)

// RecordSize is the fixed 18-byte commit record: u32 data_offset ||
// u32 index_offset || i64 highest_ts || u16 crc16 (over the first 16
// bytes).
const RecordSize = 4 + 4 + 8 + 2

// MinTS is the sentinel highest_ts of a series with no committed
// blocks.
const MinTS = math.MinInt64

const segmentPrefix = "series.log."

// Record is a commit: the byte lengths of series.dat and series.idx
// that are visible, plus the highest committed timestamp.
type Record struct {
	DataOffset  uint32
	IndexOffset uint32
	HighestTS   int64
}

// Sentinel is the initial commit installed by Database.Create: no
// blocks, no index records, and the minimum possible highest_ts.
var Sentinel = Record{DataOffset: 0, IndexOffset: 0, HighestTS: MinTS}

func encode(r Record) [RecordSize]byte {
	var b [RecordSize]byte
	binary.BigEndian.PutUint32(b[0:4], r.DataOffset)
	binary.BigEndian.PutUint32(b[4:8], r.IndexOffset)
	binary.BigEndian.PutUint64(b[8:16], uint64(r.HighestTS))
	binary.BigEndian.PutUint16(b[16:18], codec.CRC16(b[:16]))
	return b
}

// decode validates the CRC and returns ok=false if it does not match.
func decode(b []byte) (Record, bool) {
	if len(b) != RecordSize {
		return Record{}, false
	}
	want := binary.BigEndian.Uint16(b[16:18])
	if codec.CRC16(b[:16]) != want {
		return Record{}, false
	}
	return Record{
		DataOffset:  binary.BigEndian.Uint32(b[0:4]),
		IndexOffset: binary.BigEndian.Uint32(b[4:8]),
		HighestTS:   int64(binary.BigEndian.Uint64(b[8:16])),
	}, true
}

// segmentPath returns the path of segment k in dir.
func segmentPath(dir string, k int) string {
	return filepath.Join(dir, segmentPrefix+strconv.Itoa(k))
}

// listSuffixes returns the suffixes of existing series.log.* segments
// in dir, ascending.
func listSuffixes(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read series directory")
	}
	var suffixes []int
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), segmentPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), segmentPrefix))
		if err != nil {
			continue
		}
		suffixes = append(suffixes, n)
	}
	sort.Ints(suffixes)
	return suffixes, nil
}

// Log owns the active (highest-suffix) commit-log segment and appends
// new commit records to it, rotating to a fresh segment once the
// active one would grow past the configured threshold.
type Log struct {
	dir               string
	rotationThreshold int64
	logger            log.Logger

	activeSuffix int
	activeFile   *os.File
	activeSize   int64
}

// Open recovers the latest valid commit by scanning every segment in
// ascending suffix order as one logical stream, and opens (or creates)
// the highest-suffix segment for further appends. Any bytes following
// the last valid, offset-monotonic record are discarded: the active
// segment is truncated to drop them, per spec.md §4.4.
func Open(dir string, rotationThreshold int64, logger log.Logger) (*Log, Record, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	suffixes, err := listSuffixes(dir)
	if err != nil {
		return nil, Record{}, err
	}

	latest := Sentinel
	haveValid := false

	var validUpTo int64 // byte offset within the active segment of the last valid record's end
	var activeOrigSize int64
	activeSuffix := 0
	if len(suffixes) > 0 {
		activeSuffix = suffixes[len(suffixes)-1]
	}

	for _, suf := range suffixes {
		data, err := os.ReadFile(segmentPath(dir, suf))
		if err != nil {
			return nil, Record{}, errors.Wrapf(err, "read segment %d", suf)
		}
		if suf == activeSuffix {
			activeOrigSize = int64(len(data))
		}

		n := len(data) / RecordSize
		for i := 0; i < n; i++ {
			rec, ok := decode(data[i*RecordSize : (i+1)*RecordSize])
			if !ok {
				break
			}
			if haveValid && (rec.DataOffset < latest.DataOffset || rec.IndexOffset < latest.IndexOffset) {
				break
			}
			latest = rec
			haveValid = true
			if suf == activeSuffix {
				validUpTo = int64(i+1) * RecordSize
			}
		}
	}

	if !haveValid {
		level.Warn(logger).Log("msg", "no valid commit found, resetting to sentinel", "dir", dir)
	}

	f, err := os.OpenFile(segmentPath(dir, activeSuffix), os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, Record{}, errors.Wrap(err, "open active commit segment")
	}
	if len(suffixes) == 0 {
		validUpTo = 0
	}
	if err := f.Truncate(validUpTo); err != nil {
		f.Close()
		return nil, Record{}, errors.Wrap(err, "truncate commit segment tail")
	}
	if activeOrigSize != validUpTo {
		level.Warn(logger).Log("msg", "discarded tentative commit-log tail", "dir", dir, "bytes", activeOrigSize-validUpTo)
	}

	l := &Log{
		dir:               dir,
		rotationThreshold: rotationThreshold,
		logger:            logger,
		activeSuffix:      activeSuffix,
		activeFile:        f,
		activeSize:        validUpTo,
	}
	return l, latest, nil
}

// Append writes rec to the active segment, rotating first if the
// segment would otherwise grow past the rotation threshold, and syncs
// the write to disk before returning.
func (l *Log) Append(rec Record) error {
	if l.activeSize+RecordSize > l.rotationThreshold {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	b := encode(rec)
	if _, err := l.activeFile.WriteAt(b[:], l.activeSize); err != nil {
		return errors.Wrap(err, "append commit record")
	}
	if err := l.activeFile.Sync(); err != nil {
		return errors.Wrap(err, "fsync commit log")
	}
	l.activeSize += RecordSize
	return nil
}

func (l *Log) rotate() error {
	if err := l.activeFile.Close(); err != nil {
		return errors.Wrap(err, "close rotated commit segment")
	}
	l.activeSuffix++

	f, err := os.OpenFile(segmentPath(l.dir, l.activeSuffix), os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return errors.Wrap(err, "create commit segment")
	}
	level.Info(l.logger).Log("msg", "rotated commit log", "dir", l.dir, "suffix", l.activeSuffix)

	l.activeFile = f
	l.activeSize = 0
	return nil
}

// Close closes the active segment's file handle.
func (l *Log) Close() error {
	return l.activeFile.Close()
}
