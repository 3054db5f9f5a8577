// Package aggregate implements the single-pass grouping iterator that
// sits on top of a series scan: it buckets entries with a
// caller-supplied monotone function and emits per-bucket Mean/Min/Max
// rows (spec.md §4.7).
package aggregate

import (
	"github.com/mseriesdb/milliseries/codec"
)

// Kind names one of the aggregators a Row can carry.
type Kind int

const (
	Mean Kind = iota
	Min
	Max
)

// BucketFunc maps a timestamp to its bucket key. It must be monotone
// non-decreasing in ts for the single-pass algorithm to group entries
// correctly.
type BucketFunc func(ts int64) int64

// Row is one emitted aggregation: the bucket key plus the requested
// aggregator values, keyed by Kind. The map carries no order; the
// caller's kinds slice is the only record of the requested order.
type Row struct {
	Bucket int64
	Values map[Kind]float64
}

type accumulator struct {
	sum, min, max float64
	count         uint64
}

func (a *accumulator) add(v float64) {
	if a.count == 0 {
		a.min, a.max = v, v
	} else {
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
	}
	a.sum += v
	a.count++
}

func (a *accumulator) finalize(kinds []Kind) map[Kind]float64 {
	out := make(map[Kind]float64, len(kinds))
	for _, k := range kinds {
		switch k {
		case Mean:
			out[Mean] = a.sum / float64(a.count)
		case Min:
			out[Min] = a.min
		case Max:
			out[Max] = a.max
		}
	}
	return out
}

// EntrySource is anything a scan iterator exposes: Next/At/Err, so
// this package needn't import series and create a dependency cycle.
type EntrySource interface {
	Next() bool
	At() codec.Entry
	Err() error
}

// Run consumes src to exhaustion (or until limit rows have been
// emitted) and returns the aggregated rows in bucket-encounter order.
// kinds controls which aggregators each row carries and in what order
// Values should be read; Row.Values is still a map; callers that care
// about output order should range over kinds, not the map.
func Run(src EntrySource, bucket BucketFunc, kinds []Kind, limit int) ([]Row, error) {
	var rows []Row
	var cur accumulator
	var curBucket int64
	haveBucket := false

	emit := func() {
		rows = append(rows, Row{Bucket: curBucket, Values: cur.finalize(kinds)})
	}

	for src.Next() {
		e := src.At()
		b := bucket(e.TS)

		if haveBucket && b != curBucket {
			emit()
			if limit > 0 && len(rows) >= limit {
				return rows, nil
			}
			cur = accumulator{}
		}
		cur.add(e.Val)
		curBucket = b
		haveBucket = true
	}
	if err := src.Err(); err != nil {
		return nil, err
	}

	if haveBucket && (limit <= 0 || len(rows) < limit) {
		emit()
	}
	return rows, nil
}
