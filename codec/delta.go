package codec

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Entry is a single (timestamp, value) pair, the atom of a series.
type Entry struct {
	TS  int64
	Val float64
}

// Compression kind tags stored in a block header (spec.md §4.1).
const (
	// CompressionRaw stores entries as plain 16-byte (ts, value) pairs.
	// The writer never produces it; decoders must still accept it for
	// forward compatibility with future writers or hand-built fixtures.
	CompressionRaw byte = 0
	// CompressionDelta is the scheme this package's writer always uses:
	// zig-zag varint timestamp deltas plus raw big-endian float64 values.
	CompressionDelta byte = 1
)

// ErrUnknownCompression is returned by Decode for a compression kind
// other than CompressionRaw/CompressionDelta.
var ErrUnknownCompression = errors.New("unknown compression kind")

// EncodeDelta serializes a non-empty, ts-sorted batch of entries using
// delta+zig-zag timestamp compression (spec.md §4.1). The first entry's
// timestamp is stored as a zig-zag varint of its absolute value; every
// subsequent entry stores the zig-zag varint of the delta from the
// previous entry's timestamp. Values are always 8 raw big-endian bytes.
func EncodeDelta(entries []Entry) []byte {
	buf := make([]byte, 0, len(entries)*12+MaxVarintLen64)

	var tmp [MaxVarintLen64]byte
	n := PutUvarint(tmp[:], uint64(len(entries)))
	buf = append(buf, tmp[:n]...)

	var prev int64
	for i, e := range entries {
		var delta int64
		if i == 0 {
			delta = e.TS
		} else {
			delta = e.TS - prev
		}
		prev = e.TS

		n := PutVarint(tmp[:], delta)
		buf = append(buf, tmp[:n]...)

		var vb [8]byte
		binary.BigEndian.PutUint64(vb[:], math.Float64bits(e.Val))
		buf = append(buf, vb[:]...)
	}
	return buf
}

// DecodeDelta is the inverse of EncodeDelta.
func DecodeDelta(b []byte) ([]Entry, error) {
	count, n := Uvarint(b)
	if n <= 0 {
		return nil, errors.New("truncated entry count")
	}
	b = b[n:]

	entries := make([]Entry, 0, count)
	var prev int64

	for i := uint64(0); i < count; i++ {
		delta, n := Varint(b)
		if n <= 0 {
			return nil, errors.New("truncated timestamp delta")
		}
		b = b[n:]

		var ts int64
		if i == 0 {
			ts = delta
		} else {
			ts = prev + delta
		}
		prev = ts

		if len(b) < 8 {
			return nil, errors.New("truncated value")
		}
		v := math.Float64frombits(binary.BigEndian.Uint64(b[:8]))
		b = b[8:]

		entries = append(entries, Entry{TS: ts, Val: v})
	}
	return entries, nil
}

// DecodeRaw is the inverse of an (unused by this writer) raw layout:
// a varint count followed by count*(8-byte big-endian ts, 8-byte
// big-endian value) pairs. Accepted on read for forward compatibility
// (spec.md §4.1).
func DecodeRaw(b []byte) ([]Entry, error) {
	count, n := Uvarint(b)
	if n <= 0 {
		return nil, errors.New("truncated entry count")
	}
	b = b[n:]

	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(b) < 16 {
			return nil, errors.New("truncated raw entry")
		}
		ts := int64(binary.BigEndian.Uint64(b[:8]))
		v := math.Float64frombits(binary.BigEndian.Uint64(b[8:16]))
		b = b[16:]
		entries = append(entries, Entry{TS: ts, Val: v})
	}
	return entries, nil
}

// EncodeRaw serializes entries using the raw (uncompressed) layout.
// Exposed for tests and tools that want to produce CompressionRaw
// fixtures; the block writer always chooses CompressionDelta.
func EncodeRaw(entries []Entry) []byte {
	buf := make([]byte, 0, len(entries)*16+MaxVarintLen64)

	var tmp [MaxVarintLen64]byte
	n := PutUvarint(tmp[:], uint64(len(entries)))
	buf = append(buf, tmp[:n]...)

	var b [16]byte
	for _, e := range entries {
		binary.BigEndian.PutUint64(b[:8], uint64(e.TS))
		binary.BigEndian.PutUint64(b[8:], math.Float64bits(e.Val))
		buf = append(buf, b[:]...)
	}
	return buf
}

// Decode dispatches on the compression kind stored in a block header.
func Decode(kind byte, b []byte) ([]Entry, error) {
	switch kind {
	case CompressionDelta:
		return DecodeDelta(b)
	case CompressionRaw:
		return DecodeRaw(b)
	default:
		return nil, ErrUnknownCompression
	}
}
