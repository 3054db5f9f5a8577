// Package codec implements the wire-level primitives of the storage
// engine: big-endian fixed-width framing, the CRC-16 used over small
// headers, and the delta+zig-zag compression of an entry batch.
package codec

import "github.com/dennwc/varint"

// MaxVarintLen64 bounds the number of bytes PutUvarint/PutVarint can
// produce for a 64-bit value, mirroring encoding/binary.MaxVarintLen64.
const MaxVarintLen64 = 10

// PutUvarint writes x into buf using the variable-length encoding and
// returns the number of bytes written.
func PutUvarint(buf []byte, x uint64) int {
	return varint.PutUvarint(buf, x)
}

// Uvarint decodes a uint64 from the start of buf and returns the value
// plus the number of bytes read, or n <= 0 if buf is too small or the
// value overflows 64 bits.
func Uvarint(buf []byte) (uint64, int) {
	return varint.Uvarint(buf)
}

// ZigZagEncode maps a signed integer to an unsigned one so that small
// magnitudes (positive or negative) use few varint bytes.
func ZigZagEncode(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

// ZigZagDecode reverses ZigZagEncode.
func ZigZagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// PutVarint writes the zig-zag encoding of v into buf and returns the
// number of bytes written.
func PutVarint(buf []byte, v int64) int {
	return PutUvarint(buf, ZigZagEncode(v))
}

// Varint decodes a zig-zag-encoded signed integer from the start of buf.
func Varint(buf []byte) (int64, int) {
	u, n := Uvarint(buf)
	if n <= 0 {
		return 0, n
	}
	return ZigZagDecode(u), n
}
