// Package block implements the framed, CRC-guarded record of entries
// written to a series' data file (spec.md §4.2).
package block

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/mseriesdb/milliseries/codec"
)

// HeaderSize is the fixed 11-byte header: entries_count(u32) ||
// compression_kind(u8) || payload_size(u32) || crc16(u16).
const HeaderSize = 4 + 1 + 4 + 2

// ErrCorrupt is wrapped by callers into the engine's Corrupt error kind.
var ErrCorrupt = errors.New("corrupt block")

// Write encodes entries (already sorted, non-empty) with delta+zig-zag
// compression and writes the framed block at byte offset `at` in f,
// overwriting any stray bytes a previous failed append may have left
// there. It returns the offset immediately past the written block and
// the highest timestamp in the batch.
func Write(f *os.File, at int64, entries []codec.Entry) (newOffset int64, highestTS int64, err error) {
	if len(entries) == 0 {
		return at, 0, errors.New("block: empty batch")
	}

	payload := codec.EncodeDelta(entries)
	if len(payload) > 1<<32-1 {
		return 0, 0, errors.New("block: payload too large for u32 length")
	}

	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(entries)))
	header[4] = codec.CompressionDelta
	binary.BigEndian.PutUint32(header[5:9], uint32(len(payload)))
	binary.BigEndian.PutUint16(header[9:11], codec.CRC16(header[:9]))

	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)

	if _, err := f.WriteAt(buf, at); err != nil {
		return 0, 0, errors.Wrap(err, "write block")
	}

	highestTS = entries[len(entries)-1].TS
	return at + int64(len(buf)), highestTS, nil
}

// Meta describes a block's framing without its decoded payload.
type Meta struct {
	EntriesCount    uint32
	CompressionKind byte
	PayloadSize     uint32
	HeaderOffset    int64
	NextOffset      int64
}

// ReadMeta reads and CRC-validates the 11-byte header at offset `at`
// in f, without decoding the payload.
func ReadMeta(f *os.File, at int64) (Meta, error) {
	header := make([]byte, HeaderSize)
	n, err := f.ReadAt(header, at)
	if err != nil && n < HeaderSize {
		if err == io.EOF {
			return Meta{}, errors.Wrapf(ErrCorrupt, "truncated block header at offset %d", at)
		}
		return Meta{}, errors.Wrap(err, "read block header")
	}

	gotCRC := binary.BigEndian.Uint16(header[9:11])
	wantCRC := codec.CRC16(header[:9])
	if gotCRC != wantCRC {
		return Meta{}, errors.Wrapf(ErrCorrupt, "header crc mismatch at offset %d", at)
	}

	m := Meta{
		EntriesCount:    binary.BigEndian.Uint32(header[0:4]),
		CompressionKind: header[4],
		PayloadSize:     binary.BigEndian.Uint32(header[5:9]),
		HeaderOffset:    at,
	}
	m.NextOffset = at + HeaderSize + int64(m.PayloadSize)
	return m, nil
}

// Read reads the block at offset `at` in f and decodes its entries.
// It fails with ErrCorrupt on a CRC mismatch, a truncated read, or an
// unknown compression kind.
func Read(f *os.File, at int64) ([]codec.Entry, Meta, error) {
	meta, err := ReadMeta(f, at)
	if err != nil {
		return nil, Meta{}, err
	}

	payload := make([]byte, meta.PayloadSize)
	if n, err := f.ReadAt(payload, at+HeaderSize); err != nil && n < int(meta.PayloadSize) {
		return nil, Meta{}, errors.Wrapf(ErrCorrupt, "truncated payload at offset %d: %v", at, err)
	}

	entries, err := codec.Decode(meta.CompressionKind, payload)
	if err != nil {
		return nil, Meta{}, errors.Wrapf(ErrCorrupt, "decode block at offset %d: %v", at, err)
	}
	if uint32(len(entries)) != meta.EntriesCount {
		return nil, Meta{}, errors.Wrapf(ErrCorrupt, "entry count mismatch at offset %d: header says %d, decoded %d", at, meta.EntriesCount, len(entries))
	}
	return entries, meta, nil
}
