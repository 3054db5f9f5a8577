package block

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mseriesdb/milliseries/codec"
)

func openTemp(t *testing.T) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "series.dat"), os.O_RDWR|os.O_CREATE, 0666)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestWriteReadRoundTrip(t *testing.T) {
	f := openTemp(t)

	batch := []codec.Entry{{TS: 5, Val: 2.0}, {TS: 10, Val: 1.0}, {TS: 10, Val: 3.0}}
	next, highest, err := Write(f, 0, batch)
	require.NoError(t, err)
	require.Equal(t, int64(10), highest)

	entries, meta, err := Read(f, 0)
	require.NoError(t, err)
	require.Equal(t, batch, entries)
	require.Equal(t, next, meta.NextOffset)
	require.Equal(t, uint32(len(batch)), meta.EntriesCount)
}

func TestSecondBlockAppendsAfterFirst(t *testing.T) {
	f := openTemp(t)

	first := []codec.Entry{{TS: 1, Val: 1}}
	off1, _, err := Write(f, 0, first)
	require.NoError(t, err)

	second := []codec.Entry{{TS: 2, Val: 2}}
	off2, _, err := Write(f, off1, second)
	require.NoError(t, err)
	require.Greater(t, off2, off1)

	entries, _, err := Read(f, off1)
	require.NoError(t, err)
	require.Equal(t, second, entries)
}

func TestReadCorruptHeaderCRC(t *testing.T) {
	f := openTemp(t)

	_, _, err := Write(f, 0, []codec.Entry{{TS: 1, Val: 1}})
	require.NoError(t, err)

	// Overwrite the first byte of the entries_count field with 0xFF,
	// invalidating the header CRC.
	_, err = f.WriteAt([]byte{0xFF}, 0)
	require.NoError(t, err)

	_, _, err = Read(f, 0)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestReadTruncatedPayload(t *testing.T) {
	f := openTemp(t)

	next, _, err := Write(f, 0, []codec.Entry{{TS: 1, Val: 1}, {TS: 2, Val: 2}})
	require.NoError(t, err)
	_ = next

	require.NoError(t, f.Truncate(HeaderSize+2))

	_, _, err = Read(f, 0)
	require.Error(t, err)
}

func TestWriteRejectsEmptyBatch(t *testing.T) {
	f := openTemp(t)
	_, _, err := Write(f, 0, nil)
	require.Error(t, err)
}
