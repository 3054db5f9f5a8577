package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeltaRoundTrip(t *testing.T) {
	cases := [][]Entry{
		{{TS: 5, Val: 2.0}},
		{{TS: 10, Val: 1.0}, {TS: 10, Val: 3.0}},
		{{TS: -100, Val: -1.5}, {TS: 0, Val: 0}, {TS: 100, Val: 1.5}},
		{{TS: 1, Val: 1}, {TS: 1, Val: 2}, {TS: 1, Val: 3}},
	}

	for _, batch := range cases {
		encoded := EncodeDelta(batch)
		decoded, err := Decode(CompressionDelta, encoded)
		require.NoError(t, err)
		require.Equal(t, batch, decoded)
	}
}

func TestRawRoundTrip(t *testing.T) {
	batch := []Entry{{TS: 1, Val: 1.5}, {TS: 2, Val: -1.5}}
	encoded := EncodeRaw(batch)
	decoded, err := Decode(CompressionRaw, encoded)
	require.NoError(t, err)
	require.Equal(t, batch, decoded)
}

func TestDecodeUnknownCompression(t *testing.T) {
	_, err := Decode(0xFF, []byte{0})
	require.ErrorIs(t, err, ErrUnknownCompression)
}

func TestDecodeTruncated(t *testing.T) {
	encoded := EncodeDelta([]Entry{{TS: 1, Val: 1}, {TS: 2, Val: 2}})
	_, err := Decode(CompressionDelta, encoded[:len(encoded)-4])
	require.Error(t, err)
}

func TestZigZagRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 1000, -1000, 1 << 40, -(1 << 40)} {
		if got := ZigZagDecode(ZigZagEncode(v)); got != v {
			t.Fatalf("zigzag round trip failed for %d, got %d", v, got)
		}
	}
}
