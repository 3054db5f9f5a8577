package codec

import "testing"

func TestCRC16Deterministic(t *testing.T) {
	a := CRC16([]byte("the quick brown fox"))
	b := CRC16([]byte("the quick brown fox"))
	if a != b {
		t.Fatalf("CRC16 not deterministic: %x != %x", a, b)
	}
}

func TestCRC16DetectsFlippedBit(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	orig := CRC16(b)

	b[2] ^= 0x01
	if CRC16(b) == orig {
		t.Fatal("CRC16 failed to detect a single flipped bit")
	}
}

func TestCRC16Empty(t *testing.T) {
	if CRC16(nil) != 0xFFFF {
		t.Fatalf("CRC16(nil) = %x, want init value 0xFFFF", CRC16(nil))
	}
}
