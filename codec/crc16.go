package codec

// CRC-16/CCITT-FALSE: poly 0x1021, init 0xFFFF, no reflection, no xorout.
// No package in the retrieval corpus offers a CRC-16 (the teacher's own
// checksums are all hash/crc32 over the Castagnoli table); we build the
// table once at init time the same way the teacher builds its crc32
// table, rather than bring in an unrelated, ungrounded dependency for
// a few bytes of header (9 per block header, 16 per commit record).
var crc16Table [256]uint16

const crc16Poly = 0x1021

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crc16Poly
			} else {
				crc <<= 1
			}
		}
		crc16Table[i] = crc
	}
}

// CRC16 computes the CCITT-FALSE CRC-16 of b. Implementations on any
// platform must agree bit-exactly, so the polynomial and initial value
// are fixed constants rather than caller-supplied parameters; the table
// is built from them once, in init.
func CRC16(b []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, c := range b {
		crc = (crc << 8) ^ crc16Table[byte(crc>>8)^c]
	}
	return crc
}
