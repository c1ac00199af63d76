// Package descriptor packs and unpacks the 32-byte slots exchanged with the
// device on the work and control rings.
//
// Two fields of the to-host meta report go beyond the hardware layout. The
// pad count sits in bits 1-2, which the hardware reserves as zero, so a
// hardware device always reports 0 there. The MSN of write, read response and
// read request reports sits in the tail bits that hold ImmDt on a write with
// immediate; a WriteWithImm report therefore carries no MSN.
package descriptor

// Size is the byte length of one ring slot.
const Size = 32

// Raw is one ring slot as it sits in the ring memory.
type Raw [Size]byte

// Bit offsets count from bit 0 of byte 0. The hardware declares its structs
// most significant field first, so the last declared field lands at offset 0.

func getBits(b []byte, off, width uint) uint64 {
	var v uint64
	for i := uint(0); i < width; i++ {
		bit := off + i
		if b[bit/8]>>(bit%8)&1 == 1 {
			v |= 1 << i
		}
	}
	return v
}

func setBits(b []byte, off, width uint, v uint64) {
	for i := uint(0); i < width; i++ {
		bit := off + i
		mask := byte(1) << (bit % 8)
		if v>>i&1 == 1 {
			b[bit/8] |= mask
		} else {
			b[bit/8] &^= mask
		}
	}
}

func getBool(b []byte, off uint) bool {
	return getBits(b, off, 1) == 1
}

func setBool(b []byte, off uint, v bool) {
	if v {
		setBits(b, off, 1, 1)
		return
	}
	setBits(b, off, 1, 0)
}

func fits(v uint64, width uint) bool {
	return width >= 64 || v>>width == 0
}
