// Package types holds the scalar identifiers shared by the descriptor codec,
// the completion poller and the bookkeeping tables.
package types

import (
	"encoding/binary"
	"fmt"
)

const (
	// PsnMask keeps the low 24 bits of a packet sequence number.
	PsnMask = 0x00FF_FFFF
	// QpnMask keeps the low 24 bits of a queue pair number.
	QpnMask = 0x00FF_FFFF
	// MsnMask keeps the low 24 bits of a message sequence number.
	MsnMask = 0x00FF_FFFF
)

// Psn is a 24-bit packet sequence number. All arithmetic wraps at 2^24.
type Psn uint32

// NewPsn truncates v to 24 bits.
func NewPsn(v uint32) Psn {
	return Psn(v & PsnMask)
}

// Add returns p+n modulo 2^24.
func (p Psn) Add(n uint32) Psn {
	return Psn((uint32(p) + n) & PsnMask)
}

// Distance returns how far p is ahead of base, modulo 2^24.
func (p Psn) Distance(base Psn) uint32 {
	return (uint32(p) - uint32(base)) & PsnMask
}

func (p Psn) Uint32() uint32 { return uint32(p) }

func (p Psn) String() string { return fmt.Sprintf("%d", uint32(p)) }

// Msn is the message sequence number that correlates every packet and
// acknowledgement of one logical operation.
type Msn uint32

// NewMsn truncates v to 24 bits.
func NewMsn(v uint32) Msn {
	return Msn(v & MsnMask)
}

func (m Msn) Uint32() uint32 { return uint32(m) }

// Qpn is a 24-bit queue pair number.
type Qpn uint32

// NewQpn truncates v to 24 bits.
func NewQpn(v uint32) Qpn {
	return Qpn(v & QpnMask)
}

// Valid reports whether q fits in 24 bits.
func (q Qpn) Valid() bool {
	return uint32(q)&^QpnMask == 0
}

func (q Qpn) Uint32() uint32 { return uint32(q) }

func (q Qpn) String() string { return fmt.Sprintf("0x%06x", uint32(q)) }

// Key is a memory region key in wire byte order.
type Key [4]byte

// NewKey stores v little-endian.
func NewKey(v uint32) Key {
	var k Key
	binary.LittleEndian.PutUint32(k[:], v)
	return k
}

func (k Key) Uint32() uint32 {
	return binary.LittleEndian.Uint32(k[:])
}

func (k Key) String() string { return fmt.Sprintf("0x%08x", k.Uint32()) }
