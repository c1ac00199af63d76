package netagent

import (
	"encoding/binary"
	"fmt"

	"github.com/yuuki/rdmadriver/internal/descriptor"
	"github.com/yuuki/rdmadriver/internal/types"
)

const (
	bthLen           = 12
	msnExtLen        = 4
	rethLen          = 16
	secondaryRethLen = 12
	aethLen          = 4
	immLen           = 4
)

// Reth is an RDMA extended transport header.
type Reth struct {
	Va   uint64
	Rkey types.Key
	Dlen uint32
}

// Aeth is an ACK extended transport header.
type Aeth struct {
	Code  descriptor.AethCode
	Value uint8
	Msn   types.Msn
}

// RdmaMessage is one packet of the software transport.
type RdmaMessage struct {
	Trans     descriptor.TransType
	Opcode    descriptor.RdmaOpcode
	Solicited bool
	AckReq    bool
	PadCnt    uint8
	Pkey      uint16
	Dqpn      types.Qpn
	Psn       types.Psn
	// Msn travels in a 4-byte extension after the BTH on every packet
	// that carries a RETH.
	Msn types.Msn

	// Reth is set for opcodes that carry one.
	Reth *Reth
	// SecondaryReth is the requester's landing buffer of a read request.
	SecondaryReth *Reth
	Aeth          *Aeth
	Imm           *uint32

	Payload []byte
}

// Len returns the encoded size of m.
func (m *RdmaMessage) Len() int {
	n := bthLen + len(m.Payload)
	if carriesReth(m.Opcode) {
		n += msnExtLen + rethLen
	}
	if m.Opcode == descriptor.RdmaReadRequest {
		n += secondaryRethLen
	}
	if m.Opcode.HasAeth() {
		n += aethLen
	}
	if m.Opcode.HasImmediate() {
		n += immLen
	}
	return n
}

// Marshal encodes m in network byte order.
func (m *RdmaMessage) Marshal() ([]byte, error) {
	if !m.Opcode.Valid() {
		return nil, newError(ErrPacket, fmt.Errorf("unknown opcode 0x%02x", uint8(m.Opcode)))
	}
	if carriesReth(m.Opcode) && m.Reth == nil {
		return nil, newError(ErrPacket, fmt.Errorf("%s requires a RETH", m.Opcode))
	}
	if m.Opcode == descriptor.RdmaReadRequest && m.SecondaryReth == nil {
		return nil, newError(ErrPacket, fmt.Errorf("%s requires a secondary RETH", m.Opcode))
	}
	if m.Opcode.HasAeth() && m.Aeth == nil {
		return nil, newError(ErrPacket, fmt.Errorf("%s requires an AETH", m.Opcode))
	}
	if m.Opcode.HasImmediate() && m.Imm == nil {
		return nil, newError(ErrPacket, fmt.Errorf("%s requires immediate data", m.Opcode))
	}

	buf := make([]byte, m.Len())
	buf[0] = byte(m.Trans)<<5 | byte(m.Opcode)&0x1F
	var flags byte
	if m.Solicited {
		flags |= 0x80
	}
	flags |= (m.PadCnt & 0x3) << 4
	buf[1] = flags
	binary.BigEndian.PutUint16(buf[2:4], m.Pkey)
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.Dqpn)&types.QpnMask)
	binary.BigEndian.PutUint32(buf[8:12], uint32(m.Psn)&types.PsnMask)
	if m.AckReq {
		buf[8] |= 0x80
	}
	off := bthLen

	if carriesReth(m.Opcode) {
		binary.BigEndian.PutUint32(buf[off:], uint32(m.Msn)&types.MsnMask)
		off += msnExtLen
		putReth(buf[off:], m.Reth)
		off += rethLen
	}
	if m.Opcode == descriptor.RdmaReadRequest {
		binary.BigEndian.PutUint64(buf[off:], m.SecondaryReth.Va)
		binary.BigEndian.PutUint32(buf[off+8:], m.SecondaryReth.Rkey.Uint32())
		off += secondaryRethLen
	}
	if m.Opcode.HasAeth() {
		binary.BigEndian.PutUint32(buf[off:], uint32(m.Aeth.Msn)&types.MsnMask)
		buf[off] = byte(m.Aeth.Code&0x3)<<5 | m.Aeth.Value&0x1F
		off += aethLen
	}
	if m.Opcode.HasImmediate() {
		binary.BigEndian.PutUint32(buf[off:], *m.Imm)
		off += immLen
	}
	copy(buf[off:], m.Payload)
	return buf, nil
}

func putReth(b []byte, r *Reth) {
	binary.BigEndian.PutUint64(b[0:8], r.Va)
	binary.BigEndian.PutUint32(b[8:12], r.Rkey.Uint32())
	binary.BigEndian.PutUint32(b[12:16], r.Dlen)
}

// UnmarshalMessage decodes a packet produced by Marshal.
func UnmarshalMessage(b []byte) (*RdmaMessage, error) {
	if len(b) < bthLen {
		return nil, newError(ErrPacket, fmt.Errorf("packet of %d bytes is shorter than a BTH", len(b)))
	}
	m := &RdmaMessage{
		Trans:     descriptor.TransType(b[0] >> 5),
		Opcode:    descriptor.RdmaOpcode(b[0] & 0x1F),
		Solicited: b[1]&0x80 != 0,
		PadCnt:    (b[1] >> 4) & 0x3,
		Pkey:      binary.BigEndian.Uint16(b[2:4]),
		Dqpn:      types.Qpn(binary.BigEndian.Uint32(b[4:8]) & types.QpnMask),
		AckReq:    b[8]&0x80 != 0,
		Psn:       types.Psn(binary.BigEndian.Uint32(b[8:12]) & types.PsnMask),
	}
	if !m.Opcode.Valid() {
		return nil, newError(ErrPacket, fmt.Errorf("unknown opcode 0x%02x", uint8(m.Opcode)))
	}
	if len(b) < m.Len() {
		return nil, newError(ErrPacket, fmt.Errorf("%s packet truncated at %d bytes", m.Opcode, len(b)))
	}
	off := bthLen

	if carriesReth(m.Opcode) {
		m.Msn = types.Msn(binary.BigEndian.Uint32(b[off:]) & types.MsnMask)
		off += msnExtLen
		m.Reth = &Reth{
			Va:   binary.BigEndian.Uint64(b[off:]),
			Rkey: types.NewKey(binary.BigEndian.Uint32(b[off+8:])),
			Dlen: binary.BigEndian.Uint32(b[off+12:]),
		}
		off += rethLen
	}
	if m.Opcode == descriptor.RdmaReadRequest {
		m.SecondaryReth = &Reth{
			Va:   binary.BigEndian.Uint64(b[off:]),
			Rkey: types.NewKey(binary.BigEndian.Uint32(b[off+8:])),
		}
		off += secondaryRethLen
	}
	if m.Opcode.HasAeth() {
		m.Aeth = &Aeth{
			Code:  descriptor.AethCode(b[off] >> 5 & 0x3),
			Value: b[off] & 0x1F,
			Msn:   types.Msn(binary.BigEndian.Uint32(b[off:]) & types.MsnMask),
		}
		off += aethLen
	}
	if m.Opcode.HasImmediate() {
		imm := binary.BigEndian.Uint32(b[off:])
		m.Imm = &imm
		off += immLen
	}
	if off < len(b) {
		m.Payload = append([]byte(nil), b[off:]...)
	}
	return m, nil
}

// carriesReth reports whether op carries a RETH in this transport. Unlike
// plain InfiniBand every data packet carries one, so receivers can place a
// segment without tracking message offsets.
func carriesReth(op descriptor.RdmaOpcode) bool {
	if op.HasReth() {
		return true
	}
	switch op {
	case descriptor.RdmaWriteMiddle, descriptor.RdmaWriteLast, descriptor.RdmaWriteLastWithImmediate,
		descriptor.RdmaReadResponseFirst, descriptor.RdmaReadResponseMiddle,
		descriptor.RdmaReadResponseLast, descriptor.RdmaReadResponseOnly:
		return true
	}
	return false
}
