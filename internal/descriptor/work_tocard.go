package descriptor

import (
	"encoding/binary"
	"net/netip"

	"github.com/yuuki/rdmadriver/internal/types"
)

// MaxSge is the number of scatter-gather entries one work request can carry.
const MaxSge = 4

const (
	workValidOff    = 0
	workOpcodeOff   = 1
	workOpcodeWidth = 4
	workIsLastOff   = 5
	workIsFirstOff  = 6
	workExtraSegOff = 7
	workSignalOff   = 11
	workTotalLenOff = 32
)

// Sge is one scatter-gather entry.
type Sge struct {
	Laddr uint64
	Len   uint32
	Lkey  types.Key
}

// ToCardWorkReq is a send-queue work request. It spans a header slot, a
// second segment slot, and one slot per pair of scatter-gather entries.
// Msn occupies bits 56-79 of the second slot and tags every packet of the
// message so acknowledgements can be matched without per-QP counters.
type ToCardWorkReq struct {
	Opcode     WorkReqOpcode
	IsFirst    bool
	IsLast     bool
	SignalCplt bool
	TotalLen   uint32

	Raddr uint64
	Rkey  types.Key
	DqpIP netip.Addr

	Pmtu   types.Pmtu
	Flags  types.WorkReqSendFlag
	QpType types.QpType
	Psn    types.Psn
	Msn    types.Msn
	Mac    [6]byte
	Dqpn   types.Qpn
	Imm    uint32

	Sgl []Sge
}

func sgeSlots(n int) int {
	return (n + 1) / 2
}

// Segments returns the number of ring slots the request occupies.
func (r *ToCardWorkReq) Segments() int {
	return 2 + sgeSlots(len(r.Sgl))
}

// EncodeToCardWork packs r into consecutive ring slots.
func EncodeToCardWork(r *ToCardWorkReq) ([]Raw, error) {
	switch {
	case !r.Opcode.valid():
		return nil, outOfRange("opcode", uint64(r.Opcode), workOpcodeWidth)
	case len(r.Sgl) > MaxSge:
		return nil, outOfRange("sge_cnt", uint64(len(r.Sgl)), 3)
	case !r.Dqpn.Valid():
		return nil, outOfRange("dqpn", uint64(r.Dqpn), 24)
	case uint32(r.Psn)&^types.PsnMask != 0:
		return nil, outOfRange("psn", uint64(r.Psn), 24)
	case uint32(r.Msn)&^types.MsnMask != 0:
		return nil, outOfRange("msn", uint64(r.Msn), 24)
	case !fits(uint64(r.Pmtu), 3):
		return nil, outOfRange("pmtu", uint64(r.Pmtu), 3)
	case !r.Flags.Valid():
		return nil, outOfRange("flags", uint64(r.Flags), 5)
	case !fits(uint64(r.QpType), 4):
		return nil, outOfRange("qp_type", uint64(r.QpType), 4)
	}
	var ip uint32
	if r.DqpIP.IsValid() {
		if !r.DqpIP.Is4() {
			return nil, malformed("dqp ip %s is not IPv4", r.DqpIP)
		}
		a := r.DqpIP.As4()
		ip = binary.BigEndian.Uint32(a[:])
	}

	slots := make([]Raw, r.Segments())

	h := slots[0][:]
	setBool(h, workValidOff, true)
	setBits(h, workOpcodeOff, workOpcodeWidth, uint64(r.Opcode))
	setBool(h, workIsLastOff, r.IsLast)
	setBool(h, workIsFirstOff, r.IsFirst)
	setBits(h, workExtraSegOff, 4, uint64(len(slots)-1))
	setBool(h, workSignalOff, r.SignalCplt)
	setBits(h, workTotalLenOff, 32, uint64(r.TotalLen))
	setBits(h, 64, 64, r.Raddr)
	setBits(h, 128, 32, uint64(r.Rkey.Uint32()))
	setBits(h, 160, 32, uint64(ip))

	s1 := slots[1][:]
	setBits(s1, 0, 3, uint64(r.Pmtu))
	setBits(s1, 8, 5, uint64(r.Flags))
	setBits(s1, 16, 4, uint64(r.QpType))
	setBits(s1, 24, 3, uint64(len(r.Sgl)))
	setBits(s1, 32, 24, uint64(r.Psn))
	setBits(s1, 56, 24, uint64(r.Msn))
	setBits(s1, 80, 48, macToUint64(r.Mac))
	setBits(s1, 128, 24, uint64(r.Dqpn))
	setBits(s1, 160, 32, uint64(r.Imm))

	for i, sge := range r.Sgl {
		b := slots[2+i/2][:]
		base := uint(i%2) * 128
		setBits(b, base, 32, uint64(sge.Lkey.Uint32()))
		setBits(b, base+32, 32, uint64(sge.Len))
		setBits(b, base+64, 64, sge.Laddr)
	}
	return slots, nil
}

// WorkReqSegments reads the slot count announced by a work request header.
func WorkReqSegments(header Raw) (int, error) {
	if !getBool(header[:], workValidOff) {
		return 0, malformed("work request valid bit unset")
	}
	return int(getBits(header[:], workExtraSegOff, 4)) + 1, nil
}

// DecodeToCardWork is the inverse of EncodeToCardWork.
func DecodeToCardWork(slots []Raw) (*ToCardWorkReq, error) {
	if len(slots) == 0 {
		return nil, ErrShortDescriptor
	}
	n, err := WorkReqSegments(slots[0])
	if err != nil {
		return nil, err
	}
	if n < 2 {
		return nil, malformed("work request announces %d segments", n)
	}
	if len(slots) < n {
		return nil, ErrShortDescriptor
	}
	h := slots[0][:]
	s1 := slots[1][:]

	r := &ToCardWorkReq{
		Opcode:     WorkReqOpcode(getBits(h, workOpcodeOff, workOpcodeWidth)),
		IsFirst:    getBool(h, workIsFirstOff),
		IsLast:     getBool(h, workIsLastOff),
		SignalCplt: getBool(h, workSignalOff),
		TotalLen:   uint32(getBits(h, workTotalLenOff, 32)),
		Raddr:      getBits(h, 64, 64),
		Rkey:       types.NewKey(uint32(getBits(h, 128, 32))),
		Pmtu:       types.Pmtu(getBits(s1, 0, 3)),
		Flags:      types.WorkReqSendFlag(getBits(s1, 8, 5)),
		QpType:     types.QpType(getBits(s1, 16, 4)),
		Psn:        types.Psn(getBits(s1, 32, 24)),
		Msn:        types.Msn(getBits(s1, 56, 24)),
		Mac:        macFromUint64(getBits(s1, 80, 48)),
		Dqpn:       types.Qpn(getBits(s1, 128, 24)),
		Imm:        uint32(getBits(s1, 160, 32)),
	}
	if !r.Opcode.valid() {
		return nil, malformed("unknown work request opcode %d", uint8(r.Opcode))
	}
	if ip := uint32(getBits(h, 160, 32)); ip != 0 {
		var a [4]byte
		binary.BigEndian.PutUint32(a[:], ip)
		r.DqpIP = netip.AddrFrom4(a)
	}

	sgeCnt := int(getBits(s1, 24, 3))
	if sgeCnt > MaxSge || 2+sgeSlots(sgeCnt) != n {
		return nil, malformed("sge count %d does not match %d segments", sgeCnt, n)
	}
	if sgeCnt > 0 {
		r.Sgl = make([]Sge, sgeCnt)
	}
	for i := range r.Sgl {
		b := slots[2+i/2][:]
		base := uint(i%2) * 128
		r.Sgl[i] = Sge{
			Lkey:  types.NewKey(uint32(getBits(b, base, 32))),
			Len:   uint32(getBits(b, base+32, 32)),
			Laddr: getBits(b, base+64, 64),
		}
	}
	return r, nil
}

func macToUint64(mac [6]byte) uint64 {
	var v uint64
	for _, b := range mac {
		v = v<<8 | uint64(b)
	}
	return v
}

func macFromUint64(v uint64) [6]byte {
	var mac [6]byte
	for i := 5; i >= 0; i-- {
		mac[i] = byte(v)
		v >>= 8
	}
	return mac
}
