package descriptor

import (
	"github.com/yuuki/rdmadriver/internal/types"
)

// ToHostWorkDescType is the leading bit of every to-host work slot.
type ToHostWorkDescType uint8

const (
	DescTypeRecvPacketMeta ToHostWorkDescType = 0
	DescTypeSendFinished   ToHostWorkDescType = 1
)

// Meta report slot layout.
const (
	metaDescTypeOff   = 0
	metaPadCntOff     = 1
	metaPadCntWidth   = 2
	metaDmaRespErrOff = 24
	metaReqStatusOff  = 24
	metaBthOff        = 32
	metaRethOff       = 96
	metaAethOff       = 96
	metaTailOff       = 224
)

// BTH fragment, relative to metaBthOff.
const (
	bthTransOff     = 0
	bthOpcodeOff    = 3
	bthDqpnOff      = 8
	bthPsnOff       = 32
	bthSolicitedOff = 56
	bthAckReqOff    = 57
)

// ToHostWorkCommon is shared by every received-packet report.
type ToHostWorkCommon struct {
	Dqpn   types.Qpn
	Status RdmaReqStatus
	Trans  TransType
	PadCnt uint8
	Msn    types.Msn
}

// ToHostWorkDesc is a decoded to-host work descriptor. The concrete type is
// one of *SendQueueReport, *Read, *WriteOrReadResp, *WriteWithImm, *Ack or *Nack.
type ToHostWorkDesc interface {
	ReqStatus() RdmaReqStatus
	isToHostWork()
}

// SendQueueReport tells the host a previously submitted send has been
// fetched by the device.
type SendQueueReport struct {
	HasDmaRespErr bool
}

// Read is an inbound read request: this side serves Len bytes from
// Laddr/Lkey into the requester's Raddr/Rkey.
type Read struct {
	Common ToHostWorkCommon
	Psn    types.Psn
	Len    uint32
	Laddr  uint64
	Lkey   types.Key
	Raddr  uint64
	Rkey   types.Key
}

// WriteOrReadResp is one landed segment of an inbound write or of a read
// response to a read this side issued.
type WriteOrReadResp struct {
	Common     ToHostWorkCommon
	IsReadResp bool
	WriteType  WriteType
	Psn        types.Psn
	Addr       uint64
	Len        uint32
	Key        types.Key
}

// WriteWithImm is the terminal segment of a write carrying immediate data.
// The immediate occupies the bits that otherwise hold the MSN, so
// Common.Msn must be zero.
type WriteWithImm struct {
	Common    ToHostWorkCommon
	WriteType WriteType
	Psn       types.Psn
	Addr      uint64
	Len       uint32
	Key       types.Key
	Imm       uint32
}

// Ack is a positive acknowledgement for the message Common.Msn.
type Ack struct {
	Common ToHostWorkCommon
	Value  uint8
	Psn    types.Psn
}

// Nack is a negative acknowledgement (NAK or RNR) for Common.Msn.
type Nack struct {
	Common       ToHostWorkCommon
	Code         AethCode
	Value        uint8
	Psn          types.Psn
	LastRetryPsn types.Psn
}

func (d *SendQueueReport) ReqStatus() RdmaReqStatus {
	if d.HasDmaRespErr {
		return StatusUnknown
	}
	return StatusNormal
}
func (d *Read) ReqStatus() RdmaReqStatus            { return d.Common.Status }
func (d *WriteOrReadResp) ReqStatus() RdmaReqStatus { return d.Common.Status }
func (d *WriteWithImm) ReqStatus() RdmaReqStatus    { return d.Common.Status }
func (d *Ack) ReqStatus() RdmaReqStatus             { return d.Common.Status }
func (d *Nack) ReqStatus() RdmaReqStatus            { return d.Common.Status }

func (*SendQueueReport) isToHostWork() {}
func (*Read) isToHostWork()            {}
func (*WriteOrReadResp) isToHostWork() {}
func (*WriteWithImm) isToHostWork()    {}
func (*Ack) isToHostWork()             {}
func (*Nack) isToHostWork()            {}

// ToHostWorkSegments returns how many slots the descriptor starting at first
// spans. A read request is followed by a secondary RETH slot.
func ToHostWorkSegments(first Raw) int {
	b := first[:]
	if ToHostWorkDescType(getBits(b, metaDescTypeOff, 1)) == DescTypeRecvPacketMeta &&
		RdmaOpcode(getBits(b, metaBthOff+bthOpcodeOff, 5)) == RdmaReadRequest {
		return 2
	}
	return 1
}

type bth struct {
	trans  TransType
	opcode RdmaOpcode
	dqpn   types.Qpn
	psn    types.Psn
}

func readBth(b []byte) bth {
	return bth{
		trans:  TransType(getBits(b, metaBthOff+bthTransOff, 3)),
		opcode: RdmaOpcode(getBits(b, metaBthOff+bthOpcodeOff, 5)),
		dqpn:   types.Qpn(getBits(b, metaBthOff+bthDqpnOff, 24)),
		psn:    types.Psn(getBits(b, metaBthOff+bthPsnOff, 24)),
	}
}

func writeBth(b []byte, h bth) {
	setBits(b, metaBthOff+bthTransOff, 3, uint64(h.trans))
	setBits(b, metaBthOff+bthOpcodeOff, 5, uint64(h.opcode))
	setBits(b, metaBthOff+bthDqpnOff, 24, uint64(h.dqpn))
	setBits(b, metaBthOff+bthPsnOff, 24, uint64(h.psn))
	setBool(b, metaBthOff+bthSolicitedOff, false)
	setBool(b, metaBthOff+bthAckReqOff, false)
}

type reth struct {
	va   uint64
	rkey types.Key
	dlen uint32
}

func readReth(b []byte, off uint) reth {
	return reth{
		va:   getBits(b, off, 64),
		rkey: types.NewKey(uint32(getBits(b, off+64, 32))),
		dlen: uint32(getBits(b, off+96, 32)),
	}
}

func writeReth(b []byte, off uint, r reth) {
	setBits(b, off, 64, r.va)
	setBits(b, off+64, 32, uint64(r.rkey.Uint32()))
	setBits(b, off+96, 32, uint64(r.dlen))
}

type aeth struct {
	lastRetryPsn types.Psn
	msn          types.Msn
	value        uint8
	code         AethCode
}

func readAeth(b []byte) aeth {
	return aeth{
		lastRetryPsn: types.Psn(getBits(b, metaAethOff, 24)),
		msn:          types.Msn(getBits(b, metaAethOff+24, 24)),
		value:        uint8(getBits(b, metaAethOff+48, 5)),
		code:         AethCode(getBits(b, metaAethOff+53, 2)),
	}
}

func writeAeth(b []byte, a aeth) {
	setBits(b, metaAethOff, 24, uint64(a.lastRetryPsn))
	setBits(b, metaAethOff+24, 24, uint64(a.msn))
	setBits(b, metaAethOff+48, 5, uint64(a.value))
	setBits(b, metaAethOff+53, 2, uint64(a.code))
}

func writeTypeOf(op RdmaOpcode) (wt WriteType, isReadResp, withImm, ok bool) {
	switch op {
	case RdmaWriteFirst:
		return WriteFirst, false, false, true
	case RdmaWriteMiddle:
		return WriteMiddle, false, false, true
	case RdmaWriteLast:
		return WriteLast, false, false, true
	case RdmaWriteOnly:
		return WriteOnly, false, false, true
	case RdmaWriteLastWithImmediate:
		return WriteLast, false, true, true
	case RdmaWriteOnlyWithImmediate:
		return WriteOnly, false, true, true
	case RdmaReadResponseFirst:
		return WriteFirst, true, false, true
	case RdmaReadResponseMiddle:
		return WriteMiddle, true, false, true
	case RdmaReadResponseLast:
		return WriteLast, true, false, true
	case RdmaReadResponseOnly:
		return WriteOnly, true, false, true
	}
	return 0, false, false, false
}

func writeOpcodeOf(wt WriteType, isReadResp, withImm bool) (RdmaOpcode, bool) {
	switch {
	case withImm && wt == WriteLast:
		return RdmaWriteLastWithImmediate, true
	case withImm && wt == WriteOnly:
		return RdmaWriteOnlyWithImmediate, true
	case withImm:
		return 0, false
	}
	base := RdmaWriteFirst
	if isReadResp {
		base = RdmaReadResponseFirst
	}
	switch wt {
	case WriteFirst:
		return base, true
	case WriteMiddle:
		return base + 1, true
	case WriteLast:
		return base + 2, true
	case WriteOnly:
		if isReadResp {
			return RdmaReadResponseOnly, true
		}
		return RdmaWriteOnly, true
	}
	return 0, false
}

// DecodeToHostWork decodes one to-host work descriptor. slots must hold at
// least ToHostWorkSegments(slots[0]) entries.
func DecodeToHostWork(slots []Raw) (ToHostWorkDesc, error) {
	if len(slots) == 0 {
		return nil, ErrShortDescriptor
	}
	b := slots[0][:]

	if ToHostWorkDescType(getBits(b, metaDescTypeOff, 1)) == DescTypeSendFinished {
		return &SendQueueReport{HasDmaRespErr: getBool(b, metaDmaRespErrOff)}, nil
	}

	status := RdmaReqStatus(getBits(b, metaReqStatusOff, 8))
	if !status.valid() {
		return nil, malformed("unknown request status %d", uint8(status))
	}
	h := readBth(b)
	if !h.opcode.Valid() {
		return nil, malformed("unknown rdma opcode 0x%02x", uint8(h.opcode))
	}
	if !h.trans.valid() {
		return nil, malformed("unknown transport type %d", uint8(h.trans))
	}
	common := ToHostWorkCommon{
		Dqpn:   h.dqpn,
		Status: status,
		Trans:  h.trans,
		PadCnt: uint8(getBits(b, metaPadCntOff, metaPadCntWidth)),
	}

	if h.opcode == RdmaAcknowledge {
		a := readAeth(b)
		common.Msn = a.msn
		switch a.code {
		case AethAck:
			return &Ack{Common: common, Value: a.value, Psn: h.psn}, nil
		case AethRnr, AethNak:
			return &Nack{
				Common:       common,
				Code:         a.code,
				Value:        a.value,
				Psn:          h.psn,
				LastRetryPsn: a.lastRetryPsn,
			}, nil
		default:
			return nil, malformed("reserved aeth code")
		}
	}

	r := readReth(b, metaRethOff)

	if h.opcode == RdmaReadRequest {
		if len(slots) < 2 {
			return nil, ErrShortDescriptor
		}
		sec := slots[1][:]
		common.Msn = types.Msn(getBits(b, metaTailOff, 24))
		return &Read{
			Common: common,
			Psn:    h.psn,
			Len:    r.dlen,
			Laddr:  r.va,
			Lkey:   r.rkey,
			Raddr:  getBits(sec, 0, 64),
			Rkey:   types.NewKey(uint32(getBits(sec, 64, 32))),
		}, nil
	}

	wt, isReadResp, withImm, ok := writeTypeOf(h.opcode)
	if !ok {
		return nil, malformed("opcode %s not reported on the work ring", h.opcode)
	}
	if withImm {
		return &WriteWithImm{
			Common:    common,
			WriteType: wt,
			Psn:       h.psn,
			Addr:      r.va,
			Len:       r.dlen,
			Key:       r.rkey,
			Imm:       uint32(getBits(b, metaTailOff, 32)),
		}, nil
	}
	common.Msn = types.Msn(getBits(b, metaTailOff, 24))
	return &WriteOrReadResp{
		Common:     common,
		IsReadResp: isReadResp,
		WriteType:  wt,
		Psn:        h.psn,
		Addr:       r.va,
		Len:        r.dlen,
		Key:        r.rkey,
	}, nil
}

func (c ToHostWorkCommon) check() error {
	switch {
	case !c.Status.valid():
		return outOfRange("req_status", uint64(c.Status), 8)
	case !c.Trans.valid():
		return outOfRange("trans", uint64(c.Trans), 3)
	case !c.Dqpn.Valid():
		return outOfRange("dqpn", uint64(c.Dqpn), 24)
	case !fits(uint64(c.PadCnt), metaPadCntWidth):
		return outOfRange("pad_cnt", uint64(c.PadCnt), metaPadCntWidth)
	case uint32(c.Msn)&^types.MsnMask != 0:
		return outOfRange("msn", uint64(c.Msn), 24)
	}
	return nil
}

func writeCommon(b []byte, c ToHostWorkCommon) {
	setBits(b, metaDescTypeOff, 1, uint64(DescTypeRecvPacketMeta))
	setBits(b, metaPadCntOff, metaPadCntWidth, uint64(c.PadCnt))
	setBits(b, metaReqStatusOff, 8, uint64(c.Status))
}

func checkPsn(name string, p types.Psn) error {
	if uint32(p)&^types.PsnMask != 0 {
		return outOfRange(name, uint64(p), 24)
	}
	return nil
}

// EncodeToHostWork is the inverse of DecodeToHostWork. The device side of
// the ring uses it; the host only decodes.
func EncodeToHostWork(d ToHostWorkDesc) ([]Raw, error) {
	var first Raw
	b := first[:]

	switch d := d.(type) {
	case *SendQueueReport:
		setBits(b, metaDescTypeOff, 1, uint64(DescTypeSendFinished))
		setBool(b, metaDmaRespErrOff, d.HasDmaRespErr)
		return []Raw{first}, nil

	case *Read:
		if err := d.Common.check(); err != nil {
			return nil, err
		}
		if err := checkPsn("psn", d.Psn); err != nil {
			return nil, err
		}
		writeCommon(b, d.Common)
		writeBth(b, bth{trans: d.Common.Trans, opcode: RdmaReadRequest, dqpn: d.Common.Dqpn, psn: d.Psn})
		writeReth(b, metaRethOff, reth{va: d.Laddr, rkey: d.Lkey, dlen: d.Len})
		setBits(b, metaTailOff, 24, uint64(d.Common.Msn))
		var sec Raw
		setBits(sec[:], 0, 64, d.Raddr)
		setBits(sec[:], 64, 32, uint64(d.Rkey.Uint32()))
		return []Raw{first, sec}, nil

	case *WriteOrReadResp:
		if err := d.Common.check(); err != nil {
			return nil, err
		}
		if err := checkPsn("psn", d.Psn); err != nil {
			return nil, err
		}
		op, ok := writeOpcodeOf(d.WriteType, d.IsReadResp, false)
		if !ok {
			return nil, outOfRange("write_type", uint64(d.WriteType), 2)
		}
		writeCommon(b, d.Common)
		writeBth(b, bth{trans: d.Common.Trans, opcode: op, dqpn: d.Common.Dqpn, psn: d.Psn})
		writeReth(b, metaRethOff, reth{va: d.Addr, rkey: d.Key, dlen: d.Len})
		setBits(b, metaTailOff, 24, uint64(d.Common.Msn))
		return []Raw{first}, nil

	case *WriteWithImm:
		if err := d.Common.check(); err != nil {
			return nil, err
		}
		if err := checkPsn("psn", d.Psn); err != nil {
			return nil, err
		}
		if d.Common.Msn != 0 {
			return nil, outOfRange("msn", uint64(d.Common.Msn), 0)
		}
		op, ok := writeOpcodeOf(d.WriteType, false, true)
		if !ok {
			return nil, outOfRange("write_type", uint64(d.WriteType), 2)
		}
		writeCommon(b, d.Common)
		writeBth(b, bth{trans: d.Common.Trans, opcode: op, dqpn: d.Common.Dqpn, psn: d.Psn})
		writeReth(b, metaRethOff, reth{va: d.Addr, rkey: d.Key, dlen: d.Len})
		setBits(b, metaTailOff, 32, uint64(d.Imm))
		return []Raw{first}, nil

	case *Ack:
		if err := d.Common.check(); err != nil {
			return nil, err
		}
		if err := checkPsn("psn", d.Psn); err != nil {
			return nil, err
		}
		if !fits(uint64(d.Value), 5) {
			return nil, outOfRange("aeth_value", uint64(d.Value), 5)
		}
		writeCommon(b, d.Common)
		writeBth(b, bth{trans: d.Common.Trans, opcode: RdmaAcknowledge, dqpn: d.Common.Dqpn, psn: d.Psn})
		writeAeth(b, aeth{msn: d.Common.Msn, value: d.Value, code: AethAck})
		return []Raw{first}, nil

	case *Nack:
		if err := d.Common.check(); err != nil {
			return nil, err
		}
		if err := checkPsn("psn", d.Psn); err != nil {
			return nil, err
		}
		if err := checkPsn("last_retry_psn", d.LastRetryPsn); err != nil {
			return nil, err
		}
		if d.Code != AethNak && d.Code != AethRnr {
			return nil, outOfRange("aeth_code", uint64(d.Code), 2)
		}
		if !fits(uint64(d.Value), 5) {
			return nil, outOfRange("aeth_value", uint64(d.Value), 5)
		}
		writeCommon(b, d.Common)
		writeBth(b, bth{trans: d.Common.Trans, opcode: RdmaAcknowledge, dqpn: d.Common.Dqpn, psn: d.Psn})
		writeAeth(b, aeth{lastRetryPsn: d.LastRetryPsn, msn: d.Common.Msn, value: d.Value, code: d.Code})
		return []Raw{first}, nil
	}
	return nil, malformed("unsupported to-host work descriptor %T", d)
}
