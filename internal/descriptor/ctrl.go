package descriptor

import (
	"encoding/binary"

	"github.com/yuuki/rdmadriver/internal/types"
)

// Control common header, shared by both control rings.
const (
	ctrlValidOff     = 0
	ctrlOpcodeOff    = 1
	ctrlOpcodeWidth  = 6
	ctrlExtraSegOff  = 7
	ctrlExtraSegW    = 4
	ctrlSuccessOff   = 11
	ctrlUserDataByte = 4
)

// CtrlCommon is the 64-bit header of every control descriptor. The valid
// bit and the opcode are derived from the variant on encode.
type CtrlCommon struct {
	ExtraSegmentCnt uint8
	// On the to-card ring this asks for a completion. On the to-host ring it
	// carries the device's success verdict.
	IsSuccessOrNeedSignalCplt bool
	UserData                  [4]byte
}

func (c CtrlCommon) encode(b []byte, op CtrlOpcode) error {
	if !fits(uint64(c.ExtraSegmentCnt), ctrlExtraSegW) {
		return outOfRange("extra_segment_cnt", uint64(c.ExtraSegmentCnt), ctrlExtraSegW)
	}
	setBool(b, ctrlValidOff, true)
	setBits(b, ctrlOpcodeOff, ctrlOpcodeWidth, uint64(op))
	setBits(b, ctrlExtraSegOff, ctrlExtraSegW, uint64(c.ExtraSegmentCnt))
	setBool(b, ctrlSuccessOff, c.IsSuccessOrNeedSignalCplt)
	copy(b[ctrlUserDataByte:ctrlUserDataByte+4], c.UserData[:])
	return nil
}

func decodeCtrlCommon(b []byte) (CtrlCommon, CtrlOpcode, error) {
	if !getBool(b, ctrlValidOff) {
		return CtrlCommon{}, 0, malformed("control descriptor valid bit unset")
	}
	op := CtrlOpcode(getBits(b, ctrlOpcodeOff, ctrlOpcodeWidth))
	if !op.valid() {
		return CtrlCommon{}, 0, malformed("unknown control opcode %d", uint8(op))
	}
	c := CtrlCommon{
		ExtraSegmentCnt:           uint8(getBits(b, ctrlExtraSegOff, ctrlExtraSegW)),
		IsSuccessOrNeedSignalCplt: getBool(b, ctrlSuccessOff),
	}
	copy(c.UserData[:], b[ctrlUserDataByte:ctrlUserDataByte+4])
	return c, op, nil
}

// ToCardCtrlDesc is one of UpdateMrTable, UpdatePageTable or QpManagement.
type ToCardCtrlDesc interface {
	CtrlOpcode() CtrlOpcode
	encodeBody(b []byte) error
	header() CtrlCommon
}

// UpdateMrTable installs or replaces a memory region entry.
type UpdateMrTable struct {
	Common    CtrlCommon
	Addr      uint64
	Len       uint32
	Key       types.Key
	PdHandler uint32
	AccFlags  types.MemAccessTypeFlag
	PgtOffset uint32
}

const pgtOffsetWidth = 17

func (d *UpdateMrTable) CtrlOpcode() CtrlOpcode { return CtrlOpUpdateMrTable }
func (d *UpdateMrTable) header() CtrlCommon     { return d.Common }

func (d *UpdateMrTable) encodeBody(b []byte) error {
	if !fits(uint64(d.PgtOffset), pgtOffsetWidth) {
		return outOfRange("pgt_offset", uint64(d.PgtOffset), pgtOffsetWidth)
	}
	setBits(b, 64, 64, d.Addr)
	setBits(b, 128, 32, uint64(d.Len))
	setBits(b, 160, 32, uint64(d.Key.Uint32()))
	setBits(b, 192, 32, uint64(d.PdHandler))
	setBits(b, 224, 8, uint64(d.AccFlags))
	setBits(b, 232, pgtOffsetWidth, uint64(d.PgtOffset))
	return nil
}

// UpdatePageTable points the device at a DMA-readable slice of page table entries.
type UpdatePageTable struct {
	Common        CtrlCommon
	DmaAddr       uint64
	StartIndex    uint32
	DmaReadLength uint32
}

func (d *UpdatePageTable) CtrlOpcode() CtrlOpcode { return CtrlOpUpdatePageTable }
func (d *UpdatePageTable) header() CtrlCommon     { return d.Common }

func (d *UpdatePageTable) encodeBody(b []byte) error {
	setBits(b, 64, 64, d.DmaAddr)
	setBits(b, 128, 32, uint64(d.StartIndex))
	setBits(b, 160, 32, uint64(d.DmaReadLength))
	return nil
}

// QpManagement creates, updates or tears down a queue pair on the device.
type QpManagement struct {
	Common     CtrlCommon
	IsValid    bool
	IsError    bool
	Qpn        types.Qpn
	PdHandler  uint32
	QpType     types.QpType
	RqAccFlags types.MemAccessTypeFlag
	Pmtu       types.Pmtu
}

func (d *QpManagement) CtrlOpcode() CtrlOpcode { return CtrlOpQpManagement }
func (d *QpManagement) header() CtrlCommon     { return d.Common }

func (d *QpManagement) encodeBody(b []byte) error {
	if !d.Qpn.Valid() {
		return outOfRange("qpn", uint64(d.Qpn), 24)
	}
	if !fits(uint64(d.QpType), 4) {
		return outOfRange("qp_type", uint64(d.QpType), 4)
	}
	if !fits(uint64(d.Pmtu), 3) {
		return outOfRange("pmtu", uint64(d.Pmtu), 3)
	}
	setBool(b, 64, d.IsValid)
	setBool(b, 65, d.IsError)
	setBits(b, 72, 24, uint64(d.Qpn))
	setBits(b, 96, 32, uint64(d.PdHandler))
	setBits(b, 128, 4, uint64(d.QpType))
	setBits(b, 136, 8, uint64(d.RqAccFlags))
	setBits(b, 144, 3, uint64(d.Pmtu))
	return nil
}

// EncodeToCardCtrl packs d into one ring slot.
func EncodeToCardCtrl(d ToCardCtrlDesc) (Raw, error) {
	var raw Raw
	if err := d.header().encode(raw[:], d.CtrlOpcode()); err != nil {
		return Raw{}, err
	}
	if err := d.encodeBody(raw[:]); err != nil {
		return Raw{}, err
	}
	return raw, nil
}

// DecodeToCardCtrl is the inverse of EncodeToCardCtrl.
func DecodeToCardCtrl(raw Raw) (ToCardCtrlDesc, error) {
	b := raw[:]
	common, op, err := decodeCtrlCommon(b)
	if err != nil {
		return nil, err
	}
	switch op {
	case CtrlOpUpdateMrTable:
		return &UpdateMrTable{
			Common:    common,
			Addr:      getBits(b, 64, 64),
			Len:       uint32(getBits(b, 128, 32)),
			Key:       types.NewKey(uint32(getBits(b, 160, 32))),
			PdHandler: uint32(getBits(b, 192, 32)),
			AccFlags:  types.MemAccessTypeFlag(getBits(b, 224, 8)),
			PgtOffset: uint32(getBits(b, 232, pgtOffsetWidth)),
		}, nil
	case CtrlOpUpdatePageTable:
		return &UpdatePageTable{
			Common:        common,
			DmaAddr:       getBits(b, 64, 64),
			StartIndex:    uint32(getBits(b, 128, 32)),
			DmaReadLength: uint32(getBits(b, 160, 32)),
		}, nil
	default:
		qpType := types.QpType(getBits(b, 128, 4))
		pmtu := types.Pmtu(getBits(b, 144, 3))
		if !qpType.Valid() {
			return nil, malformed("unknown qp type %d", uint8(qpType))
		}
		if !pmtu.Valid() {
			return nil, malformed("unknown pmtu %d", uint8(pmtu))
		}
		return &QpManagement{
			Common:     common,
			IsValid:    getBool(b, 64),
			IsError:    getBool(b, 65),
			Qpn:        types.Qpn(getBits(b, 72, 24)),
			PdHandler:  uint32(getBits(b, 96, 32)),
			QpType:     qpType,
			RqAccFlags: types.MemAccessTypeFlag(getBits(b, 136, 8)),
			Pmtu:       pmtu,
		}, nil
	}
}

// ToHostCtrlDesc is the device's response to a control command. Only the
// common header is meaningful.
type ToHostCtrlDesc struct {
	Opcode CtrlOpcode
	Common CtrlCommon
}

// IsSuccess reports the device's verdict.
func (d ToHostCtrlDesc) IsSuccess() bool { return d.Common.IsSuccessOrNeedSignalCplt }

// UserData returns the correlation word echoed from the command.
func (d ToHostCtrlDesc) UserData() uint32 {
	return binary.LittleEndian.Uint32(d.Common.UserData[:])
}

// EncodeToHostCtrl packs a control response into one slot.
func EncodeToHostCtrl(d ToHostCtrlDesc) (Raw, error) {
	var raw Raw
	if !d.Opcode.valid() {
		return Raw{}, outOfRange("ctrl_opcode", uint64(d.Opcode), ctrlOpcodeWidth)
	}
	if err := d.Common.encode(raw[:], d.Opcode); err != nil {
		return Raw{}, err
	}
	return raw, nil
}

// DecodeToHostCtrl is the inverse of EncodeToHostCtrl.
func DecodeToHostCtrl(raw Raw) (ToHostCtrlDesc, error) {
	common, op, err := decodeCtrlCommon(raw[:])
	if err != nil {
		return ToHostCtrlDesc{}, err
	}
	return ToHostCtrlDesc{Opcode: op, Common: common}, nil
}
