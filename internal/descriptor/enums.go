package descriptor

import "fmt"

// CtrlOpcode selects the command carried on the control rings.
type CtrlOpcode uint8

const (
	CtrlOpUpdateMrTable   CtrlOpcode = 0x00
	CtrlOpUpdatePageTable CtrlOpcode = 0x01
	CtrlOpQpManagement    CtrlOpcode = 0x02
)

func (o CtrlOpcode) valid() bool { return o <= CtrlOpQpManagement }

func (o CtrlOpcode) String() string {
	switch o {
	case CtrlOpUpdateMrTable:
		return "UpdateMrTable"
	case CtrlOpUpdatePageTable:
		return "UpdatePageTable"
	case CtrlOpQpManagement:
		return "QpManagement"
	}
	return fmt.Sprintf("CtrlOpcode(%d)", uint8(o))
}

// WorkReqOpcode is the verb requested by a to-card work descriptor.
type WorkReqOpcode uint8

const (
	WorkReqRdmaWrite        WorkReqOpcode = 0
	WorkReqRdmaWriteWithImm WorkReqOpcode = 1
	WorkReqSend             WorkReqOpcode = 2
	WorkReqSendWithImm      WorkReqOpcode = 3
	WorkReqRdmaRead         WorkReqOpcode = 4
	WorkReqAtomicCmpAndSwp  WorkReqOpcode = 5
	WorkReqAtomicFetchAdd   WorkReqOpcode = 6
	WorkReqLocalInv         WorkReqOpcode = 7
	WorkReqBindMw           WorkReqOpcode = 8
	WorkReqSendWithInv      WorkReqOpcode = 9
	WorkReqTso              WorkReqOpcode = 10
	WorkReqDriver1          WorkReqOpcode = 11
)

func (o WorkReqOpcode) valid() bool { return o <= WorkReqDriver1 }

// RdmaOpcode is the BTH opcode of a received packet.
type RdmaOpcode uint8

const (
	RdmaSendFirst              RdmaOpcode = 0x00
	RdmaSendMiddle             RdmaOpcode = 0x01
	RdmaSendLast               RdmaOpcode = 0x02
	RdmaSendLastWithImmediate  RdmaOpcode = 0x03
	RdmaSendOnly               RdmaOpcode = 0x04
	RdmaSendOnlyWithImmediate  RdmaOpcode = 0x05
	RdmaWriteFirst             RdmaOpcode = 0x06
	RdmaWriteMiddle            RdmaOpcode = 0x07
	RdmaWriteLast              RdmaOpcode = 0x08
	RdmaWriteLastWithImmediate RdmaOpcode = 0x09
	RdmaWriteOnly              RdmaOpcode = 0x0a
	RdmaWriteOnlyWithImmediate RdmaOpcode = 0x0b
	RdmaReadRequest            RdmaOpcode = 0x0c
	RdmaReadResponseFirst      RdmaOpcode = 0x0d
	RdmaReadResponseMiddle     RdmaOpcode = 0x0e
	RdmaReadResponseLast       RdmaOpcode = 0x0f
	RdmaReadResponseOnly       RdmaOpcode = 0x10
	RdmaAcknowledge            RdmaOpcode = 0x11
	RdmaAtomicAcknowledge      RdmaOpcode = 0x12
	RdmaCompareSwap            RdmaOpcode = 0x13
	RdmaFetchAdd               RdmaOpcode = 0x14
	RdmaResync                 RdmaOpcode = 0x15
	RdmaSendLastWithInvalidate RdmaOpcode = 0x16
	RdmaSendOnlyWithInvalidate RdmaOpcode = 0x17
)

const rdmaOpcodeMax = RdmaSendOnlyWithInvalidate

// Valid reports whether o is a defined opcode.
func (o RdmaOpcode) Valid() bool { return o <= rdmaOpcodeMax }

// HasImmediate reports whether the packet carries an ImmDT header.
func (o RdmaOpcode) HasImmediate() bool {
	switch o {
	case RdmaSendLastWithImmediate, RdmaSendOnlyWithImmediate,
		RdmaWriteLastWithImmediate, RdmaWriteOnlyWithImmediate:
		return true
	}
	return false
}

// HasReth reports whether the packet carries a RETH header on the wire.
func (o RdmaOpcode) HasReth() bool {
	switch o {
	case RdmaWriteFirst, RdmaWriteOnly, RdmaWriteOnlyWithImmediate, RdmaReadRequest:
		return true
	}
	return false
}

// HasAeth reports whether the packet carries an AETH header on the wire.
func (o RdmaOpcode) HasAeth() bool {
	switch o {
	case RdmaReadResponseFirst, RdmaReadResponseLast, RdmaReadResponseOnly,
		RdmaAcknowledge, RdmaAtomicAcknowledge:
		return true
	}
	return false
}

func (o RdmaOpcode) String() string {
	if name, ok := rdmaOpcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("RdmaOpcode(0x%02x)", uint8(o))
}

var rdmaOpcodeNames = map[RdmaOpcode]string{
	RdmaSendFirst:              "SEND_FIRST",
	RdmaSendMiddle:             "SEND_MIDDLE",
	RdmaSendLast:               "SEND_LAST",
	RdmaSendLastWithImmediate:  "SEND_LAST_WITH_IMMEDIATE",
	RdmaSendOnly:               "SEND_ONLY",
	RdmaSendOnlyWithImmediate:  "SEND_ONLY_WITH_IMMEDIATE",
	RdmaWriteFirst:             "RDMA_WRITE_FIRST",
	RdmaWriteMiddle:            "RDMA_WRITE_MIDDLE",
	RdmaWriteLast:              "RDMA_WRITE_LAST",
	RdmaWriteLastWithImmediate: "RDMA_WRITE_LAST_WITH_IMMEDIATE",
	RdmaWriteOnly:              "RDMA_WRITE_ONLY",
	RdmaWriteOnlyWithImmediate: "RDMA_WRITE_ONLY_WITH_IMMEDIATE",
	RdmaReadRequest:            "RDMA_READ_REQUEST",
	RdmaReadResponseFirst:      "RDMA_READ_RESPONSE_FIRST",
	RdmaReadResponseMiddle:     "RDMA_READ_RESPONSE_MIDDLE",
	RdmaReadResponseLast:       "RDMA_READ_RESPONSE_LAST",
	RdmaReadResponseOnly:       "RDMA_READ_RESPONSE_ONLY",
	RdmaAcknowledge:            "ACKNOWLEDGE",
	RdmaAtomicAcknowledge:      "ATOMIC_ACKNOWLEDGE",
	RdmaCompareSwap:            "COMPARE_SWAP",
	RdmaFetchAdd:               "FETCH_ADD",
	RdmaResync:                 "RESYNC",
	RdmaSendLastWithInvalidate: "SEND_LAST_WITH_INVALIDATE",
	RdmaSendOnlyWithInvalidate: "SEND_ONLY_WITH_INVALIDATE",
}

// TransType is the transport class in the top bits of the BTH opcode.
type TransType uint8

const (
	TransRc  TransType = 0x00
	TransUc  TransType = 0x01
	TransRd  TransType = 0x02
	TransUd  TransType = 0x03
	TransCnp TransType = 0x04
	TransXrc TransType = 0x05
)

func (t TransType) valid() bool { return t <= TransXrc }

// RdmaReqStatus is the device's verdict on a received packet.
type RdmaReqStatus uint8

const (
	StatusNormal      RdmaReqStatus = 1
	StatusInvAccFlag  RdmaReqStatus = 2
	StatusInvOpcode   RdmaReqStatus = 3
	StatusInvMrKey    RdmaReqStatus = 4
	StatusInvMrRegion RdmaReqStatus = 5
	StatusUnknown     RdmaReqStatus = 6
	StatusMaxGuard    RdmaReqStatus = 255
)

func (s RdmaReqStatus) valid() bool {
	return (s >= StatusNormal && s <= StatusUnknown) || s == StatusMaxGuard
}

func (s RdmaReqStatus) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusInvAccFlag:
		return "InvAccFlag"
	case StatusInvOpcode:
		return "InvOpcode"
	case StatusInvMrKey:
		return "InvMrKey"
	case StatusInvMrRegion:
		return "InvMrRegion"
	case StatusUnknown:
		return "Unknown"
	case StatusMaxGuard:
		return "MaxGuard"
	}
	return fmt.Sprintf("RdmaReqStatus(%d)", uint8(s))
}

// AethCode is the two-bit syndrome class of an AETH.
type AethCode uint8

const (
	AethAck  AethCode = 0
	AethRnr  AethCode = 1
	AethRsvd AethCode = 2
	AethNak  AethCode = 3
)

func (c AethCode) String() string {
	switch c {
	case AethAck:
		return "ACK"
	case AethRnr:
		return "RNR"
	case AethRsvd:
		return "RSVD"
	case AethNak:
		return "NAK"
	}
	return fmt.Sprintf("AethCode(%d)", uint8(c))
}

// WriteType is the position of a segment within a multi-packet write or read response.
type WriteType uint8

const (
	WriteFirst WriteType = iota
	WriteMiddle
	WriteLast
	WriteOnly
)

func (w WriteType) String() string {
	switch w {
	case WriteFirst:
		return "First"
	case WriteMiddle:
		return "Middle"
	case WriteLast:
		return "Last"
	case WriteOnly:
		return "Only"
	}
	return fmt.Sprintf("WriteType(%d)", uint8(w))
}

// StartsMessage reports whether the segment opens a new message.
func (w WriteType) StartsMessage() bool {
	return w == WriteFirst || w == WriteOnly
}
