package types

import "fmt"

// QpType is the transport service of a queue pair.
type QpType uint8

const (
	QpTypeRc        QpType = 2
	QpTypeUc        QpType = 3
	QpTypeUd        QpType = 4
	QpTypeRawPacket QpType = 8
	QpTypeXrcSend   QpType = 9
	QpTypeXrcRecv   QpType = 10
)

// Valid reports whether t is a known queue pair type.
func (t QpType) Valid() bool {
	switch t {
	case QpTypeRc, QpTypeUc, QpTypeUd, QpTypeRawPacket, QpTypeXrcSend, QpTypeXrcRecv:
		return true
	}
	return false
}

func (t QpType) String() string {
	switch t {
	case QpTypeRc:
		return "RC"
	case QpTypeUc:
		return "UC"
	case QpTypeUd:
		return "UD"
	case QpTypeRawPacket:
		return "RAW_PACKET"
	case QpTypeXrcSend:
		return "XRC_SEND"
	case QpTypeXrcRecv:
		return "XRC_RECV"
	}
	return fmt.Sprintf("QpType(%d)", uint8(t))
}

// Pmtu is the encoded path MTU of a queue pair.
type Pmtu uint8

const (
	Pmtu256  Pmtu = 1
	Pmtu512  Pmtu = 2
	Pmtu1024 Pmtu = 3
	Pmtu2048 Pmtu = 4
	Pmtu4096 Pmtu = 5
)

// Bytes returns the MTU size in bytes, or 0 for an unknown encoding.
func (p Pmtu) Bytes() uint32 {
	switch p {
	case Pmtu256:
		return 256
	case Pmtu512:
		return 512
	case Pmtu1024:
		return 1024
	case Pmtu2048:
		return 2048
	case Pmtu4096:
		return 4096
	}
	return 0
}

// Valid reports whether p is one of the defined sizes.
func (p Pmtu) Valid() bool { return p.Bytes() != 0 }

// PmtuFromBytes maps a byte size back to its encoding.
func PmtuFromBytes(n uint32) (Pmtu, error) {
	switch n {
	case 256:
		return Pmtu256, nil
	case 512:
		return Pmtu512, nil
	case 1024:
		return Pmtu1024, nil
	case 2048:
		return Pmtu2048, nil
	case 4096:
		return Pmtu4096, nil
	}
	return 0, fmt.Errorf("unsupported pmtu size %d", n)
}

func (p Pmtu) String() string {
	if b := p.Bytes(); b != 0 {
		return fmt.Sprintf("%d", b)
	}
	return fmt.Sprintf("Pmtu(%d)", uint8(p))
}

// MemAccessTypeFlag is the access mask of a memory region or receive queue.
type MemAccessTypeFlag uint8

const (
	AccessLocalWrite   MemAccessTypeFlag = 1 << 0
	AccessRemoteWrite  MemAccessTypeFlag = 1 << 1
	AccessRemoteRead   MemAccessTypeFlag = 1 << 2
	AccessRemoteAtomic MemAccessTypeFlag = 1 << 3
	AccessMwBind       MemAccessTypeFlag = 1 << 4
	AccessZeroBased    MemAccessTypeFlag = 1 << 5
	AccessOnDemand     MemAccessTypeFlag = 1 << 6
	AccessHugeTLB      MemAccessTypeFlag = 1 << 7
)

// Has reports whether every bit of o is set in f.
func (f MemAccessTypeFlag) Has(o MemAccessTypeFlag) bool { return f&o == o }

// WorkReqSendFlag carries the per-request send options. Five bits on the wire.
type WorkReqSendFlag uint8

const (
	SendFlagFence     WorkReqSendFlag = 1 << 0
	SendFlagSignaled  WorkReqSendFlag = 1 << 1
	SendFlagSolicited WorkReqSendFlag = 1 << 2
	SendFlagInline    WorkReqSendFlag = 1 << 3
	SendFlagIpCsum    WorkReqSendFlag = 1 << 4

	sendFlagMask WorkReqSendFlag = 0x1F
)

// Valid reports whether f uses only defined bits.
func (f WorkReqSendFlag) Valid() bool { return f&^sendFlagMask == 0 }
