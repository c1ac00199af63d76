package descriptor

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rdmadriver/internal/types"
)

func TestBitsHelpers(t *testing.T) {
	var b Raw
	setBits(b[:], 3, 24, 0xABCDEF)
	assert.Equal(t, uint64(0xABCDEF), getBits(b[:], 3, 24))
	assert.Equal(t, uint64(0), getBits(b[:], 0, 3))
	assert.Equal(t, uint64(0), getBits(b[:], 27, 5))

	setBits(b[:], 3, 24, 0)
	assert.Equal(t, Raw{}, b)

	setBits(b[:], 192, 64, ^uint64(0))
	assert.Equal(t, byte(0xFF), b[31])
	assert.Equal(t, byte(0x00), b[23])
}

func TestToCardCtrlRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		desc ToCardCtrlDesc
	}{
		{
			name: "update mr table",
			desc: &UpdateMrTable{
				Common:    CtrlCommon{IsSuccessOrNeedSignalCplt: true, UserData: [4]byte{1, 2, 3, 4}},
				Addr:      0x0000_7F00_1234_5000,
				Len:       0x10000,
				Key:       types.NewKey(0xDEADBEEF),
				PdHandler: 7,
				AccFlags:  types.AccessLocalWrite | types.AccessRemoteRead | types.AccessRemoteWrite,
				PgtOffset: 0x1FFFF,
			},
		},
		{
			name: "update page table",
			desc: &UpdatePageTable{
				Common:        CtrlCommon{UserData: [4]byte{9, 9, 9, 9}},
				DmaAddr:       0xFFFF_0000_0000_1000,
				StartIndex:    42,
				DmaReadLength: 4096,
			},
		},
		{
			name: "qp management",
			desc: &QpManagement{
				Common:     CtrlCommon{ExtraSegmentCnt: 0},
				IsValid:    true,
				IsError:    false,
				Qpn:        types.NewQpn(0xABCDEF),
				PdHandler:  3,
				QpType:     types.QpTypeRc,
				RqAccFlags: types.AccessRemoteWrite,
				Pmtu:       types.Pmtu4096,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeToCardCtrl(tt.desc)
			require.NoError(t, err)
			got, err := DecodeToCardCtrl(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.desc, got)
		})
	}
}

func TestCtrlHeaderBitPositions(t *testing.T) {
	raw, err := EncodeToCardCtrl(&QpManagement{
		Common:  CtrlCommon{ExtraSegmentCnt: 0xF, IsSuccessOrNeedSignalCplt: true, UserData: [4]byte{0xAA, 0xBB, 0xCC, 0xDD}},
		Qpn:     types.NewQpn(0x010203),
		QpType:  types.QpTypeUd,
		Pmtu:    types.Pmtu1024,
		IsValid: true,
	})
	require.NoError(t, err)

	// valid=1, opcode=2 in bits 1..6, extra segment count 0xF in bits 7..10, signal in bit 11
	assert.Equal(t, byte(0x01|0x02<<1|0x80), raw[0])
	assert.Equal(t, byte(0x07|0x08), raw[1])
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, raw[4:8])
	// is_valid at bit 64, qpn at bits 72..95
	assert.Equal(t, byte(0x01), raw[8])
	assert.Equal(t, []byte{0x03, 0x02, 0x01}, raw[9:12])
	assert.Equal(t, byte(types.QpTypeUd), raw[16]&0x0F)
	assert.Equal(t, byte(types.Pmtu1024), raw[18]&0x07)
}

func TestDecodeCtrlMalformed(t *testing.T) {
	// Empty slot: valid bit unset.
	_, err := DecodeToCardCtrl(Raw{})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeToHostCtrl(Raw{})
	assert.ErrorIs(t, err, ErrMalformed)

	// Unknown opcode 5.
	var raw Raw
	raw[0] = 0x01 | 5<<1
	_, err = DecodeToHostCtrl(raw)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeCtrlRejectsOversizedFields(t *testing.T) {
	_, err := EncodeToCardCtrl(&UpdateMrTable{PgtOffset: 1 << 17})
	assert.ErrorIs(t, err, ErrFieldRange)

	_, err = EncodeToCardCtrl(&QpManagement{Qpn: 1 << 24, QpType: types.QpTypeRc, Pmtu: types.Pmtu256})
	assert.ErrorIs(t, err, ErrFieldRange)

	_, err = EncodeToCardCtrl(&UpdatePageTable{Common: CtrlCommon{ExtraSegmentCnt: 16}})
	assert.ErrorIs(t, err, ErrFieldRange)
}

func TestToHostCtrlRoundTrip(t *testing.T) {
	for _, op := range []CtrlOpcode{CtrlOpUpdateMrTable, CtrlOpUpdatePageTable, CtrlOpQpManagement} {
		want := ToHostCtrlDesc{
			Opcode: op,
			Common: CtrlCommon{IsSuccessOrNeedSignalCplt: true, UserData: [4]byte{0x10, 0, 0, 0}},
		}
		raw, err := EncodeToHostCtrl(want)
		require.NoError(t, err)
		got, err := DecodeToHostCtrl(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.True(t, got.IsSuccess())
		assert.Equal(t, uint32(0x10), got.UserData())
	}
}

func TestToCardWorkRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		sges int
	}{
		{"no sge", 0},
		{"one sge", 1},
		{"two sges", 2},
		{"three sges", 3},
		{"four sges", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &ToCardWorkReq{
				Opcode:     WorkReqRdmaWrite,
				IsFirst:    true,
				IsLast:     true,
				SignalCplt: true,
				TotalLen:   8192,
				Raddr:      0x1000_2000,
				Rkey:       types.NewKey(0x55),
				DqpIP:      netip.MustParseAddr("10.0.0.2"),
				Pmtu:       types.Pmtu2048,
				Flags:      types.SendFlagSignaled,
				QpType:     types.QpTypeRc,
				Psn:        types.NewPsn(0xFFFFFE),
				Msn:        types.NewMsn(0xABCDEF),
				Mac:        [6]byte{0x02, 0x42, 0xAC, 0x11, 0x00, 0x02},
				Dqpn:       types.NewQpn(17),
				Imm:        0xCAFEBABE,
			}
			for i := 0; i < tt.sges; i++ {
				req.Sgl = append(req.Sgl, Sge{Laddr: uint64(0x9000 + i*0x1000), Len: 2048, Lkey: types.NewKey(uint32(100 + i))})
			}

			slots, err := EncodeToCardWork(req)
			require.NoError(t, err)
			assert.Len(t, slots, req.Segments())

			n, err := WorkReqSegments(slots[0])
			require.NoError(t, err)
			assert.Equal(t, len(slots), n)

			got, err := DecodeToCardWork(slots)
			require.NoError(t, err)
			assert.Equal(t, req, got)
		})
	}
}

func TestToCardWorkErrors(t *testing.T) {
	_, err := EncodeToCardWork(&ToCardWorkReq{Opcode: WorkReqOpcode(12)})
	assert.ErrorIs(t, err, ErrFieldRange)

	_, err = EncodeToCardWork(&ToCardWorkReq{Sgl: make([]Sge, MaxSge+1)})
	assert.ErrorIs(t, err, ErrFieldRange)

	_, err = EncodeToCardWork(&ToCardWorkReq{DqpIP: netip.MustParseAddr("fe80::1")})
	assert.ErrorIs(t, err, ErrMalformed)

	slots, err := EncodeToCardWork(&ToCardWorkReq{Sgl: make([]Sge, 3)})
	require.NoError(t, err)
	_, err = DecodeToCardWork(slots[:2])
	assert.ErrorIs(t, err, ErrShortDescriptor)

	_, err = DecodeToCardWork([]Raw{{}, {}})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestToHostWorkRoundTrip(t *testing.T) {
	common := ToHostWorkCommon{
		Dqpn:   types.NewQpn(3),
		Status: StatusNormal,
		Trans:  TransRc,
		PadCnt: 2,
		Msn:    types.NewMsn(0x123456),
	}
	tests := []struct {
		name     string
		desc     ToHostWorkDesc
		segments int
	}{
		{"send queue report", &SendQueueReport{HasDmaRespErr: true}, 1},
		{"read", &Read{Common: common, Psn: 9, Len: 2048, Laddr: 0xA000, Lkey: types.NewKey(1), Raddr: 0xB000, Rkey: types.NewKey(2)}, 2},
		{"write first", &WriteOrReadResp{Common: common, WriteType: WriteFirst, Psn: 0, Addr: 0x1000, Len: 3192, Key: types.NewKey(5)}, 1},
		{"write middle", &WriteOrReadResp{Common: common, WriteType: WriteMiddle, Psn: 1}, 1},
		{"write last", &WriteOrReadResp{Common: common, WriteType: WriteLast, Psn: 2}, 1},
		{"write only", &WriteOrReadResp{Common: common, WriteType: WriteOnly, Psn: types.PsnMask, Len: 10}, 1},
		{"read resp first", &WriteOrReadResp{Common: common, IsReadResp: true, WriteType: WriteFirst, Psn: 4}, 1},
		{"read resp middle", &WriteOrReadResp{Common: common, IsReadResp: true, WriteType: WriteMiddle, Psn: 5}, 1},
		{"read resp last", &WriteOrReadResp{Common: common, IsReadResp: true, WriteType: WriteLast, Psn: 6}, 1},
		{"read resp only", &WriteOrReadResp{Common: common, IsReadResp: true, WriteType: WriteOnly, Psn: 7}, 1},
		{"write last imm", &WriteWithImm{Common: ToHostWorkCommon{Dqpn: 3, Status: StatusNormal}, WriteType: WriteLast, Psn: 3, Imm: 0xFEEDFACE}, 1},
		{"write only imm", &WriteWithImm{Common: ToHostWorkCommon{Dqpn: 3, Status: StatusInvMrKey}, WriteType: WriteOnly, Addr: 1, Len: 2, Key: types.NewKey(3), Imm: 1}, 1},
		{"ack", &Ack{Common: common, Value: 31, Psn: 100}, 1},
		{"nak", &Nack{Common: common, Code: AethNak, Value: 1, Psn: 100, LastRetryPsn: 98}, 1},
		{"rnr", &Nack{Common: common, Code: AethRnr, Value: 0, Psn: 100, LastRetryPsn: 100}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slots, err := EncodeToHostWork(tt.desc)
			require.NoError(t, err)
			require.Len(t, slots, tt.segments)
			assert.Equal(t, tt.segments, ToHostWorkSegments(slots[0]))

			got, err := DecodeToHostWork(slots)
			require.NoError(t, err)
			assert.Equal(t, tt.desc, got)
		})
	}
}

func TestToHostWorkBitPositions(t *testing.T) {
	slots, err := EncodeToHostWork(&WriteOrReadResp{
		Common:    ToHostWorkCommon{Dqpn: types.NewQpn(0x0A0B0C), Status: StatusNormal, Trans: TransRc, Msn: types.NewMsn(0x010203)},
		WriteType: WriteOnly,
		Psn:       types.NewPsn(0x112233),
		Addr:      0x0102030405060708,
		Len:       0x11223344,
		Key:       types.NewKey(0x55667788),
	})
	require.NoError(t, err)
	raw := slots[0]

	assert.Equal(t, byte(0), raw[0]&0x01, "desc type")
	assert.Equal(t, byte(StatusNormal), raw[3], "req status")
	// BTH: trans in bits 32..34, opcode in bits 35..39
	assert.Equal(t, byte(TransRc)|byte(RdmaWriteOnly)<<3, raw[4])
	assert.Equal(t, []byte{0x0C, 0x0B, 0x0A}, raw[5:8], "dqpn")
	assert.Equal(t, []byte{0x33, 0x22, 0x11}, raw[8:11], "psn")
	// RETH
	assert.Equal(t, []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, raw[12:20], "va")
	assert.Equal(t, []byte{0x88, 0x77, 0x66, 0x55}, raw[20:24], "rkey")
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, raw[24:28], "dlen")
	assert.Equal(t, []byte{0x03, 0x02, 0x01}, raw[28:31], "msn")
}

func TestDecodeToHostWorkMalformed(t *testing.T) {
	// An all-zero slot has no valid request status.
	_, err := DecodeToHostWork([]Raw{{}})
	assert.ErrorIs(t, err, ErrMalformed)

	// Send opcodes are never reported on this ring.
	var raw Raw
	setBits(raw[:], metaReqStatusOff, 8, uint64(StatusNormal))
	setBits(raw[:], metaBthOff+bthOpcodeOff, 5, uint64(RdmaSendOnly))
	_, err = DecodeToHostWork([]Raw{raw})
	assert.ErrorIs(t, err, ErrMalformed)

	// Reserved AETH code.
	setBits(raw[:], metaBthOff+bthOpcodeOff, 5, uint64(RdmaAcknowledge))
	setBits(raw[:], metaAethOff+53, 2, uint64(AethRsvd))
	_, err = DecodeToHostWork([]Raw{raw})
	assert.ErrorIs(t, err, ErrMalformed)

	// Opcode outside the enumeration.
	setBits(raw[:], metaBthOff+bthOpcodeOff, 5, 0x1F)
	_, err = DecodeToHostWork([]Raw{raw})
	assert.ErrorIs(t, err, ErrMalformed)

	// Transport outside the enumeration.
	setBits(raw[:], metaBthOff+bthOpcodeOff, 5, uint64(RdmaWriteOnly))
	setBits(raw[:], metaBthOff+bthTransOff, 3, 7)
	_, err = DecodeToHostWork([]Raw{raw})
	assert.ErrorIs(t, err, ErrMalformed)

	// Read request without its secondary slot.
	slots, err := EncodeToHostWork(&Read{Common: ToHostWorkCommon{Status: StatusNormal}})
	require.NoError(t, err)
	_, err = DecodeToHostWork(slots[:1])
	assert.ErrorIs(t, err, ErrShortDescriptor)
}

func TestSendQueueReportStatus(t *testing.T) {
	assert.Equal(t, StatusNormal, (&SendQueueReport{}).ReqStatus())
	assert.Equal(t, StatusUnknown, (&SendQueueReport{HasDmaRespErr: true}).ReqStatus())
}

func TestWriteWithImmRejectsMsn(t *testing.T) {
	_, err := EncodeToHostWork(&WriteWithImm{
		Common:    ToHostWorkCommon{Dqpn: 3, Status: StatusNormal, Msn: types.NewMsn(5)},
		WriteType: WriteOnly,
		Psn:       3,
		Imm:       0xDEADBEEF,
	})
	assert.ErrorIs(t, err, ErrFieldRange)

	slots, err := EncodeToHostWork(&WriteWithImm{
		Common:    ToHostWorkCommon{Dqpn: 3, Status: StatusNormal},
		WriteType: WriteOnly,
		Psn:       3,
		Imm:       0xDEADBEEF,
	})
	require.NoError(t, err)
	got, err := DecodeToHostWork(slots)
	require.NoError(t, err)
	imm, ok := got.(*WriteWithImm)
	require.True(t, ok)
	assert.Equal(t, types.Msn(0), imm.Common.Msn)
	assert.Equal(t, uint32(0xDEADBEEF), imm.Imm)
}
