package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPsnArithmeticWraps(t *testing.T) {
	p := NewPsn(PsnMask)
	assert.Equal(t, Psn(0), p.Add(1))
	assert.Equal(t, Psn(4), p.Add(5))
	assert.Equal(t, uint32(1), Psn(0).Distance(p))
	assert.Equal(t, uint32(PsnMask), p.Distance(0))
	assert.Equal(t, Psn(0x123456), NewPsn(0xFF123456))
}

func TestQpnValid(t *testing.T) {
	assert.True(t, Qpn(3).Valid())
	assert.True(t, Qpn(QpnMask).Valid())
	assert.False(t, Qpn(1<<24).Valid())
	assert.Equal(t, "0x000003", Qpn(3).String())
}

func TestKeyByteOrder(t *testing.T) {
	k := NewKey(0x11223344)
	assert.Equal(t, Key{0x44, 0x33, 0x22, 0x11}, k)
	assert.Equal(t, uint32(0x11223344), k.Uint32())
}

func TestPmtu(t *testing.T) {
	tests := []struct {
		pmtu  Pmtu
		bytes uint32
	}{
		{Pmtu256, 256},
		{Pmtu512, 512},
		{Pmtu1024, 1024},
		{Pmtu2048, 2048},
		{Pmtu4096, 4096},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.bytes, tt.pmtu.Bytes())
		back, err := PmtuFromBytes(tt.bytes)
		require.NoError(t, err)
		assert.Equal(t, tt.pmtu, back)
	}

	assert.False(t, Pmtu(0).Valid())
	assert.False(t, Pmtu(6).Valid())
	_, err := PmtuFromBytes(1500)
	assert.Error(t, err)
}

func TestQpTypeValid(t *testing.T) {
	assert.True(t, QpTypeRc.Valid())
	assert.True(t, QpTypeXrcRecv.Valid())
	assert.False(t, QpType(5).Valid())
	assert.Equal(t, "RC", QpTypeRc.String())
}

func TestFlags(t *testing.T) {
	f := AccessLocalWrite | AccessRemoteRead
	assert.True(t, f.Has(AccessRemoteRead))
	assert.False(t, f.Has(AccessRemoteWrite))
	assert.True(t, (SendFlagSignaled | SendFlagIpCsum).Valid())
	assert.False(t, WorkReqSendFlag(0x20).Valid())
}
