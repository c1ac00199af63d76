package netagent

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rdmadriver/internal/descriptor"
	"github.com/yuuki/rdmadriver/internal/types"
)

// Test message encoding round trips for each header combination
func TestMessageRoundTrip(t *testing.T) {
	imm := uint32(0xdeadbeef)
	tests := []struct {
		name string
		msg  *RdmaMessage
	}{
		{
			name: "write first",
			msg: &RdmaMessage{
				Opcode:  descriptor.RdmaWriteFirst,
				Dqpn:    0x123456,
				Psn:     0xfffffe,
				Msn:     0x00abcd,
				AckReq:  true,
				Pkey:    0xffff,
				Reth:    &Reth{Va: 0x1000, Rkey: types.NewKey(0xabcd), Dlen: 4096},
				Payload: []byte{1, 2, 3, 4},
			},
		},
		{
			name: "write only with immediate",
			msg: &RdmaMessage{
				Opcode:    descriptor.RdmaWriteOnlyWithImmediate,
				Solicited: true,
				PadCnt:    3,
				Dqpn:      5,
				Psn:       7,
				Reth:      &Reth{Va: 0x2000, Rkey: types.NewKey(1), Dlen: 1},
				Imm:       &imm,
				Payload:   []byte{9},
			},
		},
		{
			name: "read request",
			msg: &RdmaMessage{
				Opcode:        descriptor.RdmaReadRequest,
				Dqpn:          5,
				Psn:           100,
				Msn:           9,
				Reth:          &Reth{Va: 0x3000, Rkey: types.NewKey(2), Dlen: 2048},
				SecondaryReth: &Reth{Va: 0x4000, Rkey: types.NewKey(3)},
			},
		},
		{
			name: "read response last",
			msg: &RdmaMessage{
				Opcode:  descriptor.RdmaReadResponseLast,
				Dqpn:    5,
				Psn:     101,
				Msn:     8,
				Reth:    &Reth{Va: 0x4400, Rkey: types.NewKey(3), Dlen: 1024},
				Aeth:    &Aeth{Code: descriptor.AethAck, Msn: 8},
				Payload: make([]byte, 1024),
			},
		},
		{
			name: "nak",
			msg: &RdmaMessage{
				Opcode: descriptor.RdmaAcknowledge,
				Dqpn:   5,
				Psn:    42,
				Aeth:   &Aeth{Code: descriptor.AethNak, Value: 0x1f, Msn: types.MsnMask},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.msg.Marshal()
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Len(), len(b))

			got, err := UnmarshalMessage(b)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

// Test that the BTH is laid out in network byte order
func TestBthWireLayout(t *testing.T) {
	m := &RdmaMessage{
		Trans:  descriptor.TransUc,
		Opcode: descriptor.RdmaAcknowledge,
		Dqpn:   0x010203,
		Psn:    0x040506,
		AckReq: true,
		Aeth:   &Aeth{Code: descriptor.AethRnr, Value: 2, Msn: 0x0a0b0c},
	}
	b, err := m.Marshal()
	require.NoError(t, err)
	require.Len(t, b, bthLen+aethLen)

	assert.Equal(t, byte(0x01<<5|0x11), b[0])
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03}, b[4:8])
	assert.Equal(t, []byte{0x80, 0x04, 0x05, 0x06}, b[8:12])
	assert.Equal(t, []byte{0x01<<5 | 2, 0x0a, 0x0b, 0x0c}, b[12:16])

	w := &RdmaMessage{
		Opcode: descriptor.RdmaWriteMiddle,
		Msn:    0x0d0e0f,
		Reth:   &Reth{Va: 0x1122334455667788, Rkey: types.NewKey(0x99aabbcc), Dlen: 0x10},
	}
	b, err = w.Marshal()
	require.NoError(t, err)
	require.Len(t, b, bthLen+msnExtLen+rethLen)
	assert.Equal(t, []byte{0x00, 0x0d, 0x0e, 0x0f}, b[12:16])
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}, b[16:24])
	assert.Equal(t, []byte{0x99, 0xaa, 0xbb, 0xcc}, b[24:28])
}

// Test that malformed messages are rejected with a packet error
func TestMessageErrors(t *testing.T) {
	_, err := (&RdmaMessage{Opcode: descriptor.RdmaWriteOnly}).Marshal()
	assert.ErrorIs(t, err, ErrPacket)

	_, err = (&RdmaMessage{Opcode: descriptor.RdmaAcknowledge}).Marshal()
	assert.ErrorIs(t, err, ErrPacket)

	_, err = (&RdmaMessage{Opcode: 0x1f}).Marshal()
	assert.ErrorIs(t, err, ErrPacket)

	_, err = UnmarshalMessage([]byte{0x0a, 0, 0})
	assert.ErrorIs(t, err, ErrPacket)

	full, err := (&RdmaMessage{
		Opcode: descriptor.RdmaWriteOnly,
		Reth:   &Reth{Va: 1, Dlen: 1},
	}).Marshal()
	require.NoError(t, err)
	_, err = UnmarshalMessage(full[:bthLen+4])
	assert.ErrorIs(t, err, ErrPacket)

	var ne *Error
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, ErrPacket, ne.Kind)
}

// Test error wrapping of partial sends
func TestWrongBytesError(t *testing.T) {
	err := newError(ErrIo, &WrongBytesError{Expected: 10, Sent: 4})
	assert.ErrorIs(t, err, ErrIo)

	var wb *WrongBytesError
	require.True(t, errors.As(err, &wb))
	assert.Equal(t, 10, wb.Expected)
	assert.Equal(t, 4, wb.Sent)
	assert.Contains(t, err.Error(), "expected 10, sent 4")
}

type chanLogic chan *RdmaMessage

func (c chanLogic) Recv(msg *RdmaMessage) { c <- msg }

// Test sending a message to ourselves over loopback
func TestUDPAgentLoopback(t *testing.T) {
	logic := make(chanLogic, 4)
	a, err := NewUDPAgent(UDPConfig{ListenAddr: "127.0.0.1", SendRate: 1000}, logic)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	defer func() {
		cancel()
		a.Wait()
	}()

	msg := &RdmaMessage{
		Opcode:  descriptor.RdmaWriteOnly,
		Dqpn:    9,
		Psn:     1,
		Reth:    &Reth{Va: 0x10, Rkey: types.NewKey(4), Dlen: 3},
		Payload: []byte("abc"),
	}
	require.NoError(t, a.SendMessage(netip.MustParseAddr("127.0.0.1"), a.LocalPort(), msg))

	select {
	case got := <-logic:
		assert.Equal(t, msg, got)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not received")
	}

	// Garbage is dropped without stopping the loop.
	require.NoError(t, a.SendRaw(netip.MustParseAddr("127.0.0.1"), a.LocalPort(), []byte{0xff}))
	require.NoError(t, a.SendMessage(netip.MustParseAddr("127.0.0.1"), a.LocalPort(), msg))
	select {
	case got := <-logic:
		assert.Equal(t, msg.Psn, got.Psn)
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after a bad packet")
	}
}

// Test that a closed agent refuses to send
func TestUDPAgentClose(t *testing.T) {
	a, err := NewUDPAgent(UDPConfig{ListenAddr: "127.0.0.1"}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	err = a.SendRaw(netip.MustParseAddr("127.0.0.1"), 9, []byte{1})
	assert.ErrorIs(t, err, ErrIo)
}

// Test that an invalid listen address is reported
func TestUDPAgentInvalidAddr(t *testing.T) {
	_, err := NewUDPAgent(UDPConfig{ListenAddr: "not-an-ip"}, nil)
	assert.ErrorIs(t, err, ErrIo)
}
