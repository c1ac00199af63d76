package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rdmadriver/internal/descriptor"
	"github.com/yuuki/rdmadriver/internal/opctx"
	"github.com/yuuki/rdmadriver/internal/types"
)

type MockResubmitter struct {
	mock.Mock
	calls chan types.Msn
}

func newMockResubmitter() *MockResubmitter {
	return &MockResubmitter{calls: make(chan types.Msn, 16)}
}

func (m *MockResubmitter) Resubmit(ctx context.Context, qpn types.Qpn, msn types.Msn, fromPsn types.Psn) error {
	args := m.Called(qpn, msn, fromPsn)
	m.calls <- msn
	return args.Error(0)
}

func nack(msn types.Msn) *descriptor.Nack {
	return &descriptor.Nack{
		Common:       descriptor.ToHostWorkCommon{Dqpn: 3, Status: descriptor.StatusNormal, Msn: msn},
		Code:         descriptor.AethNak,
		Psn:          12,
		LastRetryPsn: 10,
	}
}

func waitResult(t *testing.T, c *opctx.Ctx[error]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Wait(ctx)
	require.NoError(t, err, "operation was not completed")
	return res
}

func waitCall(t *testing.T, r *MockResubmitter) types.Msn {
	t.Helper()
	select {
	case msn := <-r.calls:
		return msn
	case <-time.After(2 * time.Second):
		t.Fatal("resubmit was not called")
	}
	return 0
}

func TestDisabledRetryFailsOperation(t *testing.T) {
	ops := opctx.NewTable[error]()
	c, err := ops.Register(7)
	require.NoError(t, err)

	m := NewManager(Config{Enabled: false}, ops, newMockResubmitter(), nil)
	defer m.Close()

	m.HandleNack(nack(7))
	assert.ErrorIs(t, waitResult(t, c), ErrNacked)
	assert.Equal(t, 0, m.Pending())
}

func TestNilResubmitterFailsOperation(t *testing.T) {
	ops := opctx.NewTable[error]()
	c, err := ops.Register(7)
	require.NoError(t, err)

	m := NewManager(Config{Enabled: true, MaxRetries: 3}, ops, nil, nil)
	defer m.Close()

	m.HandleNack(nack(7))
	assert.ErrorIs(t, waitResult(t, c), ErrNacked)
}

func TestRetryUntilExhausted(t *testing.T) {
	ops := opctx.NewTable[error]()
	c, err := ops.Register(7)
	require.NoError(t, err)

	r := newMockResubmitter()
	r.On("Resubmit", types.Qpn(3), types.Msn(7), types.Psn(10)).Return(nil)

	cfg := Config{
		Enabled:         true,
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		RatePerSecond:   1000,
	}
	m := NewManager(cfg, ops, r, nil)
	defer m.Close()

	m.HandleNack(nack(7))
	assert.Equal(t, types.Msn(7), waitCall(t, r))
	_, done := c.Result()
	assert.False(t, done)

	m.HandleNack(nack(7))
	assert.Equal(t, types.Msn(7), waitCall(t, r))
	assert.Equal(t, 1, m.Pending())

	m.HandleNack(nack(7))
	assert.ErrorIs(t, waitResult(t, c), ErrRetryExhausted)
	assert.Equal(t, 0, m.Pending())
	r.AssertNumberOfCalls(t, "Resubmit", 2)
}

func TestResubmitFailureFailsOperation(t *testing.T) {
	ops := opctx.NewTable[error]()
	c, err := ops.Register(9)
	require.NoError(t, err)

	sendErr := errors.New("link down")
	r := newMockResubmitter()
	r.On("Resubmit", mock.Anything, types.Msn(9), mock.Anything).Return(sendErr)

	m := NewManager(Config{Enabled: true, MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, ops, r, nil)
	defer m.Close()

	m.HandleNack(nack(9))
	res := waitResult(t, c)
	assert.ErrorIs(t, res, sendErr)
	assert.Equal(t, 0, m.Pending())
}

func TestForgetResetsAttempts(t *testing.T) {
	ops := opctx.NewTable[error]()
	_, err := ops.Register(4)
	require.NoError(t, err)

	r := newMockResubmitter()
	r.On("Resubmit", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	m := NewManager(Config{Enabled: true, MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, ops, r, nil)
	defer m.Close()

	m.HandleNack(nack(4))
	waitCall(t, r)
	m.Forget(4)
	assert.Equal(t, 0, m.Pending())

	// A fresh budget allows another retransmission.
	m.HandleNack(nack(4))
	waitCall(t, r)
}

func TestCloseCancelsPendingRetries(t *testing.T) {
	ops := opctx.NewTable[error]()
	_, err := ops.Register(1)
	require.NoError(t, err)

	r := newMockResubmitter()
	m := NewManager(Config{Enabled: true, MaxRetries: 1, InitialInterval: time.Hour, MaxInterval: time.Hour}, ops, r, nil)
	m.HandleNack(nack(1))
	m.Close()
	r.AssertNotCalled(t, "Resubmit", mock.Anything, mock.Anything, mock.Anything)
}

func TestNacksOfOneMessageShareARetransmission(t *testing.T) {
	ops := opctx.NewTable[error]()
	c, err := ops.Register(5)
	require.NoError(t, err)

	r := newMockResubmitter()
	r.On("Resubmit", types.Qpn(3), types.Msn(5), types.Psn(10)).Return(nil)
	m := NewManager(Config{Enabled: true, MaxRetries: 3, InitialInterval: 20 * time.Millisecond, MaxInterval: 20 * time.Millisecond}, ops, r, nil)
	defer m.Close()

	// Every packet of a four-packet write is NAKed.
	for i := 0; i < 4; i++ {
		m.HandleNack(nack(5))
	}
	assert.Equal(t, types.Msn(5), waitCall(t, r))

	select {
	case <-r.calls:
		t.Fatal("one message was resent more than once")
	case <-time.After(60 * time.Millisecond):
	}
	r.AssertNumberOfCalls(t, "Resubmit", 1)
	_, done := c.Result()
	assert.False(t, done)

	// The resend is NAKed again and gets its own retransmission.
	m.HandleNack(nack(5))
	assert.Equal(t, types.Msn(5), waitCall(t, r))
}
