package driver

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/rdmadriver/internal/config"
	"github.com/yuuki/rdmadriver/internal/descriptor"
	"github.com/yuuki/rdmadriver/internal/qp"
	"github.com/yuuki/rdmadriver/internal/retry"
	"github.com/yuuki/rdmadriver/internal/types"
)

const (
	qpA = types.Qpn(0x11)
	qpB = types.Qpn(0x22)
)

var (
	ipA = netip.MustParseAddr("127.0.0.1")
	ipB = netip.MustParseAddr("127.0.0.2")
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return uint16(port)
}

func testConfig(listen netip.Addr, port uint16) *config.DriverConfig {
	return &config.DriverConfig{
		InstanceID:             "test-" + listen.String(),
		LogLevel:               "error",
		RingDepth:              256,
		PollIntervalUS:         20,
		ResponderQueueSize:     64,
		ListenAddr:             listen.String(),
		ListenPort:             port,
		PeerPort:               port,
		RetryEnabled:           true,
		RetryMaxRetries:        2,
		RetryInitialIntervalMS: 1,
		RetryMaxIntervalMS:     5,
	}
}

func startDriver(t *testing.T, cfg *config.DriverConfig) *Driver {
	t.Helper()
	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d
}

func connect(t *testing.T, d *Driver, local, remote types.Qpn, remoteIP netip.Addr) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.CreateQp(ctx, &qp.Context{
		Qpn:        local,
		QpType:     types.QpTypeRc,
		RqAccFlags: types.AccessRemoteWrite | types.AccessRemoteRead,
		Pmtu:       types.Pmtu1024,
		DqpIP:      remoteIP,
		Dqpn:       remote,
	}))
}

func register(t *testing.T, d *Driver, addr uint64, size uint32) types.Key {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key, err := d.RegisterMemory(ctx, addr, size, types.AccessLocalWrite|types.AccessRemoteWrite|types.AccessRemoteRead)
	require.NoError(t, err)
	return key
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

// pair starts two drivers that reach each other over loopback.
func pair(t *testing.T) (*Driver, *Driver) {
	port := freePort(t)
	a := startDriver(t, testConfig(ipA, port))
	b := startDriver(t, testConfig(ipB, port))
	connect(t, a, qpA, qpB, ipB)
	connect(t, b, qpB, qpA, ipA)
	return a, b
}

// Test a write and a read between two drivers
func TestWriteAndReadOverLoopback(t *testing.T) {
	a, b := pair(t)
	keyA := register(t, a, 0x10000, 0x10000)
	keyB := register(t, b, 0x80000, 0x10000)

	data := pattern(3000)
	require.NoError(t, a.Memory().WriteAt(0x10000, data))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sgl := []descriptor.Sge{
		{Laddr: 0x10000, Len: 1000, Lkey: keyA},
		{Laddr: 0x10000 + 1000, Len: 2000, Lkey: keyA},
	}
	require.NoError(t, a.Write(ctx, qpA, sgl, 0x80000, keyB))

	got, err := b.Memory().ReadAt(0x80000, uint32(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Read it back into a different place on the requester.
	landing := descriptor.Sge{Laddr: 0x14200, Len: uint32(len(data)), Lkey: keyA}
	require.NoError(t, a.Read(ctx, qpA, landing, 0x80000, keyB))

	back, err := a.Memory().ReadAt(0x14200, uint32(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, back)

	// Operations leave no bookkeeping behind.
	assert.Equal(t, 0, a.ops.Len())
	assert.Equal(t, 0, a.inflight.Count())
	assert.Equal(t, 0, a.retries.Pending())
	assert.Eventually(t, func() bool {
		return a.recvMaps.Len() == 0 && b.recvMaps.Len() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

// Test that a write rejected by the peer is retried and then failed
func TestRejectedWriteExhaustsRetries(t *testing.T) {
	a, _ := pair(t)
	keyA := register(t, a, 0x10000, 0x1000)
	require.NoError(t, a.Memory().WriteAt(0x10000, pattern(64)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := a.Write(ctx, qpA, []descriptor.Sge{{Laddr: 0x10000, Len: 64, Lkey: keyA}}, 0x80000, types.NewKey(0xdead))
	assert.ErrorIs(t, err, retry.ErrRetryExhausted)
}

// Test that a rejected write fails immediately when retries are disabled
func TestRejectedWriteWithoutRetry(t *testing.T) {
	port := freePort(t)
	cfgA := testConfig(ipA, port)
	cfgA.RetryEnabled = false
	a := startDriver(t, cfgA)
	b := startDriver(t, testConfig(ipB, port))
	connect(t, a, qpA, qpB, ipB)
	connect(t, b, qpB, qpA, ipA)
	keyA := register(t, a, 0x10000, 0x1000)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := a.Write(ctx, qpA, []descriptor.Sge{{Laddr: 0x10000, Len: 16, Lkey: keyA}}, 0x80000, types.NewKey(0xdead))
	assert.ErrorIs(t, err, retry.ErrNacked)
}

// Test that operations are refused before Start
func TestOperationsRequireStart(t *testing.T) {
	d, err := New(testConfig(ipA, freePort(t)))
	require.NoError(t, err)
	defer d.Stop()

	ctx := context.Background()
	_, err = d.RegisterMemory(ctx, 0, 4096, types.AccessLocalWrite)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, d.Write(ctx, qpA, nil, 0, types.Key{}), ErrNotStarted)
}

// Test the queue pair control commands
func TestQueuePairLifecycle(t *testing.T) {
	d := startDriver(t, testConfig(ipA, freePort(t)))
	connect(t, d, qpA, qpB, ipB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := d.CreateQp(ctx, &qp.Context{Qpn: qpA, QpType: types.QpTypeRc, Pmtu: types.Pmtu1024})
	assert.ErrorIs(t, err, qp.ErrQpExists)

	peer, ok := d.Peer(qpA)
	require.True(t, ok)
	assert.Equal(t, qpB, peer.Qpn)
	assert.Equal(t, ipB, peer.IP)
	assert.Equal(t, types.Pmtu1024, peer.Pmtu)

	require.NoError(t, d.DestroyQp(ctx, qpA))
	_, ok = d.Peer(qpA)
	assert.False(t, ok)
	assert.ErrorIs(t, d.DestroyQp(ctx, qpA), qp.ErrQpNotFound)

	assert.ErrorIs(t, d.Write(ctx, qpA, []descriptor.Sge{{Len: 1}}, 0, types.Key{}), qp.ErrQpNotFound)
}

// Test argument checks on posted operations
func TestEmptyOperationIsRejected(t *testing.T) {
	d := startDriver(t, testConfig(ipA, freePort(t)))
	connect(t, d, qpA, qpB, ipB)
	assert.ErrorIs(t, d.Write(context.Background(), qpA, nil, 0, types.Key{}), ErrEmptyOperation)
}

// Test that stopping the driver releases a blocked operation
func TestStopReleasesWaiters(t *testing.T) {
	d, err := New(testConfig(ipA, freePort(t)))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	// Nobody answers on this address.
	connect(t, d, qpA, qpB, netip.MustParseAddr("127.0.0.3"))
	key := register(t, d, 0x10000, 0x1000)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Write(context.Background(), qpA, []descriptor.Sge{{Laddr: 0x10000, Len: 32, Lkey: key}}, 0x80000, types.NewKey(1))
	}()

	require.Eventually(t, func() bool { return d.ops.Len() == 1 }, 2*time.Second, time.Millisecond)
	d.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("write did not return after Stop")
	}
	<-d.Done()
	assert.NoError(t, d.Err())
}

// Test that a driver cannot be started twice
func TestStartTwice(t *testing.T) {
	d := startDriver(t, testConfig(ipA, freePort(t)))
	assert.ErrorIs(t, d.Start(), ErrAlreadyStarted)
	assert.NotZero(t, d.LocalPort())
}
