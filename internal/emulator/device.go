// Package emulator is a software RDMA device. It serves the driver's rings
// the way the hardware would and moves packets through a netagent transport.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmadriver/internal/descriptor"
	"github.com/yuuki/rdmadriver/internal/netagent"
	"github.com/yuuki/rdmadriver/internal/responder"
	"github.com/yuuki/rdmadriver/internal/ringbuf"
	"github.com/yuuki/rdmadriver/internal/types"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyStarted = errors.New("device already started")
	ErrMissingRing    = errors.New("device requires work and control rings")
)

// Peer is the remote end of a local queue pair.
type Peer struct {
	Qpn  types.Qpn
	IP   netip.Addr
	Pmtu types.Pmtu
}

// PeerResolver maps a local queue pair to its remote end.
type PeerResolver interface {
	Peer(local types.Qpn) (Peer, bool)
}

// Config wires a Device.
type Config struct {
	ToCard *ringbuf.ToCardWorkRing
	ToHost *ringbuf.ToHostWorkRing
	Ctrl   ringbuf.CtrlRings

	Memory Memory
	Agent  netagent.NetSendAgent
	// PeerPort is the UDP port remote devices listen on.
	PeerPort uint16
	// Acks receives the acknowledgements the device asks the responder to emit.
	Acks responder.Sink
}

type memRegion struct {
	addr uint64
	len  uint32
	pd   uint32
	acc  types.MemAccessTypeFlag
}

func (r memRegion) contains(addr uint64, n uint32) bool {
	return addr >= r.addr && addr+uint64(n) <= r.addr+uint64(r.len)
}

type qpState struct {
	mu     sync.Mutex
	pmtu   types.Pmtu
	qpType types.QpType
	pd     uint32
	acc    types.MemAccessTypeFlag
}

func (q *qpState) trans() descriptor.TransType {
	q.mu.Lock()
	defer q.mu.Unlock()
	return transOf(q.qpType)
}

// Device is the software device.
type Device struct {
	cfg Config
	mem Memory

	mrs cmap.ConcurrentMap[types.Key, memRegion]
	qps cmap.ConcurrentMap[types.Qpn, *qpState]

	// hostMu serializes producers of the to-host ring.
	hostMu sync.Mutex

	mu     sync.Mutex
	agent  netagent.NetSendAgent
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewDevice builds a stopped device over the rings in cfg. A nil Memory
// gets a fresh HeapMemory.
func NewDevice(cfg Config) (*Device, error) {
	if cfg.ToCard == nil || cfg.ToHost == nil || cfg.Ctrl.ToCard == nil || cfg.Ctrl.ToHost == nil {
		return nil, ErrMissingRing
	}
	if cfg.Memory == nil {
		cfg.Memory = NewHeapMemory()
	}
	if cfg.PeerPort == 0 {
		cfg.PeerPort = netagent.RoCEv2Port
	}
	return &Device{
		cfg: cfg,
		mem: cfg.Memory,
		mrs: cmap.NewWithCustomShardingFunction[types.Key, memRegion](func(k types.Key) uint32 {
			return k.Uint32()
		}),
		qps: cmap.NewWithCustomShardingFunction[types.Qpn, *qpState](func(q types.Qpn) uint32 {
			return uint32(q)
		}),
		agent: cfg.Agent,
		ctx:   context.Background(),
	}, nil
}

// SetAgent replaces the transport used for outgoing packets. The agent
// usually needs the device as its receive logic, so it is attached after
// construction.
func (d *Device) SetAgent(a netagent.NetSendAgent) {
	d.mu.Lock()
	d.agent = a
	d.mu.Unlock()
}

func (d *Device) sendAgent() netagent.NetSendAgent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.agent
}

// Start launches the control and send loops.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.group != nil {
		return ErrAlreadyStarted
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.ctx = ctx
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.ctrlLoop(gctx) })
	g.Go(func() error { return d.sendLoop(gctx) })
	d.group = g
	log.Info().Msg("Software device started")
	return nil
}

// Stop cancels the loops and returns the first failure, if any.
func (d *Device) Stop() error {
	d.mu.Lock()
	cancel, g := d.cancel, d.group
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	log.Info().Msg("Software device stopped")
	return err
}

func (d *Device) runCtx() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctx
}

func (d *Device) ctrlLoop(ctx context.Context) error {
	for {
		cmd, err := d.cfg.Ctrl.PopCommand(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, descriptor.ErrMalformed) {
				log.Error().Err(err).Msg("Skipping malformed control command")
				continue
			}
			return fmt.Errorf("control ring: %w", err)
		}

		common, ok := d.applyCtrl(cmd)
		resp := descriptor.ToHostCtrlDesc{
			Opcode: cmd.CtrlOpcode(),
			Common: descriptor.CtrlCommon{
				IsSuccessOrNeedSignalCplt: ok,
				UserData:                  common.UserData,
			},
		}
		if err := d.cfg.Ctrl.PushResponse(resp); err != nil {
			log.Error().Err(err).Str("opcode", cmd.CtrlOpcode().String()).Msg("Failed to push control response")
		}
	}
}

func (d *Device) applyCtrl(cmd descriptor.ToCardCtrlDesc) (descriptor.CtrlCommon, bool) {
	switch c := cmd.(type) {
	case *descriptor.UpdateMrTable:
		if c.Len == 0 {
			d.mrs.Remove(c.Key)
			log.Debug().Str("key", c.Key.String()).Msg("Memory region removed")
			return c.Common, true
		}
		d.mrs.Set(c.Key, memRegion{addr: c.Addr, len: c.Len, pd: c.PdHandler, acc: c.AccFlags})
		log.Debug().
			Str("key", c.Key.String()).
			Uint64("addr", c.Addr).
			Uint32("len", c.Len).
			Uint8("acc", uint8(c.AccFlags)).
			Msg("Memory region installed")
		return c.Common, true
	case *descriptor.UpdatePageTable:
		// Host memory is addressed directly, so there is nothing to translate.
		log.Debug().Uint64("dma_addr", c.DmaAddr).Uint32("start_index", c.StartIndex).Msg("Page table update acknowledged")
		return c.Common, true
	case *descriptor.QpManagement:
		if !c.IsValid {
			d.qps.Remove(c.Qpn)
			log.Debug().Str("qpn", c.Qpn.String()).Msg("Queue pair destroyed")
			return c.Common, true
		}
		if !c.Pmtu.Valid() || !c.QpType.Valid() {
			log.Warn().Str("qpn", c.Qpn.String()).Msg("Rejecting queue pair with invalid pmtu or type")
			return c.Common, false
		}
		d.qps.Upsert(c.Qpn, nil, func(exist bool, old, _ *qpState) *qpState {
			if exist {
				old.mu.Lock()
				old.pmtu, old.qpType, old.pd, old.acc = c.Pmtu, c.QpType, c.PdHandler, c.RqAccFlags
				old.mu.Unlock()
				return old
			}
			return &qpState{pmtu: c.Pmtu, qpType: c.QpType, pd: c.PdHandler, acc: c.RqAccFlags}
		})
		log.Debug().Str("qpn", c.Qpn.String()).Str("pmtu", c.Pmtu.String()).Msg("Queue pair installed")
		return c.Common, true
	}
	return descriptor.CtrlCommon{}, false
}

// checkMr validates an access of n bytes at addr through key.
func (d *Device) checkMr(key types.Key, addr uint64, n uint32, need types.MemAccessTypeFlag) descriptor.RdmaReqStatus {
	mr, ok := d.mrs.Get(key)
	switch {
	case !ok:
		return descriptor.StatusInvMrKey
	case !mr.contains(addr, n):
		return descriptor.StatusInvMrRegion
	case need != 0 && !mr.acc.Has(need):
		return descriptor.StatusInvAccFlag
	}
	return descriptor.StatusNormal
}

// pushToHost waits for room on the to-host ring. Reports are only lost when
// the device stops or the ring closes.
func (d *Device) pushToHost(desc descriptor.ToHostWorkDesc) {
	d.hostMu.Lock()
	defer d.hostMu.Unlock()
	if err := d.cfg.ToHost.Push(d.runCtx(), desc); err != nil {
		log.Error().Err(err).Msg("Failed to push work report")
	}
}

// span is one packet's share of a message.
type span struct {
	off uint32
	len uint32
}

// split segments a message of total bytes placed at addr. The first packet
// runs up to the next pmtu boundary of addr.
func split(addr uint64, total, pmtu uint32) []span {
	if pmtu == 0 || total == 0 {
		return []span{{0, total}}
	}
	first := pmtu - uint32(addr&uint64(pmtu-1))
	if total <= first {
		return []span{{0, total}}
	}
	spans := []span{{0, first}}
	for off := first; off < total; off += pmtu {
		spans = append(spans, span{off, min(pmtu, total-off)})
	}
	return spans
}

// position returns the write type of packet i out of n.
func position(i, n int) descriptor.WriteType {
	switch {
	case n == 1:
		return descriptor.WriteOnly
	case i == 0:
		return descriptor.WriteFirst
	case i == n-1:
		return descriptor.WriteLast
	}
	return descriptor.WriteMiddle
}

func padCnt(n uint32) uint8 {
	return uint8((4 - n%4) % 4)
}

func transOf(t types.QpType) descriptor.TransType {
	switch t {
	case types.QpTypeUc:
		return descriptor.TransUc
	case types.QpTypeUd:
		return descriptor.TransUd
	case types.QpTypeXrcSend, types.QpTypeXrcRecv:
		return descriptor.TransXrc
	}
	return descriptor.TransRc
}
