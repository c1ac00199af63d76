package driver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmadriver/internal/descriptor"
	"github.com/yuuki/rdmadriver/internal/qp"
	"github.com/yuuki/rdmadriver/internal/recvmap"
	"github.com/yuuki/rdmadriver/internal/types"
)

// ctrlCommand posts cmd on the control ring and waits for the device's
// verdict. Commands are serialized so responses pair with their command.
func (d *Driver) ctrlCommand(ctx context.Context, cmd descriptor.ToCardCtrlDesc) error {
	if !d.running.Load() {
		return ErrNotStarted
	}
	d.ctrlMu.Lock()
	defer d.ctrlMu.Unlock()

	userData := d.userData.Add(1)
	setUserData(cmd, userData)
	if err := d.ctrl.PushCommand(cmd); err != nil {
		return fmt.Errorf("failed to push %s: %w", cmd.CtrlOpcode(), err)
	}
	resp, err := d.ctrl.PopResponse(ctx)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", cmd.CtrlOpcode(), err)
	}
	if resp.UserData() != userData || resp.Opcode != cmd.CtrlOpcode() {
		return fmt.Errorf("%w: sent %s/%d, got %s/%d", ErrCtrlMismatch, cmd.CtrlOpcode(), userData, resp.Opcode, resp.UserData())
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: %s", ErrCtrlRejected, cmd.CtrlOpcode())
	}
	return nil
}

// RegisterMemory makes [addr, addr+length) reachable through the returned key.
func (d *Driver) RegisterMemory(ctx context.Context, addr uint64, length uint32, acc types.MemAccessTypeFlag) (types.Key, error) {
	key := types.NewKey(d.nextKey.Add(1))
	err := d.ctrlCommand(ctx, &descriptor.UpdateMrTable{
		Addr:     addr,
		Len:      length,
		Key:      key,
		AccFlags: acc,
	})
	if err != nil {
		return types.Key{}, err
	}
	log.Debug().Uint64("addr", addr).Uint32("len", length).Uint32("key", key.Uint32()).Msg("Memory region registered")
	return key, nil
}

// DeregisterMemory removes the region behind key.
func (d *Driver) DeregisterMemory(ctx context.Context, key types.Key) error {
	return d.ctrlCommand(ctx, &descriptor.UpdateMrTable{Key: key})
}

// CreateQp registers c with the poller's table and the device.
func (d *Driver) CreateQp(ctx context.Context, c *qp.Context) error {
	if err := d.qps.Insert(c); err != nil {
		return err
	}
	err := d.ctrlCommand(ctx, &descriptor.QpManagement{
		IsValid:    true,
		Qpn:        c.Qpn,
		PdHandler:  c.Pd,
		QpType:     c.QpType,
		RqAccFlags: c.RqAccFlags,
		Pmtu:       c.Pmtu,
	})
	if err != nil {
		_ = d.qps.Remove(c.Qpn)
		return err
	}
	log.Info().
		Str("qpn", c.Qpn.String()).
		Str("dqpn", c.Dqpn.String()).
		Str("dqp_ip", c.DqpIP.String()).
		Msg("Queue pair created")
	return nil
}

// DestroyQp tears qpn down on the device and forgets it.
func (d *Driver) DestroyQp(ctx context.Context, qpn types.Qpn) error {
	c, ok := d.qps.Get(qpn)
	if !ok {
		return fmt.Errorf("%w: %s", qp.ErrQpNotFound, qpn)
	}
	err := d.ctrlCommand(ctx, &descriptor.QpManagement{
		Qpn:    qpn,
		QpType: c.QpType,
		Pmtu:   c.Pmtu,
	})
	if err != nil {
		return err
	}
	return d.qps.Remove(qpn)
}

// Write copies the scatter-gather list to raddr on the peer of qpn and
// blocks until the peer acknowledges it.
func (d *Driver) Write(ctx context.Context, qpn types.Qpn, sgl []descriptor.Sge, raddr uint64, rkey types.Key) error {
	var total uint32
	for _, sge := range sgl {
		total += sge.Len
	}
	return d.post(ctx, qpn, raddr, &descriptor.ToCardWorkReq{
		Opcode:   descriptor.WorkReqRdmaWrite,
		TotalLen: total,
		Raddr:    raddr,
		Rkey:     rkey,
		Sgl:      sgl,
	})
}

// Read fetches landing.Len bytes from raddr on the peer of qpn into landing.
func (d *Driver) Read(ctx context.Context, qpn types.Qpn, landing descriptor.Sge, raddr uint64, rkey types.Key) error {
	return d.post(ctx, qpn, landing.Laddr, &descriptor.ToCardWorkReq{
		Opcode:   descriptor.WorkReqRdmaRead,
		TotalLen: landing.Len,
		Raddr:    raddr,
		Rkey:     rkey,
		Sgl:      []descriptor.Sge{landing},
	})
}

// post stamps req with the queue pair's addressing, reserves its MSN and
// PSNs and waits for the operation context to resolve. placed is the address
// the packets land at, which fixes the packet count.
func (d *Driver) post(ctx context.Context, qpn types.Qpn, placed uint64, req *descriptor.ToCardWorkReq) error {
	if !d.running.Load() {
		return ErrNotStarted
	}
	if req.TotalLen == 0 {
		return ErrEmptyOperation
	}
	c, ok := d.qps.Get(qpn)
	if !ok {
		return fmt.Errorf("%w: %s", qp.ErrQpNotFound, qpn)
	}

	msn := types.NewMsn(d.msn.Add(1) - 1)
	packets := recvmap.ExpectedPackets(false, placed, req.TotalLen, c.Pmtu.Bytes())

	req.IsFirst = true
	req.IsLast = true
	req.SignalCplt = true
	req.Flags = types.SendFlagSignaled
	req.DqpIP = c.DqpIP
	req.Dqpn = c.Dqpn
	req.Pmtu = c.Pmtu
	req.QpType = c.QpType
	req.Psn = c.NextPsn(packets)
	req.Msn = msn
	copy(req.Mac[:], c.DqpMAC)

	op, err := d.ops.Register(msn)
	if err != nil {
		return err
	}
	d.inflight.Set(msn, req)
	defer func() {
		d.inflight.Remove(msn)
		d.ops.Remove(msn)
		d.retries.Forget(msn)
	}()

	// Stopping the driver abandons waiting operations.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.ctx, cancel)
	defer stop()

	if err := d.push(ctx, req); err != nil {
		if d.ctx.Err() != nil {
			return ErrStopped
		}
		return err
	}
	log.Trace().
		Str("qpn", qpn.String()).
		Uint32("msn", msn.Uint32()).
		Uint32("psn", req.Psn.Uint32()).
		Uint32("packets", packets).
		Uint32("len", req.TotalLen).
		Msg("Work request posted")

	result, err := op.Wait(ctx)
	if err != nil {
		if d.ctx.Err() != nil {
			return ErrStopped
		}
		return err
	}
	return result
}

// push waits for room on the to-card ring.
func (d *Driver) push(ctx context.Context, req *descriptor.ToCardWorkReq) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	if err := d.toCard.Push(ctx, req); err != nil {
		return fmt.Errorf("failed to post work request: %w", err)
	}
	return nil
}

// Resubmit posts the in-flight request of msn again. The transport resends
// whole messages, so fromPsn only marks where the peer lost track.
func (d *Driver) Resubmit(ctx context.Context, qpn types.Qpn, msn types.Msn, fromPsn types.Psn) error {
	req, ok := d.inflight.Get(msn)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOperation, msn)
	}
	log.Debug().
		Str("qpn", qpn.String()).
		Uint32("msn", msn.Uint32()).
		Uint32("from_psn", fromPsn.Uint32()).
		Uint32("psn", req.Psn.Uint32()).
		Msg("Resubmitting work request")
	return d.push(ctx, req)
}
