// Package poller runs the completion poller: a single goroutine that drains
// the to-host work ring and applies each report to the driver's tables.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmadriver/internal/descriptor"
	"github.com/yuuki/rdmadriver/internal/opctx"
	"github.com/yuuki/rdmadriver/internal/qp"
	"github.com/yuuki/rdmadriver/internal/recvmap"
	"github.com/yuuki/rdmadriver/internal/responder"
	"github.com/yuuki/rdmadriver/internal/types"
)

var (
	ErrAlreadyStarted  = errors.New("poller already started")
	ErrRingFailed      = errors.New("to-host work ring failed")
	ErrResponderClosed = errors.New("responder queue closed")
	ErrMissingTable    = errors.New("poller requires ring, qp, receive map and operation tables")
)

// Source yields decoded to-host work descriptors.
type Source interface {
	Pop(ctx context.Context) (descriptor.ToHostWorkDesc, error)
}

// NackHandler takes over negatively acknowledged operations.
type NackHandler interface {
	HandleNack(nack *descriptor.Nack)
	Forget(msn types.Msn)
}

// Recorder receives poller metrics.
type Recorder interface {
	RecordDescriptor(ctx context.Context, kind string)
	RecordDropped(ctx context.Context, reason string)
	RecordTrackerComplete(ctx context.Context, isReadResp bool)
	RecordResolved(ctx context.Context, outcome string)
}

// Config wires the poller to its collaborators. Nacks and Metrics are optional.
type Config struct {
	Ring      Source
	Qps       *qp.Table
	RecvMaps  *recvmap.Table
	Ops       *opctx.Table[error]
	Responder responder.Sink
	Nacks     NackHandler
	Metrics   Recorder
}

// WorkDescPoller consumes the to-host work ring.
type WorkDescPoller struct {
	cfg Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New checks the required collaborators in cfg and returns a stopped poller.
func New(cfg Config) (*WorkDescPoller, error) {
	if cfg.Ring == nil || cfg.Qps == nil || cfg.RecvMaps == nil || cfg.Ops == nil || cfg.Responder == nil {
		return nil, ErrMissingTable
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	return &WorkDescPoller{cfg: cfg}, nil
}

// Start launches the poller goroutine. The poller runs until ctx is done,
// Stop is called, the ring fails or the responder queue closes.
func (p *WorkDescPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.done != nil {
		return ErrAlreadyStarted
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.running = true

	log.Info().Msg("Starting work descriptor poller")
	go func() {
		err := p.run(ctx)
		p.mu.Lock()
		p.running = false
		p.err = err
		p.mu.Unlock()
		if err != nil {
			log.Error().Err(err).Msg("Work descriptor poller stopped")
		} else {
			log.Info().Msg("Work descriptor poller stopped")
		}
		close(p.done)
	}()
	return nil
}

// Done is closed when the poller goroutine exits.
func (p *WorkDescPoller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Err returns the reason the poller stopped, nil after an orderly stop.
func (p *WorkDescPoller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Running reports whether the poller goroutine is alive.
func (p *WorkDescPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stop cancels the poller and waits for it to exit.
func (p *WorkDescPoller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *WorkDescPoller) run(ctx context.Context) error {
	for {
		desc, err := p.cfg.Ring.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, descriptor.ErrMalformed) {
				log.Error().Err(err).Msg("Skipping malformed work descriptor")
				p.cfg.Metrics.RecordDropped(ctx, "malformed")
				continue
			}
			return fmt.Errorf("%w: %w", ErrRingFailed, err)
		}
		if err := p.handle(ctx, desc); err != nil {
			return err
		}
	}
}

func (p *WorkDescPoller) handle(ctx context.Context, desc descriptor.ToHostWorkDesc) error {
	p.cfg.Metrics.RecordDescriptor(ctx, kindOf(desc))

	if status := desc.ReqStatus(); status != descriptor.StatusNormal {
		log.Warn().Str("status", status.String()).Str("kind", kindOf(desc)).Msg("Dropping work descriptor with abnormal status")
		p.cfg.Metrics.RecordDropped(ctx, "status")
		return nil
	}

	switch d := desc.(type) {
	case *descriptor.SendQueueReport:
		log.Trace().Msg("Send queue report")
	case *descriptor.Read:
		return p.handleRead(ctx, d)
	case *descriptor.WriteOrReadResp:
		p.handleWrite(ctx, d)
	case *descriptor.WriteWithImm:
		log.Warn().
			Uint32("qpn", d.Common.Dqpn.Uint32()).
			Uint32("psn", d.Psn.Uint32()).
			Msg("Write with immediate is not implemented, dropping")
		p.cfg.Metrics.RecordDropped(ctx, "write_with_imm")
	case *descriptor.Ack:
		p.handleAck(ctx, d)
	case *descriptor.Nack:
		p.handleNack(ctx, d)
	}
	return nil
}

func (p *WorkDescPoller) handleRead(ctx context.Context, d *descriptor.Read) error {
	err := p.cfg.Responder.Send(ctx, responder.ReadResponse{Desc: d})
	switch {
	case err == nil:
		log.Trace().Uint32("qpn", d.Common.Dqpn.Uint32()).Uint32("len", d.Len).Msg("Read request forwarded to responder")
		return nil
	case errors.Is(err, responder.ErrClosed):
		return fmt.Errorf("%w: %w", ErrResponderClosed, err)
	case ctx.Err() != nil:
		return nil
	default:
		return fmt.Errorf("failed to forward read request: %w", err)
	}
}

func (p *WorkDescPoller) handleWrite(ctx context.Context, d *descriptor.WriteOrReadResp) {
	msn := d.Common.Msn
	qpn := d.Common.Dqpn

	if !d.WriteType.StartsMessage() {
		m, ok := p.cfg.RecvMaps.Get(msn)
		if !ok {
			log.Error().Uint32("qpn", qpn.Uint32()).Uint32("msn", msn.Uint32()).Uint32("psn", d.Psn.Uint32()).
				Msg("No receive tracker for continuation segment")
			p.cfg.Metrics.RecordDropped(ctx, "orphan_segment")
			return
		}
		wasComplete := m.IsComplete()
		if !m.Insert(d.Psn) {
			log.Warn().Uint32("msn", msn.Uint32()).Uint32("psn", d.Psn.Uint32()).
				Uint32("start_psn", m.StartPsn().Uint32()).Uint32("count", m.PacketCount()).
				Msg("Segment PSN outside receive window")
			p.cfg.Metrics.RecordDropped(ctx, "out_of_window")
			return
		}
		if !wasComplete && m.IsComplete() {
			p.complete(ctx, msn, m)
		}
		return
	}

	pmtu, ok := p.cfg.Qps.Pmtu(qpn)
	if !ok {
		log.Error().Uint32("qpn", qpn.Uint32()).Uint32("msn", msn.Uint32()).Msg("Segment for unknown queue pair")
		p.cfg.Metrics.RecordDropped(ctx, "unknown_qp")
		return
	}
	count := recvmap.ExpectedPackets(d.WriteType == descriptor.WriteOnly, d.Addr, d.Len, pmtu.Bytes())
	m, err := recvmap.New(d.IsReadResp, count, d.Psn, qpn)
	if err != nil {
		log.Error().Err(err).Uint32("msn", msn.Uint32()).Msg("Failed to create receive tracker")
		p.cfg.Metrics.RecordDropped(ctx, "tracker")
		return
	}
	if err := p.cfg.RecvMaps.InsertNew(msn, m); err != nil {
		log.Error().Err(err).Uint32("qpn", qpn.Uint32()).Uint32("msn", msn.Uint32()).Msg("Receive tracker already exists")
		p.cfg.Metrics.RecordDropped(ctx, "duplicate_msn")
		return
	}
	log.Trace().Uint32("qpn", qpn.Uint32()).Uint32("msn", msn.Uint32()).Uint32("packets", count).
		Bool("read_resp", d.IsReadResp).Msg("Receive tracker created")
	if m.IsComplete() {
		p.complete(ctx, msn, m)
	}
}

// complete runs once per tracker. Every segment of a read response has landed
// at this point, so the read it answers is done.
func (p *WorkDescPoller) complete(ctx context.Context, msn types.Msn, m *recvmap.RecvPktMap) {
	log.Debug().Uint32("qpn", m.Qpn().Uint32()).Uint32("msn", msn.Uint32()).Uint32("packets", m.PacketCount()).
		Bool("read_resp", m.IsReadResp()).Msg("Receive complete")
	p.cfg.Metrics.RecordTrackerComplete(ctx, m.IsReadResp())
	if !m.IsReadResp() {
		return
	}
	if p.cfg.Nacks != nil {
		p.cfg.Nacks.Forget(msn)
	}
	if err := p.cfg.Ops.Resolve(msn, nil); err != nil {
		log.Warn().Err(err).Uint32("qpn", m.Qpn().Uint32()).Uint32("msn", msn.Uint32()).Msg("Read response without a waiting operation")
		p.cfg.Metrics.RecordDropped(ctx, "orphan_read_resp")
		return
	}
	p.cfg.Metrics.RecordResolved(ctx, "ok")
}

func (p *WorkDescPoller) handleAck(ctx context.Context, d *descriptor.Ack) {
	msn := d.Common.Msn
	if p.cfg.Nacks != nil {
		p.cfg.Nacks.Forget(msn)
	}
	if err := p.cfg.Ops.Resolve(msn, nil); err != nil {
		log.Error().Err(err).Uint32("qpn", d.Common.Dqpn.Uint32()).Uint32("msn", msn.Uint32()).Msg("Acknowledge without a waiting operation")
		p.cfg.Metrics.RecordDropped(ctx, "orphan_ack")
		return
	}
	p.cfg.Metrics.RecordResolved(ctx, "ok")
}

func (p *WorkDescPoller) handleNack(ctx context.Context, d *descriptor.Nack) {
	log.Warn().
		Uint32("qpn", d.Common.Dqpn.Uint32()).
		Uint32("msn", d.Common.Msn.Uint32()).
		Str("code", d.Code.String()).
		Uint8("value", d.Value).
		Uint32("last_retry_psn", d.LastRetryPsn.Uint32()).
		Msg("Negative acknowledge")
	if p.cfg.Nacks != nil {
		p.cfg.Nacks.HandleNack(d)
		return
	}
	err := fmt.Errorf("msn %d negatively acknowledged: %s", d.Common.Msn, d.Code)
	if rerr := p.cfg.Ops.Resolve(d.Common.Msn, err); rerr != nil {
		log.Error().Err(rerr).Uint32("msn", d.Common.Msn.Uint32()).Msg("Negative acknowledge without a waiting operation")
		p.cfg.Metrics.RecordDropped(ctx, "orphan_nack")
		return
	}
	p.cfg.Metrics.RecordResolved(ctx, "nacked")
}

func kindOf(desc descriptor.ToHostWorkDesc) string {
	switch desc.(type) {
	case *descriptor.SendQueueReport:
		return "send_report"
	case *descriptor.Read:
		return "read"
	case *descriptor.WriteOrReadResp:
		return "write"
	case *descriptor.WriteWithImm:
		return "write_imm"
	case *descriptor.Ack:
		return "ack"
	case *descriptor.Nack:
		return "nack"
	}
	return "unknown"
}

type nopRecorder struct{}

func (nopRecorder) RecordDescriptor(context.Context, string)    {}
func (nopRecorder) RecordDropped(context.Context, string)       {}
func (nopRecorder) RecordTrackerComplete(context.Context, bool) {}
func (nopRecorder) RecordResolved(context.Context, string)      {}
