package emulator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmadriver/internal/descriptor"
	"github.com/yuuki/rdmadriver/internal/netagent"
	"github.com/yuuki/rdmadriver/internal/types"
)

var errNoAgent = errors.New("no network agent attached")

func (d *Device) sendLoop(ctx context.Context) error {
	for {
		req, err := d.cfg.ToCard.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, descriptor.ErrMalformed) {
				log.Error().Err(err).Msg("Skipping malformed work request")
				continue
			}
			return fmt.Errorf("to-card work ring: %w", err)
		}

		if err := d.execute(req); err != nil {
			log.Error().Err(err).
				Str("dqpn", req.Dqpn.String()).
				Uint32("psn", req.Psn.Uint32()).
				Uint8("opcode", uint8(req.Opcode)).
				Msg("Work request failed")
			d.pushToHost(&descriptor.SendQueueReport{HasDmaRespErr: true})
			continue
		}
		d.pushToHost(&descriptor.SendQueueReport{})
	}
}

func (d *Device) execute(req *descriptor.ToCardWorkReq) error {
	agent := d.sendAgent()
	if agent == nil {
		return errNoAgent
	}
	switch req.Opcode {
	case descriptor.WorkReqRdmaWrite, descriptor.WorkReqRdmaWriteWithImm:
		return d.sendWrite(agent, req)
	case descriptor.WorkReqRdmaRead:
		return d.sendReadRequest(agent, req)
	}
	return fmt.Errorf("unsupported work request opcode %d", req.Opcode)
}

// gather reads the scatter-gather list into one buffer.
func (d *Device) gather(sgl []descriptor.Sge, total uint32) ([]byte, error) {
	buf := make([]byte, 0, total)
	for _, sge := range sgl {
		if st := d.checkMr(sge.Lkey, sge.Laddr, sge.Len, 0); st != descriptor.StatusNormal {
			return nil, fmt.Errorf("sge at 0x%x: %s", sge.Laddr, st)
		}
		b, err := d.mem.ReadAt(sge.Laddr, sge.Len)
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	if uint32(len(buf)) < total {
		return nil, fmt.Errorf("scatter-gather list holds %d bytes, request needs %d", len(buf), total)
	}
	return buf[:total], nil
}

func (d *Device) sendWrite(agent netagent.NetSendAgent, req *descriptor.ToCardWorkReq) error {
	data, err := d.gather(req.Sgl, req.TotalLen)
	if err != nil {
		return err
	}
	withImm := req.Opcode == descriptor.WorkReqRdmaWriteWithImm
	spans := split(req.Raddr, req.TotalLen, req.Pmtu.Bytes())
	for i, s := range spans {
		wt := position(i, len(spans))
		last := wt == descriptor.WriteLast || wt == descriptor.WriteOnly
		msg := &netagent.RdmaMessage{
			Trans:     transOf(req.QpType),
			Opcode:    writeOpcode(wt, withImm),
			Solicited: last && req.Flags&types.SendFlagSolicited != 0,
			AckReq:    last,
			PadCnt:    padCnt(s.len),
			Dqpn:      req.Dqpn,
			Psn:       req.Psn.Add(uint32(i)),
			Msn:       req.Msn,
			Reth: &netagent.Reth{
				Va:   req.Raddr + uint64(s.off),
				Rkey: req.Rkey,
				Dlen: req.TotalLen,
			},
			Payload: data[s.off : s.off+s.len],
		}
		if withImm && last {
			imm := req.Imm
			msg.Imm = &imm
		}
		if err := agent.SendMessage(req.DqpIP, d.cfg.PeerPort, msg); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) sendReadRequest(agent netagent.NetSendAgent, req *descriptor.ToCardWorkReq) error {
	if len(req.Sgl) == 0 {
		return errors.New("read request without a landing buffer")
	}
	landing := req.Sgl[0]
	if st := d.checkMr(landing.Lkey, landing.Laddr, req.TotalLen, types.AccessLocalWrite); st != descriptor.StatusNormal {
		return fmt.Errorf("landing buffer at 0x%x: %s", landing.Laddr, st)
	}
	msg := &netagent.RdmaMessage{
		Trans:  transOf(req.QpType),
		Opcode: descriptor.RdmaReadRequest,
		AckReq: true,
		Dqpn:   req.Dqpn,
		Psn:    req.Psn,
		Msn:    req.Msn,
		Reth: &netagent.Reth{
			Va:   req.Raddr,
			Rkey: req.Rkey,
			Dlen: req.TotalLen,
		},
		SecondaryReth: &netagent.Reth{
			Va:   landing.Laddr,
			Rkey: landing.Lkey,
		},
	}
	return agent.SendMessage(req.DqpIP, d.cfg.PeerPort, msg)
}

func writeOpcode(wt descriptor.WriteType, withImm bool) descriptor.RdmaOpcode {
	switch wt {
	case descriptor.WriteFirst:
		return descriptor.RdmaWriteFirst
	case descriptor.WriteMiddle:
		return descriptor.RdmaWriteMiddle
	case descriptor.WriteLast:
		if withImm {
			return descriptor.RdmaWriteLastWithImmediate
		}
		return descriptor.RdmaWriteLast
	}
	if withImm {
		return descriptor.RdmaWriteOnlyWithImmediate
	}
	return descriptor.RdmaWriteOnly
}

func readResponseOpcode(wt descriptor.WriteType) descriptor.RdmaOpcode {
	switch wt {
	case descriptor.WriteFirst:
		return descriptor.RdmaReadResponseFirst
	case descriptor.WriteMiddle:
		return descriptor.RdmaReadResponseMiddle
	case descriptor.WriteLast:
		return descriptor.RdmaReadResponseLast
	}
	return descriptor.RdmaReadResponseOnly
}
