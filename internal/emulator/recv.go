package emulator

import (
	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmadriver/internal/descriptor"
	"github.com/yuuki/rdmadriver/internal/netagent"
	"github.com/yuuki/rdmadriver/internal/responder"
	"github.com/yuuki/rdmadriver/internal/types"
)

// Recv turns a packet from the network into to-host work reports.
func (d *Device) Recv(msg *netagent.RdmaMessage) {
	st, ok := d.qps.Get(msg.Dqpn)
	if !ok {
		log.Warn().Str("qpn", msg.Dqpn.String()).Str("opcode", msg.Opcode.String()).Msg("Dropping packet for unknown queue pair")
		return
	}

	switch msg.Opcode {
	case descriptor.RdmaWriteFirst, descriptor.RdmaWriteMiddle, descriptor.RdmaWriteLast,
		descriptor.RdmaWriteLastWithImmediate, descriptor.RdmaWriteOnly, descriptor.RdmaWriteOnlyWithImmediate:
		d.recvWrite(st, msg)
	case descriptor.RdmaReadRequest:
		d.recvReadRequest(st, msg)
	case descriptor.RdmaReadResponseFirst, descriptor.RdmaReadResponseMiddle,
		descriptor.RdmaReadResponseLast, descriptor.RdmaReadResponseOnly:
		d.recvReadResponse(st, msg)
	case descriptor.RdmaAcknowledge:
		d.recvAck(msg)
	default:
		log.Warn().Str("qpn", msg.Dqpn.String()).Str("opcode", msg.Opcode.String()).Msg("Dropping packet with unsupported opcode")
	}
}

func (d *Device) common(st *qpState, msg *netagent.RdmaMessage, status descriptor.RdmaReqStatus, msn types.Msn) descriptor.ToHostWorkCommon {
	return descriptor.ToHostWorkCommon{
		Dqpn:   msg.Dqpn,
		Status: status,
		Trans:  st.trans(),
		PadCnt: msg.PadCnt,
		Msn:    msn,
	}
}

func (d *Device) recvWrite(st *qpState, msg *netagent.RdmaMessage) {
	var wt descriptor.WriteType
	withImm := msg.Opcode.HasImmediate()
	switch msg.Opcode {
	case descriptor.RdmaWriteFirst:
		wt = descriptor.WriteFirst
	case descriptor.RdmaWriteMiddle:
		wt = descriptor.WriteMiddle
	case descriptor.RdmaWriteLast, descriptor.RdmaWriteLastWithImmediate:
		wt = descriptor.WriteLast
	default:
		wt = descriptor.WriteOnly
	}

	msn := msg.Msn
	reth := msg.Reth
	status := d.checkMr(reth.Rkey, reth.Va, uint32(len(msg.Payload)), types.AccessRemoteWrite)
	if status == descriptor.StatusNormal {
		if err := d.mem.WriteAt(reth.Va, msg.Payload); err != nil {
			log.Error().Err(err).Uint64("addr", reth.Va).Msg("Failed to place write payload")
			status = descriptor.StatusUnknown
		}
	}

	common := d.common(st, msg, status, msn)
	if withImm {
		// The immediate takes the report's MSN bits.
		immCommon := common
		immCommon.Msn = 0
		d.pushToHost(&descriptor.WriteWithImm{
			Common:    immCommon,
			WriteType: wt,
			Psn:       msg.Psn,
			Addr:      reth.Va,
			Len:       reth.Dlen,
			Key:       reth.Rkey,
			Imm:       *msg.Imm,
		})
	} else {
		d.pushToHost(&descriptor.WriteOrReadResp{
			Common:    common,
			WriteType: wt,
			Psn:       msg.Psn,
			Addr:      reth.Va,
			Len:       reth.Dlen,
			Key:       reth.Rkey,
		})
	}

	switch {
	case status != descriptor.StatusNormal:
		d.acknowledge(responder.Acknowledge{Dqpn: msg.Dqpn, Msn: msn, Psn: msg.Psn, Code: descriptor.AethNak, Value: uint8(status)})
	case msg.AckReq:
		d.acknowledge(responder.Acknowledge{Dqpn: msg.Dqpn, Msn: msn, Psn: msg.Psn})
	}
}

func (d *Device) recvReadRequest(st *qpState, msg *netagent.RdmaMessage) {
	msn := msg.Msn
	reth, landing := msg.Reth, msg.SecondaryReth
	status := d.checkMr(reth.Rkey, reth.Va, reth.Dlen, types.AccessRemoteRead)
	d.pushToHost(&descriptor.Read{
		Common: d.common(st, msg, status, msn),
		Psn:    msg.Psn,
		Len:    reth.Dlen,
		Laddr:  reth.Va,
		Lkey:   reth.Rkey,
		Raddr:  landing.Va,
		Rkey:   landing.Rkey,
	})
	if status != descriptor.StatusNormal {
		d.acknowledge(responder.Acknowledge{Dqpn: msg.Dqpn, Msn: msn, Psn: msg.Psn, Code: descriptor.AethNak, Value: uint8(status)})
	}
}

func (d *Device) recvReadResponse(st *qpState, msg *netagent.RdmaMessage) {
	var wt descriptor.WriteType
	switch msg.Opcode {
	case descriptor.RdmaReadResponseFirst:
		wt = descriptor.WriteFirst
	case descriptor.RdmaReadResponseMiddle:
		wt = descriptor.WriteMiddle
	case descriptor.RdmaReadResponseLast:
		wt = descriptor.WriteLast
	default:
		wt = descriptor.WriteOnly
	}

	msn := msg.Msn
	reth := msg.Reth
	status := d.checkMr(reth.Rkey, reth.Va, uint32(len(msg.Payload)), types.AccessLocalWrite)
	if status == descriptor.StatusNormal {
		if err := d.mem.WriteAt(reth.Va, msg.Payload); err != nil {
			log.Error().Err(err).Uint64("addr", reth.Va).Msg("Failed to place read response payload")
			status = descriptor.StatusUnknown
		}
	}

	d.pushToHost(&descriptor.WriteOrReadResp{
		Common:     d.common(st, msg, status, msn),
		IsReadResp: true,
		WriteType:  wt,
		Psn:        msg.Psn,
		Addr:       reth.Va,
		Len:        reth.Dlen,
		Key:        reth.Rkey,
	})
}

func (d *Device) recvAck(msg *netagent.RdmaMessage) {
	a := msg.Aeth
	common := descriptor.ToHostWorkCommon{
		Dqpn:   msg.Dqpn,
		Status: descriptor.StatusNormal,
		Trans:  msg.Trans,
		PadCnt: msg.PadCnt,
		Msn:    a.Msn,
	}
	switch a.Code {
	case descriptor.AethAck:
		d.pushToHost(&descriptor.Ack{Common: common, Value: a.Value, Psn: msg.Psn})
	case descriptor.AethRnr, descriptor.AethNak:
		d.pushToHost(&descriptor.Nack{
			Common:       common,
			Code:         a.Code,
			Value:        a.Value,
			Psn:          msg.Psn,
			LastRetryPsn: msg.Psn,
		})
	default:
		log.Warn().Str("qpn", msg.Dqpn.String()).Str("code", a.Code.String()).Msg("Dropping acknowledge with reserved code")
	}
}

func (d *Device) acknowledge(ack responder.Acknowledge) {
	if d.cfg.Acks == nil {
		return
	}
	if err := d.cfg.Acks.Send(d.runCtx(), ack); err != nil {
		log.Error().Err(err).Str("qpn", ack.Dqpn.String()).Uint32("msn", ack.Msn.Uint32()).Msg("Failed to queue acknowledge")
	}
}
