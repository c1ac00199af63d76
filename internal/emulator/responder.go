package emulator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmadriver/internal/descriptor"
	"github.com/yuuki/rdmadriver/internal/netagent"
	"github.com/yuuki/rdmadriver/internal/responder"
)

// Responder serves read requests and acknowledgements over the network.
// It implements responder.Handler.
type Responder struct {
	mem   Memory
	agent netagent.NetSendAgent
	peers PeerResolver
	port  uint16
}

// NewResponder serves reads from mem and reaches peers on port.
func NewResponder(mem Memory, agent netagent.NetSendAgent, peers PeerResolver, port uint16) *Responder {
	if port == 0 {
		port = netagent.RoCEv2Port
	}
	return &Responder{mem: mem, agent: agent, peers: peers, port: port}
}

// HandleReadResponse streams the requested bytes back to the reader, split
// by the pmtu recorded for the queue pair's peer.
func (r *Responder) HandleReadResponse(ctx context.Context, desc *descriptor.Read) error {
	peer, ok := r.peers.Peer(desc.Common.Dqpn)
	if !ok {
		return fmt.Errorf("no peer for queue pair %s", desc.Common.Dqpn)
	}
	data, err := r.mem.ReadAt(desc.Laddr, desc.Len)
	if err != nil {
		return fmt.Errorf("failed to read 0x%x: %w", desc.Laddr, err)
	}

	spans := split(desc.Raddr, desc.Len, peer.Pmtu.Bytes())
	for i, s := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}
		wt := position(i, len(spans))
		msg := &netagent.RdmaMessage{
			Trans:  desc.Common.Trans,
			Opcode: readResponseOpcode(wt),
			PadCnt: padCnt(s.len),
			Dqpn:   peer.Qpn,
			Psn:    desc.Psn.Add(uint32(i)),
			Msn:    desc.Common.Msn,
			Reth: &netagent.Reth{
				Va:   desc.Raddr + uint64(s.off),
				Rkey: desc.Rkey,
				Dlen: desc.Len,
			},
			Payload: data[s.off : s.off+s.len],
		}
		if wt != descriptor.WriteMiddle {
			msg.Aeth = &netagent.Aeth{Code: descriptor.AethAck, Msn: desc.Common.Msn}
		}
		if err := r.agent.SendMessage(peer.IP, r.port, msg); err != nil {
			return err
		}
	}
	log.Debug().
		Str("qpn", desc.Common.Dqpn.String()).
		Uint32("msn", desc.Common.Msn.Uint32()).
		Uint32("len", desc.Len).
		Int("packets", len(spans)).
		Msg("Read response sent")
	return nil
}

// HandleAcknowledge sends an ACK or NAK packet to the peer of ack.Dqpn.
func (r *Responder) HandleAcknowledge(ctx context.Context, ack responder.Acknowledge) error {
	peer, ok := r.peers.Peer(ack.Dqpn)
	if !ok {
		return fmt.Errorf("no peer for queue pair %s", ack.Dqpn)
	}
	msg := &netagent.RdmaMessage{
		Opcode: descriptor.RdmaAcknowledge,
		Dqpn:   peer.Qpn,
		Psn:    ack.Psn,
		Aeth: &netagent.Aeth{
			Code:  ack.Code,
			Value: ack.Value,
			Msn:   ack.Msn,
		},
	}
	return r.agent.SendMessage(peer.IP, r.port, msg)
}
