// Package netagent is the network side of the software device: it moves
// RDMA messages between hosts and hands received ones to the packet logic.
package netagent

import (
	"errors"
	"fmt"
	"net/netip"
)

// RoCEv2Port is the well-known UDP port of RoCE v2.
const RoCEv2Port = 4791

// NetSendAgent sends messages to a peer.
type NetSendAgent interface {
	SendMessage(dst netip.Addr, port uint16, msg *RdmaMessage) error
	SendRaw(dst netip.Addr, port uint16, payload []byte) error
}

// NetReceiveLogic consumes messages received from peers.
type NetReceiveLogic interface {
	Recv(msg *RdmaMessage)
}

// Error kinds. Match them with errors.Is.
var (
	ErrPacket        = errors.New("packet error")
	ErrIo            = errors.New("io error")
	ErrPacketProcess = errors.New("packet process error")
	ErrSetSockOpt    = errors.New("set socket option failed")
)

// Error pairs a kind with its cause.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// WrongBytesError reports a partial send.
type WrongBytesError struct {
	Expected int
	Sent     int
}

func (e *WrongBytesError) Error() string {
	return fmt.Sprintf("wrong bytes sending: expected %d, sent %d", e.Expected, e.Sent)
}
