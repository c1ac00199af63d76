// Package qp keeps the per-queue-pair state the completion path consults.
package qp

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/yuuki/rdmadriver/internal/types"
)

var (
	ErrQpExists   = errors.New("queue pair already registered")
	ErrQpNotFound = errors.New("queue pair not found")
	ErrInvalidQp  = errors.New("invalid queue pair context")
)

// Context is the driver's view of one queue pair.
type Context struct {
	Pd         uint32
	Qpn        types.Qpn
	QpType     types.QpType
	RqAccFlags types.MemAccessTypeFlag
	Pmtu       types.Pmtu
	LocalIP    netip.Addr
	LocalMAC   net.HardwareAddr
	DqpIP      netip.Addr
	DqpMAC     net.HardwareAddr
	Dqpn       types.Qpn

	psnMu      sync.Mutex
	sendingPsn types.Psn
}

// Validate checks the fields the completion path relies on.
func (c *Context) Validate() error {
	switch {
	case !c.Qpn.Valid():
		return fmt.Errorf("%w: qpn %d exceeds 24 bits", ErrInvalidQp, c.Qpn)
	case !c.Pmtu.Valid():
		return fmt.Errorf("%w: unknown pmtu %d", ErrInvalidQp, c.Pmtu)
	case !c.QpType.Valid():
		return fmt.Errorf("%w: unknown qp type %d", ErrInvalidQp, c.QpType)
	}
	return nil
}

// SetSendingPsn resets the next PSN to hand out.
func (c *Context) SetSendingPsn(p types.Psn) {
	c.psnMu.Lock()
	c.sendingPsn = types.NewPsn(uint32(p))
	c.psnMu.Unlock()
}

// NextPsn reserves n consecutive PSNs and returns the first one.
func (c *Context) NextPsn(n uint32) types.Psn {
	c.psnMu.Lock()
	defer c.psnMu.Unlock()
	first := c.sendingPsn
	c.sendingPsn = c.sendingPsn.Add(n)
	return first
}
