package netagent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"
	"golang.org/x/net/ipv4"
)

const maxDatagram = 65535

// UDPConfig configures a UDPAgent.
type UDPConfig struct {
	ListenAddr string
	Port       uint16
	// TOS and TTL are applied to outgoing packets when non-zero.
	TOS int
	TTL int
	// SendRate caps packets per second; zero disables pacing.
	SendRate int
}

// UDPAgent carries RdmaMessages over UDP.
type UDPAgent struct {
	conn    *net.UDPConn
	limiter ratelimit.Limiter
	logic   NetReceiveLogic

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewUDPAgent binds the listening socket. Received messages are handed to
// logic once Start is called.
func NewUDPAgent(cfg UDPConfig, logic NetReceiveLogic) (*UDPAgent, error) {
	ip := net.IPv4zero
	if cfg.ListenAddr != "" {
		addr, err := netip.ParseAddr(cfg.ListenAddr)
		if err != nil {
			return nil, newError(ErrIo, fmt.Errorf("invalid listen address %q: %w", cfg.ListenAddr, err))
		}
		ip = net.IP(addr.AsSlice())
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: int(cfg.Port)})
	if err != nil {
		return nil, newError(ErrIo, err)
	}

	pc := ipv4.NewConn(conn)
	if cfg.TOS != 0 {
		if err := pc.SetTOS(cfg.TOS); err != nil {
			conn.Close()
			return nil, newError(ErrSetSockOpt, fmt.Errorf("IP_TOS: %w", err))
		}
	}
	if cfg.TTL != 0 {
		if err := pc.SetTTL(cfg.TTL); err != nil {
			conn.Close()
			return nil, newError(ErrSetSockOpt, fmt.Errorf("IP_TTL: %w", err))
		}
	}

	limiter := ratelimit.NewUnlimited()
	if cfg.SendRate > 0 {
		limiter = ratelimit.New(cfg.SendRate)
	}

	log.Info().
		Str("addr", conn.LocalAddr().String()).
		Int("tos", cfg.TOS).
		Int("send_rate", cfg.SendRate).
		Msg("UDP agent listening")

	return &UDPAgent{conn: conn, limiter: limiter, logic: logic}, nil
}

// LocalPort returns the bound UDP port.
func (a *UDPAgent) LocalPort() uint16 {
	return uint16(a.conn.LocalAddr().(*net.UDPAddr).Port)
}

// Start launches the receive loop. It exits when ctx is done or the agent
// is closed.
func (a *UDPAgent) Start(ctx context.Context) {
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		<-ctx.Done()
		a.Close()
	}()
	go func() {
		defer a.wg.Done()
		a.receiveLoop()
	}()
}

func (a *UDPAgent) receiveLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			if a.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("UDP receive failed")
			continue
		}
		msg, err := UnmarshalMessage(buf[:n])
		if err != nil {
			log.Warn().Err(err).Str("from", from.String()).Int("bytes", n).Msg("Dropping undecodable packet")
			continue
		}
		if a.logic != nil {
			a.logic.Recv(msg)
		}
	}
}

// SendMessage marshals msg and sends it to dst:port.
func (a *UDPAgent) SendMessage(dst netip.Addr, port uint16, msg *RdmaMessage) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	return a.SendRaw(dst, port, b)
}

// SendRaw sends one datagram, paced by the send rate.
func (a *UDPAgent) SendRaw(dst netip.Addr, port uint16, payload []byte) error {
	if a.closed.Load() {
		return newError(ErrIo, net.ErrClosed)
	}
	a.limiter.Take()
	to := &net.UDPAddr{IP: net.IP(dst.Unmap().AsSlice()), Port: int(port)}
	n, err := a.conn.WriteToUDP(payload, to)
	if err != nil {
		return newError(ErrIo, err)
	}
	if n != len(payload) {
		return newError(ErrIo, &WrongBytesError{Expected: len(payload), Sent: n})
	}
	return nil
}

// Close shuts the socket. It is safe to call more than once.
func (a *UDPAgent) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	return a.conn.Close()
}

// Wait blocks until the goroutines started by Start exit.
func (a *UDPAgent) Wait() {
	a.wg.Wait()
}
