// Package driver wires the completion path together: descriptor rings, the
// software device, the UDP transport, the responder, the retry manager and
// the completion poller.
package driver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmadriver/internal/config"
	"github.com/yuuki/rdmadriver/internal/descriptor"
	"github.com/yuuki/rdmadriver/internal/emulator"
	"github.com/yuuki/rdmadriver/internal/netagent"
	"github.com/yuuki/rdmadriver/internal/opctx"
	"github.com/yuuki/rdmadriver/internal/poller"
	"github.com/yuuki/rdmadriver/internal/qp"
	"github.com/yuuki/rdmadriver/internal/recvmap"
	"github.com/yuuki/rdmadriver/internal/responder"
	"github.com/yuuki/rdmadriver/internal/retry"
	"github.com/yuuki/rdmadriver/internal/ringbuf"
	"github.com/yuuki/rdmadriver/internal/telemetry"
	"github.com/yuuki/rdmadriver/internal/types"
)

const trackerSweepInterval = time.Second

var (
	ErrNotStarted       = errors.New("driver not started")
	ErrAlreadyStarted   = errors.New("driver already started")
	ErrStopped          = errors.New("driver stopped")
	ErrCtrlRejected     = errors.New("control command rejected by device")
	ErrCtrlMismatch     = errors.New("control response does not match command")
	ErrEmptyOperation   = errors.New("operation transfers no data")
	ErrUnknownOperation = errors.New("no in-flight operation for msn")
)

// Driver represents one RDMA device instance and its completion path
type Driver struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.DriverConfig

	rings  []*ringbuf.Ring
	toCard *ringbuf.ToCardWorkRing
	toHost *ringbuf.ToHostWorkRing
	ctrl   ringbuf.CtrlRings

	qps      *qp.Table
	recvMaps *recvmap.Table
	ops      *opctx.Table[error]

	mem        emulator.Memory
	device     *emulator.Device
	agent      *netagent.UDPAgent
	responderQ *responder.Queue
	dispatcher *responder.Dispatcher
	retries    *retry.Manager
	poller     *poller.WorkDescPoller
	metrics    *telemetry.Metrics

	started atomic.Bool
	running atomic.Bool
	// sendMu serializes producers of the to-card work ring.
	sendMu   sync.Mutex
	ctrlMu   sync.Mutex
	userData atomic.Uint32
	nextKey  atomic.Uint32
	msn      atomic.Uint32
	inflight cmap.ConcurrentMap[types.Msn, *descriptor.ToCardWorkReq]

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a driver instance. Nothing runs until Start.
func New(cfg *config.DriverConfig) (*Driver, error) {
	initLogging(cfg.LogLevel)

	log.Debug().Msg("Creating new driver instance")

	rings := make([]*ringbuf.Ring, 4)
	for i := range rings {
		r, err := ringbuf.New(cfg.RingDepth, cfg.PollInterval())
		if err != nil {
			return nil, fmt.Errorf("failed to allocate ring: %w", err)
		}
		rings[i] = r
	}
	toCard := ringbuf.NewToCardWorkRing(rings[0])
	toHost := ringbuf.NewToHostWorkRing(rings[1])
	ctrl := ringbuf.CtrlRings{ToCard: rings[2], ToHost: rings[3]}

	mem := emulator.NewHeapMemory()
	responderQ := responder.NewQueue(cfg.ResponderQueueSize)
	device, err := emulator.NewDevice(emulator.Config{
		ToCard:   toCard,
		ToHost:   toHost,
		Ctrl:     ctrl,
		Memory:   mem,
		PeerPort: cfg.PeerPort,
		Acks:     responderQ,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		ctx:        ctx,
		cancel:     cancel,
		config:     cfg,
		rings:      rings,
		toCard:     toCard,
		toHost:     toHost,
		ctrl:       ctrl,
		qps:        qp.NewTable(),
		recvMaps:   recvmap.NewTable(),
		ops:        opctx.NewTable[error](),
		mem:        mem,
		device:     device,
		responderQ: responderQ,
		inflight: cmap.NewWithCustomShardingFunction[types.Msn, *descriptor.ToCardWorkReq](func(msn types.Msn) uint32 {
			return uint32(msn)
		}),
		done: make(chan struct{}),
	}

	log.Debug().
		Str("instance_id", cfg.InstanceID).
		Uint32("ring_depth", cfg.RingDepth).
		Dur("poll_interval", cfg.PollInterval()).
		Msg("Driver instance created")
	return d, nil
}

// Start brings up the device, the transport and the completion path.
func (d *Driver) Start() error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	log.Info().Str("instance_id", d.config.InstanceID).Msg("Starting driver")

	// Initialize metrics if enabled
	if d.config.MetricsEnabled {
		m, err := telemetry.NewMetrics(d.ctx, d.config.InstanceID, d.config.CollectorAddr)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
			m = telemetry.NewNoopMetrics()
		} else {
			log.Info().Str("collector_addr", d.config.CollectorAddr).Msg("Metrics initialized")
		}
		d.metrics = m
	} else {
		d.metrics = telemetry.NewNoopMetrics()
	}

	agent, err := netagent.NewUDPAgent(netagent.UDPConfig{
		ListenAddr: d.config.ListenAddr,
		Port:       d.config.ListenPort,
		TOS:        d.config.TOS,
		TTL:        d.config.TTL,
		SendRate:   d.config.SendRate,
	}, d.device)
	if err != nil {
		return fmt.Errorf("failed to create UDP agent: %w", err)
	}
	d.agent = agent
	d.device.SetAgent(agent)
	agent.Start(d.ctx)

	if err := d.device.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start device: %w", err)
	}

	d.dispatcher = responder.NewDispatcher(d.responderQ, emulator.NewResponder(d.mem, agent, d, d.config.PeerPort))
	d.dispatcher.Start(d.ctx)

	d.retries = retry.NewManager(retry.Config{
		Enabled:         d.config.RetryEnabled,
		MaxRetries:      d.config.RetryMaxRetries,
		InitialInterval: time.Duration(d.config.RetryInitialIntervalMS) * time.Millisecond,
		MaxInterval:     time.Duration(d.config.RetryMaxIntervalMS) * time.Millisecond,
		RatePerSecond:   d.config.RetryRatePerSecond,
	}, d.ops, d, d.metrics)

	p, err := poller.New(poller.Config{
		Ring:      d.toHost,
		Qps:       d.qps,
		RecvMaps:  d.recvMaps,
		Ops:       d.ops,
		Responder: d.responderQ,
		Nacks:     d.retries,
		Metrics:   d.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create poller: %w", err)
	}
	d.poller = p
	if err := p.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}

	d.running.Store(true)
	d.wg.Add(2)
	go d.sweepTrackers()
	go func() {
		defer d.wg.Done()
		<-p.Done()
		if err := p.Err(); err != nil {
			log.Error().Err(err).Msg("Completion path failed")
		}
		close(d.done)
	}()

	log.Info().Uint16("port", agent.LocalPort()).Msg("Driver started")
	return nil
}

// Stop tears the driver down in reverse start order.
func (d *Driver) Stop() {
	log.Debug().Msg("Stopping driver")
	d.running.Store(false)
	d.cancel()

	if d.poller != nil {
		log.Debug().Msg("Stopping poller")
		d.poller.Stop()
	}
	if d.retries != nil {
		log.Debug().Msg("Closing retry manager")
		d.retries.Close()
	}
	if d.dispatcher != nil {
		log.Debug().Msg("Stopping responder dispatcher")
		d.dispatcher.Stop()
	}
	d.responderQ.Close()

	if d.agent != nil {
		log.Debug().Msg("Closing UDP agent")
		if err := d.agent.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close UDP agent")
		}
		d.agent.Wait()
	}
	if err := d.device.Stop(); err != nil {
		log.Error().Err(err).Msg("Device stopped with error")
	}
	for _, r := range d.rings {
		r.Close()
	}

	// Shutdown metrics if enabled
	if d.metrics != nil {
		log.Debug().Msg("Shutting down metrics")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := d.metrics.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown metrics properly")
		}
	}

	d.wg.Wait()
	log.Info().Msg("Driver stopped")
}

// Run starts the driver and blocks until a signal arrives or the completion
// path fails.
func (d *Driver) Run() error {
	log.Debug().Msg("Running driver")

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := d.Start(); err != nil {
		d.Stop()
		return err
	}

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")
	case <-d.done:
		runErr = d.poller.Err()
	}

	// A second signal forces an immediate exit.
	forceQuitCh := make(chan os.Signal, 1)
	signal.Notify(forceQuitCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-forceQuitCh
		log.Warn().Msg("Received second signal, forcing immediate exit...")
		os.Exit(1)
	}()

	d.Stop()
	return runErr
}

// Done is closed when the completion poller exits.
func (d *Driver) Done() <-chan struct{} { return d.done }

// Err returns why the completion path stopped.
func (d *Driver) Err() error {
	if d.poller == nil {
		return nil
	}
	return d.poller.Err()
}

// Memory is the address space the device reads from and writes to.
func (d *Driver) Memory() emulator.Memory { return d.mem }

// LocalPort returns the UDP port the driver receives on.
func (d *Driver) LocalPort() uint16 {
	if d.agent == nil {
		return 0
	}
	return d.agent.LocalPort()
}

// Peer resolves the remote end of a local queue pair for the responder.
func (d *Driver) Peer(local types.Qpn) (emulator.Peer, bool) {
	c, ok := d.qps.Get(local)
	if !ok {
		return emulator.Peer{}, false
	}
	return emulator.Peer{Qpn: c.Dqpn, IP: c.DqpIP, Pmtu: c.Pmtu}, true
}

func initLogging(level string) {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Set log level based on config
	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func setUserData(cmd descriptor.ToCardCtrlDesc, v uint32) {
	var c *descriptor.CtrlCommon
	switch t := cmd.(type) {
	case *descriptor.UpdateMrTable:
		c = &t.Common
	case *descriptor.UpdatePageTable:
		c = &t.Common
	case *descriptor.QpManagement:
		c = &t.Common
	default:
		return
	}
	c.IsSuccessOrNeedSignalCplt = true
	binary.LittleEndian.PutUint32(c.UserData[:], v)
}

// sweepTrackers drops receive trackers whose message has fully arrived.
func (d *Driver) sweepTrackers() {
	defer d.wg.Done()
	ticker := time.NewTicker(trackerSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if n := d.recvMaps.RemoveComplete(); n > 0 {
				log.Trace().Int("count", n).Msg("Swept completed receive trackers")
			}
		}
	}
}
