// Package retry decides what happens to an operation after the peer
// negatively acknowledges it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmadriver/internal/descriptor"
	"github.com/yuuki/rdmadriver/internal/opctx"
	"github.com/yuuki/rdmadriver/internal/types"
	"go.uber.org/ratelimit"
)

var (
	// ErrNacked completes an operation that was negatively acknowledged
	// while retries are disabled.
	ErrNacked = errors.New("operation negatively acknowledged")
	// ErrRetryExhausted completes an operation that kept failing after
	// the configured number of retransmissions.
	ErrRetryExhausted = errors.New("retries exhausted")
)

// Config mirrors the driver's retry settings.
type Config struct {
	Enabled         bool
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RatePerSecond caps retransmissions across all operations. Zero means unlimited.
	RatePerSecond int
}

// Resubmitter retransmits an operation starting at the PSN the peer asked for.
type Resubmitter interface {
	Resubmit(ctx context.Context, qpn types.Qpn, msn types.Msn, fromPsn types.Psn) error
}

// Recorder receives retry metrics.
type Recorder interface {
	RecordRetry(ctx context.Context, delay time.Duration)
	RecordResolved(ctx context.Context, outcome string)
}

type state struct {
	attempts int
	bo       backoff.BackOff
	// scheduled is set while a retransmission waits for its timer.
	scheduled bool
}

// Manager schedules retransmissions off the poller goroutine.
type Manager struct {
	cfg         Config
	ops         *opctx.Table[error]
	resubmitter Resubmitter
	limiter     ratelimit.Limiter
	metrics     Recorder

	mu     sync.Mutex
	states map[types.Msn]*state

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a manager. resubmitter may be nil, in which case every
// NACK completes its operation with ErrNacked.
func NewManager(cfg Config, ops *opctx.Table[error], resubmitter Resubmitter, metrics Recorder) *Manager {
	limiter := ratelimit.NewUnlimited()
	if cfg.RatePerSecond > 0 {
		limiter = ratelimit.New(cfg.RatePerSecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		ops:         ops,
		resubmitter: resubmitter,
		limiter:     limiter,
		metrics:     metrics,
		states:      make(map[types.Msn]*state),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(m.cfg.InitialInterval),
		backoff.WithMaxInterval(m.cfg.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithMaxRetries(b, uint64(m.cfg.MaxRetries))
}

// HandleNack never blocks. It either completes the operation or schedules a
// retransmission after the next backoff interval. NACKs for an operation
// whose retransmission is already scheduled are absorbed by it, so every
// NAKed packet of one message costs a single resend.
func (m *Manager) HandleNack(nack *descriptor.Nack) {
	msn := nack.Common.Msn
	if !m.cfg.Enabled || m.resubmitter == nil || m.cfg.MaxRetries <= 0 {
		m.resolve(msn, fmt.Errorf("%w: %s syndrome %d", ErrNacked, nack.Code, nack.Value), "nacked")
		return
	}

	m.mu.Lock()
	st, ok := m.states[msn]
	if !ok {
		st = &state{bo: m.newBackOff()}
		m.states[msn] = st
	}
	if st.scheduled {
		m.mu.Unlock()
		log.Trace().Uint32("msn", msn.Uint32()).Uint32("psn", nack.Psn.Uint32()).Msg("Retransmission already scheduled")
		return
	}
	delay := st.bo.NextBackOff()
	if delay == backoff.Stop {
		attempts := st.attempts
		delete(m.states, msn)
		m.mu.Unlock()
		m.resolve(msn, fmt.Errorf("%w: msn %d after %d attempts", ErrRetryExhausted, msn, attempts), "exhausted")
		return
	}
	st.attempts++
	st.scheduled = true
	attempt := st.attempts
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordRetry(m.ctx, delay)
	}
	log.Debug().
		Uint32("msn", msn.Uint32()).
		Uint32("qpn", nack.Common.Dqpn.Uint32()).
		Uint32("psn", nack.LastRetryPsn.Uint32()).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("Scheduling retransmission after NACK")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-m.ctx.Done():
			return
		case <-timer.C:
		}
		// NAKs caused by the resend must count again.
		m.mu.Lock()
		st.scheduled = false
		m.mu.Unlock()
		m.limiter.Take()
		if err := m.resubmitter.Resubmit(m.ctx, nack.Common.Dqpn, msn, nack.LastRetryPsn); err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.Forget(msn)
			m.resolve(msn, fmt.Errorf("retransmission of msn %d failed: %w", msn, err), "resubmit_failed")
		}
	}()
}

// Forget drops the retry state of msn. The poller calls it on ACK.
func (m *Manager) Forget(msn types.Msn) {
	m.mu.Lock()
	delete(m.states, msn)
	m.mu.Unlock()
}

// Pending returns how many operations have retry state.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

func (m *Manager) resolve(msn types.Msn, err error, outcome string) {
	if rerr := m.ops.Resolve(msn, err); rerr != nil {
		log.Error().Err(rerr).Uint32("msn", msn.Uint32()).Msg("Failed to complete negatively acknowledged operation")
		return
	}
	if m.metrics != nil {
		m.metrics.RecordResolved(m.ctx, outcome)
	}
	log.Warn().Err(err).Uint32("msn", msn.Uint32()).Msg("Operation failed")
}

// Close cancels pending retransmissions and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
