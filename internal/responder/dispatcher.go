package responder

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmadriver/internal/descriptor"
)

// Handler serves responder commands.
type Handler interface {
	HandleReadResponse(ctx context.Context, desc *descriptor.Read) error
	HandleAcknowledge(ctx context.Context, ack Acknowledge) error
}

// Dispatcher drains a Queue into a Handler on its own goroutine.
type Dispatcher struct {
	queue   *Queue
	handler Handler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDispatcher hands every command from queue to handler once started.
func NewDispatcher(queue *Queue, handler Handler) *Dispatcher {
	return &Dispatcher{queue: queue, handler: handler}
}

// Start launches the dispatch loop. Calling it twice is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		log.Info().Msg("Responder dispatcher already running")
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.running = true

	go d.loop(ctx, d.done)
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		close(done)
		log.Info().Msg("Responder dispatcher stopped")
	}()

	for {
		cmd, err := d.queue.Recv(ctx)
		if err != nil {
			if !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Responder queue receive failed")
			}
			return
		}
		switch c := cmd.(type) {
		case ReadResponse:
			if err := d.handler.HandleReadResponse(ctx, c.Desc); err != nil {
				log.Error().Err(err).
					Uint32("dqpn", c.Desc.Common.Dqpn.Uint32()).
					Uint32("msn", c.Desc.Common.Msn.Uint32()).
					Msg("Failed to serve read response")
			}
		case Acknowledge:
			if err := d.handler.HandleAcknowledge(ctx, c); err != nil {
				log.Error().Err(err).
					Uint32("dqpn", c.Dqpn.Uint32()).
					Uint32("msn", c.Msn.Uint32()).
					Msg("Failed to send acknowledge")
			}
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
