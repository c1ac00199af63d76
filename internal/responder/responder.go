// Package responder carries the work the completion poller hands off to the
// responder side of the driver, such as serving inbound read requests.
package responder

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rdmadriver/internal/descriptor"
	"github.com/yuuki/rdmadriver/internal/types"
)

// ErrClosed is returned by Send once the queue has been closed.
var ErrClosed = errors.New("responder queue closed")

// Command is a ReadResponse or an Acknowledge.
type Command interface {
	isCommand()
}

// ReadResponse asks the responder to serve an inbound read request.
type ReadResponse struct {
	Desc *descriptor.Read
}

// Acknowledge asks the responder to emit an ACK for a received message.
// Dqpn is the local queue pair the message arrived on. A non-zero Code
// turns the ACK into an RNR or NAK.
type Acknowledge struct {
	Dqpn  types.Qpn
	Msn   types.Msn
	Psn   types.Psn
	Code  descriptor.AethCode
	Value uint8
}

func (ReadResponse) isCommand() {}
func (Acknowledge) isCommand()  {}

// Sink is the producer side of the responder queue.
type Sink interface {
	Send(ctx context.Context, cmd Command) error
}

// Queue is a bounded command queue. Closing it makes further sends fail
// instead of panicking.
type Queue struct {
	ch        chan Command
	closed    chan struct{}
	closeOnce sync.Once
}

// NewQueue returns a queue holding up to size commands.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		ch:     make(chan Command, size),
		closed: make(chan struct{}),
	}
}

// Send blocks while the queue is full.
func (q *Queue) Send(ctx context.Context, cmd Command) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- cmd:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next command. It returns ErrClosed once the queue is
// closed and drained.
func (q *Queue) Recv(ctx context.Context) (Command, error) {
	select {
	case cmd := <-q.ch:
		return cmd, nil
	default:
	}
	select {
	case cmd := <-q.ch:
		return cmd, nil
	case <-q.closed:
		select {
		case cmd := <-q.ch:
			return cmd, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close makes Send fail with ErrClosed. Recv drains queued commands first.
// It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		log.Debug().Msg("Responder queue closed")
	})
}

// Len returns the number of queued commands.
func (q *Queue) Len() int { return len(q.ch) }
