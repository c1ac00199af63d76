// Package ringbuf implements the descriptor rings shared between the host
// and the device. A ring is a power-of-two array of 32-byte slots with a
// free-running producer tail and consumer head.
package ringbuf

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yuuki/rdmadriver/internal/descriptor"
)

var (
	// ErrRingFull is returned by Push when the slots do not fit, and by
	// PushWait when they never can.
	ErrRingFull = errors.New("ring full")
	// ErrRingClosed is returned by Pop once the ring is closed and drained.
	ErrRingClosed = errors.New("ring closed")
)

// DefaultPollInterval is how long a blocked consumer or producer sleeps
// between counter checks when no notification arrives.
const DefaultPollInterval = 50 * time.Microsecond

// Ring is a single-producer single-consumer slot ring.
type Ring struct {
	mem          []byte
	entries      uint32
	mask         uint32
	head         atomic.Uint32
	tail         atomic.Uint32
	closed       atomic.Bool
	ready        chan struct{}
	freed        chan struct{}
	pollInterval time.Duration
}

// New allocates a ring of depth slots. depth must be a power of two.
func New(depth uint32, pollInterval time.Duration) (*Ring, error) {
	if depth == 0 || depth&(depth-1) != 0 {
		return nil, fmt.Errorf("ring depth %d is not a power of two", depth)
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Ring{
		mem:          make([]byte, int(depth)*descriptor.Size),
		entries:      depth,
		mask:         depth - 1,
		ready:        make(chan struct{}, 1),
		freed:        make(chan struct{}, 1),
		pollInterval: pollInterval,
	}, nil
}

// Depth returns the number of slots.
func (r *Ring) Depth() uint32 { return r.entries }

// Len returns the number of slots waiting for the consumer.
func (r *Ring) Len() uint32 {
	return r.tail.Load() - r.head.Load()
}

func (r *Ring) slot(idx uint32) []byte {
	off := int(idx&r.mask) * descriptor.Size
	return r.mem[off : off+descriptor.Size]
}

// Push publishes all slots at once, so a consumer never observes part of a
// multi-slot descriptor.
func (r *Ring) Push(slots ...descriptor.Raw) error {
	if r.closed.Load() {
		return ErrRingClosed
	}
	tail := r.tail.Load()
	if uint32(len(slots)) > r.entries-(tail-r.head.Load()) {
		return ErrRingFull
	}
	for i := range slots {
		copy(r.slot(tail+uint32(i)), slots[i][:])
	}
	r.tail.Store(tail + uint32(len(slots)))
	notify(r.ready)
	return nil
}

// PushWait is Push for a producer that must not lose slots: while the ring
// is full it waits for the consumer until ctx is done or the ring closes.
func (r *Ring) PushWait(ctx context.Context, slots ...descriptor.Raw) error {
	if uint32(len(slots)) > r.entries {
		return ErrRingFull
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		err := r.Push(slots...)
		if !errors.Is(err, ErrRingFull) {
			return err
		}
		if timer == nil {
			timer = time.NewTimer(r.pollInterval)
		} else {
			timer.Reset(r.pollInterval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.freed:
		case <-timer.C:
		}
	}
}

// TryPop returns the next slot without blocking.
func (r *Ring) TryPop() (descriptor.Raw, bool) {
	var raw descriptor.Raw
	head := r.head.Load()
	if head == r.tail.Load() {
		return raw, false
	}
	copy(raw[:], r.slot(head))
	clear(r.slot(head))
	r.head.Store(head + 1)
	notify(r.freed)
	return raw, true
}

// Pop blocks until a slot is available, ctx is done, or the ring is closed
// and empty.
func (r *Ring) Pop(ctx context.Context) (descriptor.Raw, error) {
	var timer *time.Timer
	for {
		if raw, ok := r.TryPop(); ok {
			if timer != nil {
				timer.Stop()
			}
			return raw, nil
		}
		if r.closed.Load() {
			return descriptor.Raw{}, ErrRingClosed
		}
		if timer == nil {
			timer = time.NewTimer(r.pollInterval)
		} else {
			timer.Reset(r.pollInterval)
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			return descriptor.Raw{}, ctx.Err()
		case <-r.ready:
		case <-timer.C:
		}
	}
}

// Close stops producers. Slots already published can still be popped.
func (r *Ring) Close() {
	if r.closed.CompareAndSwap(false, true) {
		notify(r.ready)
		notify(r.freed)
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
