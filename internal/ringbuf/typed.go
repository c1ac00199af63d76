package ringbuf

import (
	"context"
	"fmt"

	"github.com/yuuki/rdmadriver/internal/descriptor"
)

// ToHostWorkRing is the consumer view of the device's work report ring.
type ToHostWorkRing struct {
	ring *Ring
}

// NewToHostWorkRing wraps r.
func NewToHostWorkRing(r *Ring) *ToHostWorkRing {
	return &ToHostWorkRing{ring: r}
}

// Pop blocks for the next descriptor. Decode failures are returned wrapped
// in descriptor.ErrMalformed after their slots have been consumed, so the
// caller may skip them and keep reading.
func (t *ToHostWorkRing) Pop(ctx context.Context) (descriptor.ToHostWorkDesc, error) {
	first, err := t.ring.Pop(ctx)
	if err != nil {
		return nil, err
	}
	slots, err := t.ring.rest(first, descriptor.ToHostWorkSegments(first))
	if err != nil {
		return nil, err
	}
	return descriptor.DecodeToHostWork(slots)
}

// Push is used by the device side. It waits while the ring is full.
func (t *ToHostWorkRing) Push(ctx context.Context, d descriptor.ToHostWorkDesc) error {
	slots, err := descriptor.EncodeToHostWork(d)
	if err != nil {
		return err
	}
	return t.ring.PushWait(ctx, slots...)
}

// ToCardWorkRing carries send-queue work requests to the device.
type ToCardWorkRing struct {
	ring *Ring
}

// NewToCardWorkRing wraps r.
func NewToCardWorkRing(r *Ring) *ToCardWorkRing {
	return &ToCardWorkRing{ring: r}
}

// Push encodes req with its scatter-gather slots and waits while the ring
// is full.
func (t *ToCardWorkRing) Push(ctx context.Context, req *descriptor.ToCardWorkReq) error {
	slots, err := descriptor.EncodeToCardWork(req)
	if err != nil {
		return err
	}
	return t.ring.PushWait(ctx, slots...)
}

// Pop is used by the device side.
func (t *ToCardWorkRing) Pop(ctx context.Context) (*descriptor.ToCardWorkReq, error) {
	first, err := t.ring.Pop(ctx)
	if err != nil {
		return nil, err
	}
	n, err := descriptor.WorkReqSegments(first)
	if err != nil {
		return nil, err
	}
	slots, err := t.ring.rest(first, n)
	if err != nil {
		return nil, err
	}
	return descriptor.DecodeToCardWork(slots)
}

// rest collects the n-1 slots that follow first. A producer publishes all
// slots of a descriptor together, so they are already on the ring and
// reading them never waits.
func (r *Ring) rest(first descriptor.Raw, n int) ([]descriptor.Raw, error) {
	slots := []descriptor.Raw{first}
	for len(slots) < n {
		next, ok := r.TryPop()
		if !ok {
			return nil, fmt.Errorf("%w: descriptor segment %d of %d missing", descriptor.ErrMalformed, len(slots), n)
		}
		slots = append(slots, next)
	}
	return slots, nil
}

// CtrlRings is the command ring and its response ring.
type CtrlRings struct {
	ToCard *Ring
	ToHost *Ring
}

// PushCommand encodes d onto the to-card control ring.
func (c CtrlRings) PushCommand(d descriptor.ToCardCtrlDesc) error {
	raw, err := descriptor.EncodeToCardCtrl(d)
	if err != nil {
		return err
	}
	return c.ToCard.Push(raw)
}

// PopCommand is used by the device side.
func (c CtrlRings) PopCommand(ctx context.Context) (descriptor.ToCardCtrlDesc, error) {
	raw, err := c.ToCard.Pop(ctx)
	if err != nil {
		return nil, err
	}
	return descriptor.DecodeToCardCtrl(raw)
}

// PushResponse is used by the device side.
func (c CtrlRings) PushResponse(d descriptor.ToHostCtrlDesc) error {
	raw, err := descriptor.EncodeToHostCtrl(d)
	if err != nil {
		return err
	}
	return c.ToHost.Push(raw)
}

// PopResponse blocks for the device's answer to a control command.
func (c CtrlRings) PopResponse(ctx context.Context) (descriptor.ToHostCtrlDesc, error) {
	raw, err := c.ToHost.Pop(ctx)
	if err != nil {
		return descriptor.ToHostCtrlDesc{}, err
	}
	return descriptor.DecodeToHostCtrl(raw)
}
