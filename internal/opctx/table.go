package opctx

import (
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/yuuki/rdmadriver/internal/types"
)

// Table maps an MSN to the context of the operation that owns it.
type Table[T any] struct {
	m cmap.ConcurrentMap[types.Msn, *Ctx[T]]
}

// NewTable returns an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{
		m: cmap.NewWithCustomShardingFunction[types.Msn, *Ctx[T]](func(msn types.Msn) uint32 {
			return uint32(msn)
		}),
	}
}

// Register creates a running context for msn.
func (t *Table[T]) Register(msn types.Msn) (*Ctx[T], error) {
	c := New[T]()
	if !t.m.SetIfAbsent(msn, c) {
		return nil, fmt.Errorf("%w: msn %d", ErrExists, msn)
	}
	return c, nil
}

// Get returns the context registered for msn.
func (t *Table[T]) Get(msn types.Msn) (*Ctx[T], bool) {
	return t.m.Get(msn)
}

// Resolve completes the context registered for msn. The entry stays in the
// table until its owner removes it.
func (t *Table[T]) Resolve(msn types.Msn, v T) error {
	c, ok := t.m.Get(msn)
	if !ok {
		return fmt.Errorf("%w: msn %d", ErrNotFound, msn)
	}
	if err := c.SetResult(v); err != nil {
		return fmt.Errorf("msn %d: %w", msn, err)
	}
	return nil
}

// Remove forgets msn. Waiters already holding the context are unaffected.
func (t *Table[T]) Remove(msn types.Msn) {
	t.m.Remove(msn)
}

// Len returns the number of registered contexts.
func (t *Table[T]) Len() int {
	return t.m.Count()
}
