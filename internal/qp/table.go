package qp

import (
	"fmt"
	"sync"

	"github.com/yuuki/rdmadriver/internal/types"
)

// Table holds every registered queue pair. The poller only reads it.
type Table struct {
	mu  sync.RWMutex
	qps map[types.Qpn]*Context
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{qps: make(map[types.Qpn]*Context)}
}

// Insert validates c and registers it under c.Qpn.
func (t *Table) Insert(c *Context) error {
	if err := c.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.qps[c.Qpn]; ok {
		return fmt.Errorf("%w: %s", ErrQpExists, c.Qpn)
	}
	t.qps[c.Qpn] = c
	return nil
}

// Get returns the context of qpn.
func (t *Table) Get(qpn types.Qpn) (*Context, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.qps[qpn]
	return c, ok
}

// Pmtu returns the negotiated MTU of qpn.
func (t *Table) Pmtu(qpn types.Qpn) (types.Pmtu, bool) {
	c, ok := t.Get(qpn)
	if !ok {
		return 0, false
	}
	return c.Pmtu, true
}

// Remove unregisters qpn.
func (t *Table) Remove(qpn types.Qpn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.qps[qpn]; !ok {
		return fmt.Errorf("%w: %s", ErrQpNotFound, qpn)
	}
	delete(t.qps, qpn)
	return nil
}

// Len returns the number of registered queue pairs.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.qps)
}
