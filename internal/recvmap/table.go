package recvmap

import (
	"fmt"
	"sync"

	"github.com/yuuki/rdmadriver/internal/types"
)

// Table maps an MSN to its tracker.
type Table struct {
	mu   sync.RWMutex
	maps map[types.Msn]*RecvPktMap
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{maps: make(map[types.Msn]*RecvPktMap)}
}

// InsertNew stores m under msn. An existing tracker is kept and
// ErrDuplicateMsn is returned.
func (t *Table) InsertNew(msn types.Msn, m *RecvPktMap) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.maps[msn]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateMsn, msn)
	}
	t.maps[msn] = m
	return nil
}

// Get returns the tracker of msn.
func (t *Table) Get(msn types.Msn) (*RecvPktMap, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.maps[msn]
	return m, ok
}

// Remove drops the tracker for msn once its consumer is done with it.
func (t *Table) Remove(msn types.Msn) (*RecvPktMap, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.maps[msn]
	if ok {
		delete(t.maps, msn)
	}
	return m, ok
}

// RemoveComplete drops every finished tracker and returns how many went.
func (t *Table) RemoveComplete() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for msn, m := range t.maps {
		if m.IsComplete() {
			delete(t.maps, msn)
			n++
		}
	}
	return n
}

// Len returns the number of live trackers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.maps)
}
