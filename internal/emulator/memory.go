package emulator

import (
	"sync"
)

const pageSize = 4096

// Memory is the address space the device reads from and writes into.
type Memory interface {
	ReadAt(addr uint64, n uint32) ([]byte, error)
	WriteAt(addr uint64, b []byte) error
}

// HeapMemory is a sparse, page-granular address space backed by the Go
// heap. Pages that were never written read as zero.
type HeapMemory struct {
	mu    sync.RWMutex
	pages map[uint64]*[pageSize]byte
}

// NewHeapMemory returns an empty, zero-filled address space.
func NewHeapMemory() *HeapMemory {
	return &HeapMemory{pages: make(map[uint64]*[pageSize]byte)}
}

// ReadAt copies n bytes starting at addr. Untouched pages read as zeros.
func (m *HeapMemory) ReadAt(addr uint64, n uint32) ([]byte, error) {
	out := make([]byte, n)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for done := uint32(0); done < n; {
		a := addr + uint64(done)
		off := a % pageSize
		chunk := min(uint32(pageSize-off), n-done)
		if p, ok := m.pages[a-off]; ok {
			copy(out[done:done+chunk], p[off:off+uint64(chunk)])
		}
		done += chunk
	}
	return out, nil
}

// WriteAt stores b at addr, allocating pages on first touch.
func (m *HeapMemory) WriteAt(addr uint64, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for done := 0; done < len(b); {
		a := addr + uint64(done)
		off := a % pageSize
		chunk := min(int(pageSize-off), len(b)-done)
		base := a - off
		p, ok := m.pages[base]
		if !ok {
			p = new([pageSize]byte)
			m.pages[base] = p
		}
		copy(p[off:off+uint64(chunk)], b[done:done+chunk])
		done += chunk
	}
	return nil
}
