// Package recvmap tracks which packets of an in-flight multi-packet receive
// have landed.
package recvmap

import (
	"errors"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/yuuki/rdmadriver/internal/types"
)

var (
	ErrZeroPackets  = errors.New("packet count must be at least one")
	ErrDuplicateMsn = errors.New("tracker already exists for msn")
)

// ExpectedPackets derives the packet count of a message from its first
// segment. An unaligned first segment carries only the bytes up to the next
// pmtu boundary; an only segment carries everything.
func ExpectedPackets(isOnly bool, addr uint64, totalLen uint32, pmtu uint32) uint32 {
	if pmtu == 0 {
		return 1
	}
	firstPktLen := totalLen
	if !isOnly {
		firstPktLen = pmtu - uint32(addr&uint64(pmtu-1))
	}
	if totalLen <= firstPktLen {
		return 1
	}
	rest := totalLen - firstPktLen
	return 1 + (rest+pmtu-1)/pmtu
}

// RecvPktMap records arrivals for the PSN window [StartPsn, StartPsn+PacketCount).
type RecvPktMap struct {
	mu          sync.Mutex
	isReadResp  bool
	qpn         types.Qpn
	startPsn    types.Psn
	pktCount    uint32
	lastPsn     types.Psn
	received    *bitset.BitSet
	receivedCnt uint32
}

// New creates the tracker for a message whose first segment, carrying
// startPsn, has just arrived. That segment is already recorded, so a
// single-packet message is complete from the start.
func New(isReadResp bool, pktCount uint32, startPsn types.Psn, qpn types.Qpn) (*RecvPktMap, error) {
	if pktCount == 0 {
		return nil, ErrZeroPackets
	}
	received := bitset.New(uint(pktCount))
	received.Set(0)
	return &RecvPktMap{
		isReadResp:  isReadResp,
		qpn:         qpn,
		startPsn:    startPsn,
		pktCount:    pktCount,
		lastPsn:     startPsn,
		received:    received,
		receivedCnt: 1,
	}, nil
}

// Insert records the arrival of psn. It reports false when psn falls outside
// the window. Repeated inserts of the same psn are no-ops.
func (m *RecvPktMap) Insert(psn types.Psn) bool {
	off := psn.Distance(m.startPsn)
	if off >= m.pktCount {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.received.Test(uint(off)) {
		return true
	}
	m.received.Set(uint(off))
	m.receivedCnt++
	if off > m.lastPsn.Distance(m.startPsn) {
		m.lastPsn = psn
	}
	return true
}

// IsComplete reports whether every expected packet has arrived.
func (m *RecvPktMap) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receivedCnt == m.pktCount
}

// Received returns how many distinct packets have arrived.
func (m *RecvPktMap) Received() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receivedCnt
}

// Missing lists the PSNs not yet observed, in order.
func (m *RecvPktMap) Missing() []types.Psn {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Psn
	for i := uint32(0); i < m.pktCount; i++ {
		if !m.received.Test(uint(i)) {
			out = append(out, m.startPsn.Add(i))
		}
	}
	return out
}

// LastPsn is the highest PSN observed so far.
func (m *RecvPktMap) LastPsn() types.Psn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPsn
}

// Fixed at creation.
func (m *RecvPktMap) IsReadResp() bool    { return m.isReadResp }
func (m *RecvPktMap) Qpn() types.Qpn      { return m.qpn }
func (m *RecvPktMap) StartPsn() types.Psn { return m.startPsn }
func (m *RecvPktMap) PacketCount() uint32 { return m.pktCount }
