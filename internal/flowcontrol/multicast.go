package flowcontrol

import (
	"math"
	"sync"

	"github.com/quaywire/mediadriver/internal/concurrent"
)

// receiverState tracks one active receiver's last-reported window and when
// it was last heard from.
type receiverState struct {
	limit    int64
	lastSeen int64
}

// MulticastStrategy implements "min-across-receivers over an active set
// with per-source liveness timeout", per spec.md §4.6: new receivers widen
// the group, a receiver not seen for receiverTimeoutNs is dropped, and the
// publication limit is the minimum reported window across the active set.
type MulticastStrategy struct {
	receiverTimeoutNs int64

	mu        sync.Mutex
	receivers map[int64]*receiverState
	cached    concurrent.Position
}

// NewMulticastStrategy returns a strategy that drops receivers unseen for
// longer than receiverTimeoutNs.
func NewMulticastStrategy(receiverTimeoutNs int64) *MulticastStrategy {
	return &MulticastStrategy{receiverTimeoutNs: receiverTimeoutNs, receivers: make(map[int64]*receiverState)}
}

func (m *MulticastStrategy) OnStatusMessage(sm StatusMessage, nowNs int64, initialTermID, positionBitsToShift int32) int64 {
	pos := concurrent.ComputePosition(sm.ConsumptionTermID, initialTermID, positionBitsToShift, sm.ConsumptionTermOffset)
	limit := pos + int64(sm.ReceiverWindow)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.receivers[sm.ReceiverID] = &receiverState{limit: limit, lastSeen: nowNs}
	return m.recomputeLocked(nowNs)
}

func (m *MulticastStrategy) PositionLimit(nowNs int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recomputeLocked(nowNs)
}

// recomputeLocked drops receivers not seen within receiverTimeoutNs and
// returns the minimum limit across the surviving active set. With no active
// receivers the limit is the last cached value (avoids a spurious jump to 0
// that would stall the sender the instant the last receiver goes quiet
// before its own timeout elapses).
func (m *MulticastStrategy) recomputeLocked(nowNs int64) int64 {
	for id, r := range m.receivers {
		if nowNs-r.lastSeen > m.receiverTimeoutNs {
			delete(m.receivers, id)
		}
	}
	if len(m.receivers) == 0 {
		return m.cached.Get()
	}
	min := int64(math.MaxInt64)
	for _, r := range m.receivers {
		if r.limit < min {
			min = r.limit
		}
	}
	m.cached.Set(min)
	return min
}

// ActiveReceiverCount returns the current size of the active set, for
// metrics and tests.
func (m *MulticastStrategy) ActiveReceiverCount(nowNs int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recomputeLocked(nowNs)
	return len(m.receivers)
}
