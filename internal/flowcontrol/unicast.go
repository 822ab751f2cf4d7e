package flowcontrol

import "github.com/quaywire/mediadriver/internal/concurrent"

// UnicastStrategy implements "last SM wins": the position limit tracks
// whatever the most recently observed status message reported, per
// spec.md §4.6.
type UnicastStrategy struct {
	limit concurrent.Position
}

// NewUnicastStrategy returns a strategy with no limit granted yet (0).
func NewUnicastStrategy() *UnicastStrategy { return &UnicastStrategy{} }

func (u *UnicastStrategy) OnStatusMessage(sm StatusMessage, nowNs int64, initialTermID, positionBitsToShift int32) int64 {
	pos := concurrent.ComputePosition(sm.ConsumptionTermID, initialTermID, positionBitsToShift, sm.ConsumptionTermOffset)
	limit := pos + int64(sm.ReceiverWindow)
	u.limit.Set(limit)
	return limit
}

func (u *UnicastStrategy) PositionLimit(nowNs int64) int64 { return u.limit.Get() }
