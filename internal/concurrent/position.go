package concurrent

import "sync/atomic"

// Position is a monotonic byte counter, termId*termLength+termOffset, shared
// between exactly one writer agent and any number of reader agents. Writes
// use atomic.Store (release); reads use atomic.Load (acquire), matching the
// release/acquire pairing spec.md requires around partition rotation and
// frame commits.
type Position struct {
	v atomic.Int64
}

// Get performs an acquire load of the current position.
func (p *Position) Get() int64 { return p.v.Load() }

// Set performs a release store of a new position. Callers must not move the
// position backwards.
func (p *Position) Set(v int64) { p.v.Store(v) }

// CompareAndSet performs an atomic CAS, used by the unblocker when advancing
// a sender position past a stalled reservation.
func (p *Position) CompareAndSet(old, new int64) bool {
	return p.v.CompareAndSwap(old, new)
}

// ComputePosition converts a (termId, termOffset) pair into a byte position
// given the initial term id and log2(termLength):
// position = (activeTermID-initialTermID)<<positionBitsToShift + termOffset.
// Term ids increase; wrapping is not modelled.
func ComputePosition(activeTermID, initialTermID, positionBitsToShift int32, termOffset int32) int64 {
	termCount := int64(activeTermID - initialTermID)
	return (termCount << uint(positionBitsToShift)) + int64(termOffset)
}

// PositionBitsToShift returns log2(termLength), used to multiply/divide term
// counts into byte positions without a division on the hot path. termLength
// must be a power of two, as required by spec.md's Data Model.
func PositionBitsToShift(termLength int32) int32 {
	shift := int32(0)
	for v := int32(1); v < termLength; v <<= 1 {
		shift++
	}
	return shift
}
