// Package flowcontrol implements the two flow-control strategies named by
// spec.md §4.6: unicast last-SM-wins and multicast min-across-active-
// receivers with a per-source liveness timeout. Neither the teacher nor any
// other pack repo models flow control; this is new domain logic built on
// the standard library only.
package flowcontrol

// StatusMessage is the subset of an inbound SM frame a Strategy needs.
type StatusMessage struct {
	ReceiverID             int64
	ConsumptionTermID      int32
	ConsumptionTermOffset  int32
	ReceiverWindow         int32
}

// Strategy observes status messages for a publication and computes the
// byte position the sender must not transmit past (spec.md §4.6:
// "The sender never transmits past senderPositionLimit").
type Strategy interface {
	// OnStatusMessage records sm, observed at time nowNs, and returns the
	// updated publication position limit.
	OnStatusMessage(sm StatusMessage, nowNs int64, initialTermID, positionBitsToShift int32) int64
	// PositionLimit returns the current limit without processing a new SM,
	// applying any liveness-based decay (multicast drops stale receivers).
	PositionLimit(nowNs int64) int64
}
