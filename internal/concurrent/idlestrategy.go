// Package concurrent holds the cooperative-scheduling primitives shared by
// the driver's three agents: an idle strategy escalation ladder, atomic
// position counters, and single-producer/single-consumer command queues.
//
// None of these types perform allocation or blocking system calls beyond a
// bounded park once idle, matching the no-lock, no-alloc steady state
// required of the agent hot paths.
package concurrent

import (
	"runtime"
	"time"
)

// IdleStrategy is consulted by an Agent after each doWork() call with the
// work count it returned. A positive count resets the strategy; a zero count
// escalates through busy-spin, then yield, then a bounded park.
type IdleStrategy interface {
	Idle(workCount int)
	Reset()
}

// Parker is implemented by IdleStrategy implementations whose final
// escalation tier can be interrupted early by an external wake instead of
// running its park out to completion. Runner calls SetGate once, at
// construction, and signals the gate on Stop so an agent parked with a long
// IdleParkNs still shuts down promptly.
type Parker interface {
	SetGate(g *WakeableGate)
}

// BackoffIdleStrategy implements the classic busy-spin -> yield -> park
// escalation ladder used by the driver's agents when they have no work.
type BackoffIdleStrategy struct {
	spins      int
	yields     int
	maxSpins   int
	maxYields  int
	parkPeriod time.Duration
	gate       *WakeableGate
}

// NewBackoffIdleStrategy returns the default escalation ladder: 100 busy
// spins, then 10 runtime.Gosched yields, then parking for parkPeriod.
func NewBackoffIdleStrategy(parkPeriod time.Duration) *BackoffIdleStrategy {
	if parkPeriod <= 0 {
		parkPeriod = 100 * time.Microsecond
	}
	return &BackoffIdleStrategy{maxSpins: 100, maxYields: 10, parkPeriod: parkPeriod}
}

// Idle escalates the wait strategy when workCount is zero, and resets it
// otherwise. Callers pass the work count directly from doWork().
func (b *BackoffIdleStrategy) Idle(workCount int) {
	if workCount > 0 {
		b.Reset()
		return
	}
	switch {
	case b.spins < b.maxSpins:
		b.spins++
		procYield()
	case b.yields < b.maxYields:
		b.yields++
		runtime.Gosched()
	default:
		if b.gate != nil {
			b.gate.Park(b.parkPeriod)
			return
		}
		time.Sleep(b.parkPeriod)
	}
}

// Reset returns the strategy to its busy-spin tier.
func (b *BackoffIdleStrategy) Reset() {
	b.spins = 0
	b.yields = 0
}

// SetGate wires a WakeableGate into the strategy's park tier so Runner.Stop
// can cut a park short instead of waiting for the full parkPeriod to elapse.
func (b *BackoffIdleStrategy) SetGate(g *WakeableGate) {
	b.gate = g
}

// BusySpinIdleStrategy never parks or sleeps: an idle cycle only yields via
// procYield; suitable only for dedicated agent threads under low agent counts.
type BusySpinIdleStrategy struct{}

func (BusySpinIdleStrategy) Idle(workCount int) {
	if workCount == 0 {
		procYield()
	}
}

func (BusySpinIdleStrategy) Reset() {}

// NoOpIdleStrategy never waits; used by tests that drive doWork() manually.
type NoOpIdleStrategy struct{}

func (NoOpIdleStrategy) Idle(int) {}
func (NoOpIdleStrategy) Reset()   {}

// procYield yields the processor to other goroutines with runtime.Gosched;
// the calling goroutine stays runnable and resumes without a timed wait.
func procYield() {
	runtime.Gosched()
}
