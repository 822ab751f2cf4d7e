package logbuffer

import (
	"errors"
	"sync/atomic"

	"github.com/quaywire/mediadriver/internal/concurrent"
	"github.com/quaywire/mediadriver/internal/protocol"
)

// ErrAdminAction is returned by Reserve when the caller must retry: another
// producer has just rotated the active partition (or is in the middle of
// doing so) and the caller's reservation targeted the partition that is
// being retired.
var ErrAdminAction = errors.New("logbuffer: admin action, retry append")

// ErrMaxPositionExceeded is returned by Reserve when the term log has been
// fully appended and no further writes are possible until a subscriber
// consumes and the publication is closed; per spec.md this bounds a
// publication's lifetime rather than silently wrapping.
var ErrMaxPositionExceeded = errors.New("logbuffer: term count exceeded")

// ErrBackPressured is returned by Reserve when the reservation would move
// the publication's position past its sender-position-limit, per spec.md
// §4.2's reservation result set.
var ErrBackPressured = errors.New("logbuffer: back pressured")

// ErrClosed is returned by Reserve once the Appender's publication has been
// closed by the Conductor; no further writes are accepted.
var ErrClosed = errors.New("logbuffer: appender closed")

// Appender drives the producer side of a single log buffer: it is owned and
// called exclusively by the publication that owns the buffer (the Sender
// agent thread only reads committed frames, never appends).
type Appender struct {
	lb                  *LogBuffer
	positionBitsToShift int32
	positionLimit       *concurrent.Position // nil means unbounded
	closed              atomic.Bool
}

// NewAppender returns an Appender over lb.
func NewAppender(lb *LogBuffer) *Appender {
	return &Appender{lb: lb, positionBitsToShift: concurrent.PositionBitsToShift(lb.termLength)}
}

// SetPositionLimit wires the appender to the publication's
// sender-position-limit counter (owned by the flow-control strategy), so
// Reserve enforces "the sender never transmits past senderPositionLimit"
// even on the producer side (a slow client offering faster than receivers
// drain is back-pressured before it can overrun the term log).
func (a *Appender) SetPositionLimit(limit *concurrent.Position) { a.positionLimit = limit }

// Close marks the appender closed; subsequent Reserve calls return
// ErrClosed. Idempotent.
func (a *Appender) Close() { a.closed.Store(true) }

// Reservation describes a claimed, uncommitted frame slot. Callers must fill
// Bytes()[Offset():Offset()+headerLen] and the payload, then call Commit
// exactly once.
type Reservation struct {
	partition   *Partition
	byteOffset  int32
	frameLength int32 // unaligned wire length: header + payload
	termID      int32
}

// Bytes returns the partition storage the reservation was carved from, for
// the caller to fill starting at Offset().
func (r Reservation) Bytes() []byte { return r.partition.Bytes() }

// Offset is the byte offset within Bytes() where the frame header begins.
func (r Reservation) Offset() int32 { return r.byteOffset }

// TermID is the term the reservation belongs to, needed to fill the header's
// TermID field.
func (r Reservation) TermID() int32 { return r.termID }

// Commit publishes the frame with a release-ordered store of its length.
func (r Reservation) Commit() {
	r.partition.CommitFrame(r.byteOffset, r.frameLength)
}

// Reserve claims frameLength bytes (header+payload, unaligned) in the active
// partition for a new frame. It performs the same fetch-add-then-check
// pattern as spec.md §4.2's "Append (producer side)": when the frame would
// reach or cross the term boundary the remainder is padded and the caller
// must retry (rotation is
// performed by the same call that discovers it must pad, so a single retry
// always succeeds against the newly active partition).
func (a *Appender) Reserve(frameLength int32) (Reservation, error) {
	if a.closed.Load() {
		return Reservation{}, ErrClosed
	}
	aligned := protocol.AlignedLength(frameLength)
	for {
		activeIndex := a.lb.meta.ActiveIndex()
		partition := a.lb.partitions[activeIndex]
		raw := a.lb.meta.RawTailValue(activeIndex)
		termID, offset := UnpackTail(raw)

		termLength := a.lb.termLength
		newOffset := offset + aligned

		if newOffset < termLength {
			if a.positionLimit != nil {
				prospective := concurrent.ComputePosition(termID, a.lb.meta.InitialTermID(), a.positionBitsToShift, newOffset)
				if prospective > a.positionLimit.Get() {
					return Reservation{}, ErrBackPressured
				}
			}
			newRaw := PackTail(termID, newOffset)
			if !a.lb.meta.CompareAndSetRawTailValue(activeIndex, raw, newRaw) {
				continue
			}
			return Reservation{partition: partition, byteOffset: offset, frameLength: frameLength, termID: termID}, nil
		}

		// Not enough room left in this partition. Claim the tail out to
		// exactly termLength with a CAS so only one appender performs the
		// pad-and-rotate step.
		if offset >= termLength {
			// Another appender already rotated past us; the active index
			// should have moved on. Retry against the new active partition.
			return Reservation{}, ErrAdminAction
		}
		padRaw := PackTail(termID, termLength)
		if !a.lb.meta.CompareAndSetRawTailValue(activeIndex, raw, padRaw) {
			continue
		}
		partition.WritePadding(offset, termID)

		nextIndex := (activeIndex + 1) % PartitionCount
		nextTermID := termID + 1
		if nextTermID-a.lb.meta.InitialTermID() >= PartitionCount*maxTermsPerPartitionCycle {
			return Reservation{}, ErrMaxPositionExceeded
		}
		next := a.lb.partitions[nextIndex]
		nextRaw := a.lb.meta.RawTailValue(nextIndex)
		_, nextOffset := UnpackTail(nextRaw)
		if nextOffset != 0 {
			// The partition rotating back into service still holds an older
			// term; it is scrubbed just below and its tail reset to offset 0
			// as the fresh producer position for the new term.
		}
		next.Scrub()
		a.lb.meta.SetRawTailValue(nextIndex, PackTail(nextTermID, 0))
		a.lb.meta.CompareAndSetActiveIndex(activeIndex, nextIndex)
		return Reservation{}, ErrAdminAction
	}
}

// maxTermsPerPartitionCycle bounds how many times a partition may recycle
// before Reserve refuses further writes, guarding against a stuck consumer
// pinning a publication open forever. Chosen generously; spec.md leaves the
// exact bound to the implementation ("§9, future work: publication
// lifetime limits").
const maxTermsPerPartitionCycle = 1 << 20
