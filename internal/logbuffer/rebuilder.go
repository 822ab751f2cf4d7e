package logbuffer

import "github.com/quaywire/mediadriver/internal/protocol"

// Rebuilder writes frames arriving off the wire into a subscriber-side log
// buffer (an "image"), following spec.md §4.2's rebuild rule: a frame is
// written into its term-offset slot if that slot is empty, a real data frame
// also overwrites a slot holding a heartbeat, and a zero-length heartbeat
// DATA frame never overwrites a slot that is already committed.
type Rebuilder struct {
	lb *LogBuffer
}

// NewRebuilder returns a Rebuilder over lb.
func NewRebuilder(lb *LogBuffer) *Rebuilder { return &Rebuilder{lb: lb} }

// Insert writes a frame read from the wire into termID's partition at
// termOffset. raw is the whole wire frame (header
// included) exactly as received, already validated by the caller (the
// Receiver) via protocol.GetDataHeader. It reports whether the frame was
// newly committed (false if the slot already held a frame and this insert
// was rejected as a duplicate/no-op).
func (r *Rebuilder) Insert(termID int32, termOffset int32, raw []byte, isHeartbeat bool) bool {
	partition := r.partitionForTerm(termID)
	if partition == nil {
		return false
	}
	if termOffset < 0 || int(termOffset) >= len(partition.Bytes()) {
		return false
	}

	existing := partition.FrameLengthVolatile(termOffset)
	switch {
	case existing == 0:
		// Slot unclaimed: any frame, heartbeat or data, may occupy it.
	case existing == protocol.DataHeaderLength && !isHeartbeat:
		// A heartbeat already occupies the slot; real data always overwrites
		// a heartbeat at the same offset, per spec.md §4.2.
	default:
		// Slot already holds a heartbeat (and the incoming frame is also a
		// heartbeat) or already holds real data: never overwritten.
		return false
	}

	copy(partition.Bytes()[termOffset:], raw)
	if isHeartbeat {
		partition.CommitFrame(termOffset, protocol.DataHeaderLength)
	} else {
		partition.CommitFrame(termOffset, int32(len(raw)))
	}
	return true
}

// HighestContiguousOffset returns the offset immediately after the longest
// unbroken run of committed frames starting at 0 within termID's partition,
// i.e. the position the subscriber may safely advance its consumption
// position to without gaps.
func (r *Rebuilder) HighestContiguousOffset(termID int32, termLength int32) int32 {
	partition := r.partitionForTerm(termID)
	if partition == nil {
		return 0
	}
	var offset int32
	for offset < termLength {
		length := partition.FrameLengthVolatile(offset)
		if length == 0 {
			break
		}
		offset += protocol.AlignedLength(length)
	}
	return offset
}

func (r *Rebuilder) partitionForTerm(termID int32) *Partition {
	for i := int32(0); i < PartitionCount; i++ {
		p := r.lb.partitions[i]
		if p.TermID() == termID {
			return p
		}
	}
	return nil
}
