package logbuffer

import "github.com/quaywire/mediadriver/internal/protocol"

// Gap describes a missing run of bytes within a term, bounded by two
// committed frames (or the current high-water mark on the right).
type Gap struct {
	TermID    int32
	TermOffset int32
	Length    int32
}

// ScanForGaps walks partition from startOffset up to limitOffset looking for
// runs of unwritten slots, per spec.md §4.4's "Loss detection (receiver
// side)". It skips over committed frames and reports every uncommitted run
// it finds up to limitOffset; the Receiver calls this repeatedly as its
// rebuild high-water mark advances.
func ScanForGaps(partition *Partition, termID int32, startOffset, limitOffset int32) []Gap {
	var gaps []Gap
	offset := startOffset
	for offset < limitOffset {
		length := partition.FrameLengthVolatile(offset)
		if length != 0 {
			offset += protocol.AlignedLength(length)
			continue
		}
		gapStart := offset
		for offset < limitOffset && partition.FrameLengthVolatile(offset) == 0 {
			offset += protocol.FrameAlignment
		}
		gaps = append(gaps, Gap{TermID: termID, TermOffset: gapStart, Length: offset - gapStart})
	}
	return gaps
}

// BlockHandler is invoked by ScanBlock for each committed frame found.
// raw is the frame's bytes, header included, exactly as stored (a slice into
// the partition, not a copy — handlers must not retain it past the call).
type BlockHandler func(raw []byte, termOffset int32, headerType protocol.FrameType)

// ScanBlock walks committed frames starting at offset up to maxLength bytes
// or the first gap, whichever comes first, invoking handler for each frame.
// It returns the number of bytes scanned, i.e. the offset the Sender should
// resume from on its next doWork cycle. Grounded on spec.md §4.3's "Send
// (sender side)" description of the sender scanning committed frames in a
// batch per doWork invocation, bounded by MTU-sized send batches.
func ScanBlock(partition *Partition, offset int32, maxLength int32, handler BlockHandler) int32 {
	var scanned int32
	for scanned < maxLength {
		frameOffset := offset + scanned
		if int(frameOffset) >= len(partition.Bytes()) {
			break
		}
		length := partition.FrameLengthVolatile(frameOffset)
		if length == 0 {
			break
		}
		aligned := protocol.AlignedLength(length)
		if scanned+aligned > maxLength && scanned > 0 {
			break
		}
		raw := partition.Bytes()[frameOffset : frameOffset+length]
		frameType := protocol.FrameType(0)
		if hdr, err := protocol.GetCommonHeader(raw); err == nil {
			frameType = hdr.Type
		}
		handler(raw, frameOffset, frameType)
		scanned += aligned
	}
	return scanned
}
