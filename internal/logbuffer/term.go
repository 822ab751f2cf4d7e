package logbuffer

import (
	"sync/atomic"
	"unsafe"

	"github.com/quaywire/mediadriver/internal/protocol"
)

// Partition is one of the three equal regions of a log buffer. Exactly one
// partition is active (writable by the producer) at any instant; the other
// two are either draining to subscribers or awaiting the post-rotation
// scrub described in spec.md §3's invariants.
type Partition struct {
	mem        []byte // the partition's byte range within the mapped file
	index      int32
	length     int32
	meta       Metadata
}

func newPartition(mem []byte, offset int, length int32, index int32, meta Metadata) *Partition {
	return &Partition{mem: mem[offset : offset+int(length)], index: index, length: length, meta: meta}
}

// Index returns this partition's slot, 0..2.
func (p *Partition) Index() int32 { return p.index }

// Length returns the partition's byte length (== the log buffer's term
// length).
func (p *Partition) Length() int32 { return p.length }

// TermID returns the term id currently associated with this partition slot,
// i.e. the high 32 bits of its packed tail counter.
func (p *Partition) TermID() int32 {
	id, _ := UnpackTail(p.meta.RawTailValue(p.index))
	return id
}

// TailOffset returns this partition's raw tail counter's offset component.
// It never exceeds Length(); it equals Length() once a reservation has
// padded out the end of the partition for rotation.
func (p *Partition) TailOffset() int32 {
	_, off := UnpackTail(p.meta.RawTailValue(p.index))
	return off
}

// frameLengthPtr returns an atomic view of the 4-byte frame-length word at
// byteOffset within the partition. This is the field committed last, with
// release semantics, by the producer, and observed first, with acquire
// semantics, by any reader.
func (p *Partition) frameLengthPtr(byteOffset int32) *int32 {
	return (*int32)(unsafe.Pointer(&p.mem[byteOffset]))
}

// FrameLengthVolatile performs an acquire load of the frame-length word at
// byteOffset. A committed frame has a non-zero value here; an
// as-yet-uncommitted reservation reads back zero.
func (p *Partition) FrameLengthVolatile(byteOffset int32) int32 {
	return atomic.LoadInt32(p.frameLengthPtr(byteOffset))
}

// Bytes returns the raw partition storage. Callers use this only to place
// header and payload bytes ahead of the release-ordered commit; nothing
// outside this package should hold a reference across a rotation.
func (p *Partition) Bytes() []byte { return p.mem }

// CommitFrame performs the release-ordered store of the length word,
// publishing a previously-written header+payload. length must already
// reflect the true wire size (header + payload), unaligned; alignment is the
// caller's job when advancing to the next reservation.
func (p *Partition) CommitFrame(byteOffset int32, length int32) {
	atomic.StoreInt32(p.frameLengthPtr(byteOffset), length)
}

// WritePadding stamps a PAD frame header covering [byteOffset, Length())
// and commits it, used when a reservation would cross the partition end.
func (p *Partition) WritePadding(byteOffset int32, termID int32) {
	padLen := p.length - byteOffset
	hdr := protocol.DataHeader{
		CommonHeader: protocol.CommonHeader{Version: protocol.Version, Type: protocol.FrameTypePad},
		TermOffset:   byteOffset,
		TermID:       termID,
	}
	_ = protocol.PutDataHeader(p.mem[byteOffset:], hdr)
	p.CommitFrame(byteOffset, padLen)
}

// Scrub clears the partition back to an all-zero state so it is safe to
// reuse once it rotates back to active, per spec.md's "each partition is
// cleared before becoming active again" invariant. This is O(termLength).
// Appender.Reserve calls it on the partition it rotates into, and the
// Receiver calls it when a partition is taken over by a newer term.
func (p *Partition) Scrub() {
	for i := range p.mem {
		p.mem[i] = 0
	}
}
