package cnc

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// ringHeaderLength is the fixed prefix of a ring region holding the write
// and read cursors; the remainder of the region is the data area.
const ringHeaderLength = 16

// frameHeaderLength is the length prefix written ahead of every message.
const frameHeaderLength = 4

// Ring is a single-producer single-consumer byte ring carrying
// length-prefixed messages, used for the CnC file's toDriverRing and
// toClientsRing (spec.md §6). Grounded on the teacher's ring.go atomic
// write/read-index discipline, generalized from a blocking futex-backed
// byte stream to a non-blocking framed-message ring: the Conductor's
// doWork() model polls rather than blocks, so there is no wait/wake pair
// here, only claim-write-publish and check-read-advance.
//
// The CnC ring is logically multi-producer (many client processes may
// write ADD_PUBLICATION etc. concurrently) but this implementation treats
// it as SPSC, matching spec.md §5's "Command queues: single producer,
// single consumer" scope note; a production multi-client CnC ring would
// need a claim-based MPSC variant, out of scope here since spec.md's core
// component design describes only the driver side of this protocol.
type Ring struct {
	mem      []byte
	capacity uint64
	dataOff  int
}

func newRing(region []byte) *Ring {
	return &Ring{mem: region, capacity: uint64(len(region) - ringHeaderLength), dataOff: ringHeaderLength}
}

func (r *Ring) writeIndexPtr() *uint64 { return (*uint64)(unsafe.Pointer(&r.mem[0])) }
func (r *Ring) readIndexPtr() *uint64  { return (*uint64)(unsafe.Pointer(&r.mem[8])) }

func (r *Ring) writeIndex() uint64 { return atomic.LoadUint64(r.writeIndexPtr()) }
func (r *Ring) readIndex() uint64  { return atomic.LoadUint64(r.readIndexPtr()) }

// Write appends msg as a length-prefixed frame. It returns false without
// writing anything if there is not enough free space, matching the
// non-blocking-offer discipline used throughout this driver.
func (r *Ring) Write(msg []byte) bool {
	frameLen := alignUp8(frameHeaderLength + len(msg))
	widx := r.writeIndex()
	ridx := r.readIndex()
	if uint64(frameLen) > r.capacity-(widx-ridx) {
		return false
	}

	var lenBuf [frameHeaderLength]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(msg)))
	pos := widx % r.capacity
	r.writeAt(pos, lenBuf[:])
	r.writeAt((pos+frameHeaderLength)%r.capacity, msg)

	atomic.StoreUint64(r.writeIndexPtr(), widx+uint64(frameLen))
	return true
}

// Drain invokes handler for every complete message currently available,
// advancing the read cursor as it goes, and returns the count processed.
func (r *Ring) Drain(handler func(msg []byte)) int {
	widx := r.writeIndex()
	ridx := r.readIndex()
	count := 0
	for ridx < widx {
		pos := ridx % r.capacity
		var lenBuf [frameHeaderLength]byte
		r.readAt(pos, lenBuf[:])
		msgLen := binary.LittleEndian.Uint32(lenBuf[:])
		frameLen := alignUp8(frameHeaderLength + int(msgLen))

		msg := make([]byte, msgLen)
		r.readAt((pos+frameHeaderLength)%r.capacity, msg)
		handler(msg)

		ridx += uint64(frameLen)
		count++
	}
	if count > 0 {
		atomic.StoreUint64(r.readIndexPtr(), ridx)
	}
	return count
}

// writeAt copies src into the data area starting at byte offset pos,
// wrapping around the ring's capacity as needed.
func (r *Ring) writeAt(pos uint64, src []byte) {
	n := copy(r.mem[r.dataOff+int(pos):], src)
	if n < len(src) {
		copy(r.mem[r.dataOff:], src[n:])
	}
}

func (r *Ring) readAt(pos uint64, dst []byte) {
	n := copy(dst, r.mem[r.dataOff+int(pos):])
	if n < len(dst) {
		copy(dst[n:], r.mem[r.dataOff:])
	}
}

func alignUp8(n int) int { return (n + 7) &^ 7 }
