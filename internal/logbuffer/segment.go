// Package logbuffer implements the memory-mapped, three-partition term log
// that backs every publication and publication image. It follows spec.md
// §3 ("Term buffer") and §4.2 exactly: a log file of length
// 3*termLength + metadataLength, one active partition at a time, and a
// metadata region carrying per-partition tail counters, the active
// partition index, and publication-lifetime constants.
package logbuffer

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"
)

// Term length bounds from spec.md §3.
const (
	MinTermLength = 64 * 1024
	MaxTermLength = 1 << 30
)

// PartitionCount is fixed at three, per spec.md.
const PartitionCount = 3

// MetadataLength is the size of the trailing metadata region. Sized to hold
// the fixed fields plus a 32-byte default DATA header template, rounded to a
// page-friendly 512 bytes.
const MetadataLength = 512

// Metadata field byte offsets within the metadata region. Mirrors the
// teacher's SegmentHeader layout style: fixed offsets, atomic accessors.
const (
	offMagic            = 0   // 8 bytes: "AERONLB\x00"
	offVersion          = 8   // uint32
	offTermLength       = 12  // uint32
	offInitialTermID    = 16  // int32
	offMTU              = 20  // uint32
	offActiveIndex      = 24  // uint32
	offEndOfStreamPos   = 32  // int64, MaxInt64 == not set
	offTimeOfLastSMNs   = 40  // int64 unix nanos
	offTailCounter0     = 48  // int64 (packed term id | 32-bit offset, see Tail)
	offTailCounter1     = 56  // int64
	offTailCounter2     = 64  // int64
	offDefaultDataHdr   = 96  // 32 bytes: template DATA header (session/stream ids, etc.)
	offSessionID        = 128 // int32
	offStreamID         = 132 // int32
)

var magicBytes = [8]byte{'A', 'E', 'R', 'O', 'N', 'L', 'B', 0}

const metadataVersion = uint32(1)

// Metadata is a typed, atomic view over the log buffer's trailing metadata
// region, in the mapped file itself (not a copy).
type Metadata struct {
	base unsafe.Pointer
}

func newMetadata(mem []byte, offset int) Metadata {
	return Metadata{base: unsafe.Pointer(&mem[offset])}
}

func (m Metadata) ptr32(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(m.base) + off))
}

func (m Metadata) ptr64(off uintptr) *int64 {
	return (*int64)(unsafe.Pointer(uintptr(m.base) + off))
}

func (m Metadata) TermLength() int32   { return int32(atomic.LoadUint32(m.ptr32(offTermLength))) }
func (m Metadata) InitialTermID() int32 { return int32(atomic.LoadUint32(m.ptr32(offInitialTermID))) }
func (m Metadata) MTU() int32          { return int32(atomic.LoadUint32(m.ptr32(offMTU))) }
func (m Metadata) SessionID() int32    { return int32(atomic.LoadUint32(m.ptr32(offSessionID))) }
func (m Metadata) StreamID() int32     { return int32(atomic.LoadUint32(m.ptr32(offStreamID))) }

func (m Metadata) SetSessionID(v int32) { atomic.StoreUint32(m.ptr32(offSessionID), uint32(v)) }
func (m Metadata) SetStreamID(v int32)  { atomic.StoreUint32(m.ptr32(offStreamID), uint32(v)) }

// ActiveIndex returns the currently active partition index, 0..2.
func (m Metadata) ActiveIndex() int32 { return int32(atomic.LoadUint32(m.ptr32(offActiveIndex))) }

// CompareAndSetActiveIndex atomically rotates the active partition; used by
// the appender to publish a rotation exactly once.
func (m Metadata) CompareAndSetActiveIndex(old, new int32) bool {
	return atomic.CompareAndSwapUint32(m.ptr32(offActiveIndex), uint32(old), uint32(new))
}

// RawTailValue returns the raw packed tail counter for partition idx: high
// 32 bits are the term id that owned this partition when it became active,
// low 32 bits are the byte offset within the partition (never above
// termLength; exactly termLength once the partition is padded out for
// rotation).
func (m Metadata) RawTailValue(idx int32) int64 {
	return atomic.LoadInt64(m.ptr64(offTailCounter0 + uintptr(idx)*8))
}

func (m Metadata) SetRawTailValue(idx int32, v int64) {
	atomic.StoreInt64(m.ptr64(offTailCounter0+uintptr(idx)*8), v)
}

func (m Metadata) CompareAndSetRawTailValue(idx int32, old, new int64) bool {
	return atomic.CompareAndSwapInt64(m.ptr64(offTailCounter0+uintptr(idx)*8), old, new)
}

// PackTail combines a term id and byte offset into the raw tail encoding.
func PackTail(termID int32, offset int32) int64 {
	return int64(uint64(uint32(termID))<<32 | uint64(uint32(offset)))
}

// UnpackTail splits a raw tail encoding back into term id and byte offset.
func UnpackTail(raw int64) (termID int32, offset int32) {
	return int32(uint64(raw) >> 32), int32(uint64(raw))
}

func (m Metadata) EndOfStreamPosition() int64 { return atomic.LoadInt64(m.ptr64(offEndOfStreamPos)) }
func (m Metadata) SetEndOfStreamPosition(v int64) {
	atomic.StoreInt64(m.ptr64(offEndOfStreamPos), v)
}

func (m Metadata) TimeOfLastSMNs() int64 { return atomic.LoadInt64(m.ptr64(offTimeOfLastSMNs)) }
func (m Metadata) SetTimeOfLastSMNs(v int64) {
	atomic.StoreInt64(m.ptr64(offTimeOfLastSMNs), v)
}

// DefaultDataHeader returns the 32-byte template DATA header stored in the
// metadata region, copied out so callers can freely mutate their copy before
// writing it into a reserved frame slot.
func (m Metadata) DefaultDataHeader() [32]byte {
	var out [32]byte
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(m.base)+offDefaultDataHdr)), 32)
	copy(out[:], src)
	return out
}

// SetDefaultDataHeader stores the template DATA header bytes.
func (m Metadata) SetDefaultDataHeader(hdr [32]byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(m.base)+offDefaultDataHdr)), 32)
	copy(dst, hdr[:])
}

func initMetadata(mem []byte, offset int, termLength, initialTermID, mtu, sessionID, streamID int32) Metadata {
	m := newMetadata(mem, offset)
	copy(mem[offset+offMagic:offset+offMagic+8], magicBytes[:])
	atomic.StoreUint32(m.ptr32(offVersion), metadataVersion)
	atomic.StoreUint32(m.ptr32(offTermLength), uint32(termLength))
	atomic.StoreUint32(m.ptr32(offInitialTermID), uint32(initialTermID))
	atomic.StoreUint32(m.ptr32(offMTU), uint32(mtu))
	atomic.StoreUint32(m.ptr32(offActiveIndex), 0)
	atomic.StoreInt64(m.ptr64(offEndOfStreamPos), int64(^uint64(0)>>1))
	m.SetSessionID(sessionID)
	m.SetStreamID(streamID)
	for i := int32(0); i < PartitionCount; i++ {
		term := initialTermID
		if i > 0 {
			term = initialTermID + i - PartitionCount
		}
		m.SetRawTailValue(i, PackTail(term, 0))
	}
	return m
}

func validateMetadata(mem []byte, offset int) error {
	if len(mem) < offset+MetadataLength {
		return fmt.Errorf("logbuffer: file too small for metadata region")
	}
	if string(mem[offset+offMagic:offset+offMagic+8]) != string(magicBytes[:]) {
		return fmt.Errorf("logbuffer: bad magic in metadata region")
	}
	ver := binary.LittleEndian.Uint32(mem[offset+offVersion:])
	if ver != metadataVersion {
		return fmt.Errorf("logbuffer: unsupported metadata version %d", ver)
	}
	return nil
}

// LogBuffer is a memory-mapped, three-partition term log plus its metadata
// region. One LogBuffer backs exactly one publication or publication image.
type LogBuffer struct {
	file *os.File
	mem  []byte
	path string

	termLength int32
	partitions [PartitionCount]*Partition
	meta       Metadata
}

// Path returns the backing file's path, e.g.
// "<aeronDir>/publications/<correlationId>.logbuffer".
func (l *LogBuffer) Path() string { return l.path }

// TermLength returns the configured term length.
func (l *LogBuffer) TermLength() int32 { return l.termLength }

// Meta returns the log buffer's metadata view.
func (l *LogBuffer) Meta() Metadata { return l.meta }

// Partition returns the partition at index idx (0..2).
func (l *LogBuffer) Partition(idx int32) *Partition { return l.partitions[idx] }

// ActivePartition returns the currently active partition.
func (l *LogBuffer) ActivePartition() *Partition { return l.partitions[l.meta.ActiveIndex()] }

// TotalFileLength returns 3*termLength + MetadataLength for the given term
// length, validating the [MinTermLength, MaxTermLength] power-of-two bound.
func TotalFileLength(termLength int32) (int64, error) {
	if err := ValidateTermLength(termLength); err != nil {
		return 0, err
	}
	return int64(termLength)*PartitionCount + MetadataLength, nil
}

// ValidateTermLength checks termLength is a power of two within
// [MinTermLength, MaxTermLength], per spec.md §3.
func ValidateTermLength(termLength int32) error {
	if termLength < MinTermLength || termLength > MaxTermLength {
		return fmt.Errorf("logbuffer: term length %d out of range [%d, %d]", termLength, MinTermLength, MaxTermLength)
	}
	if termLength&(termLength-1) != 0 {
		return fmt.Errorf("logbuffer: term length %d is not a power of two", termLength)
	}
	return nil
}

// Close unmaps and closes the backing file. It does not remove the file;
// spec.md's log files are ephemeral but removal is the Conductor's decision
// (on publication/image GC), not the LogBuffer's.
func (l *LogBuffer) Close() error {
	var err error
	if l.mem != nil {
		err = unmapMemory(l.mem)
		l.mem = nil
	}
	if l.file != nil {
		if cerr := l.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func newLogBufferFromMem(file *os.File, mem []byte, path string, termLength int32, meta Metadata) *LogBuffer {
	lb := &LogBuffer{file: file, mem: mem, path: path, termLength: termLength, meta: meta}
	for i := int32(0); i < PartitionCount; i++ {
		lb.partitions[i] = newPartition(mem, int(i)*int(termLength), termLength, i, meta)
	}
	return lb
}
