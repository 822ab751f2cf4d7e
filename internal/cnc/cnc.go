// Package cnc implements the Control-and-Command file: the shared-memory
// ring protocol between the media driver and its client libraries, per
// spec.md §6 "Persisted state layout" ({metaHeader, toDriverRing,
// toClientsRing, counterLabels, counterValues}) and §7's driver liveness
// guard. Layout style is grounded on the teacher's SegmentHeader
// (shm_segment.go): fixed byte offsets, atomic accessor methods, a
// mmap'd []byte backing store.
package cnc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Ring capacities. Modest defaults; the CnC file is control-plane traffic,
// not the data path.
const (
	DefaultToDriverRingLength   = 64 * 1024
	DefaultToClientsRingLength  = 64 * 1024
	CounterLabelsLength         = 16 * 1024
	CounterValuesLength         = 4 * 1024
	metaHeaderLength            = 256
)

const (
	offMagic            = 0  // 8 bytes: "MDCNCFF\x00"
	offVersion          = 8  // uint32
	offInstanceID       = 12 // 16 bytes uuid
	offStartTimestampNs = 28 // int64
	offLivenessNs       = 36 // int64, updated periodically by the Conductor
	offPID              = 44 // uint32
	offToDriverOffset   = 48 // uint32
	offToDriverLength   = 52 // uint32
	offToClientsOffset  = 56 // uint32
	offToClientsLength  = 60 // uint32
	offCounterLabelsOff = 64 // uint32
	offCounterLabelsLen = 68 // uint32
	offCounterValuesOff = 72 // uint32
	offCounterValuesLen = 76 // uint32
)

var magicBytes = [8]byte{'M', 'D', 'C', 'N', 'C', 'F', 'F', 0}

const metaVersion = uint32(1)

// MetaHeader is a typed, atomic view over the CnC file's fixed metadata
// region.
type MetaHeader struct {
	base unsafe.Pointer
}

func newMetaHeader(mem []byte) MetaHeader { return MetaHeader{base: unsafe.Pointer(&mem[0])} }

func (m MetaHeader) ptr32(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(m.base) + off))
}
func (m MetaHeader) ptr64(off uintptr) *int64 {
	return (*int64)(unsafe.Pointer(uintptr(m.base) + off))
}

// InstanceID returns the CnC file's uuid, generated fresh by CreateCnCFile.
func (m MetaHeader) InstanceID() uuid.UUID {
	var id uuid.UUID
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(m.base)+offInstanceID)), 16)
	copy(id[:], src)
	return id
}

func (m MetaHeader) setInstanceID(id uuid.UUID) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(m.base)+offInstanceID)), 16)
	copy(dst, id[:])
}

// LivenessNs returns the last liveness heartbeat timestamp written by the
// owning driver process, nanoseconds since epoch.
func (m MetaHeader) LivenessNs() int64 { return atomic.LoadInt64(m.ptr64(offLivenessNs)) }

// SetLivenessNs updates the liveness heartbeat, called periodically by the
// Conductor (spec.md §7: "detected via a liveness counter in the CnC
// metadata").
func (m MetaHeader) SetLivenessNs(v int64) { atomic.StoreInt64(m.ptr64(offLivenessNs), v) }

func (m MetaHeader) StartTimestampNs() int64 { return atomic.LoadInt64(m.ptr64(offStartTimestampNs)) }

func (m MetaHeader) PID() uint32 { return atomic.LoadUint32(m.ptr32(offPID)) }

func (m MetaHeader) toDriverRegion() (offset, length uint32) {
	return atomic.LoadUint32(m.ptr32(offToDriverOffset)), atomic.LoadUint32(m.ptr32(offToDriverLength))
}
func (m MetaHeader) toClientsRegion() (offset, length uint32) {
	return atomic.LoadUint32(m.ptr32(offToClientsOffset)), atomic.LoadUint32(m.ptr32(offToClientsLength))
}
func (m MetaHeader) counterLabelsRegion() (offset, length uint32) {
	return atomic.LoadUint32(m.ptr32(offCounterLabelsOff)), atomic.LoadUint32(m.ptr32(offCounterLabelsLen))
}
func (m MetaHeader) counterValuesRegion() (offset, length uint32) {
	return atomic.LoadUint32(m.ptr32(offCounterValuesOff)), atomic.LoadUint32(m.ptr32(offCounterValuesLen))
}

// CnC is the memory-mapped Control-and-Command file. One instance is owned
// by the driver process for its lifetime; client libraries open the same
// file read/write to exchange commands.
type CnC struct {
	file *os.File
	mem  []byte
	path string

	Meta            MetaHeader
	ToDriver        *Ring
	ToClients       *Ring
	CounterLabels   []byte
	CounterValues   []byte
}

// totalLength computes the CnC file's total size for the given ring/table
// capacities.
func totalLength(toDriverLen, toClientsLen, labelsLen, valuesLen uint32) int64 {
	return int64(metaHeaderLength) + int64(toDriverLen) + int64(toClientsLen) + int64(labelsLen) + int64(valuesLen)
}

// CreateCnCFile creates a new CnC file at path (conventionally
// "<aeronDir>/cnc.dat"), sized per the given ring/table capacities, and
// initializes its metadata.
func CreateCnCFile(path string, toDriverLen, toClientsLen uint32) (*CnC, error) {
	if toDriverLen == 0 {
		toDriverLen = DefaultToDriverRingLength
	}
	if toClientsLen == 0 {
		toClientsLen = DefaultToClientsRingLength
	}
	total := totalLength(toDriverLen, toClientsLen, CounterLabelsLength, CounterValuesLength)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cnc: create %s: %w", path, err)
	}
	if err := file.Truncate(total); err != nil {
		file.Close()
		return nil, fmt.Errorf("cnc: truncate %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("cnc: mmap %s: %w", path, err)
	}

	copy(mem[offMagic:offMagic+8], magicBytes[:])
	meta := newMetaHeader(mem)
	atomic.StoreUint32(meta.ptr32(offVersion), metaVersion)
	meta.setInstanceID(uuid.New())
	atomic.StoreUint32(meta.ptr32(offPID), uint32(os.Getpid()))

	toDriverOffset := uint32(metaHeaderLength)
	toClientsOffset := toDriverOffset + toDriverLen
	labelsOffset := toClientsOffset + toClientsLen
	valuesOffset := labelsOffset + CounterLabelsLength

	atomic.StoreUint32(meta.ptr32(offToDriverOffset), toDriverOffset)
	atomic.StoreUint32(meta.ptr32(offToDriverLength), toDriverLen)
	atomic.StoreUint32(meta.ptr32(offToClientsOffset), toClientsOffset)
	atomic.StoreUint32(meta.ptr32(offToClientsLength), toClientsLen)
	atomic.StoreUint32(meta.ptr32(offCounterLabelsOff), labelsOffset)
	atomic.StoreUint32(meta.ptr32(offCounterLabelsLen), CounterLabelsLength)
	atomic.StoreUint32(meta.ptr32(offCounterValuesOff), valuesOffset)
	atomic.StoreUint32(meta.ptr32(offCounterValuesLen), CounterValuesLength)

	return newCnCFromMem(file, mem, path, meta), nil
}

// OpenCnCFile maps an existing CnC file, validating its magic and version.
func OpenCnCFile(path string) (*CnC, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("cnc: open %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("cnc: stat %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("cnc: mmap %s: %w", path, err)
	}
	if len(mem) < metaHeaderLength || string(mem[offMagic:offMagic+8]) != string(magicBytes[:]) {
		unix.Munmap(mem)
		file.Close()
		return nil, fmt.Errorf("cnc: %s is not a valid CnC file", path)
	}
	if binary.LittleEndian.Uint32(mem[offVersion:]) != metaVersion {
		unix.Munmap(mem)
		file.Close()
		return nil, fmt.Errorf("cnc: %s has unsupported version", path)
	}
	meta := newMetaHeader(mem)
	return newCnCFromMem(file, mem, path, meta), nil
}

func newCnCFromMem(file *os.File, mem []byte, path string, meta MetaHeader) *CnC {
	toDriverOff, toDriverLen := meta.toDriverRegion()
	toClientsOff, toClientsLen := meta.toClientsRegion()
	labelsOff, labelsLen := meta.counterLabelsRegion()
	valuesOff, valuesLen := meta.counterValuesRegion()

	return &CnC{
		file:          file,
		mem:           mem,
		path:          path,
		Meta:          meta,
		ToDriver:      newRing(mem[toDriverOff : toDriverOff+toDriverLen]),
		ToClients:     newRing(mem[toClientsOff : toClientsOff+toClientsLen]),
		CounterLabels: mem[labelsOff : labelsOff+labelsLen],
		CounterValues: mem[valuesOff : valuesOff+valuesLen],
	}
}

// Path returns the backing file path.
func (c *CnC) Path() string { return c.path }

// Close unmaps and closes the CnC file. It does not remove it; the file
// convention leaves cleanup to the operator or a subsequent driver start.
func (c *CnC) Close() error {
	var err error
	if c.mem != nil {
		err = unix.Munmap(c.mem)
		c.mem = nil
	}
	if c.file != nil {
		if cerr := c.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// CheckLiveness reports whether an existing CnC file at path belongs to a
// still-live driver, per spec.md §7: "Another driver instance in the same
// aeron directory is detected via a liveness counter in the CnC metadata;
// a fresh driver refuses to start unless the prior is stale." staleAfterNs
// is the caller's liveness timeout; nowNs is the caller's current time.
func CheckLiveness(path string, nowNs, staleAfterNs int64) (alive bool, err error) {
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		return false, nil
	}
	existing, err := OpenCnCFile(path)
	if err != nil {
		return false, err
	}
	defer existing.Close()
	age := nowNs - existing.Meta.LivenessNs()
	return age <= staleAfterNs, nil
}
