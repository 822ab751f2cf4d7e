//go:build linux || darwin

package logbuffer

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// unmapMemory is assigned here so non-unix builds can stub it out; mirrors
// the teacher's shm_mmap_unix.go/platform-function-variable pattern.
var unmapMemory = munmap

// CreateLogFile creates a new log buffer file at path, sized for termLength,
// initializes its metadata region and mmaps it. path's parent directory is
// created if it does not already exist.
func CreateLogFile(path string, termLength, mtu, initialTermID, sessionID, streamID int32) (*LogBuffer, error) {
	if err := ValidateTermLength(termLength); err != nil {
		return nil, err
	}
	total, err := TotalFileLength(termLength)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logbuffer: mkdir %s: %w", filepath.Dir(path), err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logbuffer: create %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}
	if err := file.Truncate(total); err != nil {
		cleanup()
		return nil, fmt.Errorf("logbuffer: truncate %s: %w", path, err)
	}
	mem, err := mmapFile(file, int(total))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("logbuffer: mmap %s: %w", path, err)
	}
	metaOffset := int(termLength) * PartitionCount
	meta := initMetadata(mem, metaOffset, termLength, initialTermID, mtu, sessionID, streamID)
	return newLogBufferFromMem(file, mem, path, termLength, meta), nil
}

// OpenLogFile maps an existing log buffer file created by CreateLogFile,
// e.g. when the Sender attaches to a publication's log or the Receiver
// attaches to an image's log allocated for it by the Conductor.
func OpenLogFile(path string) (*LogBuffer, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("logbuffer: open %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("logbuffer: stat %s: %w", path, err)
	}
	size := info.Size()
	if size <= MetadataLength {
		file.Close()
		return nil, fmt.Errorf("logbuffer: file %s too small (%d bytes)", path, size)
	}
	termLength := int32((size - MetadataLength) / PartitionCount)
	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("logbuffer: mmap %s: %w", path, err)
	}
	metaOffset := int(termLength) * PartitionCount
	if err := validateMetadata(mem, metaOffset); err != nil {
		unmapMemory(mem)
		file.Close()
		return nil, err
	}
	meta := newMetadata(mem, metaOffset)
	return newLogBufferFromMem(file, mem, path, termLength, meta), nil
}

func mmapFile(file *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func munmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}
