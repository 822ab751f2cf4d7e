// Package protocol implements the media driver's wire codecs: fixed-layout,
// zero-copy views over byte buffers for the frames exchanged between
// publishers, the driver and subscribers over UDP.
//
// All multi-byte fields are little-endian. Every frame is aligned to
// FrameAlignment bytes on the wire; padding frames fill the unused tail of a
// term. Codecs never perform I/O — they only read and write buffer bytes.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameAlignment is the alignment, in bytes, required of every frame offset.
const FrameAlignment = 32

// CommonHeaderLength is the size of the header shared by every frame type.
const CommonHeaderLength = 8

// Version is the only wire version this driver speaks.
const Version = uint8(1)

// FrameType identifies the payload that follows the common header.
type FrameType uint16

const (
	FrameTypePad   FrameType = 0x00
	FrameTypeData  FrameType = 0x01
	FrameTypeNAK   FrameType = 0x02
	FrameTypeSM    FrameType = 0x03
	FrameTypeSetup FrameType = 0x05
)

func (t FrameType) String() string {
	switch t {
	case FrameTypePad:
		return "PAD"
	case FrameTypeData:
		return "DATA"
	case FrameTypeNAK:
		return "NAK"
	case FrameTypeSM:
		return "SM"
	case FrameTypeSetup:
		return "SETUP"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04x)", uint16(t))
	}
}

// Data frame flags. BEGIN|END together mark an unfragmented message.
const (
	FlagBegin = uint8(0x80)
	FlagEnd   = uint8(0x40)
	FlagBeginEnd = FlagBegin | FlagEnd
)

var (
	// ErrShortBuffer is returned by an encoder when the destination buffer is
	// smaller than the frame it must write.
	ErrShortBuffer = errors.New("protocol: short buffer")
	// ErrBadFrame is returned by a decoder when frameLength or type are
	// inconsistent with a well-formed frame.
	ErrBadFrame = errors.New("protocol: malformed frame")
)

// AlignedLength rounds n up to the next multiple of FrameAlignment.
func AlignedLength(n int32) int32 {
	return (n + FrameAlignment - 1) &^ (FrameAlignment - 1)
}

// CommonHeader is the 8-byte header shared by every frame on the wire.
type CommonHeader struct {
	FrameLength int32
	Version     uint8
	Flags       uint8
	Type        FrameType
}

// PutCommonHeader writes the common header fields into buf[0:8].
func PutCommonHeader(buf []byte, h CommonHeader) error {
	if len(buf) < CommonHeaderLength {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.FrameLength))
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.LittleEndian.PutUint16(buf[6:8], uint16(h.Type))
	return nil
}

// GetCommonHeader reads the common header fields from buf[0:8].
func GetCommonHeader(buf []byte) (CommonHeader, error) {
	if len(buf) < CommonHeaderLength {
		return CommonHeader{}, ErrShortBuffer
	}
	h := CommonHeader{
		FrameLength: int32(binary.LittleEndian.Uint32(buf[0:4])),
		Version:     buf[4],
		Flags:       buf[5],
		Type:        FrameType(binary.LittleEndian.Uint16(buf[6:8])),
	}
	return h, nil
}

// PutFrameLengthOrdered commits a frame by writing its length last, with
// release semantics: the payload and any type-specific header fields must be
// fully written before this call. On the reader side, GetFrameLengthOrdered
// must be paired with an acquire-fenced load so a non-zero length observed by
// a concurrent reader guarantees the rest of the frame is visible.
//
// Go's memory model does not expose a standalone store-release primitive over
// a plain byte slice the way C++ atomics do; this driver instead treats the
// frame-length word as a sync/atomic-managed uint32 view (see
// logbuffer.Partition.CommitFrame) and this helper is retained only for the
// byte-level encoding step.
func PutFrameLengthOrdered(buf []byte, length int32) error {
	if len(buf) < 4 {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	return nil
}

// GetFrameLengthOrdered reads the frame-length word.
func GetFrameLengthOrdered(buf []byte) (int32, error) {
	if len(buf) < 4 {
		return 0, ErrShortBuffer
	}
	return int32(binary.LittleEndian.Uint32(buf[0:4])), nil
}

func decodeCheck(buf []byte, headerLen int, wantType FrameType) (CommonHeader, error) {
	h, err := GetCommonHeader(buf)
	if err != nil {
		return h, err
	}
	if h.Type != wantType {
		return h, fmt.Errorf("%w: expected type %s, got %s", ErrBadFrame, wantType, h.Type)
	}
	if int(h.FrameLength) < headerLen {
		return h, fmt.Errorf("%w: frameLength %d shorter than header %d", ErrBadFrame, h.FrameLength, headerLen)
	}
	if len(buf) < headerLen {
		return h, ErrShortBuffer
	}
	return h, nil
}
