package protocol

import "encoding/binary"

// DataHeaderLength is the size, in bytes, of a DATA/PAD frame header
// (common header plus the fields below). Payload, if any, follows.
const DataHeaderLength = 32

// DataHeader is the 32-byte header carried by DATA and PAD frames.
type DataHeader struct {
	CommonHeader
	TermOffset    int32
	SessionID     int32
	StreamID      int32
	TermID        int32
	ReservedValue int64
}

// PutDataHeader encodes a DATA/PAD header into buf[0:32], including
// h.FrameLength as given. It does not write the payload. Log-buffer writers
// leave FrameLength zero here and publish the length last, with release
// semantics, via logbuffer's Partition.CommitFrame.
func PutDataHeader(buf []byte, h DataHeader) error {
	if len(buf) < DataHeaderLength {
		return ErrShortBuffer
	}
	if err := PutCommonHeader(buf, h.CommonHeader); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.TermOffset))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.SessionID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.StreamID))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.TermID))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.ReservedValue))
	return nil
}

// GetDataHeader decodes a DATA/PAD header from buf. The frame's Type must be
// FrameTypeData or FrameTypePad.
func GetDataHeader(buf []byte) (DataHeader, error) {
	ch, err := decodeCheckAny(buf, DataHeaderLength, FrameTypeData, FrameTypePad)
	if err != nil {
		return DataHeader{}, err
	}
	return DataHeader{
		CommonHeader:  ch,
		TermOffset:    int32(binary.LittleEndian.Uint32(buf[8:12])),
		SessionID:     int32(binary.LittleEndian.Uint32(buf[12:16])),
		StreamID:      int32(binary.LittleEndian.Uint32(buf[16:20])),
		TermID:        int32(binary.LittleEndian.Uint32(buf[20:24])),
		ReservedValue: int64(binary.LittleEndian.Uint64(buf[24:32])),
	}, nil
}

func decodeCheckAny(buf []byte, headerLen int, types ...FrameType) (CommonHeader, error) {
	h, err := GetCommonHeader(buf)
	if err != nil {
		return h, err
	}
	ok := false
	for _, t := range types {
		if h.Type == t {
			ok = true
			break
		}
	}
	if !ok {
		return h, ErrBadFrame
	}
	if int(h.FrameLength) < headerLen || len(buf) < headerLen {
		return h, ErrBadFrame
	}
	return h, nil
}

// DataOffset returns the byte offset of the payload within a DATA/PAD frame.
func DataOffset() int32 { return DataHeaderLength }

// IsHeartbeat reports whether a DATA frame with the given header and total
// frame length carries a zero-length payload, i.e. it is a heartbeat.
func IsHeartbeat(h DataHeader) bool {
	return h.Type == FrameTypeData && h.FrameLength == DataHeaderLength
}

// IsUnfragmented reports whether BEGIN and END are both set.
func IsUnfragmented(flags uint8) bool {
	return flags&FlagBeginEnd == FlagBeginEnd
}
