package protocol

import "encoding/binary"

// NAKHeaderLength is the fixed size of a NAK frame.
const NAKHeaderLength = 28

// NAKHeader is a receiver's selective negative-acknowledgement for a missing
// byte range within one term.
type NAKHeader struct {
	CommonHeader
	SessionID  int32
	StreamID   int32
	TermID     int32
	TermOffset int32
	Length     int32
}

// PutNAKHeader encodes a NAK frame (header + fixed fields, no payload) into
// buf[0:28]. FrameLength is set to NAKHeaderLength.
func PutNAKHeader(buf []byte, h NAKHeader) error {
	if len(buf) < NAKHeaderLength {
		return ErrShortBuffer
	}
	h.CommonHeader.Type = FrameTypeNAK
	h.CommonHeader.FrameLength = NAKHeaderLength
	if err := PutCommonHeader(buf, h.CommonHeader); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.SessionID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.StreamID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.TermID))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.TermOffset))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.Length))
	return nil
}

// GetNAKHeader decodes a NAK frame from buf.
func GetNAKHeader(buf []byte) (NAKHeader, error) {
	ch, err := decodeCheck(buf, NAKHeaderLength, FrameTypeNAK)
	if err != nil {
		return NAKHeader{}, err
	}
	return NAKHeader{
		CommonHeader: ch,
		SessionID:    int32(binary.LittleEndian.Uint32(buf[8:12])),
		StreamID:     int32(binary.LittleEndian.Uint32(buf[12:16])),
		TermID:       int32(binary.LittleEndian.Uint32(buf[16:20])),
		TermOffset:   int32(binary.LittleEndian.Uint32(buf[20:24])),
		Length:       int32(binary.LittleEndian.Uint32(buf[24:28])),
	}, nil
}
