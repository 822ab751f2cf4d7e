package protocol

import "encoding/binary"

// SMHeaderLength is the fixed size of a status-message frame, excluding the
// optional receiver-id field.
const SMHeaderLength = 28

// SMFlagReceiverID marks that a 64-bit receiver id follows the fixed fields.
const SMFlagReceiverID = uint8(0x01)

// SMHeader is a receiver's window advertisement to a publisher.
type SMHeader struct {
	CommonHeader
	SessionID              int32
	StreamID               int32
	ConsumptionTermID      int32
	ConsumptionTermOffset  int32
	ReceiverWindow         int32
	ReceiverID             int64 // valid only if Flags&SMFlagReceiverID != 0
}

// PutSMHeader encodes an SM frame into buf. If h.Flags has SMFlagReceiverID
// set, an additional 8-byte receiver id is appended after the fixed fields
// and FrameLength grows to SMHeaderLength+8.
func PutSMHeader(buf []byte, h SMHeader) (int, error) {
	total := SMHeaderLength
	hasReceiverID := h.Flags&SMFlagReceiverID != 0
	if hasReceiverID {
		total += 8
	}
	if len(buf) < total {
		return 0, ErrShortBuffer
	}
	h.CommonHeader.Type = FrameTypeSM
	h.CommonHeader.FrameLength = int32(total)
	if err := PutCommonHeader(buf, h.CommonHeader); err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.SessionID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.StreamID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.ConsumptionTermID))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.ConsumptionTermOffset))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.ReceiverWindow))
	if hasReceiverID {
		binary.LittleEndian.PutUint64(buf[28:36], uint64(h.ReceiverID))
	}
	return total, nil
}

// GetSMHeader decodes an SM frame from buf.
func GetSMHeader(buf []byte) (SMHeader, error) {
	ch, err := decodeCheck(buf, SMHeaderLength, FrameTypeSM)
	if err != nil {
		return SMHeader{}, err
	}
	h := SMHeader{
		CommonHeader:          ch,
		SessionID:             int32(binary.LittleEndian.Uint32(buf[8:12])),
		StreamID:              int32(binary.LittleEndian.Uint32(buf[12:16])),
		ConsumptionTermID:     int32(binary.LittleEndian.Uint32(buf[16:20])),
		ConsumptionTermOffset: int32(binary.LittleEndian.Uint32(buf[20:24])),
		ReceiverWindow:        int32(binary.LittleEndian.Uint32(buf[24:28])),
	}
	if h.Flags&SMFlagReceiverID != 0 {
		if len(buf) < SMHeaderLength+8 || int(h.FrameLength) < SMHeaderLength+8 {
			return SMHeader{}, ErrBadFrame
		}
		h.ReceiverID = int64(binary.LittleEndian.Uint64(buf[28:36]))
	}
	return h, nil
}
