package protocol

import "encoding/binary"

// SetupHeaderLength is the fixed size of a SETUP frame.
const SetupHeaderLength = 40

// SetupHeader announces a new publication stream to a subscriber and elicits
// the first status message.
type SetupHeader struct {
	CommonHeader
	TermOffset    int32
	SessionID     int32
	StreamID      int32
	InitialTermID int32
	ActiveTermID  int32
	TermLength    int32
	MTU           int32
	TTL           int32
}

// PutSetupHeader encodes a SETUP frame into buf[0:40].
func PutSetupHeader(buf []byte, h SetupHeader) error {
	if len(buf) < SetupHeaderLength {
		return ErrShortBuffer
	}
	h.CommonHeader.Type = FrameTypeSetup
	h.CommonHeader.FrameLength = SetupHeaderLength
	if err := PutCommonHeader(buf, h.CommonHeader); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.TermOffset))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.SessionID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.StreamID))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.InitialTermID))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.ActiveTermID))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(h.TermLength))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(h.MTU))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(h.TTL))
	return nil
}

// GetSetupHeader decodes a SETUP frame from buf.
func GetSetupHeader(buf []byte) (SetupHeader, error) {
	ch, err := decodeCheck(buf, SetupHeaderLength, FrameTypeSetup)
	if err != nil {
		return SetupHeader{}, err
	}
	return SetupHeader{
		CommonHeader:  ch,
		TermOffset:    int32(binary.LittleEndian.Uint32(buf[8:12])),
		SessionID:     int32(binary.LittleEndian.Uint32(buf[12:16])),
		StreamID:      int32(binary.LittleEndian.Uint32(buf[16:20])),
		InitialTermID: int32(binary.LittleEndian.Uint32(buf[20:24])),
		ActiveTermID:  int32(binary.LittleEndian.Uint32(buf[24:28])),
		TermLength:    int32(binary.LittleEndian.Uint32(buf[28:32])),
		MTU:           int32(binary.LittleEndian.Uint32(buf[32:36])),
		TTL:           int32(binary.LittleEndian.Uint32(buf[36:40])),
	}, nil
}
