package protocol

import "testing"

func TestAlignedLength(t *testing.T) {
	cases := map[int32]int32{0: 0, 1: 32, 32: 32, 33: 64, 63: 64, 64: 64}
	for in, want := range cases {
		if got := AlignedLength(in); got != want {
			t.Errorf("AlignedLength(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestDataHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, DataHeaderLength+13)
	h := DataHeader{
		CommonHeader: CommonHeader{FrameLength: int32(len(buf)), Version: Version, Flags: FlagBeginEnd, Type: FrameTypeData},
		TermOffset:   64,
		SessionID:    42,
		StreamID:     10,
		TermID:       7,
	}
	if err := PutDataHeader(buf, h); err != nil {
		t.Fatalf("PutDataHeader: %v", err)
	}
	copy(buf[DataHeaderLength:], []byte("Hello World! "))

	got, err := GetDataHeader(buf)
	if err != nil {
		t.Fatalf("GetDataHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round-trip mismatch: got=%+v want=%+v", got, h)
	}
	if !IsUnfragmented(got.Flags) {
		t.Fatalf("expected BEGIN|END flags")
	}
	if IsHeartbeat(got) {
		t.Fatalf("13-byte payload frame misclassified as heartbeat")
	}
}

func TestDataHeaderHeartbeat(t *testing.T) {
	buf := make([]byte, DataHeaderLength)
	h := DataHeader{CommonHeader: CommonHeader{FrameLength: DataHeaderLength, Version: Version, Type: FrameTypeData}}
	if err := PutDataHeader(buf, h); err != nil {
		t.Fatalf("PutDataHeader: %v", err)
	}
	got, err := GetDataHeader(buf)
	if err != nil {
		t.Fatalf("GetDataHeader: %v", err)
	}
	if !IsHeartbeat(got) {
		t.Fatalf("expected zero-length DATA frame to be a heartbeat")
	}
}

func TestNAKHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, NAKHeaderLength)
	h := NAKHeader{SessionID: 1, StreamID: 2, TermID: 3, TermOffset: 96, Length: 48}
	if err := PutNAKHeader(buf, h); err != nil {
		t.Fatalf("PutNAKHeader: %v", err)
	}
	got, err := GetNAKHeader(buf)
	if err != nil {
		t.Fatalf("GetNAKHeader: %v", err)
	}
	got.CommonHeader = CommonHeader{}
	if got != h {
		t.Fatalf("round-trip mismatch: got=%+v want=%+v", got, h)
	}
}

func TestSMHeaderRoundTripWithoutReceiverID(t *testing.T) {
	buf := make([]byte, SMHeaderLength)
	h := SMHeader{SessionID: 1, StreamID: 2, ConsumptionTermID: 3, ConsumptionTermOffset: 128, ReceiverWindow: 65536}
	n, err := PutSMHeader(buf, h)
	if err != nil {
		t.Fatalf("PutSMHeader: %v", err)
	}
	if n != SMHeaderLength {
		t.Fatalf("expected length %d, got %d", SMHeaderLength, n)
	}
	got, err := GetSMHeader(buf)
	if err != nil {
		t.Fatalf("GetSMHeader: %v", err)
	}
	if got.FrameLength != int32(SMHeaderLength) {
		t.Fatalf("unexpected FrameLength: %d", got.FrameLength)
	}
}

func TestSMHeaderRoundTripWithReceiverID(t *testing.T) {
	buf := make([]byte, SMHeaderLength+8)
	h := SMHeader{
		CommonHeader:   CommonHeader{Flags: SMFlagReceiverID},
		ReceiverWindow: 8192,
		ReceiverID:     99,
	}
	n, err := PutSMHeader(buf, h)
	if err != nil {
		t.Fatalf("PutSMHeader: %v", err)
	}
	if n != SMHeaderLength+8 {
		t.Fatalf("expected length %d, got %d", SMHeaderLength+8, n)
	}
	got, err := GetSMHeader(buf)
	if err != nil {
		t.Fatalf("GetSMHeader: %v", err)
	}
	if got.ReceiverID != 99 {
		t.Fatalf("expected receiver id 99, got %d", got.ReceiverID)
	}
}

func TestSetupHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, SetupHeaderLength)
	h := SetupHeader{
		SessionID: 1, StreamID: 10, InitialTermID: 5, ActiveTermID: 5,
		TermLength: 64 * 1024, MTU: 1408, TTL: 0,
	}
	if err := PutSetupHeader(buf, h); err != nil {
		t.Fatalf("PutSetupHeader: %v", err)
	}
	got, err := GetSetupHeader(buf)
	if err != nil {
		t.Fatalf("GetSetupHeader: %v", err)
	}
	got.CommonHeader = CommonHeader{}
	if got != h {
		t.Fatalf("round-trip mismatch: got=%+v want=%+v", got, h)
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, err := GetSetupHeader(make([]byte, 4)); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestDecodeRejectsWrongType(t *testing.T) {
	buf := make([]byte, NAKHeaderLength)
	_ = PutNAKHeader(buf, NAKHeader{})
	if _, err := GetSetupHeader(buf); err == nil {
		t.Fatalf("expected error decoding NAK bytes as SETUP")
	}
}
