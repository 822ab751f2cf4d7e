package cnc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateAndOpenCnCFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cnc.dat")

	created, err := CreateCnCFile(path, 0, 0)
	if err != nil {
		t.Fatalf("CreateCnCFile: %v", err)
	}
	instanceID := created.Meta.InstanceID()
	created.Meta.SetLivenessNs(1000)
	if err := created.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	opened, err := OpenCnCFile(path)
	if err != nil {
		t.Fatalf("OpenCnCFile: %v", err)
	}
	defer opened.Close()

	if opened.Meta.InstanceID() != instanceID {
		t.Fatalf("instance id mismatch: got %s want %s", opened.Meta.InstanceID(), instanceID)
	}
	if opened.Meta.LivenessNs() != 1000 {
		t.Fatalf("liveness = %d, want 1000", opened.Meta.LivenessNs())
	}
}

func TestOpenCnCFileRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.dat")
	if err := os.WriteFile(path, make([]byte, 512), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := OpenCnCFile(path); err == nil {
		t.Fatal("expected error opening a file with no CnC magic")
	}
}

func TestCheckLivenessMissingFile(t *testing.T) {
	dir := t.TempDir()
	alive, err := CheckLiveness(filepath.Join(dir, "nope.dat"), 1000, 500)
	if err != nil {
		t.Fatalf("CheckLiveness: %v", err)
	}
	if alive {
		t.Fatal("expected alive=false for a missing CnC file")
	}
}

func TestCheckLivenessFreshVsStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cnc.dat")

	created, err := CreateCnCFile(path, 0, 0)
	if err != nil {
		t.Fatalf("CreateCnCFile: %v", err)
	}
	created.Meta.SetLivenessNs(1_000_000)
	if err := created.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	alive, err := CheckLiveness(path, 1_000_500, 1_000)
	if err != nil {
		t.Fatalf("CheckLiveness: %v", err)
	}
	if !alive {
		t.Fatal("expected alive=true within the staleness window")
	}

	alive, err = CheckLiveness(path, 2_000_000, 1_000)
	if err != nil {
		t.Fatalf("CheckLiveness: %v", err)
	}
	if alive {
		t.Fatal("expected alive=false past the staleness window")
	}
}

func TestRingWriteAndDrain(t *testing.T) {
	region := make([]byte, ringHeaderLength+256)
	r := newRing(region)

	if !r.Write([]byte("hello")) {
		t.Fatal("Write returned false unexpectedly")
	}
	if !r.Write([]byte("world!")) {
		t.Fatal("Write returned false unexpectedly")
	}

	var got []string
	n := r.Drain(func(msg []byte) { got = append(got, string(msg)) })
	if n != 2 {
		t.Fatalf("Drain processed %d messages, want 2", n)
	}
	if got[0] != "hello" || got[1] != "world!" {
		t.Fatalf("unexpected drain order: %v", got)
	}

	if n := r.Drain(func([]byte) {}); n != 0 {
		t.Fatalf("second Drain processed %d messages, want 0", n)
	}
}

func TestRingWriteFailsWhenFull(t *testing.T) {
	region := make([]byte, ringHeaderLength+16)
	r := newRing(region)

	if !r.Write([]byte("12345678")) {
		t.Fatal("first Write should fit")
	}
	if r.Write([]byte("12345678")) {
		t.Fatal("second Write should not fit and must return false")
	}
}

func TestCommandRoundTrip(t *testing.T) {
	add := AddPublicationCommand{CorrelationID: 42, ClientID: 7, StreamID: 3, Channel: "udp://239.1.1.1:40001"}
	buf := EncodeAddPublication(add)
	decoded, err := DecodeAddPublication(buf)
	if err != nil {
		t.Fatalf("DecodeAddPublication: %v", err)
	}
	if decoded != add {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, add)
	}

	onNewPub := OnNewPublicationMessage{CorrelationID: 42, RegistrationID: 99, SessionID: 5, StreamID: 3, LogFileName: "/tmp/pub-3.log"}
	buf2 := EncodeOnNewPublication(onNewPub)
	decoded2, err := DecodeOnNewPublication(buf2)
	if err != nil {
		t.Fatalf("DecodeOnNewPublication: %v", err)
	}
	if decoded2 != onNewPub {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded2, onNewPub)
	}

	errResp := ErrorResponseMessage{CorrelationID: 42, Code: ErrorCodeInvalidChannel, Message: "bad channel"}
	buf3 := EncodeErrorResponse(errResp)
	decoded3, err := DecodeErrorResponse(buf3)
	if err != nil {
		t.Fatalf("DecodeErrorResponse: %v", err)
	}
	if decoded3 != errResp {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded3, errResp)
	}

	removePub := RemovePublicationCommand{CorrelationID: 11, SessionID: 5, StreamID: 3, Channel: "udp://239.1.1.1:40001"}
	buf4 := EncodeRemovePublication(removePub)
	decoded4, err := DecodeRemovePublication(buf4)
	if err != nil {
		t.Fatalf("DecodeRemovePublication: %v", err)
	}
	if decoded4 != removePub {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded4, removePub)
	}

	removeSub := RemoveSubscriptionCommand{CorrelationID: 12, StreamID: 3, Channel: "udp://239.1.1.1:40001"}
	buf5 := EncodeRemoveSubscription(removeSub)
	decoded5, err := DecodeRemoveSubscription(buf5)
	if err != nil {
		t.Fatalf("DecodeRemoveSubscription: %v", err)
	}
	if decoded5 != removeSub {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded5, removeSub)
	}
}

func TestDecodeRejectsWrongMessageType(t *testing.T) {
	buf := EncodeClientKeepalive(ClientKeepaliveCommand{ClientID: 1})
	if _, err := DecodeAddPublication(buf); err == nil {
		t.Fatal("expected error decoding a ClientKeepalive as AddPublication")
	}
}

func TestCountersAllocateGetSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cnc.dat")
	c, err := CreateCnCFile(path, 0, 0)
	if err != nil {
		t.Fatalf("CreateCnCFile: %v", err)
	}
	defer c.Close()

	counters := NewCounters(c.CounterLabels, c.CounterValues)
	id, err := counters.Allocate("naks-sent")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if counters.Label(id) != "naks-sent" {
		t.Fatalf("Label = %q, want naks-sent", counters.Label(id))
	}
	if counters.Add(id, 3) != 3 {
		t.Fatalf("Add did not return running total")
	}
	counters.Set(id, 10)
	if counters.Get(id) != 10 {
		t.Fatalf("Get = %d, want 10", counters.Get(id))
	}
	counters.Free(id)
	if counters.Get(id) != 0 {
		t.Fatalf("Get after Free = %d, want 0", counters.Get(id))
	}
}

func TestErrorCodeString(t *testing.T) {
	if ErrorCodeInvalidChannel.String() != "INVALID_CHANNEL" {
		t.Fatalf("String() = %q", ErrorCodeInvalidChannel.String())
	}
	if ErrorCode(999).String() != "UNKNOWN_ERROR_CODE" {
		t.Fatalf("String() for unknown code = %q", ErrorCode(999).String())
	}
}
