package logbuffer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/quaywire/mediadriver/internal/concurrent"
	"github.com/quaywire/mediadriver/internal/protocol"
)

func newTestLogBuffer(t *testing.T) *LogBuffer {
	t.Helper()
	dir := t.TempDir()
	lb, err := CreateLogFile(filepath.Join(dir, "test.logbuffer"), MinTermLength, 1408, 7, 100, 200)
	if err != nil {
		t.Fatalf("CreateLogFile: %v", err)
	}
	t.Cleanup(func() { lb.Close() })
	return lb
}

func TestCreateAndOpenLogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pub.logbuffer")
	lb, err := CreateLogFile(path, MinTermLength, 1408, 7, 100, 200)
	if err != nil {
		t.Fatalf("CreateLogFile: %v", err)
	}
	if lb.TermLength() != MinTermLength {
		t.Fatalf("TermLength() = %d, want %d", lb.TermLength(), MinTermLength)
	}
	if lb.Meta().InitialTermID() != 7 {
		t.Fatalf("InitialTermID() = %d, want 7", lb.Meta().InitialTermID())
	}
	if lb.Meta().SessionID() != 100 || lb.Meta().StreamID() != 200 {
		t.Fatalf("session/stream = %d/%d, want 100/200", lb.Meta().SessionID(), lb.Meta().StreamID())
	}
	if err := lb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenLogFile(path)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	defer reopened.Close()
	if reopened.TermLength() != MinTermLength {
		t.Fatalf("reopened TermLength() = %d, want %d", reopened.TermLength(), MinTermLength)
	}
	if reopened.Meta().SessionID() != 100 {
		t.Fatalf("reopened SessionID() = %d, want 100", reopened.Meta().SessionID())
	}
}

func TestCreateLogFileRejectsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pub.logbuffer")
	lb, err := CreateLogFile(path, MinTermLength, 1408, 0, 1, 1)
	if err != nil {
		t.Fatalf("CreateLogFile: %v", err)
	}
	lb.Close()
	if _, err := CreateLogFile(path, MinTermLength, 1408, 0, 1, 1); err == nil {
		t.Fatalf("expected error creating over existing file")
	}
}

func TestValidateTermLength(t *testing.T) {
	cases := []struct {
		length  int32
		wantErr bool
	}{
		{MinTermLength, false},
		{MinTermLength * 2, false},
		{MaxTermLength, false},
		{MinTermLength - 1, true},
		{MaxTermLength + 1, true},
		{MinTermLength + 1, true}, // not a power of two
	}
	for _, c := range cases {
		err := ValidateTermLength(c.length)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateTermLength(%d) err = %v, wantErr %v", c.length, err, c.wantErr)
		}
	}
}

func TestAppenderReserveAndCommit(t *testing.T) {
	lb := newTestLogBuffer(t)
	appender := NewAppender(lb)

	payload := []byte("hello world")
	frameLen := protocol.DataHeaderLength + int32(len(payload))

	res, err := appender.Reserve(frameLen)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	hdr := protocol.DataHeader{
		CommonHeader: protocol.CommonHeader{Version: protocol.Version, Type: protocol.FrameTypeData},
		TermOffset:   res.Offset(),
		SessionID:    lb.Meta().SessionID(),
		StreamID:     lb.Meta().StreamID(),
		TermID:       res.TermID(),
	}
	buf := res.Bytes()[res.Offset():]
	if err := protocol.PutDataHeader(buf, hdr); err != nil {
		t.Fatalf("PutDataHeader: %v", err)
	}
	copy(buf[protocol.DataHeaderLength:], payload)
	res.Commit()

	partition := lb.ActivePartition()
	got := partition.FrameLengthVolatile(res.Offset())
	if got != frameLen {
		t.Fatalf("committed frame length = %d, want %d", got, frameLen)
	}
}

func TestAppenderRotatesOnTermExhaustion(t *testing.T) {
	lb := newTestLogBuffer(t)
	appender := NewAppender(lb)

	startIndex := lb.Meta().ActiveIndex()
	// Reserve frames until the term is exhausted and rotation happens.
	frameLen := protocol.AlignedLength(protocol.DataHeaderLength)
	iterations := int(lb.TermLength()/frameLen) + 2

	rotated := false
	for i := 0; i < iterations; i++ {
		_, err := appender.Reserve(protocol.DataHeaderLength)
		if err == ErrAdminAction {
			rotated = true
			continue
		}
		if err != nil {
			t.Fatalf("Reserve iteration %d: %v", i, err)
		}
	}
	if !rotated {
		t.Fatalf("expected at least one rotation across %d reservations", iterations)
	}
	if lb.Meta().ActiveIndex() == startIndex {
		t.Fatalf("active index did not advance from %d", startIndex)
	}
}

func TestAppenderRejectsReserveAfterClose(t *testing.T) {
	lb := newTestLogBuffer(t)
	appender := NewAppender(lb)
	appender.Close()
	if _, err := appender.Reserve(protocol.DataHeaderLength); err != ErrClosed {
		t.Fatalf("Reserve after Close() = %v, want ErrClosed", err)
	}
}

func TestAppenderEnforcesPositionLimit(t *testing.T) {
	lb := newTestLogBuffer(t)
	appender := NewAppender(lb)
	var limit concurrent.Position
	limit.Set(protocol.DataHeaderLength) // room for exactly one frame
	appender.SetPositionLimit(&limit)

	if _, err := appender.Reserve(protocol.DataHeaderLength); err != nil {
		t.Fatalf("first reservation within limit: %v", err)
	}
	if _, err := appender.Reserve(protocol.DataHeaderLength); err != ErrBackPressured {
		t.Fatalf("second reservation past limit = %v, want ErrBackPressured", err)
	}
}

func TestRebuilderRejectsHeartbeatOverwrite(t *testing.T) {
	lb := newTestLogBuffer(t)
	rebuilder := NewRebuilder(lb)
	termID := lb.Meta().InitialTermID()

	payload := []byte("real data")
	dataFrame := make([]byte, protocol.DataHeaderLength+len(payload))
	hdr := protocol.DataHeader{
		CommonHeader: protocol.CommonHeader{
			FrameLength: int32(len(dataFrame)),
			Version:     protocol.Version,
			Type:        protocol.FrameTypeData,
		},
		TermOffset: 0,
		TermID:     termID,
	}
	if err := protocol.PutDataHeader(dataFrame, hdr); err != nil {
		t.Fatalf("PutDataHeader: %v", err)
	}
	copy(dataFrame[protocol.DataHeaderLength:], payload)

	if ok := rebuilder.Insert(termID, 0, dataFrame, false); !ok {
		t.Fatalf("expected data frame to insert")
	}

	heartbeat := make([]byte, protocol.DataHeaderLength)
	hbHdr := hdr
	hbHdr.FrameLength = protocol.DataHeaderLength
	protocol.PutDataHeader(heartbeat, hbHdr)

	if ok := rebuilder.Insert(termID, 0, heartbeat, true); ok {
		t.Fatalf("heartbeat must not overwrite already-committed data frame")
	}

	partition := lb.Partition(lb.Meta().ActiveIndex())
	if got := partition.FrameLengthVolatile(0); got != int32(len(dataFrame)) {
		t.Fatalf("frame length changed after rejected heartbeat: got %d, want %d", got, len(dataFrame))
	}
}

func TestRebuilderDataOverwritesHeartbeat(t *testing.T) {
	lb := newTestLogBuffer(t)
	rebuilder := NewRebuilder(lb)
	termID := lb.Meta().InitialTermID()

	heartbeat := make([]byte, protocol.DataHeaderLength)
	protocol.PutDataHeader(heartbeat, protocol.DataHeader{
		CommonHeader: protocol.CommonHeader{FrameLength: protocol.DataHeaderLength, Version: protocol.Version, Type: protocol.FrameTypeData},
		TermOffset:   0,
		TermID:       termID,
	})
	if ok := rebuilder.Insert(termID, 0, heartbeat, true); !ok {
		t.Fatalf("expected heartbeat to insert into an empty slot")
	}

	payload := []byte("real data")
	dataFrame := make([]byte, protocol.DataHeaderLength+len(payload))
	protocol.PutDataHeader(dataFrame, protocol.DataHeader{
		CommonHeader: protocol.CommonHeader{FrameLength: int32(len(dataFrame)), Version: protocol.Version, Type: protocol.FrameTypeData},
		TermOffset:   0,
		TermID:       termID,
	})
	copy(dataFrame[protocol.DataHeaderLength:], payload)

	if ok := rebuilder.Insert(termID, 0, dataFrame, false); !ok {
		t.Fatalf("expected data frame to overwrite an existing heartbeat")
	}
	partition := lb.Partition(lb.Meta().ActiveIndex())
	if got := partition.FrameLengthVolatile(0); got != int32(len(dataFrame)) {
		t.Fatalf("frame length after overwrite = %d, want %d", got, len(dataFrame))
	}
}

func TestScanForGapsFindsMissingRun(t *testing.T) {
	lb := newTestLogBuffer(t)
	partition := lb.ActivePartition()
	termID := lb.Meta().InitialTermID()

	// Commit a frame at offset 0, leave [32,96) empty, commit at 96.
	partition.CommitFrame(0, protocol.DataHeaderLength)
	partition.CommitFrame(96, protocol.DataHeaderLength)

	gaps := ScanForGaps(partition, termID, 0, 128)
	if len(gaps) != 1 {
		t.Fatalf("len(gaps) = %d, want 1: %+v", len(gaps), gaps)
	}
	if gaps[0].TermOffset != 32 || gaps[0].Length != 64 {
		t.Fatalf("gap = %+v, want offset 32 length 64", gaps[0])
	}
}

func TestScanBlockStopsAtGap(t *testing.T) {
	lb := newTestLogBuffer(t)
	partition := lb.ActivePartition()

	frame0 := make([]byte, protocol.DataHeaderLength)
	protocol.PutDataHeader(frame0, protocol.DataHeader{
		CommonHeader: protocol.CommonHeader{FrameLength: protocol.DataHeaderLength, Version: protocol.Version, Type: protocol.FrameTypeData},
	})
	copy(partition.Bytes(), frame0)
	partition.CommitFrame(0, protocol.DataHeaderLength)

	var count int
	scanned := ScanBlock(partition, 0, 1<<16, func(raw []byte, offset int32, ft protocol.FrameType) {
		count++
	})
	if count != 1 {
		t.Fatalf("handler called %d times, want 1", count)
	}
	if scanned != protocol.AlignedLength(protocol.DataHeaderLength) {
		t.Fatalf("scanned = %d, want %d", scanned, protocol.AlignedLength(protocol.DataHeaderLength))
	}
}

func TestOpenLogFileRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.logbuffer")
	total, err := TotalFileLength(MinTermLength)
	if err != nil {
		t.Fatalf("TotalFileLength: %v", err)
	}
	if err := os.WriteFile(path, make([]byte, total), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := OpenLogFile(path); err == nil {
		t.Fatalf("expected error opening file with zeroed metadata")
	}
}
