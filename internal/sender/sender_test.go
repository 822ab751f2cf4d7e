package sender

import (
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/quaywire/mediadriver/internal/channel"
	"github.com/quaywire/mediadriver/internal/concurrent"
	"github.com/quaywire/mediadriver/internal/conductor"
	"github.com/quaywire/mediadriver/internal/logbuffer"
	"github.com/quaywire/mediadriver/internal/protocol"
)

// newLoopbackPublication builds a real logbuffer-backed Publication whose
// SendEndpoint targets a UDP socket the test owns, so sent bytes can be
// observed with an ordinary ReadFrom.
func newLoopbackPublication(t *testing.T) (*conductor.Publication, *net.UDPConn) {
	t.Helper()
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	uri, err := channel.ParseURI("udp://127.0.0.1:" + strconv.Itoa(listener.LocalAddr().(*net.UDPAddr).Port))
	if err != nil {
		t.Fatalf("ParseURI: %v", err)
	}
	sendEP, err := channel.NewSendEndpoint(uri)
	if err != nil {
		t.Fatalf("NewSendEndpoint: %v", err)
	}
	t.Cleanup(func() { sendEP.Close() })

	dir := t.TempDir()
	lb, err := logbuffer.CreateLogFile(filepath.Join(dir, "pub.logbuffer"), logbuffer.MinTermLength, 1408, 1, 100, 3)
	if err != nil {
		t.Fatalf("CreateLogFile: %v", err)
	}
	t.Cleanup(func() { lb.Close() })

	pub := &conductor.Publication{
		RegistrationID: 1,
		SessionID:      100,
		StreamID:       3,
		Channel:        uri,
		LogBuffer:      lb,
		Appender:       logbuffer.NewAppender(lb),
		SendEndpoint:   sendEP,
	}
	return pub, listener
}

func newTestSender() (*Sender, *concurrent.SPSCQueue[conductor.SenderCommand], *concurrent.SPSCQueue[conductor.AgentCommand], *int64) {
	now := int64(1_000_000_000)
	cmds := concurrent.NewSPSCQueue[conductor.SenderCommand](8)
	toConductor := concurrent.NewSPSCQueue[conductor.AgentCommand](8)
	cfg := DefaultConfig()
	s := New(cfg, cmds, toConductor, nil, func() int64 { return now })
	return s, cmds, toConductor, &now
}

func TestSenderSendsSetupUntilConnected(t *testing.T) {
	s, cmds, _, now := newTestSender()
	pub, listener := newLoopbackPublication(t)
	cmds.Offer(conductor.SenderCommand{AddPublication: pub})

	if _, err := s.DoWork(); err != nil {
		t.Fatalf("DoWork: %v", err)
	}

	listener.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 128)
	n, _, err := listener.ReadFrom(buf)
	if err != nil {
		t.Fatalf("expected a SETUP frame, got error: %v", err)
	}
	hdr, err := protocol.GetSetupHeader(buf[:n])
	if err != nil {
		t.Fatalf("GetSetupHeader: %v", err)
	}
	if hdr.SessionID != 100 || hdr.StreamID != 3 {
		t.Fatalf("SETUP session/stream = %d/%d, want 100/3", hdr.SessionID, hdr.StreamID)
	}

	*now += s.cfg.PublicationSetupTimeoutNs - 1
	if _, err := s.DoWork(); err != nil {
		t.Fatalf("DoWork: %v", err)
	}
	listener.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, _, err := listener.ReadFrom(buf); err == nil {
		t.Fatal("expected no SETUP resend before the timeout elapses")
	}
}

func TestSenderScansAndSendsCommittedData(t *testing.T) {
	s, cmds, _, _ := newTestSender()
	pub, listener := newLoopbackPublication(t)
	cmds.Offer(conductor.SenderCommand{AddPublication: pub})
	s.DoWork()

	// Drain the SETUP frame sent by the first DoWork call.
	listener.SetReadDeadline(time.Now().Add(time.Second))
	drainBuf := make([]byte, 128)
	listener.ReadFrom(drainBuf)

	// Grant the sender's flow-control window by feeding it a real SM, as a
	// receiver would once it opens its receive window, then commit a data
	// frame for the sender to pick up.
	var smBuf [protocol.SMHeaderLength]byte
	protocol.PutSMHeader(smBuf[:], protocol.SMHeader{
		SessionID: 100, StreamID: 3, ConsumptionTermID: 1, ConsumptionTermOffset: 0, ReceiverWindow: 1 << 20,
	})
	if _, err := listener.WriteTo(smBuf[:], pub.SendEndpoint.Conn().LocalAddr()); err != nil {
		t.Fatalf("write SM: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	s.DoWork()

	payload := []byte("hello")
	frameLen := int32(protocol.DataHeaderLength + len(payload))
	res, err := pub.Appender.Reserve(frameLen)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	protocol.PutDataHeader(res.Bytes()[res.Offset():], protocol.DataHeader{
		CommonHeader: protocol.CommonHeader{FrameLength: frameLen, Version: protocol.Version, Flags: protocol.FlagBeginEnd, Type: protocol.FrameTypeData},
		TermOffset:   res.Offset(),
		SessionID:    100,
		StreamID:     3,
		TermID:       res.TermID(),
	})
	copy(res.Bytes()[res.Offset()+protocol.DataHeaderLength:], payload)
	res.Commit()

	if _, err := s.DoWork(); err != nil {
		t.Fatalf("DoWork: %v", err)
	}

	listener.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 128)
	n, _, err := listener.ReadFrom(buf)
	if err != nil {
		t.Fatalf("expected a DATA frame, got error: %v", err)
	}
	hdr, err := protocol.GetDataHeader(buf[:n])
	if err != nil {
		t.Fatalf("GetDataHeader: %v", err)
	}
	if hdr.FrameLength != frameLen {
		t.Fatalf("FrameLength = %d, want %d", hdr.FrameLength, frameLen)
	}
	if string(buf[protocol.DataHeaderLength:n]) != "hello" {
		t.Fatalf("payload = %q, want %q", buf[protocol.DataHeaderLength:n], "hello")
	}
}

func TestSenderEmitsHeartbeatWhenIdle(t *testing.T) {
	s, cmds, _, now := newTestSender()
	pub, listener := newLoopbackPublication(t)
	pub.PositionLimit.Set(1 << 40)
	cmds.Offer(conductor.SenderCommand{AddPublication: pub})
	s.DoWork()

	listener.SetReadDeadline(time.Now().Add(time.Second))
	drainBuf := make([]byte, 128)
	listener.ReadFrom(drainBuf)

	// Connect the publication with an SM so the heartbeat timer, not the
	// SETUP timer, is what fires next.
	var smBuf [protocol.SMHeaderLength]byte
	protocol.PutSMHeader(smBuf[:], protocol.SMHeader{
		SessionID: 100, StreamID: 3, ConsumptionTermID: 1, ConsumptionTermOffset: 0, ReceiverWindow: 1 << 20,
	})
	if _, err := listener.WriteTo(smBuf[:], pub.SendEndpoint.Conn().LocalAddr()); err != nil {
		t.Fatalf("write SM: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	s.DoWork()

	*now += s.cfg.PublicationHeartbeatTimeoutNs + 1
	if _, err := s.DoWork(); err != nil {
		t.Fatalf("DoWork: %v", err)
	}

	listener.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 128)
	n, _, err := listener.ReadFrom(buf)
	if err != nil {
		t.Fatalf("expected a heartbeat DATA frame, got error: %v", err)
	}
	hdr, err := protocol.GetDataHeader(buf[:n])
	if err != nil {
		t.Fatalf("GetDataHeader: %v", err)
	}
	if hdr.FrameLength != protocol.DataHeaderLength {
		t.Fatalf("heartbeat FrameLength = %d, want %d", hdr.FrameLength, protocol.DataHeaderLength)
	}
}

func TestRemovePublicationStopsTransmission(t *testing.T) {
	s, cmds, _, _ := newTestSender()
	pub, _ := newLoopbackPublication(t)
	cmds.Offer(conductor.SenderCommand{AddPublication: pub})
	s.DoWork()
	if len(s.publications) != 1 {
		t.Fatalf("publications = %d, want 1", len(s.publications))
	}

	cmds.Offer(conductor.SenderCommand{RemovePublication: pub})
	s.DoWork()
	if len(s.publications) != 0 {
		t.Fatalf("publications after remove = %d, want 0", len(s.publications))
	}
}
