package receiver

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/quaywire/mediadriver/internal/channel"
	"github.com/quaywire/mediadriver/internal/concurrent"
	"github.com/quaywire/mediadriver/internal/conductor"
	"github.com/quaywire/mediadriver/internal/logbuffer"
	"github.com/quaywire/mediadriver/internal/protocol"
)

// newLoopbackSubscription builds a real subscription whose ReceiveEndpoint
// is bound to an ephemeral loopback port, plus a UDP socket the test can use
// to act as the publisher sending SETUP/DATA and observing SM/NAK replies.
func newLoopbackSubscription(t *testing.T) (*conductor.Subscription, *net.UDPConn) {
	t.Helper()
	uri, err := channel.ParseURI("udp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("ParseURI: %v", err)
	}
	ep, err := channel.NewReceiveEndpoint(uri)
	if err != nil {
		t.Fatalf("NewReceiveEndpoint: %v", err)
	}
	t.Cleanup(func() { ep.Close() })

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { peer.Close() })

	sub := &conductor.Subscription{
		RegistrationID:  1,
		StreamID:        3,
		Channel:         uri,
		ReceiveEndpoint: ep,
		Images:          make(map[int32]*conductor.Image),
	}
	return sub, peer
}

func newTestReceiver() (*Receiver, *concurrent.SPSCQueue[conductor.ReceiverCommand], *concurrent.SPSCQueue[conductor.AgentCommand], *int64) {
	now := int64(1_000_000_000)
	cmds := concurrent.NewSPSCQueue[conductor.ReceiverCommand](8)
	toConductor := concurrent.NewSPSCQueue[conductor.AgentCommand](8)
	cfg := DefaultConfig()
	r := New(cfg, cmds, toConductor, nil, func() int64 { return now })
	return r, cmds, toConductor, &now
}

func endpointAddr(t *testing.T, sub *conductor.Subscription) net.Addr {
	t.Helper()
	return sub.ReceiveEndpoint.Conn().LocalAddr()
}

func TestReceiverRequestsImageOnSetup(t *testing.T) {
	r, cmds, toConductor, _ := newTestReceiver()
	sub, peer := newLoopbackSubscription(t)
	cmds.Offer(conductor.ReceiverCommand{AddSubscription: sub})
	if _, err := r.DoWork(); err != nil {
		t.Fatalf("DoWork: %v", err)
	}

	var setupBuf [protocol.SetupHeaderLength]byte
	protocol.PutSetupHeader(setupBuf[:], protocol.SetupHeader{
		SessionID: 100, StreamID: 3, InitialTermID: 1, ActiveTermID: 1, TermOffset: 0,
		TermLength: logbuffer.MinTermLength, MTU: 1408,
	})
	if _, err := peer.WriteTo(setupBuf[:], endpointAddr(t, sub)); err != nil {
		t.Fatalf("write SETUP: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := r.DoWork(); err != nil {
		t.Fatalf("DoWork: %v", err)
	}

	cmd, ok := toConductor.Poll()
	if !ok || cmd.CreateImage == nil {
		t.Fatalf("expected a CreateImage command, got %+v ok=%v", cmd, ok)
	}
	if cmd.CreateImage.SessionID != 100 || cmd.CreateImage.InitialTermID != 1 {
		t.Fatalf("CreateImage session/term = %d/%d, want 100/1", cmd.CreateImage.SessionID, cmd.CreateImage.InitialTermID)
	}

	// A duplicate SETUP for the same session before the image is ready must
	// not queue a second request.
	if _, err := peer.WriteTo(setupBuf[:], endpointAddr(t, sub)); err != nil {
		t.Fatalf("write SETUP: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	r.DoWork()
	if _, ok := toConductor.Poll(); ok {
		t.Fatal("expected no second CreateImage for a duplicate SETUP")
	}
}

func newTestImage(t *testing.T, sub *conductor.Subscription, sessionID int32, now int64) *conductor.Image {
	t.Helper()
	dir := t.TempDir()
	lb, err := logbuffer.CreateLogFile(filepath.Join(dir, "img.logbuffer"), logbuffer.MinTermLength, 1408, 1, sessionID, sub.StreamID)
	if err != nil {
		t.Fatalf("CreateLogFile: %v", err)
	}
	t.Cleanup(func() { lb.Close() })
	return &conductor.Image{
		CorrelationID:              1,
		SubscriptionRegistrationID: sub.RegistrationID,
		SessionID:                  sessionID,
		StreamID:                   sub.StreamID,
		InitialTermID:              1,
		ActiveTermID:               1,
		TermOffset:                 0,
		LogBuffer:                  lb,
		Rebuilder:                  logbuffer.NewRebuilder(lb),
		LastActivityNs:             now,
	}
}

func TestReceiverRebuildsDataAndAdvancesOffset(t *testing.T) {
	r, cmds, _, now := newTestReceiver()
	sub, peer := newLoopbackSubscription(t)
	cmds.Offer(conductor.ReceiverCommand{AddSubscription: sub})
	r.DoWork()

	img := newTestImage(t, sub, 100, *now)
	img.SourceAddr = peer.LocalAddr()
	cmds.Offer(conductor.ReceiverCommand{ImageReady: img})
	r.DoWork()

	payload := []byte("hello")
	frameLen := int32(protocol.DataHeaderLength + len(payload))
	var dataBuf [64]byte
	protocol.PutDataHeader(dataBuf[:], protocol.DataHeader{
		CommonHeader: protocol.CommonHeader{FrameLength: frameLen, Version: protocol.Version, Flags: protocol.FlagBeginEnd, Type: protocol.FrameTypeData},
		TermOffset:   0,
		SessionID:    100,
		StreamID:     3,
		TermID:       1,
	})
	copy(dataBuf[protocol.DataHeaderLength:], payload)
	if _, err := peer.WriteTo(dataBuf[:frameLen], endpointAddr(t, sub)); err != nil {
		t.Fatalf("write DATA: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := r.DoWork(); err != nil {
		t.Fatalf("DoWork: %v", err)
	}

	ss := r.subscriptions[sub.RegistrationID]
	is := ss.images[100]
	want := protocol.AlignedLength(frameLen)
	if is.rebuildOffset != want {
		t.Fatalf("rebuildOffset = %d, want %d", is.rebuildOffset, want)
	}
}

func TestReceiverEmitsStatusMessageAfterRebuild(t *testing.T) {
	r, cmds, _, now := newTestReceiver()
	sub, peer := newLoopbackSubscription(t)
	cmds.Offer(conductor.ReceiverCommand{AddSubscription: sub})
	r.DoWork()

	img := newTestImage(t, sub, 100, *now)
	img.SourceAddr = peer.LocalAddr()
	cmds.Offer(conductor.ReceiverCommand{ImageReady: img})
	r.DoWork()

	frameLen := int32(protocol.DataHeaderLength)
	var dataBuf [protocol.DataHeaderLength]byte
	protocol.PutDataHeader(dataBuf[:], protocol.DataHeader{
		CommonHeader: protocol.CommonHeader{FrameLength: frameLen, Version: protocol.Version, Flags: protocol.FlagBeginEnd, Type: protocol.FrameTypeData},
		TermOffset:   0,
		SessionID:    100,
		StreamID:     3,
		TermID:       1,
	})
	if _, err := peer.WriteTo(dataBuf[:], endpointAddr(t, sub)); err != nil {
		t.Fatalf("write DATA: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	r.DoWork()

	peer.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 128)
	n, _, err := peer.ReadFrom(buf)
	if err != nil {
		t.Fatalf("expected an SM frame, got error: %v", err)
	}
	sm, err := protocol.GetSMHeader(buf[:n])
	if err != nil {
		t.Fatalf("GetSMHeader: %v", err)
	}
	if sm.SessionID != 100 || sm.StreamID != 3 {
		t.Fatalf("SM session/stream = %d/%d, want 100/3", sm.SessionID, sm.StreamID)
	}
}

func TestReceiverImageLivenessTimeoutClosesImage(t *testing.T) {
	r, cmds, toConductor, now := newTestReceiver()
	sub, peer := newLoopbackSubscription(t)
	cmds.Offer(conductor.ReceiverCommand{AddSubscription: sub})
	r.DoWork()

	img := newTestImage(t, sub, 100, *now)
	img.SourceAddr = peer.LocalAddr()
	cmds.Offer(conductor.ReceiverCommand{ImageReady: img})
	r.DoWork()

	*now += r.cfg.ImageLivenessTimeoutNs + 1
	if _, err := r.DoWork(); err != nil {
		t.Fatalf("DoWork: %v", err)
	}

	cmd, ok := toConductor.Poll()
	if !ok || cmd.CloseImage == nil {
		t.Fatalf("expected a CloseImage command, got %+v ok=%v", cmd, ok)
	}
	if cmd.CloseImage.SessionID != 100 {
		t.Fatalf("CloseImage session = %d, want 100", cmd.CloseImage.SessionID)
	}

	ss := r.subscriptions[sub.RegistrationID]
	if _, exists := ss.images[100]; exists {
		t.Fatal("expected the image to be removed from the receiver's own bookkeeping")
	}
}

func TestReceiverRemoveSubscriptionStopsDispatch(t *testing.T) {
	r, cmds, _, _ := newTestReceiver()
	sub, _ := newLoopbackSubscription(t)
	cmds.Offer(conductor.ReceiverCommand{AddSubscription: sub})
	r.DoWork()
	if len(r.subscriptions) != 1 {
		t.Fatalf("subscriptions = %d, want 1", len(r.subscriptions))
	}

	cmds.Offer(conductor.ReceiverCommand{RemoveSubscription: sub})
	r.DoWork()
	if len(r.subscriptions) != 0 {
		t.Fatalf("subscriptions after remove = %d, want 0", len(r.subscriptions))
	}
}
