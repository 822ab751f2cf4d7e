// Package sender implements the Sender agent described in spec.md §4.7: a
// single cooperative loop that scans each publication's active term for
// newly committed frames, writes them to the wire, emits SETUP until a
// first status message is seen, keeps idle publications alive with
// heartbeats, and services the retransmit handler's resend timeouts.
//
// Command-queue draining and the doWork() shape mirror
// sa6mwa-lockd's manager run loops (poll state, act, sleep/idle); the
// per-publication bookkeeping is new domain logic grounded directly on
// internal/logbuffer, internal/protocol, internal/retransmit and
// internal/flowcontrol.
package sender

import (
	"net"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/quaywire/mediadriver/internal/concurrent"
	"github.com/quaywire/mediadriver/internal/conductor"
	"github.com/quaywire/mediadriver/internal/flowcontrol"
	"github.com/quaywire/mediadriver/internal/logbuffer"
	"github.com/quaywire/mediadriver/internal/metrics"
	"github.com/quaywire/mediadriver/internal/protocol"
	"github.com/quaywire/mediadriver/internal/retransmit"
)

// Config parameterizes the Sender agent, per the timeout names spec.md §4.7
// and §9 use directly.
type Config struct {
	// PublicationSetupTimeoutNs is how often SETUP is resent to an
	// unconnected publication, ~100ms per spec.md §4.7 step 2.
	PublicationSetupTimeoutNs int64
	// PublicationHeartbeatTimeoutNs bounds how long a publication may go
	// without wire traffic before a zero-length DATA heartbeat is sent,
	// spec.md §4.7 step 4.
	PublicationHeartbeatTimeoutNs int64
	// MulticastReceiverTimeoutNs feeds flowcontrol.NewMulticastStrategy for
	// multicast publications, spec.md §4.6.
	MulticastReceiverTimeoutNs int64
	// RetransmitLingerNs is retransmit.Config.LingerNs, shared across every
	// publication's Handler.
	RetransmitLingerNs int64
	// RetransmitMaxBackoffNs bounds the OMFB delay for multicast
	// publications.
	RetransmitMaxBackoffNs float64
	// RetransmitGroupSize is the OMFB group-size estimate.
	RetransmitGroupSize int
	// CommandDrainLimit bounds how many sender commands are drained per
	// doWork tick.
	CommandDrainLimit int
	// MaxScanBytes bounds how many committed bytes are written to the
	// socket per publication per tick, on top of the flow-control window
	// and the publication's MTU (spec.md §4.7 step 3: "up to
	// min(senderPositionLimit, mtu-granularity)").
	MaxScanBytes int32
}

// DefaultConfig returns the timeout values spec.md §4.7 names as
// approximate defaults.
func DefaultConfig() Config {
	return Config{
		PublicationSetupTimeoutNs:     100_000_000,
		PublicationHeartbeatTimeoutNs: 1_000_000_000,
		MulticastReceiverTimeoutNs:    5_000_000_000,
		RetransmitLingerNs:            1_000_000_000,
		RetransmitMaxBackoffNs:        100_000_000,
		RetransmitGroupSize:           8,
		CommandDrainLimit:             32,
		MaxScanBytes:                  64 * 1024,
	}
}

// pubState is the Sender's private bookkeeping for one publication, wrapping
// the shared *conductor.Publication with the transmission cursor, flow
// control strategy and retransmit handler that belong exclusively to the
// Sender's side of the split.
type pubState struct {
	pub *conductor.Publication

	flow       flowcontrol.Strategy
	retransmit *retransmit.Handler

	connected       bool
	lastSetupSentNs int64
	lastTrafficNs   int64

	senderTermID     int32
	senderTermOffset int32

	// lastDroppedNAKs is the retransmit handler's DroppedNAKs() value as of
	// the last metrics sync, so onNAK can report the delta instead of
	// double-counting drops the handler already tallied internally.
	lastDroppedNAKs int64
}

// Sender is the media driver's transmission agent, one instance per driver
// process regardless of how many publications it serves (spec.md §4:
// "Sender: single-threaded agent").
type Sender struct {
	cfg    Config
	logger pslog.Logger
	clock  func() int64

	commands    *concurrent.SPSCQueue[conductor.SenderCommand]
	toConductor *concurrent.SPSCQueue[conductor.AgentCommand]

	publications map[int64]*pubState

	randSeed atomic.Int64
	readBuf  [protocol.SMHeaderLength + 8]byte

	// Metrics is optional; a nil Registry disables metric updates, matching
	// the driver's metrics-listen-empty-disables convention.
	Metrics *metrics.Registry
}

// New returns a Sender draining commands and posting agent commands to the
// given queues, normally obtained from a *conductor.Conductor via
// SenderCommands()/AgentCommands().
func New(cfg Config, commands *concurrent.SPSCQueue[conductor.SenderCommand], toConductor *concurrent.SPSCQueue[conductor.AgentCommand], logger pslog.Logger, clock func() int64) *Sender {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Sender{
		cfg:          cfg,
		logger:       logger,
		clock:        clock,
		commands:     commands,
		toConductor:  toConductor,
		publications: make(map[int64]*pubState),
	}
}

// RoleName identifies this agent in logs and metrics.
func (s *Sender) RoleName() string { return "sender" }

// DoWork implements the five steps of spec.md §4.7's cooperative loop.
func (s *Sender) DoWork() (int, error) {
	now := s.clock()
	work := 0

	work += s.commands.Drain(s.cfg.CommandDrainLimit, func(cmd conductor.SenderCommand) {
		s.handleCommand(cmd)
	})

	for _, ps := range s.publications {
		work += s.pollControlFrames(ps, now)
		work += s.maybeSendSetup(ps, now)
		work += s.scanAndSend(ps, now)
		work += s.maybeSendHeartbeat(ps, now)
		work += s.pollRetransmits(ps, now)
	}

	return work, nil
}

// OnClose is a no-op: the Sender does not own the log buffers or send
// endpoints it references, only the Conductor does, and the Conductor
// closes them once every reference (Sender and Receiver) has dropped out.
func (s *Sender) OnClose() {}

func (s *Sender) handleCommand(cmd conductor.SenderCommand) {
	switch {
	case cmd.AddPublication != nil:
		s.addPublication(cmd.AddPublication)
	case cmd.RemovePublication != nil:
		delete(s.publications, cmd.RemovePublication.RegistrationID)
	}
}

func (s *Sender) addPublication(pub *conductor.Publication) {
	var flow flowcontrol.Strategy
	if pub.Channel.Multicast {
		flow = flowcontrol.NewMulticastStrategy(s.cfg.MulticastReceiverTimeoutNs)
	} else {
		flow = flowcontrol.NewUnicastStrategy()
	}
	pub.Appender.SetPositionLimit(&pub.PositionLimit)

	seed := s.randSeed.Add(1) ^ int64(pub.SessionID)<<32 ^ int64(pub.StreamID)
	handler := retransmit.NewHandler(retransmit.Config{
		Multicast:    pub.Channel.Multicast,
		GroupSize:    s.cfg.RetransmitGroupSize,
		MaxBackoffNs: s.cfg.RetransmitMaxBackoffNs,
		LingerNs:     s.cfg.RetransmitLingerNs,
	}, seed)

	meta := pub.LogBuffer.Meta()
	activeIdx := meta.ActiveIndex()
	termID, offset := logbuffer.UnpackTail(meta.RawTailValue(activeIdx))

	s.publications[pub.RegistrationID] = &pubState{
		pub:              pub,
		flow:             flow,
		retransmit:       handler,
		senderTermID:     termID,
		senderTermOffset: offset,
		lastTrafficNs:    s.clock(),
	}
	s.logger.Info("sender.publication.add", "registrationId", pub.RegistrationID,
		"sessionId", pub.SessionID, "streamId", pub.StreamID, "multicast", pub.Channel.Multicast)
}

// pollControlFrames reads inbound SM and NAK frames off the publication's
// send socket (spec.md §4.4: control frames for a publication arrive on the
// same endpoint it transmits from) and feeds them to flow control and the
// retransmit handler.
func (s *Sender) pollControlFrames(ps *pubState, now int64) int {
	work := 0
	conn := ps.pub.SendEndpoint.Conn()
	for i := 0; i < 16; i++ {
		conn.SetReadDeadline(time.Now())
		n, _, err := ps.pub.SendEndpoint.ReadFrom(s.readBuf[:])
		if err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				s.logger.Warn("sender.control.read_error", "registrationId", ps.pub.RegistrationID, "error", err)
			}
			break
		}
		if n == 0 {
			break
		}
		hdr, err := protocol.GetCommonHeader(s.readBuf[:n])
		if err != nil {
			continue
		}
		switch hdr.Type {
		case protocol.FrameTypeSM:
			s.onSM(ps, s.readBuf[:n], now)
			work++
		case protocol.FrameTypeNAK:
			s.onNAK(ps, s.readBuf[:n], now)
			work++
		}
	}
	return work
}

func (s *Sender) onSM(ps *pubState, buf []byte, now int64) {
	sm, err := protocol.GetSMHeader(buf)
	if err != nil {
		return
	}
	receiverID := sm.ReceiverID
	positionBitsToShift := concurrent.PositionBitsToShift(ps.pub.LogBuffer.TermLength())
	limit := ps.flow.OnStatusMessage(flowcontrol.StatusMessage{
		ReceiverID:            receiverID,
		ConsumptionTermID:     sm.ConsumptionTermID,
		ConsumptionTermOffset: sm.ConsumptionTermOffset,
		ReceiverWindow:        sm.ReceiverWindow,
	}, now, ps.pub.LogBuffer.Meta().InitialTermID(), positionBitsToShift)
	ps.pub.PositionLimit.Set(limit)
	if !ps.connected {
		ps.connected = true
		s.logger.Info("sender.publication.connected", "registrationId", ps.pub.RegistrationID)
	}
}

func (s *Sender) onNAK(ps *pubState, buf []byte, now int64) {
	nak, err := protocol.GetNAKHeader(buf)
	if err != nil {
		return
	}
	if nak.SessionID != ps.pub.SessionID || nak.StreamID != ps.pub.StreamID {
		return
	}
	ps.retransmit.OnNAK(nak.TermID, nak.TermOffset, nak.Length, now)
	if s.Metrics != nil {
		if dropped := ps.retransmit.DroppedNAKs(); dropped > ps.lastDroppedNAKs {
			s.Metrics.NAKsDropped.Add(float64(dropped - ps.lastDroppedNAKs))
			ps.lastDroppedNAKs = dropped
		}
	}
}

func (s *Sender) maybeSendSetup(ps *pubState, now int64) int {
	if ps.connected {
		return 0
	}
	if now-ps.lastSetupSentNs < s.cfg.PublicationSetupTimeoutNs {
		return 0
	}
	meta := ps.pub.LogBuffer.Meta()
	activeIdx := meta.ActiveIndex()
	termID, offset := logbuffer.UnpackTail(meta.RawTailValue(activeIdx))

	var buf [protocol.SetupHeaderLength]byte
	protocol.PutSetupHeader(buf[:], protocol.SetupHeader{
		TermOffset:    offset,
		SessionID:     ps.pub.SessionID,
		StreamID:      ps.pub.StreamID,
		InitialTermID: meta.InitialTermID(),
		ActiveTermID:  termID,
		TermLength:    ps.pub.LogBuffer.TermLength(),
		MTU:           meta.MTU(),
	})
	if _, err := ps.pub.SendEndpoint.Send(buf[:]); err != nil {
		s.logger.Warn("sender.setup.send_error", "registrationId", ps.pub.RegistrationID, "error", err)
	}
	ps.lastSetupSentNs = now
	return 1
}

// scanAndSend implements spec.md §4.7 step 3: scan the active term from the
// sender position for committed bytes up to the flow-control window and the
// per-tick byte cap, and write them to the socket.
func (s *Sender) scanAndSend(ps *pubState, now int64) int {
	lb := ps.pub.LogBuffer
	meta := lb.Meta()
	activeIdx := meta.ActiveIndex()
	activeTermID, _ := logbuffer.UnpackTail(meta.RawTailValue(activeIdx))

	if ps.senderTermID != activeTermID {
		// The active partition rotated since our last scan; resume at the
		// start of the new term.
		ps.senderTermID = activeTermID
		ps.senderTermOffset = 0
	}

	positionBitsToShift := concurrent.PositionBitsToShift(lb.TermLength())
	senderPosition := concurrent.ComputePosition(ps.senderTermID, meta.InitialTermID(), positionBitsToShift, ps.senderTermOffset)
	limit := ps.flow.PositionLimit(now)
	available := limit - senderPosition
	if available <= 0 {
		return 0
	}

	maxLength := s.cfg.MaxScanBytes
	if available < int64(maxLength) {
		maxLength = int32(available)
	}
	if mtu := meta.MTU(); mtu > 0 && mtu < maxLength {
		maxLength = mtu
	}
	if maxLength <= 0 {
		return 0
	}

	partition := lb.Partition(activeIdx)
	sent := 0
	scanned := logbuffer.ScanBlock(partition, ps.senderTermOffset, maxLength, func(raw []byte, termOffset int32, frameType protocol.FrameType) {
		if frameType == protocol.FrameTypePad {
			return
		}
		if _, err := ps.pub.SendEndpoint.Send(raw); err != nil {
			s.logger.Warn("sender.data.send_error", "registrationId", ps.pub.RegistrationID, "error", err)
			return
		}
		sent++
	})
	if scanned > 0 {
		ps.senderTermOffset += scanned
		ps.lastTrafficNs = now
	}
	return sent
}

// maybeSendHeartbeat implements spec.md §4.7 step 4: an idle publication
// emits a zero-length DATA frame at its current sender position, purely on
// the wire (never written into the log, which already holds whatever the
// producer actually committed at that offset).
func (s *Sender) maybeSendHeartbeat(ps *pubState, now int64) int {
	if now-ps.lastTrafficNs < s.cfg.PublicationHeartbeatTimeoutNs {
		return 0
	}
	var buf [protocol.DataHeaderLength]byte
	protocol.PutDataHeader(buf[:], protocol.DataHeader{
		CommonHeader: protocol.CommonHeader{
			FrameLength: protocol.DataHeaderLength,
			Version:     protocol.Version,
			Flags:       protocol.FlagBeginEnd,
			Type:        protocol.FrameTypeData,
		},
		TermOffset: ps.senderTermOffset,
		SessionID:  ps.pub.SessionID,
		StreamID:   ps.pub.StreamID,
		TermID:     ps.senderTermID,
	})
	if _, err := ps.pub.SendEndpoint.Send(buf[:]); err != nil {
		s.logger.Warn("sender.heartbeat.send_error", "registrationId", ps.pub.RegistrationID, "error", err)
		return 0
	}
	if s.Metrics != nil {
		s.Metrics.HeartbeatsSent.Inc()
	}
	ps.lastTrafficNs = now
	return 1
}

// pollRetransmits implements spec.md §4.7 step 5: process due retransmit
// ranges and resend the requested bytes.
func (s *Sender) pollRetransmits(ps *pubState, now int64) int {
	due := ps.retransmit.Poll(now)
	if len(due) == 0 {
		return 0
	}
	lb := ps.pub.LogBuffer
	for _, r := range due {
		for i := int32(0); i < logbuffer.PartitionCount; i++ {
			partition := lb.Partition(i)
			if partition.TermID() != r.TermID {
				continue
			}
			length := partition.FrameLengthVolatile(r.TermOffset)
			if length == 0 {
				break
			}
			raw := partition.Bytes()[r.TermOffset : r.TermOffset+length]
			if _, err := ps.pub.SendEndpoint.Send(raw); err != nil {
				s.logger.Warn("sender.retransmit.send_error", "registrationId", ps.pub.RegistrationID, "error", err)
			} else if s.Metrics != nil {
				s.Metrics.RetransmitsIssued.Inc()
			}
			break
		}
	}
	return len(due)
}
