// Package receiver implements the Receiver agent described in spec.md
// §4.4 and §4.8: it owns every subscription's receive endpoint, dispatches
// inbound DATA/PAD/SETUP frames, rebuilds each image's log buffer, runs the
// gap scanner to emit NAKs, and schedules status messages.
//
// The doWork() shape follows sa6mwa-lockd's manager run loops, same as
// internal/conductor and internal/sender; the frame classification and
// rebuild logic is new domain logic grounded directly on
// internal/logbuffer and internal/protocol.
package receiver

import (
	"math"
	"net"
	"time"

	"pkt.systems/pslog"

	"github.com/quaywire/mediadriver/internal/concurrent"
	"github.com/quaywire/mediadriver/internal/conductor"
	"github.com/quaywire/mediadriver/internal/logbuffer"
	"github.com/quaywire/mediadriver/internal/metrics"
	"github.com/quaywire/mediadriver/internal/protocol"
)

// Config parameterizes the Receiver agent, per the timeout names spec.md
// §4.8 and §9 use directly.
type Config struct {
	// StatusMessageTimeoutNs rate-limits how often a pending SM is actually
	// sent for one image, spec.md §4.8 step 4.
	StatusMessageTimeoutNs int64
	// ImageLivenessTimeoutNs bounds how long an image may go without new
	// data before it is marked for removal, spec.md §4.8 step 5.
	ImageLivenessTimeoutNs int64
	// NAKRetryTimeoutNs bounds how often the same gap is re-reported,
	// spec.md §4.8 step 3 ("at most once per feedback-delay period per
	// gap").
	NAKRetryTimeoutNs int64
	// ReceiverWindow is the fixed receiver-window size advertised in every
	// SM, in bytes. spec.md leaves adaptive window sizing to future work
	// (§9); this driver uses one configured constant.
	ReceiverWindow int32
	// CommandDrainLimit bounds how many receiver commands are drained per
	// doWork tick.
	CommandDrainLimit int
	// SocketReadBudget bounds how many datagrams are read from one socket
	// per doWork tick, so one noisy endpoint cannot starve the others.
	SocketReadBudget int
}

// DefaultConfig returns the timeout values spec.md §4.8 names as
// approximate defaults.
func DefaultConfig() Config {
	return Config{
		StatusMessageTimeoutNs: 200_000_000,
		ImageLivenessTimeoutNs: 5_000_000_000,
		NAKRetryTimeoutNs:      100_000_000,
		ReceiverWindow:         2 * 1024 * 1024,
		CommandDrainLimit:      32,
		SocketReadBudget:       64,
	}
}

type nakKey struct {
	termID     int32
	termOffset int32
}

// imageState is the Receiver's private rebuild bookkeeping for one image,
// wrapping the shared *conductor.Image with the fields only the receiving
// side needs.
type imageState struct {
	img *conductor.Image

	rebuildTermID int32
	rebuildOffset int32
	highOffset    int32 // highest offset known committed within rebuildTermID
	receiverID    int64
	pendingSM     bool
	lastSMSentNs  int64
	lastNAKSentAt map[nakKey]int64
}

// subState is the Receiver's bookkeeping for one subscription: its images,
// keyed by publishing session, and SETUP frames already forwarded to the
// Conductor so a duplicate SETUP does not spam create-image requests while
// the first is still pending.
type subState struct {
	sub           *conductor.Subscription
	images        map[int32]*imageState
	pendingImages map[int32]bool
}

// Receiver is the media driver's reception agent, one instance per driver
// process regardless of how many subscriptions it serves.
type Receiver struct {
	cfg    Config
	logger pslog.Logger
	clock  func() int64

	commands    *concurrent.SPSCQueue[conductor.ReceiverCommand]
	toConductor *concurrent.SPSCQueue[conductor.AgentCommand]

	subscriptions map[int64]*subState

	nextReceiverID int64
	readBuf        [protocol.SetupHeaderLength + 512]byte

	// Metrics is optional; a nil Registry disables metric updates, matching
	// the driver's metrics-listen-empty-disables convention.
	Metrics *metrics.Registry
}

// New returns a Receiver draining commands and posting agent commands to
// the given queues, normally obtained from a *conductor.Conductor via
// ReceiverCommands()/AgentCommands().
func New(cfg Config, commands *concurrent.SPSCQueue[conductor.ReceiverCommand], toConductor *concurrent.SPSCQueue[conductor.AgentCommand], logger pslog.Logger, clock func() int64) *Receiver {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Receiver{
		cfg:           cfg,
		logger:        logger,
		clock:         clock,
		commands:      commands,
		toConductor:   toConductor,
		subscriptions: make(map[int64]*subState),
	}
}

// RoleName identifies this agent in logs and metrics.
func (r *Receiver) RoleName() string { return "receiver" }

// DoWork implements the five steps of spec.md §4.8's cooperative loop.
func (r *Receiver) DoWork() (int, error) {
	now := r.clock()
	work := 0

	work += r.commands.Drain(r.cfg.CommandDrainLimit, func(cmd conductor.ReceiverCommand) {
		r.handleCommand(cmd, now)
	})

	polled := make(map[*conductor.Subscription]bool, len(r.subscriptions))
	for _, ss := range r.subscriptions {
		if polled[ss.sub] {
			continue
		}
		polled[ss.sub] = true
		work += r.pollEndpoint(ss.sub, now)
	}

	for _, ss := range r.subscriptions {
		for _, is := range ss.images {
			work += r.advanceRebuild(ss, is, now)
			work += r.maybeSendStatusMessage(ss, is, now)
			work += r.checkImageLiveness(ss, is, now)
		}
	}

	return work, nil
}

// OnClose is a no-op: the Conductor owns every log buffer and receive
// endpoint referenced here.
func (r *Receiver) OnClose() {}

func (r *Receiver) handleCommand(cmd conductor.ReceiverCommand, now int64) {
	switch {
	case cmd.AddSubscription != nil:
		r.addSubscription(cmd.AddSubscription)
	case cmd.RemoveSubscription != nil:
		r.removeSubscription(cmd.RemoveSubscription)
	case cmd.ImageReady != nil:
		r.attachImage(cmd.ImageReady, now)
	}
}

func (r *Receiver) addSubscription(sub *conductor.Subscription) {
	ss := &subState{sub: sub, images: make(map[int32]*imageState), pendingImages: make(map[int32]bool)}
	r.subscriptions[sub.RegistrationID] = ss
	sub.ReceiveEndpoint.AddStream(sub.StreamID, func(buf []byte, from net.Addr) {
		r.onFrame(ss, buf, from)
	})
	r.logger.Info("receiver.subscription.add", "registrationId", sub.RegistrationID, "streamId", sub.StreamID)
}

func (r *Receiver) removeSubscription(sub *conductor.Subscription) {
	sub.ReceiveEndpoint.RemoveStream(sub.StreamID)
	delete(r.subscriptions, sub.RegistrationID)
	r.logger.Info("receiver.subscription.remove", "registrationId", sub.RegistrationID, "streamId", sub.StreamID)
}

func (r *Receiver) attachImage(img *conductor.Image, now int64) {
	ss, ok := r.subscriptions[img.SubscriptionRegistrationID]
	if !ok {
		return // subscription was removed before the Conductor finished creating the image
	}
	if _, exists := ss.images[img.SessionID]; exists {
		return
	}
	r.nextReceiverID++
	ss.images[img.SessionID] = &imageState{
		img:           img,
		rebuildTermID: img.ActiveTermID,
		rebuildOffset: img.TermOffset,
		highOffset:    img.TermOffset,
		receiverID:    r.nextReceiverID,
		lastNAKSentAt: make(map[nakKey]int64),
	}
	delete(ss.pendingImages, img.SessionID)
	r.logger.Info("receiver.image.attach", "correlationId", img.CorrelationID, "sessionId", img.SessionID)
}

// pollEndpoint reads a bounded number of datagrams off sub's socket and
// dispatches each by stream id, per spec.md §4.4.
func (r *Receiver) pollEndpoint(sub *conductor.Subscription, now int64) int {
	work := 0
	ep := sub.ReceiveEndpoint
	for i := 0; i < r.cfg.SocketReadBudget; i++ {
		ep.Conn().SetReadDeadline(time.Now())
		n, from, err := ep.ReadFrom(r.readBuf[:])
		if err != nil {
			if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
				r.logger.Warn("receiver.poll.read_error", "error", err)
			}
			break
		}
		if n == 0 {
			break
		}
		streamID, ok := streamIDOf(r.readBuf[:n])
		if !ok {
			continue
		}
		if ep.Dispatch(streamID, r.readBuf[:n], from) {
			work++
		}
	}
	return work
}

// streamIDOf extracts the stream id field from a frame's type-specific
// header without a full decode: DATA/PAD/SETUP carry it at byte offset 16,
// SM/NAK at byte offset 12.
func streamIDOf(buf []byte) (int32, bool) {
	hdr, err := protocol.GetCommonHeader(buf)
	if err != nil {
		return 0, false
	}
	switch hdr.Type {
	case protocol.FrameTypeData, protocol.FrameTypePad, protocol.FrameTypeSetup:
		if len(buf) < 20 {
			return 0, false
		}
		h, err := protocol.GetDataHeader(buf)
		if err == nil {
			return h.StreamID, true
		}
		sh, err := protocol.GetSetupHeader(buf)
		if err != nil {
			return 0, false
		}
		return sh.StreamID, true
	case protocol.FrameTypeSM, protocol.FrameTypeNAK:
		return 0, false // never expected inbound to a receive endpoint
	default:
		return 0, false
	}
}

func (r *Receiver) onFrame(ss *subState, buf []byte, from net.Addr) {
	now := r.clock()
	hdr, err := protocol.GetCommonHeader(buf)
	if err != nil {
		if r.Metrics != nil {
			r.Metrics.FramesMalformed.Inc()
		}
		return
	}
	switch hdr.Type {
	case protocol.FrameTypeSetup:
		r.onSetup(ss, buf, from, now)
	case protocol.FrameTypeData, protocol.FrameTypePad:
		r.onData(ss, buf, now)
	}
}

func (r *Receiver) onSetup(ss *subState, buf []byte, from net.Addr, now int64) {
	setup, err := protocol.GetSetupHeader(buf)
	if err != nil {
		return
	}
	if _, exists := ss.images[setup.SessionID]; exists {
		return
	}
	if ss.pendingImages[setup.SessionID] {
		return
	}
	ss.pendingImages[setup.SessionID] = true
	r.toConductor.Offer(conductor.AgentCommand{CreateImage: &conductor.CreateImageRequest{
		Subscription:  ss.sub,
		SessionID:     setup.SessionID,
		InitialTermID: setup.InitialTermID,
		ActiveTermID:  setup.ActiveTermID,
		TermOffset:    setup.TermOffset,
		TermLength:    setup.TermLength,
		MTU:           setup.MTU,
		SourceAddr:    from,
	}})
}

func (r *Receiver) onData(ss *subState, buf []byte, now int64) {
	hdr, err := protocol.GetDataHeader(buf)
	if err != nil {
		return
	}
	is, ok := ss.images[hdr.SessionID]
	if !ok {
		return // image not yet established; SETUP handling will create it
	}
	ensurePartitionForTerm(is.img.LogBuffer, hdr.TermID)
	isHeartbeat := protocol.IsHeartbeat(hdr)
	if !is.img.Rebuilder.Insert(hdr.TermID, hdr.TermOffset, buf, isHeartbeat) {
		return
	}
	is.img.LastActivityNs = now
	switch {
	case hdr.TermID > is.rebuildTermID:
		// The current rebuild term must already be complete: a producer
		// only rotates after filling the previous term (padding it out if
		// necessary), so the next advanceRebuild call will roll rebuildTermID
		// forward on its own.
		is.highOffset = is.img.LogBuffer.TermLength()
	case hdr.TermID == is.rebuildTermID:
		if end := hdr.TermOffset + protocol.AlignedLength(hdr.FrameLength); end > is.highOffset {
			is.highOffset = end
		}
	}
}

// advanceRebuild implements spec.md §4.8 step 3: advance the rebuild
// position over newly contiguous committed bytes, roll to the next term on
// a full term, and emit rate-limited NAKs for any gap the scanner finds.
//
// This walks committed frames starting at the image's own rebuild offset
// rather than using logbuffer.Rebuilder.HighestContiguousOffset (which
// always starts at term offset 0): a late-joining subscriber's image never
// has anything committed before its SETUP-reported join offset, so scanning
// from 0 would see that leading gap as a permanent stall instead of data
// that was never going to arrive.
func (r *Receiver) advanceRebuild(ss *subState, is *imageState, now int64) int {
	work := 0
	lb := is.img.LogBuffer
	termLength := lb.TermLength()
	partition := partitionForTerm(lb, is.rebuildTermID)

	for partition != nil {
		offset := highestContiguousFrom(partition, is.rebuildOffset, termLength)
		if offset == is.rebuildOffset {
			break
		}
		is.rebuildOffset = offset
		is.pendingSM = true
		work++
		if offset < termLength {
			break
		}
		is.rebuildTermID++
		is.rebuildOffset = 0
		is.highOffset = 0
		partition = partitionForTerm(lb, is.rebuildTermID)
	}
	if partition == nil {
		return work
	}

	limit := is.highOffset
	if limit > termLength {
		limit = termLength
	}
	gaps := logbuffer.ScanForGaps(partition, is.rebuildTermID, is.rebuildOffset, limit)
	for _, gap := range gaps {
		key := nakKey{termID: gap.TermID, termOffset: gap.TermOffset}
		if now-is.lastNAKSentAt[key] < r.cfg.NAKRetryTimeoutNs {
			continue
		}
		r.sendNAK(ss, is, gap)
		is.lastNAKSentAt[key] = now
		work++
	}
	return work
}

func (r *Receiver) sendNAK(ss *subState, is *imageState, gap logbuffer.Gap) {
	var buf [protocol.NAKHeaderLength]byte
	protocol.PutNAKHeader(buf[:], protocol.NAKHeader{
		SessionID:  is.img.SessionID,
		StreamID:   is.img.StreamID,
		TermID:     gap.TermID,
		TermOffset: gap.TermOffset,
		Length:     gap.Length,
	})
	if _, err := ss.sub.ReceiveEndpoint.SendTo(buf[:], is.img.SourceAddr); err != nil {
		r.logger.Warn("receiver.nak.send_error", "sessionId", is.img.SessionID, "error", err)
		return
	}
	if r.Metrics != nil {
		r.Metrics.NAKsSent.Inc()
	}
}

func (r *Receiver) maybeSendStatusMessage(ss *subState, is *imageState, now int64) int {
	if !is.pendingSM {
		return 0
	}
	if now-is.lastSMSentNs < r.cfg.StatusMessageTimeoutNs {
		return 0
	}
	var buf [protocol.SMHeaderLength + 8]byte
	n, err := protocol.PutSMHeader(buf[:], protocol.SMHeader{
		CommonHeader:          protocol.CommonHeader{Flags: protocol.SMFlagReceiverID},
		SessionID:             is.img.SessionID,
		StreamID:              is.img.StreamID,
		ConsumptionTermID:     is.rebuildTermID,
		ConsumptionTermOffset: is.rebuildOffset,
		ReceiverWindow:        r.cfg.ReceiverWindow,
		ReceiverID:            is.receiverID,
	})
	if err != nil {
		r.logger.Warn("receiver.sm.encode_error", "sessionId", is.img.SessionID, "error", err)
		return 0
	}
	if _, err := ss.sub.ReceiveEndpoint.SendTo(buf[:n], is.img.SourceAddr); err != nil {
		r.logger.Warn("receiver.sm.send_error", "sessionId", is.img.SessionID, "error", err)
		return 0
	}
	is.lastSMSentNs = now
	is.pendingSM = false
	return 1
}

func (r *Receiver) checkImageLiveness(ss *subState, is *imageState, now int64) int {
	if now-is.img.LastActivityNs < r.cfg.ImageLivenessTimeoutNs {
		return 0
	}
	delete(ss.images, is.img.SessionID)
	r.toConductor.Offer(conductor.AgentCommand{CloseImage: &conductor.CloseImageRequest{
		Subscription: ss.sub,
		SessionID:    is.img.SessionID,
	}})
	r.logger.Warn("receiver.image.inactive", "correlationId", is.img.CorrelationID, "sessionId", is.img.SessionID)
	return 1
}

// highestContiguousFrom walks committed frames starting at start and
// returns the offset just past the last one in an unbroken run, mirroring
// logbuffer.Rebuilder.HighestContiguousOffset but anchored at an arbitrary
// start instead of always 0.
func highestContiguousFrom(partition *logbuffer.Partition, start, termLength int32) int32 {
	offset := start
	for offset < termLength {
		length := partition.FrameLengthVolatile(offset)
		if length == 0 {
			break
		}
		offset += protocol.AlignedLength(length)
	}
	return offset
}

// partitionForTerm returns the partition currently assigned termID, or nil.
func partitionForTerm(lb *logbuffer.LogBuffer, termID int32) *logbuffer.Partition {
	for i := int32(0); i < logbuffer.PartitionCount; i++ {
		p := lb.Partition(i)
		if p.TermID() == termID {
			return p
		}
	}
	return nil
}

// ensurePartitionForTerm rotates an image's log buffer to make room for
// termID when no partition already holds it, evicting whichever partition
// holds the oldest term. logbuffer.Rebuilder never rotates on its own
// (only a publication's Appender models rotation, driven by the producer's
// own tail counter); an image has no local producer, so the Receiver plays
// that role here, using the same Scrub-then-reassign primitive the
// Appender uses when it retires a partition.
func ensurePartitionForTerm(lb *logbuffer.LogBuffer, termID int32) {
	if partitionForTerm(lb, termID) != nil {
		return
	}
	var oldest *logbuffer.Partition
	minTermID := int32(math.MaxInt32)
	for i := int32(0); i < logbuffer.PartitionCount; i++ {
		p := lb.Partition(i)
		if p.TermID() < minTermID {
			minTermID = p.TermID()
			oldest = p
		}
	}
	if oldest == nil || termID <= minTermID {
		return
	}
	oldest.Scrub()
	lb.Meta().SetRawTailValue(oldest.Index(), logbuffer.PackTail(termID, 0))
}
