// Package conductor implements the driver's Conductor agent: client
// command-ring processing, publication/subscription lifecycle, image
// creation on SETUP, and the client-liveness, image-liveness,
// publication-linger and publication-unblock timers, per spec.md §4.9.
package conductor

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"

	"pkt.systems/pslog"

	"github.com/quaywire/mediadriver/internal/channel"
	"github.com/quaywire/mediadriver/internal/cnc"
	"github.com/quaywire/mediadriver/internal/concurrent"
	"github.com/quaywire/mediadriver/internal/logbuffer"
	"github.com/quaywire/mediadriver/internal/metrics"
	"github.com/quaywire/mediadriver/internal/protocol"
)

// Config holds the timer periods and file-layout parameters the Conductor
// needs, all named in spec.md §4.9 and §6.
type Config struct {
	AeronDir   string
	TermLength int32
	MTU        int32

	ClientLivenessTimeoutNs     int64
	ImageLivenessTimeoutNs      int64
	PublicationLingerTimeoutNs  int64
	PublicationUnblockTimeoutNs int64
	LivenessHeartbeatIntervalNs int64
	CommandDrainLimit           int
}

// DefaultConfig returns the driver's default timer periods, matching the
// magnitudes named in spec.md §4 (hundreds of milliseconds to a few
// seconds).
func DefaultConfig(aeronDir string) Config {
	return Config{
		AeronDir:                    aeronDir,
		TermLength:                  16 * 1024 * 1024,
		MTU:                         1408,
		ClientLivenessTimeoutNs:     10_000_000_000,
		ImageLivenessTimeoutNs:      5_000_000_000,
		PublicationLingerTimeoutNs:  5_000_000_000,
		PublicationUnblockTimeoutNs: 1_000_000_000,
		LivenessHeartbeatIntervalNs: 1_000_000_000,
		CommandDrainLimit:           32,
	}
}

// Conductor is the media driver's client-facing lifecycle agent. It owns
// the CnC file's rings, the channel endpoint registry, and every
// publication/subscription/image's bookkeeping. The Sender and Receiver
// agents only ever see the pointers the Conductor hands them on the
// SenderCommand/ReceiverCommand queues.
type Conductor struct {
	cfg      Config
	cnc      *cnc.CnC
	registry *channel.Registry
	logger   pslog.Logger
	clock    func() int64

	nextRegistrationID atomic.Int64

	publications map[int64]*Publication
	pubByKey     map[string]*Publication
	subscriptions map[int64]*Subscription
	subByKey      map[string]*Subscription
	clients       map[int64]*clientState

	toSender   *concurrent.SPSCQueue[SenderCommand]
	toReceiver *concurrent.SPSCQueue[ReceiverCommand]
	fromAgents *concurrent.SPSCQueue[AgentCommand]

	lastLivenessWriteNs int64

	// Metrics is optional; a nil Registry disables metric updates, matching
	// the driver's metrics-listen-empty-disables convention. The Conductor
	// is the sole owner of the active-publication/subscription/image gauges
	// since it is the only agent that adds or removes them.
	Metrics *metrics.Registry
}

// New constructs a Conductor. clock returns the current time in
// nanoseconds; production callers pass time.Now().UnixNano, tests pass a
// controllable stand-in.
func New(cfg Config, cncFile *cnc.CnC, registry *channel.Registry, logger pslog.Logger, clock func() int64) *Conductor {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Conductor{
		cfg:           cfg,
		cnc:           cncFile,
		registry:      registry,
		logger:        logger,
		clock:         clock,
		publications:  make(map[int64]*Publication),
		pubByKey:      make(map[string]*Publication),
		subscriptions: make(map[int64]*Subscription),
		subByKey:      make(map[string]*Subscription),
		clients:       make(map[int64]*clientState),
		toSender:      concurrent.NewSPSCQueue[SenderCommand](256),
		toReceiver:    concurrent.NewSPSCQueue[ReceiverCommand](256),
		fromAgents:    concurrent.NewSPSCQueue[AgentCommand](256),
	}
}

// RoleName identifies this agent in logs and metrics.
func (c *Conductor) RoleName() string { return "conductor" }

// SenderCommands returns the queue the Sender agent drains for new/removed
// publications.
func (c *Conductor) SenderCommands() *concurrent.SPSCQueue[SenderCommand] { return c.toSender }

// ReceiverCommands returns the queue the Receiver agent drains for
// new/removed subscriptions and ready images.
func (c *Conductor) ReceiverCommands() *concurrent.SPSCQueue[ReceiverCommand] { return c.toReceiver }

// AgentCommands returns the queue the Sender and Receiver agents offer
// create-image and close-image requests onto.
func (c *Conductor) AgentCommands() *concurrent.SPSCQueue[AgentCommand] { return c.fromAgents }

// DoWork runs one Conductor tick: drain the client command ring, drain the
// agent command queue, and fire any due timers. It never blocks beyond the
// bounded work each of those steps performs.
func (c *Conductor) DoWork() (int, error) {
	now := c.clock()
	work := 0

	work += c.cnc.ToDriver.Drain(func(msg []byte) {
		c.handleClientCommand(msg, now)
	})
	work += c.fromAgents.Drain(c.cfg.CommandDrainLimit, func(cmd AgentCommand) {
		c.handleAgentCommand(cmd, now)
	})
	work += c.fireTimers(now)

	if now-c.lastLivenessWriteNs >= c.cfg.LivenessHeartbeatIntervalNs {
		c.cnc.Meta.SetLivenessNs(now)
		c.lastLivenessWriteNs = now
	}

	return work, nil
}

// OnClose releases every remaining publication, subscription and image and
// their channel endpoints, called once when the Conductor's Runner stops.
func (c *Conductor) OnClose() {
	for _, pub := range c.publications {
		c.finalizeClosePublication(pub)
	}
	for _, sub := range c.subscriptions {
		c.finalizeCloseSubscription(sub)
	}
}

func (c *Conductor) handleClientCommand(msg []byte, now int64) {
	if len(msg) < 2 {
		c.logger.Warn("conductor.command.malformed", "length", len(msg))
		return
	}
	switch cnc.EncodeType(msg) {
	case cnc.MessageAddPublication:
		cmd, err := cnc.DecodeAddPublication(msg)
		if err != nil {
			c.logger.Warn("conductor.command.decode_error", "type", "add_publication", "error", err)
			return
		}
		c.addPublication(cmd, now)
	case cnc.MessageRemovePublication:
		cmd, err := cnc.DecodeRemovePublication(msg)
		if err != nil {
			c.logger.Warn("conductor.command.decode_error", "type", "remove_publication", "error", err)
			return
		}
		c.removePublication(cmd, now)
	case cnc.MessageAddSubscription:
		cmd, err := cnc.DecodeAddSubscription(msg)
		if err != nil {
			c.logger.Warn("conductor.command.decode_error", "type", "add_subscription", "error", err)
			return
		}
		c.addSubscription(cmd, now)
	case cnc.MessageRemoveSubscription:
		cmd, err := cnc.DecodeRemoveSubscription(msg)
		if err != nil {
			c.logger.Warn("conductor.command.decode_error", "type", "remove_subscription", "error", err)
			return
		}
		c.removeSubscription(cmd, now)
	case cnc.MessageClientKeepalive:
		cmd, err := cnc.DecodeClientKeepalive(msg)
		if err != nil {
			c.logger.Warn("conductor.command.decode_error", "type", "client_keepalive", "error", err)
			return
		}
		c.touchClient(cmd.ClientID, now)
	default:
		c.logger.Warn("conductor.command.unknown_type", "type", cnc.EncodeType(msg))
	}
}

func (c *Conductor) touchClient(clientID int64, now int64) {
	cl, ok := c.clients[clientID]
	if !ok {
		cl = &clientState{clientID: clientID}
		c.clients[clientID] = cl
	}
	cl.lastKeepaliveNs = now
}

func (c *Conductor) replySuccess(correlationID int64) {
	c.cnc.ToClients.Write(cnc.EncodeOperationSuccess(cnc.OperationSuccessMessage{CorrelationID: correlationID}))
}

func (c *Conductor) replyError(correlationID int64, code cnc.ErrorCode, message string) {
	c.cnc.ToClients.Write(cnc.EncodeErrorResponse(cnc.ErrorResponseMessage{
		CorrelationID: correlationID, Code: code, Message: message,
	}))
}

func (c *Conductor) addPublication(cmd cnc.AddPublicationCommand, now int64) {
	c.touchClient(cmd.ClientID, now)

	uri, err := channel.ParseURI(cmd.Channel)
	if err != nil {
		c.replyError(cmd.CorrelationID, cnc.ErrorCodeInvalidChannel, err.Error())
		return
	}
	key := uri.Canonical() + "/" + fmt.Sprint(cmd.StreamID)
	if _, exists := c.pubByKey[key]; exists {
		c.replyError(cmd.CorrelationID, cnc.ErrorCodePublicationStreamAlreadyExists, "publication already exists")
		return
	}

	registrationID := c.nextRegistrationID.Add(1)
	sessionID := rand.Int31()
	initialTermID := rand.Int31()

	path := filepath.Join(c.cfg.AeronDir, "publications", fmt.Sprintf("%d.logbuffer", registrationID))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.replyError(cmd.CorrelationID, cnc.ErrorCodeGenericError, err.Error())
		return
	}
	lb, err := logbuffer.CreateLogFile(path, c.cfg.TermLength, c.cfg.MTU, initialTermID, sessionID, cmd.StreamID)
	if err != nil {
		c.replyError(cmd.CorrelationID, cnc.ErrorCodeGenericError, err.Error())
		return
	}

	sendEP, err := c.registry.AcquireSend(uri)
	if err != nil {
		lb.Close()
		os.Remove(path)
		c.replyError(cmd.CorrelationID, cnc.ErrorCodeGenericError, err.Error())
		return
	}

	pub := &Publication{
		RegistrationID: registrationID,
		ClientID:       cmd.ClientID,
		SessionID:      sessionID,
		StreamID:       cmd.StreamID,
		ChannelRaw:     cmd.Channel,
		Channel:        uri,
		LogBuffer:      lb,
		Appender:       logbuffer.NewAppender(lb),
		SendEndpoint:   sendEP,
	}
	pub.Appender.SetPositionLimit(&pub.PositionLimit)
	pub.PositionLimit.Set(math.MaxInt64) // unbounded until the Sender wires flow control's real limit

	c.publications[registrationID] = pub
	c.pubByKey[key] = pub
	if c.Metrics != nil {
		c.Metrics.ActivePublications.Inc()
	}

	c.logger.Info("conductor.publication.add", "registrationId", registrationID, "sessionId", sessionID,
		"streamId", cmd.StreamID, "channel", cmd.Channel)

	c.cnc.ToClients.Write(cnc.EncodeOnNewPublication(cnc.OnNewPublicationMessage{
		CorrelationID:  cmd.CorrelationID,
		RegistrationID: registrationID,
		SessionID:      sessionID,
		StreamID:       cmd.StreamID,
		LogFileName:    path,
	}))

	c.toSender.Offer(SenderCommand{AddPublication: pub})
}

func (c *Conductor) removePublication(cmd cnc.RemovePublicationCommand, now int64) {
	uri, err := channel.ParseURI(cmd.Channel)
	if err != nil {
		c.replyError(cmd.CorrelationID, cnc.ErrorCodeInvalidChannel, err.Error())
		return
	}
	canonical := uri.Canonical()

	var found *Publication
	channelKnown := false
	for _, pub := range c.publications {
		if pub.Channel.Canonical() != canonical {
			continue
		}
		channelKnown = true
		if pub.SessionID == cmd.SessionID && pub.StreamID == cmd.StreamID {
			found = pub
			break
		}
	}
	if !channelKnown {
		c.replyError(cmd.CorrelationID, cnc.ErrorCodeInvalidChannel, "channel not registered")
		return
	}
	if found == nil {
		c.replyError(cmd.CorrelationID, cnc.ErrorCodePublicationStreamUnknown, "unknown session or stream for channel")
		return
	}

	if !found.pendingLinger() {
		found.LingerDeadlineNs = now + c.cfg.PublicationLingerTimeoutNs
		c.toSender.Offer(SenderCommand{RemovePublication: found})
		c.logger.Info("conductor.publication.linger", "registrationId", found.RegistrationID)
	}
	c.replySuccess(cmd.CorrelationID)
}

func (c *Conductor) finalizeClosePublication(pub *Publication) {
	delete(c.publications, pub.RegistrationID)
	delete(c.pubByKey, pub.key())
	if c.Metrics != nil {
		c.Metrics.ActivePublications.Dec()
	}
	c.registry.ReleaseSend(pub.Channel, pub.SendEndpoint)
	if err := pub.LogBuffer.Close(); err != nil {
		c.logger.Warn("conductor.publication.close_error", "registrationId", pub.RegistrationID, "error", err)
	}
	c.logger.Info("conductor.publication.closed", "registrationId", pub.RegistrationID)
}

func (c *Conductor) addSubscription(cmd cnc.AddSubscriptionCommand, now int64) {
	c.touchClient(cmd.ClientID, now)

	uri, err := channel.ParseURI(cmd.Channel)
	if err != nil {
		c.replyError(cmd.CorrelationID, cnc.ErrorCodeInvalidChannel, err.Error())
		return
	}
	key := uri.Canonical() + "/" + fmt.Sprint(cmd.StreamID)
	if _, exists := c.subByKey[key]; exists {
		c.replyError(cmd.CorrelationID, cnc.ErrorCodePublicationStreamAlreadyExists, "subscription already exists")
		return
	}

	recvEP, err := c.registry.AcquireReceive(uri)
	if err != nil {
		c.replyError(cmd.CorrelationID, cnc.ErrorCodeGenericError, err.Error())
		return
	}

	registrationID := c.nextRegistrationID.Add(1)
	sub := &Subscription{
		RegistrationID:  registrationID,
		ClientID:        cmd.ClientID,
		StreamID:        cmd.StreamID,
		ChannelRaw:      cmd.Channel,
		Channel:         uri,
		ReceiveEndpoint: recvEP,
		Images:          make(map[int32]*Image),
	}
	c.subscriptions[registrationID] = sub
	c.subByKey[key] = sub
	if c.Metrics != nil {
		c.Metrics.ActiveSubscriptions.Inc()
	}

	c.logger.Info("conductor.subscription.add", "registrationId", registrationID, "streamId", cmd.StreamID,
		"channel", cmd.Channel)

	c.toReceiver.Offer(ReceiverCommand{AddSubscription: sub})
	c.replySuccess(cmd.CorrelationID)
}

func (c *Conductor) removeSubscription(cmd cnc.RemoveSubscriptionCommand, now int64) {
	uri, err := channel.ParseURI(cmd.Channel)
	if err != nil {
		c.replyError(cmd.CorrelationID, cnc.ErrorCodeInvalidChannel, err.Error())
		return
	}
	canonical := uri.Canonical()

	var found *Subscription
	channelKnown := false
	for _, sub := range c.subscriptions {
		if sub.Channel.Canonical() != canonical {
			continue
		}
		channelKnown = true
		if sub.StreamID == cmd.StreamID {
			found = sub
			break
		}
	}
	if !channelKnown {
		c.replyError(cmd.CorrelationID, cnc.ErrorCodeInvalidChannel, "channel not registered")
		return
	}
	if found == nil {
		c.replyError(cmd.CorrelationID, cnc.ErrorCodePublicationStreamUnknown, "unknown stream for channel")
		return
	}

	delete(c.subscriptions, found.RegistrationID)
	delete(c.subByKey, found.key())
	if c.Metrics != nil {
		c.Metrics.ActiveSubscriptions.Dec()
	}
	c.toReceiver.Offer(ReceiverCommand{RemoveSubscription: found})
	c.finalizeCloseSubscription(found)
	c.replySuccess(cmd.CorrelationID)
}

func (c *Conductor) finalizeCloseSubscription(sub *Subscription) {
	for _, img := range sub.Images {
		img.LogBuffer.Close()
		if c.Metrics != nil {
			c.Metrics.ActiveImages.Dec()
		}
	}
	c.registry.ReleaseReceive(sub.Channel, sub.ReceiveEndpoint)
	c.logger.Info("conductor.subscription.closed", "registrationId", sub.RegistrationID)
}

func (c *Conductor) handleAgentCommand(cmd AgentCommand, now int64) {
	switch {
	case cmd.CreateImage != nil:
		c.createImage(cmd.CreateImage, now)
	case cmd.CloseImage != nil:
		c.closeImage(cmd.CloseImage)
	}
}

func (c *Conductor) createImage(req *CreateImageRequest, now int64) {
	sub := req.Subscription
	if _, exists := sub.Images[req.SessionID]; exists {
		return
	}

	correlationID := c.nextRegistrationID.Add(1)
	path := filepath.Join(c.cfg.AeronDir, "images", fmt.Sprintf("%d.logbuffer", correlationID))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		c.logger.Warn("conductor.image.create_error", "error", err)
		return
	}
	lb, err := logbuffer.CreateLogFile(path, req.TermLength, req.MTU, req.InitialTermID, req.SessionID, sub.StreamID)
	if err != nil {
		c.logger.Warn("conductor.image.create_error", "error", err)
		return
	}

	img := &Image{
		CorrelationID:              correlationID,
		SubscriptionRegistrationID: sub.RegistrationID,
		SessionID:      req.SessionID,
		StreamID:       sub.StreamID,
		InitialTermID:  req.InitialTermID,
		ActiveTermID:   req.ActiveTermID,
		TermOffset:     req.TermOffset,
		LogBuffer:      lb,
		Rebuilder:      logbuffer.NewRebuilder(lb),
		SourceAddr:     req.SourceAddr,
		LastActivityNs: now,
	}
	sub.Images[req.SessionID] = img
	if c.Metrics != nil {
		c.Metrics.ActiveImages.Inc()
	}

	c.logger.Info("conductor.image.created", "correlationId", correlationID, "sessionId", req.SessionID,
		"streamId", sub.StreamID)

	var sourceIdentity string
	if req.SourceAddr != nil {
		sourceIdentity = req.SourceAddr.String()
	}
	c.cnc.ToClients.Write(cnc.EncodeOnNewImage(cnc.OnNewImageMessage{
		CorrelationID:  sub.RegistrationID,
		SessionID:      req.SessionID,
		StreamID:       sub.StreamID,
		InitialTermID:  req.InitialTermID,
		LogFileName:    path,
		SourceIdentity: sourceIdentity,
	}))

	c.toReceiver.Offer(ReceiverCommand{ImageReady: img})
}

func (c *Conductor) closeImage(req *CloseImageRequest) {
	sub := req.Subscription
	img, ok := sub.Images[req.SessionID]
	if !ok {
		return
	}
	delete(sub.Images, req.SessionID)
	if err := img.LogBuffer.Close(); err != nil {
		c.logger.Warn("conductor.image.close_error", "correlationId", img.CorrelationID, "error", err)
	}
	if c.Metrics != nil {
		c.Metrics.ActiveImages.Dec()
	}
	c.logger.Info("conductor.image.closed", "correlationId", img.CorrelationID)
}

// fireTimers checks client liveness, publication linger, and publication
// unblock; image liveness is driven by the Receiver, which is the only
// agent that observes per-frame arrival times, and reports staleness back
// via CloseImageRequest.
func (c *Conductor) fireTimers(now int64) int {
	work := 0

	for id, cl := range c.clients {
		if now-cl.lastKeepaliveNs > c.cfg.ClientLivenessTimeoutNs {
			c.logger.Warn("conductor.client.expired", "clientId", cl.clientID)
			delete(c.clients, id)
			work++
		}
	}

	for _, pub := range c.publications {
		if pub.pendingLinger() && now >= pub.LingerDeadlineNs {
			c.finalizeClosePublication(pub)
			work++
			continue
		}
		if c.checkUnblock(pub, now) {
			work++
		}
	}

	return work
}

// checkUnblock implements spec.md §4.9's publication-unblock timer: a
// producer that reserved a frame slot but crashed or stalled before
// committing it leaves a permanent gap that blocks every subscriber's
// rebuild from ever advancing past it. If the raw tail has not moved for
// PUBLICATION_UNBLOCK_TIMEOUT_NS while a commit is still outstanding, the
// Conductor stamps a padding frame over the stalled range so downstream
// consumers can proceed.
func (c *Conductor) checkUnblock(pub *Publication, now int64) bool {
	meta := pub.LogBuffer.Meta()
	activeIdx := meta.ActiveIndex()
	rawTail := meta.RawTailValue(activeIdx)
	termID, tailOffset := logbuffer.UnpackTail(rawTail)

	if rawTail != pub.lastTailSnapshot {
		pub.lastTailSnapshot = rawTail
		pub.lastTailObservedNs = now
		return false
	}
	if now-pub.lastTailObservedNs < c.cfg.PublicationUnblockTimeoutNs {
		return false
	}

	committed := logbuffer.NewRebuilder(pub.LogBuffer).HighestContiguousOffset(termID, pub.LogBuffer.TermLength())
	if committed >= tailOffset {
		return false
	}

	partition := pub.LogBuffer.Partition(activeIdx)
	hdr := protocol.DataHeader{
		CommonHeader: protocol.CommonHeader{Version: protocol.Version, Type: protocol.FrameTypePad},
		TermOffset:   committed,
		TermID:       termID,
		SessionID:    pub.SessionID,
		StreamID:     pub.StreamID,
	}
	padLength := tailOffset - committed
	if err := protocol.PutDataHeader(partition.Bytes()[committed:], hdr); err != nil {
		c.logger.Warn("conductor.publication.unblock_error", "registrationId", pub.RegistrationID, "error", err)
		return false
	}
	partition.CommitFrame(committed, padLength)

	c.logger.Warn("conductor.publication.unblocked", "registrationId", pub.RegistrationID,
		"termId", termID, "termOffset", committed, "length", padLength)
	return true
}
