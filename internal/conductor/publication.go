package conductor

import (
	"strconv"

	"github.com/quaywire/mediadriver/internal/channel"
	"github.com/quaywire/mediadriver/internal/concurrent"
	"github.com/quaywire/mediadriver/internal/logbuffer"
)

// Publication is the driver-side state for one client's ADD_PUBLICATION,
// owned exclusively by the Conductor; the Sender agent only reads the
// pointers it needs (LogBuffer, Appender, SendEndpoint) off the command
// handed to it at creation time.
type Publication struct {
	RegistrationID int64
	ClientID       int64
	SessionID      int32
	StreamID       int32
	ChannelRaw     string
	Channel        channel.URI

	LogBuffer     *logbuffer.LogBuffer
	Appender      *logbuffer.Appender
	SendEndpoint  *channel.SendEndpoint
	PositionLimit concurrent.Position

	// Connected is not set by the driver: the Sender tracks the first status
	// message for this publication in its own per-publication state, and
	// this field stays false.
	Connected bool

	// LingerDeadlineNs is nonzero once REMOVE_PUBLICATION has been
	// processed; the publication is fully closed on the first tick at or
	// after this deadline, per spec.md §4.9's publication-linger timer.
	LingerDeadlineNs int64

	// unblock bookkeeping: the tail snapshot last observed by the
	// unblock timer, and when it was first observed, per spec.md §4.9's
	// publication-unblock timer.
	lastTailSnapshot  int64
	lastTailObservedNs int64
}

func (p *Publication) key() string {
	return p.Channel.Canonical() + "/" + strconv.Itoa(int(p.StreamID))
}

// pendingLinger reports whether removal has been requested but the linger
// timer has not yet elapsed.
func (p *Publication) pendingLinger() bool { return p.LingerDeadlineNs != 0 }
