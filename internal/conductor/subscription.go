package conductor

import (
	"strconv"

	"github.com/quaywire/mediadriver/internal/channel"
)

// Subscription is the driver-side state for one client's ADD_SUBSCRIPTION.
// A subscription may accumulate one Image per publishing session it hears
// SETUP frames from on its channel/stream.
type Subscription struct {
	RegistrationID  int64
	ClientID        int64
	StreamID        int32
	ChannelRaw      string
	Channel         channel.URI
	ReceiveEndpoint *channel.ReceiveEndpoint

	Images map[int32]*Image // keyed by sessionID
}

func (s *Subscription) key() string {
	return s.Channel.Canonical() + "/" + strconv.Itoa(int(s.StreamID))
}
