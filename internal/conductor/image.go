package conductor

import (
	"net"

	"github.com/quaywire/mediadriver/internal/logbuffer"
)

// Image is the receiver-side counterpart of a Publication: one per
// (subscription, session) pair, built by the Conductor when the Receiver
// reports a SETUP frame it has not seen a matching image for, per spec.md
// §4.9 step 4.
type Image struct {
	CorrelationID              int64
	SubscriptionRegistrationID int64
	SessionID                  int32
	StreamID                   int32
	InitialTermID              int32

	// ActiveTermID and TermOffset are the SETUP frame's term position at
	// the moment the image was created: the Receiver's rebuild position
	// starts here, not at term offset 0, since a late-joining subscriber
	// never receives data the publication already advanced past.
	ActiveTermID int32
	TermOffset   int32

	LogBuffer *logbuffer.LogBuffer
	Rebuilder *logbuffer.Rebuilder

	SourceAddr net.Addr

	// LastActivityNs is updated by the Receiver each time a data frame is
	// rebuilt into this image; the Receiver's image-liveness check asks the
	// Conductor to close the image once this goes stale beyond
	// IMAGE_LIVENESS_TIMEOUT_NS, per spec.md §4.8 step 5.
	LastActivityNs int64
}
