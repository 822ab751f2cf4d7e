package conductor

// clientState tracks one client library's liveness, refreshed by
// CLIENT_KEEPALIVE messages on the command ring (spec.md §6, §4.9).
type clientState struct {
	clientID        int64
	lastKeepaliveNs int64
}
