package conductor

import "net"

// SenderCommand crosses the Conductor-to-Sender SPSC queue, per spec.md
// §4.7 step 1 ("drain sender-command queue: new publications, close, SETUP
// trigger"). Exactly one field is set per command.
type SenderCommand struct {
	AddPublication    *Publication
	RemovePublication *Publication
}

// ReceiverCommand crosses the Conductor-to-Receiver SPSC queue, per
// spec.md §4.8 step 1 ("drain receiver-command queue: register endpoint,
// add/remove subscription, new image, close").
type ReceiverCommand struct {
	AddSubscription    *Subscription
	RemoveSubscription *Subscription
	ImageReady         *Image // the Conductor finished building a requested image
}

// CreateImageRequest is raised by the Receiver when a SETUP frame arrives
// for a session it has no image for yet, per spec.md §4.9 step 4.
type CreateImageRequest struct {
	Subscription  *Subscription
	SessionID     int32
	InitialTermID int32
	ActiveTermID  int32
	TermOffset    int32
	TermLength    int32
	MTU           int32
	SourceAddr    net.Addr
}

// CloseImageRequest is raised by the Receiver when an image's liveness
// timer expires, per spec.md §4.8 step 5.
type CloseImageRequest struct {
	Subscription *Subscription
	SessionID    int32
}

// AgentCommand crosses the Sender/Receiver-to-Conductor SPSC queue, per
// spec.md §4.9 step 3. Exactly one field is set per command.
type AgentCommand struct {
	CreateImage *CreateImageRequest
	CloseImage  *CloseImageRequest
}
