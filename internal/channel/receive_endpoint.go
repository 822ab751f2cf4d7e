package channel

import (
	"net"
	"sync"
	"sync/atomic"
)

// FrameHandler is invoked for each datagram the receive endpoint reads, with
// the source address it arrived from. Handlers must not retain buf past the
// call; the endpoint reuses its read buffer across calls.
type FrameHandler func(buf []byte, from net.Addr)

// ReceiveEndpoint owns one inbound datagram socket for a channel, shared by
// every subscription whose channel URI canonicalizes to the same key. Per
// spec.md §4.4 it dispatches inbound frames by (session, stream); dispatch
// itself lives in the Receiver agent, which supplies the FrameHandler.
type ReceiveEndpoint struct {
	conn     net.PacketConn
	refCount atomic.Int32

	mu      sync.RWMutex
	streams map[int32]FrameHandler // keyed by stream id
}

// NewReceiveEndpoint binds (and, for multicast, joins) a socket for uri and
// returns a ReceiveEndpoint with a ref count of 1.
func NewReceiveEndpoint(uri URI) (*ReceiveEndpoint, error) {
	conn, err := bindForReceive(uri)
	if err != nil {
		return nil, err
	}
	ep := &ReceiveEndpoint{conn: conn, streams: make(map[int32]FrameHandler)}
	ep.refCount.Store(1)
	return ep, nil
}

// Retain increments the reference count. A receiver endpoint is kept alive
// as long as any subscription on the channel exists, per spec.md §3
// ("removed only when the last subscriber for that channel leaves"),
// regardless of stream id.
func (e *ReceiveEndpoint) Retain() { e.refCount.Add(1) }

// Release decrements the reference count and reports whether it reached
// zero.
func (e *ReceiveEndpoint) Release() bool { return e.refCount.Add(-1) == 0 }

// AddStream registers handler for streamID, invoked on every subsequent
// datagram dispatched to that stream.
func (e *ReceiveEndpoint) AddStream(streamID int32, handler FrameHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streams[streamID] = handler
}

// RemoveStream unregisters a stream's handler.
func (e *ReceiveEndpoint) RemoveStream(streamID int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.streams, streamID)
}

// Dispatch looks up the handler registered for streamID and invokes it if
// present, reporting whether a handler was found.
func (e *ReceiveEndpoint) Dispatch(streamID int32, buf []byte, from net.Addr) bool {
	e.mu.RLock()
	handler, ok := e.streams[streamID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	handler(buf, from)
	return true
}

// ReadFrom performs a non-blocking-ish read (the socket is set to a short
// deadline by the caller's poll loop) of one datagram.
func (e *ReceiveEndpoint) ReadFrom(buf []byte) (int, net.Addr, error) {
	return e.conn.ReadFrom(buf)
}

// Conn exposes the underlying socket so the Receiver agent can set read
// deadlines as part of its doWork poll strategy.
func (e *ReceiveEndpoint) Conn() net.PacketConn { return e.conn }

// Close releases the underlying socket.
func (e *ReceiveEndpoint) Close() error { return e.conn.Close() }

// SendTo writes an SM or NAK frame back to dest over the same socket the
// endpoint receives on, per spec.md §4.4/§4.8: a subscriber's control
// traffic to the publisher shares the receive endpoint's socket rather than
// opening a second one.
func (e *ReceiveEndpoint) SendTo(buf []byte, dest net.Addr) (int, error) {
	return e.conn.WriteTo(buf, dest)
}

func bindForReceive(uri URI) (net.PacketConn, error) {
	if uri.Multicast {
		return dialMulticastReceive(uri)
	}
	local := &net.UDPAddr{IP: uri.Remote.IP, Port: uri.Remote.Port}
	if uri.Local != nil {
		local = uri.Local
	}
	return net.ListenUDP("udp", local)
}
