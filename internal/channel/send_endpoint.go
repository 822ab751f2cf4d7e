package channel

import (
	"errors"
	"net"
	"sync/atomic"
)

// SendEndpoint owns one outbound datagram socket for a channel, shared by
// every publication whose channel URI canonicalizes to the same key. Per
// spec.md §4.3, sendTo is non-blocking; an EAGAIN-equivalent short write is
// reported as zero bytes sent so the Sender agent retries next doWork tick
// rather than blocking the whole thread.
type SendEndpoint struct {
	conn       net.PacketConn
	remote     net.Addr
	refCount   atomic.Int32
	bytesSent  atomic.Int64
	sendErrors atomic.Int64
}

// NewSendEndpoint dials (for unicast) or binds a multicast-capable socket
// for uri and returns a SendEndpoint with a ref count of 1.
func NewSendEndpoint(uri URI) (*SendEndpoint, error) {
	conn, remote, err := dialForSend(uri)
	if err != nil {
		return nil, err
	}
	ep := &SendEndpoint{conn: conn, remote: remote}
	ep.refCount.Store(1)
	return ep, nil
}

// Retain increments the reference count, used when a second publication on
// the same canonical channel attaches to an already-open endpoint.
func (e *SendEndpoint) Retain() { e.refCount.Add(1) }

// Release decrements the reference count and reports whether it reached
// zero, at which point the caller (the registry) must Close the endpoint.
func (e *SendEndpoint) Release() bool { return e.refCount.Add(-1) == 0 }

// Send performs a non-blocking write of buf to the endpoint's remote (or
// multicast group) address. It returns the number of bytes written, which
// is 0 (not an error) when the OS socket buffer is full.
func (e *SendEndpoint) Send(buf []byte) (int, error) {
	n, err := e.conn.WriteTo(buf, e.remote)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, err
		}
		e.sendErrors.Add(1)
		if isTemporary(err) {
			return 0, nil
		}
		return 0, err
	}
	e.bytesSent.Add(int64(n))
	return n, nil
}

// SendTo writes buf to an explicit destination, used by the Sender when
// replying directly to the source address of an inbound SM/NAK rather than
// the endpoint's configured remote (relevant for MDC-less unicast retransmit
// replies that must go back to whichever receiver asked).
func (e *SendEndpoint) SendTo(buf []byte, dest net.Addr) (int, error) {
	n, err := e.conn.WriteTo(buf, dest)
	if err != nil {
		if isTemporary(err) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// Close releases the underlying socket.
func (e *SendEndpoint) Close() error { return e.conn.Close() }

// Conn exposes the underlying socket so the Sender agent can poll it for
// inbound SM and NAK frames, which arrive on the same UDP socket a
// publication sends DATA/SETUP from (spec.md §4.4: "SM → sender-side
// publication for flow control; NAK → retransmit handler on the
// publication").
func (e *SendEndpoint) Conn() net.PacketConn { return e.conn }

// ReadFrom performs a read of one inbound datagram, subject to whatever
// deadline the caller's poll loop has set on Conn().
func (e *SendEndpoint) ReadFrom(buf []byte) (int, net.Addr, error) {
	return e.conn.ReadFrom(buf)
}

// BytesSent returns the cumulative count of bytes successfully written.
func (e *SendEndpoint) BytesSent() int64 { return e.bytesSent.Load() }

func isTemporary(err error) bool {
	type temporary interface{ Temporary() bool }
	if t, ok := err.(temporary); ok {
		return t.Temporary()
	}
	return false
}

func dialForSend(uri URI) (net.PacketConn, net.Addr, error) {
	if uri.Multicast {
		return dialMulticastSend(uri)
	}
	local := "0.0.0.0:0"
	if uri.Local != nil {
		local = uri.Local.String()
	}
	network := "udp"
	if uri.Remote.IP.To4() != nil {
		network = "udp4"
	}
	conn, err := net.ListenPacket(network, local)
	if err != nil {
		return nil, nil, err
	}
	return conn, uri.Remote, nil
}
