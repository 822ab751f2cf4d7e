package channel

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// selectInterface picks the network interface to bind a multicast socket
// to, per spec.md §4.3: longest-prefix match against the URI's subnet hint,
// falling back to any interface that supports multicast or is loopback.
func selectInterface(uri URI) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("channel: list interfaces: %w", err)
	}

	if uri.InterfaceHint != "" {
		iface, err := net.InterfaceByName(uri.InterfaceHint)
		if err != nil {
			return nil, fmt.Errorf("channel: interface %q: %w", uri.InterfaceHint, err)
		}
		return iface, nil
	}

	var best *net.Interface
	bestPrefix := -1
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			prefix := commonPrefixLen(ipNet, uri)
			if prefix > bestPrefix {
				bestPrefix = prefix
				ifaceCopy := iface
				best = &ifaceCopy
			}
		}
	}
	if best != nil {
		return best, nil
	}

	// Fall back to any interface that supports multicast, or loopback.
	var loopback *net.Interface
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagLoopback != 0 {
			ifaceCopy := iface
			loopback = &ifaceCopy
			continue
		}
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagMulticast != 0 {
			return &iface, nil
		}
	}
	if loopback != nil {
		return loopback, nil
	}
	return nil, fmt.Errorf("channel: no suitable multicast interface found")
}

// commonPrefixLen scores how well a local interface address matches the
// URI's subnet hint. Without a subnet prefix or local address hint, or when
// either address is not IPv4, it returns 0, so every interface ties.
func commonPrefixLen(local *net.IPNet, uri URI) int {
	if uri.SubnetPrefix < 0 || uri.Local == nil {
		return 0
	}
	hint := uri.Local.IP.To4()
	addr := local.IP.To4()
	if hint == nil || addr == nil {
		return 0
	}
	prefix := 0
	for bit := 0; bit < uri.SubnetPrefix && bit < 32; bit++ {
		byteIdx, bitIdx := bit/8, 7-bit%8
		if hint[byteIdx]&(1<<bitIdx) != addr[byteIdx]&(1<<bitIdx) {
			break
		}
		prefix++
	}
	return prefix
}

// dialMulticastSend opens a UDP socket bound for sending to uri.Group,
// joined via the interface selected by selectInterface, using
// golang.org/x/net/ipv4 for TTL and interface control that net.ListenPacket
// alone does not expose.
func dialMulticastSend(uri URI) (net.PacketConn, net.Addr, error) {
	iface, err := selectInterface(uri)
	if err != nil {
		return nil, nil, err
	}
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, nil, err
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastInterface(iface); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("channel: set multicast interface %s: %w", iface.Name, err)
	}
	if err := pc.SetMulticastTTL(defaultMulticastTTL); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("channel: set multicast ttl: %w", err)
	}
	if err := pc.SetMulticastLoopback(false); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("channel: set multicast loopback: %w", err)
	}
	return conn, uri.Group, nil
}

// dialMulticastReceive opens and joins uri.Group for receiving.
func dialMulticastReceive(uri URI) (net.PacketConn, error) {
	iface, err := selectInterface(uri)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", uri.Group.Port))
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(iface, &net.UDPAddr{IP: uri.Group.IP}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel: join group %s on %s: %w", uri.Group.IP, iface.Name, err)
	}
	return conn, nil
}

// defaultMulticastTTL is the TTL set on every multicast send socket; the
// SETUP frame's ttl field is not read to change it.
const defaultMulticastTTL = 1
