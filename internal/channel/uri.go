// Package channel implements UDP channel URI parsing and the send/receive
// channel endpoints that own datagram sockets on behalf of publications and
// subscriptions, per spec.md §3, §4.3, §4.4 and §6.
package channel

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// StreamIDReserved is stream id 0, reserved per spec.md §6 and never
// assignable to a publication or subscription.
const StreamIDReserved = 0

// URI is a parsed channel URI, covering both grammars named in spec.md §6:
// "udp://[<iface>[:port]@]<host>:<port>[?subnetPrefix=N]" and
// "aeron:udp?remote=host:port[&local=iface[:port]][&group=mcast:port][&interface=iface[/N]]".
type URI struct {
	Local        *net.UDPAddr // nil if unspecified
	Remote       *net.UDPAddr
	Multicast    bool
	Group        *net.UDPAddr // set when Multicast, the group address dialed/joined
	SubnetPrefix int          // -1 if unspecified; longest-prefix hint for interface selection
	InterfaceHint string      // named interface from aeron:udp?interface=
}

// ParseURI parses either grammar named by spec.md §6.
func ParseURI(raw string) (URI, error) {
	switch {
	case strings.HasPrefix(raw, "udp://"):
		return parseUDPURL(raw)
	case strings.HasPrefix(raw, "aeron:udp?") || raw == "aeron:udp":
		return parseAeronParams(raw)
	default:
		return URI{}, fmt.Errorf("channel: unsupported scheme in %q", raw)
	}
}

func parseUDPURL(raw string) (URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return URI{}, fmt.Errorf("channel: parse %q: %w", raw, err)
	}
	if u.Scheme != "udp" {
		return URI{}, fmt.Errorf("channel: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return URI{}, fmt.Errorf("channel: %q has no remote host", raw)
	}

	var out URI
	out.SubnetPrefix = -1
	if sp := u.Query().Get("subnetPrefix"); sp != "" {
		n, err := strconv.Atoi(sp)
		if err != nil {
			return URI{}, fmt.Errorf("channel: invalid subnetPrefix %q: %w", sp, err)
		}
		out.SubnetPrefix = n
	}

	if u.User != nil {
		localHostPort := u.User.Username()
		if pass, ok := u.User.Password(); ok {
			localHostPort += ":" + pass
		}
		localAddr, err := resolveUDPAddr(localHostPort)
		if err != nil {
			return URI{}, fmt.Errorf("channel: bad local endpoint %q: %w", localHostPort, err)
		}
		out.Local = localAddr
	}

	remoteAddr, err := resolveUDPAddr(u.Host)
	if err != nil {
		return URI{}, fmt.Errorf("channel: bad remote endpoint %q: %w", u.Host, err)
	}
	out.Remote = remoteAddr

	if err := finishMulticast(&out); err != nil {
		return URI{}, err
	}
	return out, nil
}

func parseAeronParams(raw string) (URI, error) {
	qi := strings.IndexByte(raw, '?')
	var query string
	if qi >= 0 {
		query = raw[qi+1:]
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return URI{}, fmt.Errorf("channel: parse %q: %w", raw, err)
	}

	var out URI
	out.SubnetPrefix = -1

	remote := values.Get("remote")
	group := values.Get("group")
	if remote == "" && group == "" {
		return URI{}, fmt.Errorf("channel: %q requires remote= or group=", raw)
	}
	if remote != "" {
		addr, err := resolveUDPAddr(remote)
		if err != nil {
			return URI{}, fmt.Errorf("channel: bad remote %q: %w", remote, err)
		}
		out.Remote = addr
	}
	if group != "" {
		addr, err := resolveUDPAddr(group)
		if err != nil {
			return URI{}, fmt.Errorf("channel: bad group %q: %w", group, err)
		}
		out.Group = addr
		if out.Remote == nil {
			out.Remote = addr
		}
	}
	if local := values.Get("local"); local != "" {
		addr, err := resolveUDPAddr(local)
		if err != nil {
			return URI{}, fmt.Errorf("channel: bad local %q: %w", local, err)
		}
		out.Local = addr
	}
	if iface := values.Get("interface"); iface != "" {
		name, prefix, ok := strings.Cut(iface, "/")
		out.InterfaceHint = name
		if ok {
			n, err := strconv.Atoi(prefix)
			if err != nil {
				return URI{}, fmt.Errorf("channel: bad interface prefix %q: %w", iface, err)
			}
			out.SubnetPrefix = n
		}
	}

	if err := finishMulticast(&out); err != nil {
		return URI{}, err
	}
	return out, nil
}

// finishMulticast classifies the URI as multicast if the remote/group
// address is class-D, and enforces spec.md §3's odd-last-octet invariant.
func finishMulticast(u *URI) error {
	addr := u.Group
	if addr == nil {
		addr = u.Remote
	}
	if addr == nil || !addr.IP.IsMulticast() {
		return nil
	}
	u.Multicast = true
	if u.Group == nil {
		u.Group = u.Remote
	}
	ip4 := u.Group.IP.To4()
	if ip4 == nil {
		return fmt.Errorf("channel: only IPv4 multicast groups are supported, got %s", u.Group.IP)
	}
	if ip4[3]&0x01 == 0 {
		return fmt.Errorf("channel: multicast group %s has an even last octet, must be odd", u.Group.IP)
	}
	return nil
}

func resolveUDPAddr(hostport string) (*net.UDPAddr, error) {
	if !strings.Contains(hostport, ":") {
		return nil, fmt.Errorf("missing port in %q", hostport)
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	if host == "" {
		return nil, fmt.Errorf("missing host in %q", hostport)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("cannot resolve host %q", host)
		}
		ip = ips[0]
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// Canonical returns the deterministic string form used as a map key, per
// spec.md §3: "UDP-<localHex>-<localPort>-<remoteHex>-<remotePort>".
func (u URI) Canonical() string {
	localHex, localPort := hexAndPort(u.Local)
	remote := u.Remote
	if u.Multicast && u.Group != nil {
		remote = u.Group
	}
	remoteHex, remotePort := hexAndPort(remote)
	return fmt.Sprintf("UDP-%s-%d-%s-%d", localHex, localPort, remoteHex, remotePort)
}

func hexAndPort(addr *net.UDPAddr) (string, int) {
	if addr == nil {
		return "0", 0
	}
	ip4 := addr.IP.To4()
	if ip4 != nil {
		return fmt.Sprintf("%02X%02X%02X%02X", ip4[0], ip4[1], ip4[2], ip4[3]), addr.Port
	}
	return strings.ToUpper(strings.ReplaceAll(addr.IP.String(), ":", "")), addr.Port
}
