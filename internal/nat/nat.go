// Package nat implements the Gateway's per-flow NAT table: the bijection
// between a client-visible (client-tun-ip, inner-src-port, proxy-ip,
// inner-dst-port) tuple and the gateway-side (gateway-tun-ip,
// mapped-src-port, real-ip, inner-dst-port) tuple it is rewritten
// to/from.
package nat

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/firezone/tunnel-core/internal/ids"
)

// firstEphemeralPort/lastEphemeralPort bound the range mapped-src-port
// values are drawn from, the conventional IANA ephemeral range.
const (
	firstEphemeralPort = 49152
	lastEphemeralPort  = 65535
)

// Protocol identifies the L4 protocol (or pseudo-protocol, for ICMP) a
// mapping belongs to.
type Protocol int

const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
	ProtocolICMP
)

// InnerTuple is the client-visible 4-tuple-plus-port a packet arrives
// with from the client's Noise tunnel.
type InnerTuple struct {
	ClientTunIP netip.Addr
	SrcPort     uint16
	ProxyIP     netip.Addr // proxy IP for DNS resources, real destination IP for CIDR resources
	DstPort     uint16
	Proto       Protocol
}

// OuterTuple is the real-Internet-visible 4-tuple-plus-port the Gateway
// rewrites to.
type OuterTuple struct {
	GatewayTunIP netip.Addr
	MappedPort   uint16
	RealIP       netip.Addr
	DstPort      uint16
	Proto        Protocol
}

type mapping struct {
	inner    InnerTuple
	outer    OuterTuple
	owner    ids.ClientID
	resource ids.ResourceID
}

// Table is the bijective NAT table for one Gateway.
// Mappings are keyed both by inner tuple (outbound path) and by mapped
// port + proto (inbound path) so that both directions resolve in one
// map lookup.
type Table struct {
	mu sync.Mutex

	gatewayIPv4, gatewayIPv6 netip.Addr

	byInner map[InnerTuple]*mapping
	byOuter map[outerKey]*mapping

	nextPort   map[Protocol]uint16
	portByOwner map[ids.ClientID]map[uint16]Protocol
}

type outerKey struct {
	port  uint16
	proto Protocol
}

// New builds an empty NAT table for a Gateway owning the given tunnel
// addresses.
func New(gatewayIPv4, gatewayIPv6 netip.Addr) *Table {
	return &Table{
		gatewayIPv4: gatewayIPv4,
		gatewayIPv6: gatewayIPv6,
		byInner:     make(map[InnerTuple]*mapping),
		byOuter:     make(map[outerKey]*mapping),
		nextPort:    map[Protocol]uint16{ProtocolTCP: firstEphemeralPort, ProtocolUDP: firstEphemeralPort, ProtocolICMP: firstEphemeralPort},
		portByOwner: make(map[ids.ClientID]map[uint16]Protocol),
	}
}

// Translate returns the outer tuple a client's outbound packet should be
// rewritten to, minting a fresh mapped port if this is the first packet
// of the flow. The owning resource travels with the mapping so the
// inbound path can rebuild the same flow key.
func (t *Table) Translate(client ids.ClientID, resource ids.ResourceID, in InnerTuple) (OuterTuple, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m, ok := t.byInner[in]; ok {
		return m.outer, nil
	}

	port, err := t.allocatePort(in.Proto)
	if err != nil {
		return OuterTuple{}, err
	}

	gatewayIP := t.gatewayIPv4
	if in.ProxyIP.Is6() {
		gatewayIP = t.gatewayIPv6
	}
	out := OuterTuple{GatewayTunIP: gatewayIP, MappedPort: port, RealIP: in.ProxyIP, DstPort: in.DstPort, Proto: in.Proto}

	m := &mapping{inner: in, outer: out, owner: client, resource: resource}
	t.byInner[in] = m
	t.byOuter[outerKey{port, in.Proto}] = m
	if t.portByOwner[client] == nil {
		t.portByOwner[client] = make(map[uint16]Protocol)
	}
	t.portByOwner[client][port] = in.Proto
	return out, nil
}

// ReverseTranslate maps an inbound reply's outer tuple back to the inner
// tuple the client expects. ok is false if no mapping exists; no reply is
// built for such a packet, and Gateway.HandleInternetPacket drops it.
func (t *Table) ReverseTranslate(port uint16, proto Protocol) (InnerTuple, ids.ClientID, ids.ResourceID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byOuter[outerKey{port, proto}]
	if !ok {
		return InnerTuple{}, ids.ClientID{}, ids.ResourceID{}, false
	}
	return m.inner, m.owner, m.resource, true
}

func (t *Table) allocatePort(proto Protocol) (uint16, error) {
	start := t.nextPort[proto]
	port := start
	for {
		if _, taken := t.byOuter[outerKey{port, proto}]; !taken {
			next := port + 1
			if next < firstEphemeralPort || next > lastEphemeralPort {
				next = firstEphemeralPort
			}
			t.nextPort[proto] = next
			return port, nil
		}
		port++
		if port < firstEphemeralPort || port > lastEphemeralPort {
			port = firstEphemeralPort
		}
		if port == start {
			return 0, fmt.Errorf("nat: port space exhausted for protocol %d", proto)
		}
	}
}

// ReleaseClient drops every mapping owned by client, e.g. when its
// authorisation is revoked.
func (t *Table) ReleaseClient(client ids.ClientID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ports := t.portByOwner[client]
	delete(t.portByOwner, client)
	for port, proto := range ports {
		delete(t.byOuter, outerKey{port, proto})
	}
	for k, m := range t.byInner {
		if m.owner == client {
			delete(t.byInner, k)
		}
	}
}
