// Package model holds the Portal-issued data model shared by the Client
// and Gateway state machines: resources, peer configuration, the proxy-IP
// pools, and the upward/downward event types.
package model

import (
	"net/netip"

	"github.com/firezone/tunnel-core/internal/ids"
)

// IPStack is a DNS resource's address-family preference.
type IPStack int

const (
	IPStackDual IPStack = iota
	IPStackIPv4Only
	IPStackIPv6Only
)

// ResourceKind discriminates the three Resource variants.
type ResourceKind int

const (
	ResourceCIDR ResourceKind = iota
	ResourceDNS
	ResourceInternet
)

// Resource is a Portal-issued unit of access.
type Resource struct {
	ID   ids.ResourceID
	Name string
	Kind ResourceKind

	// CIDR resource fields.
	Prefix netip.Prefix

	// DNS resource fields.
	AddressPattern string
	IPStack        IPStack

	// Filters restrict which protocols/ports/ICMP types may traverse this
	// resource on the Gateway's per-packet policy check.
	Filters []Filter
}

// Protocol identifies an IP protocol filter applies to.
type Protocol int

const (
	ProtocolAll Protocol = iota
	ProtocolTCP
	ProtocolUDP
	ProtocolICMP
)

// Filter is one entry of a Resource's access filter: a protocol plus an
// optional port range (TCP/UDP) or ICMP type allow-list.
type Filter struct {
	Protocol  Protocol
	PortStart uint16
	PortEnd   uint16
	ICMPTypes []uint8
}

// Allows reports whether a packet with the given protocol/port/ICMP-type
// is permitted by this filter. An empty filter list on a Resource means
// "allow everything"; see internal/gateway's per-packet policy.
func (f Filter) Allows(proto Protocol, port uint16, icmpType uint8) bool {
	if f.Protocol != ProtocolAll && f.Protocol != proto {
		return false
	}
	switch proto {
	case ProtocolTCP, ProtocolUDP:
		if f.PortStart == 0 && f.PortEnd == 0 {
			return true
		}
		return port >= f.PortStart && port <= f.PortEnd
	case ProtocolICMP:
		if len(f.ICMPTypes) == 0 {
			return true
		}
		for _, t := range f.ICMPTypes {
			if t == icmpType {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// InternetRoutes are the two default routes an Internet resource grants
// once toggled on by the user.
var InternetRoutes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/0"),
	netip.MustParsePrefix("::/0"),
}

// TunnelIPv4Pool and TunnelIPv6Pool are the global address pools every
// Client and Gateway draws its single tunnel address from.
var (
	TunnelIPv4Pool = netip.MustParsePrefix("100.64.0.0/11")
	TunnelIPv6Pool = netip.MustParsePrefix("fd00:2021:1111::/107")
)

// ProxyIPv4Pool and ProxyIPv6Pool are the Client-local pools the proxy-IP
// allocator draws from.
var (
	ProxyIPv4Pool = netip.MustParsePrefix("100.96.0.0/11")
	ProxyIPv6Pool = netip.MustParsePrefix("fd00:2021:1111:8000::/107")
)

// MaxProxyIPsPerDomain is the number of proxy addresses, per family, a
// single (domain, resource-id) pair may consume.
const MaxProxyIPsPerDomain = 4

// PeerConfig is the static configuration needed to stand up a Noise
// session and ICE agent toward one remote peer, handed down by the Portal
// via FlowCreated (Client) or Authorize (Gateway).
type PeerConfig struct {
	StaticPublicKey [32]byte
	PresharedKey    [32]byte
	TunnelIPv4      netip.Addr
	TunnelIPv6      netip.Addr
}
