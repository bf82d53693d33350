package gateway

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/firezone/tunnel-core/internal/ids"
	"github.com/firezone/tunnel-core/internal/model"
	"github.com/firezone/tunnel-core/internal/wire"
)

// handleControlPacket decodes and dispatches an in-tunnel control packet
// from clientID.
func (g *Gateway) handleControlPacket(clientID ids.ClientID, c *ClientOnGateway, payload []byte, now time.Time) error {
	eventType, decoded, err := wire.DecodeControlPayload(payload)
	if err != nil {
		return err
	}
	switch eventType {
	case wire.EventAssignedIPs:
		event, ok := decoded.(wire.AssignedIPsEvent)
		if !ok {
			return nil
		}
		return g.handleAssignedIPs(clientID, c, event)
	case wire.EventGoodbye:
		g.removeClient(clientID, now)
	}
	return nil
}

// handleAssignedIPs records the client's proxy-IP batch for one domain
// and asks the caller to resolve it. The DomainStatus reply goes out
// once the resolution result comes back.
func (g *Gateway) handleAssignedIPs(clientID ids.ClientID, c *ClientOnGateway, event wire.AssignedIPsEvent) error {
	resourceID, err := ids.ParseResourceID(event.ResourceID)
	if err != nil {
		return err
	}
	proxyIPs := wire.ParseProxyIPs(event.ProxyIPs)

	da, ok := c.domains[event.Domain]
	if !ok {
		da = &domainAssignment{resourceID: resourceID, domain: event.Domain}
		c.domains[event.Domain] = da
	}
	for _, ip := range proxyIPs {
		if !containsAddr(da.proxyIPs, ip) {
			da.proxyIPs = append(da.proxyIPs, ip)
		}
	}

	wantV4, wantV6 := 0, 0
	for _, ip := range da.proxyIPs {
		if ip.Is4() {
			wantV4++
		} else {
			wantV6++
		}
	}

	g.events = append(g.events, model.ResolveDnsRequest{
		ClientID:   clientID,
		ResourceID: resourceID,
		Domain:     event.Domain,
		WantV4:     wantV4,
		WantV6:     wantV6,
	})
	return nil
}

// HandleResolveDnsResponse applies the Portal/Gateway resolver's answer
// to a pending domain assignment and replies DomainStatus to the client.
func (g *Gateway) HandleResolveDnsResponse(resp model.ResolveDnsResponse, now time.Time) error {
	c, ok := g.clients[resp.ClientID]
	if !ok {
		return nil
	}
	da, ok := c.domains[resp.Domain]
	if !ok {
		return nil
	}

	resolved := append(append([]netip.Addr{}, resp.V4...), resp.V6...)
	da.realIPs = resolved
	da.active = len(resolved) > 0

	status := wire.DomainStatusInactive
	if da.active {
		status = wire.DomainStatusActive
	}
	payload, err := wire.EncodeControlPayload(wire.EventDomainStatus, wire.DomainStatus{
		ResourceID: da.resourceID.String(),
		Domain:     da.domain,
		Status:     status,
	})
	if err != nil {
		return err
	}
	return g.node.Encapsulate(c.connID, encodeControlPacket(c.tunnelV4, payload), now)
}

// RecursiveDnsQuery is emitted when a client forwards a DNS query (SRV,
// TXT, anything its own stub resolver won't answer) through the tunnel to
// this Gateway's own tunnel address. The caller resolves it with the
// site's resolver and hands the answer back via
// HandleRecursiveDnsResponse; every field needed to address the reply
// travels with the event, so the Gateway keeps no pending-query state.
type RecursiveDnsQuery struct {
	ClientID ids.ClientID
	Query    *dns.Msg
	Src      netip.Addr
	SrcPort  uint16
	Dst      netip.Addr
}

// handleRecursiveQuery lifts the DNS query out of an inner UDP/53 packet
// addressed to the Gateway itself and queues it upward for resolution.
func (g *Gateway) handleRecursiveQuery(clientID ids.ClientID, packet []byte, hdr innerHeader) error {
	if len(packet) < hdr.payloadOffset+8 {
		return fmt.Errorf("%w: truncated udp packet", model.ErrInvalidPacket)
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(packet[hdr.payloadOffset+8:]); err != nil {
		return fmt.Errorf("%w: malformed recursed dns query", model.ErrInvalidPacket)
	}
	g.events = append(g.events, RecursiveDnsQuery{
		ClientID: clientID,
		Query:    msg,
		Src:      hdr.src,
		SrcPort:  hdr.srcPort,
		Dst:      hdr.dst,
	})
	return nil
}

// HandleRecursiveDnsResponse wraps the site resolver's answer to a
// RecursiveDnsQuery in a UDP reply addressed back to the querying client
// and sends it through the tunnel.
func (g *Gateway) HandleRecursiveDnsResponse(q RecursiveDnsQuery, response *dns.Msg, now time.Time) error {
	c, ok := g.clients[q.ClientID]
	if !ok {
		return fmt.Errorf("%w: unknown client %s", model.ErrNotConnected, q.ClientID)
	}
	payload, err := response.Pack()
	if err != nil {
		return fmt.Errorf("pack dns response: %w", err)
	}
	reply := encodeUDPPacket(q.Dst, q.Src, 53, q.SrcPort, payload)
	return g.node.Encapsulate(c.connID, reply, now)
}

func containsAddr(list []netip.Addr, ip netip.Addr) bool {
	for _, e := range list {
		if e == ip {
			return true
		}
	}
	return false
}
