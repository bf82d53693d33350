// Package client implements the Client state machine: the
// resource catalogue, DNS-resource NAT, connection-intent policy, and the
// translation from inbound TUN packets to node.Node instructions. It is
// sans-IO: Client returns packets/events for the caller to actually write
// to the TUN device or the network.
package client

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	dnsresolver "github.com/firezone/tunnel-core/internal/dns"
	"github.com/firezone/tunnel-core/internal/ice"
	"github.com/firezone/tunnel-core/internal/ids"
	"github.com/firezone/tunnel-core/internal/metrics"
	"github.com/firezone/tunnel-core/internal/model"
	"github.com/firezone/tunnel-core/internal/node"
	"github.com/firezone/tunnel-core/internal/noise"
	"github.com/firezone/tunnel-core/internal/wire"
)

// maxBufferedPackets bounds the per-resource queue held while a flow is
// being brokered by the Portal.
const maxBufferedPackets = 256

// cidrRoute is one entry of the Client's longest-prefix-match table. A
// linear scan over a small resource set beats a radix trie at Client
// scale; catalogues are tens of entries, not thousands.
type cidrRoute struct {
	prefix     netip.Prefix
	resourceID ids.ResourceID
}

// resourceState tracks per-resource connection status independent of the
// underlying node connection, since a resource may be pending brokerage,
// connected, or (for DNS resources) waiting on DomainStatus.
type resourceState int

const (
	resourcePending resourceState = iota
	resourceConnected
	resourceFailed
)

type peer struct {
	gateway   ids.GatewayID
	connID    node.ConnectionID
	state     resourceState
	resources map[ids.ResourceID]struct{}

	// The gateway's tunnel addresses, used to redirect recursed DNS
	// queries through the tunnel.
	tunV4, tunV6 netip.Addr
}

// pendingDomain tracks one in-flight AssignedIPsEvent awaiting the
// Gateway's DomainStatus reply. sentCount is the size of the proxy-IP set
// as of the last AssignedIPsEvent; a later
// A/AAAA query can widen the resolver's assignment for this domain (e.g. a
// dual-stack app resolving both families), and the Gateway must see the
// larger set before its proxyIPs[i] <-> realIPs[i] bijection can cover the
// new addresses.
type pendingDomain struct {
	resourceID ids.ResourceID
	domain     string
	sentCount  int
	active     bool
}

// Client is sans-IO: it owns the resource catalogue, the stub resolver,
// the NAT-free DNS-resource bijection, and a node.Node for the data
// plane, and exposes step functions the event loop drives.
type Client struct {
	tunnelV4, tunnelV6 netip.Addr

	resources  map[ids.ResourceID]model.Resource
	cidrRoutes []cidrRoute
	resolver   *dnsresolver.StubResolver
	sentinels  map[netip.Addr]netip.Addr

	peers map[ids.ResourceID]*peer
	node  *node.Node

	domains map[string]*pendingDomain // keyed by domain name

	buffered map[ids.ResourceID][][]byte

	events []any
}

// New builds a Client bound to its two tunnel addresses; the node must be
// sized for the connections this Client will open.
func New(tunnelV4, tunnelV6 netip.Addr, n *node.Node) *Client {
	return &Client{
		tunnelV4:  tunnelV4,
		tunnelV6:  tunnelV6,
		resources: make(map[ids.ResourceID]model.Resource),
		resolver:  dnsresolver.NewStubResolver(),
		sentinels: make(map[netip.Addr]netip.Addr),
		peers:     make(map[ids.ResourceID]*peer),
		node:      n,
		domains:   make(map[string]*pendingDomain),
		buffered:  make(map[ids.ResourceID][][]byte),
	}
}

// ApplyInit seeds the resource catalogue from the Portal's Init message.
func (c *Client) ApplyInit(init model.Init) {
	for _, r := range init.Resources {
		c.AddResource(r)
	}
}

// ApplyConfigChanged installs the tunnel addresses, sentinel resolver map
// and search domain.
func (c *Client) ApplyConfigChanged(cfg model.ConfigChanged) {
	c.tunnelV4 = cfg.TunnelIPv4
	c.tunnelV6 = cfg.TunnelIPv6
	c.sentinels = cfg.DNSBySentinel
	c.resolver.SetSearchDomain(cfg.SearchDomain)
}

// AddResource registers or replaces a resource in the catalogue.
func (c *Client) AddResource(r model.Resource) {
	c.resources[r.ID] = r
	switch r.Kind {
	case model.ResourceCIDR:
		c.addCIDRRoute(r)
	case model.ResourceDNS:
		c.resolver.AddResource(r.ID, r.AddressPattern, r.IPStack)
	case model.ResourceInternet:
		for _, p := range model.InternetRoutes {
			c.cidrRoutes = append(c.cidrRoutes, cidrRoute{prefix: p, resourceID: r.ID})
		}
	}
}

func (c *Client) addCIDRRoute(r model.Resource) {
	for i, rt := range c.cidrRoutes {
		if rt.resourceID == r.ID {
			c.cidrRoutes[i].prefix = r.Prefix
			return
		}
	}
	c.cidrRoutes = append(c.cidrRoutes, cidrRoute{prefix: r.Prefix, resourceID: r.ID})
}

// RemoveResource drops a resource from every index.
func (c *Client) RemoveResource(id ids.ResourceID) {
	delete(c.resources, id)
	c.resolver.RemoveResource(id)
	out := c.cidrRoutes[:0]
	for _, rt := range c.cidrRoutes {
		if rt.resourceID != id {
			out = append(out, rt)
		}
	}
	c.cidrRoutes = out
}

// matchCIDR returns the longest-prefix-matching resource for ip.
func (c *Client) matchCIDR(ip netip.Addr) (ids.ResourceID, bool) {
	best := -1
	var bestID ids.ResourceID
	for _, rt := range c.cidrRoutes {
		if rt.prefix.Contains(ip) && rt.prefix.Bits() > best {
			best = rt.prefix.Bits()
			bestID = rt.resourceID
		}
	}
	return bestID, best >= 0
}

// HandleTunPacket classifies and routes one outbound packet read from the
// TUN device.
func (c *Client) HandleTunPacket(packet []byte, now time.Time) error {
	hdr, err := parseIPv4OrIPv6(packet)
	if err != nil {
		return err
	}

	if hdr.proto == protoUDP && hdr.dstPort == 53 {
		if _, ok := c.sentinels[hdr.dst]; ok {
			return c.handleDNSQuery(hdr, packet, now)
		}
	}

	if domain, resourceID, ok := c.resolver.ResolveResourceByIP(hdr.dst); ok {
		return c.handleProxyIPPacket(domain, resourceID, packet, now)
	}

	if resourceID, ok := c.matchCIDR(hdr.dst); ok {
		return c.routeToResource(resourceID, packet, now)
	}

	metrics.UnroutablePacket.Inc()
	c.events = append(c.events, UnroutablePacket{Dst: hdr.dst})
	return fmt.Errorf("%w: %s", model.ErrUnroutablePacket, hdr.dst)
}

// UnroutablePacket is emitted when an outbound packet matches no resource
// and no proxy IP; the caller should synthesise an ICMP destination-
// unreachable reply toward the TUN device.
type UnroutablePacket struct {
	Dst netip.Addr
}

func (c *Client) handleDNSQuery(hdr parsedHeader, packet []byte, now time.Time) error {
	if len(packet) < hdr.payloadOffset+8 {
		return fmt.Errorf("%w: truncated udp packet", model.ErrInvalidPacket)
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(packet[hdr.payloadOffset+8:]); err != nil {
		return fmt.Errorf("%w: malformed dns query", model.ErrInvalidPacket)
	}
	result := c.resolver.Handle(msg)
	switch result.Action {
	case dnsresolver.ActionLocalResponse:
		c.events = append(c.events, DNSResponse{Sentinel: hdr.dst, Response: result.Response})
	case dnsresolver.ActionRecurseSite:
		return c.forwardQueryToSite(result.ResourceID, hdr, packet, now)
	case dnsresolver.ActionRecurseLocal:
		c.events = append(c.events, UpstreamDNSQuery{Sentinel: hdr.dst, Query: msg})
	}
	return nil
}

// forwardQueryToSite redirects a query the resolver classified as
// RecurseSite to the resource's Gateway: the packet's destination is
// rewritten from the sentinel to the gateway's tunnel address and sent
// through the tunnel, where the gateway intercepts inner port-53 traffic
// addressed to itself. Before brokerage completes there is no gateway
// address to redirect to; the query is dropped and a ConnectionIntent
// raised so the resolver's retry finds a connected peer.
func (c *Client) forwardQueryToSite(resourceID ids.ResourceID, hdr parsedHeader, packet []byte, now time.Time) error {
	p, ok := c.peers[resourceID]
	if !ok {
		c.events = append(c.events, model.ConnectionIntent{Resource: resourceID})
		return nil
	}
	gatewayAddr := p.tunV4
	if hdr.dst.Is6() {
		gatewayAddr = p.tunV6
	}
	if !gatewayAddr.IsValid() {
		return fmt.Errorf("%w: no gateway tunnel address for %s", model.ErrNotConnected, resourceID)
	}
	redirected := redirectUDPDestination(packet, hdr, gatewayAddr)
	return c.routeToResource(resourceID, redirected, now)
}

// DNSResponse is the local answer the caller should synthesise into a UDP
// reply and write back to TUN.
type DNSResponse struct {
	Sentinel netip.Addr
	Response *dns.Msg
}

// UpstreamDNSQuery asks the caller to forward a query to the system's
// normal upstream resolver.
type UpstreamDNSQuery struct {
	Sentinel netip.Addr
	Query    *dns.Msg
}

func (c *Client) handleProxyIPPacket(domain string, resourceID ids.ResourceID, packet []byte, now time.Time) error {
	pending, ok := c.domains[domain]
	if !ok {
		pending = &pendingDomain{resourceID: resourceID, domain: domain}
		c.domains[domain] = pending
	}

	// The resolver may have minted more proxy IPs for this domain than the
	// Gateway has been told about yet: the first A query, a later AAAA
	// query, or any other widening of the address-family set. Re-send the
	// complete, current set whenever it grows so the Gateway's ordered
	// proxyIPs[i] <-> realIPs[i] bijection stays in sync;
	// a set that merely shrank in theory (it never does) wouldn't need
	// this, which is why the comparison is by length, not by content.
	if known := c.resolver.ProxyIPsForDomain(domain, resourceID); len(known) > pending.sentCount {
		pending.active = false
		sent, err := c.sendAssignedIPs(resourceID, domain, known, now)
		if err != nil {
			return err
		}
		// Only count the batch as reported once it actually reached a
		// connected peer; if no peer exists yet this just raised a
		// ConnectionIntent, and HandleFlowCreated must try again with the
		// same (unadvanced) sentCount once brokerage completes.
		if sent {
			pending.sentCount = len(known)
		}
	}

	if !pending.active {
		c.bufferPacket(resourceID, packet)
		return nil
	}
	return c.routeToResource(resourceID, packet, now)
}

// sendAssignedIPs sends the AssignedIPsEvent control packet listing every
// proxy IP minted for this domain so far. The Gateway resolves the
// domain itself and replies with a subset
// of real IPs matching proxyIPs's length and order, so the full known set
// must travel together, never just the one IP that happened to trigger
// this call.
func (c *Client) sendAssignedIPs(resourceID ids.ResourceID, domain string, proxyIPs []netip.Addr, now time.Time) (sent bool, err error) {
	p, ok := c.peers[resourceID]
	if !ok {
		c.events = append(c.events, model.ConnectionIntent{Resource: resourceID})
		return false, nil
	}

	ipStrings := make([]string, len(proxyIPs))
	for i, ip := range proxyIPs {
		ipStrings[i] = ip.String()
	}

	event := wire.AssignedIPsEvent{ResourceID: resourceID.String(), Domain: domain, ProxyIPs: ipStrings}
	payload, err := wire.EncodeControlPayload(wire.EventAssignedIPs, event)
	if err != nil {
		return false, fmt.Errorf("encode AssignedIPsEvent: %w", err)
	}
	if err := c.node.Encapsulate(p.connID, c.wrapControlPacket(payload), now); err != nil {
		return false, err
	}
	return true, nil
}

// wrapControlPacket frames a control payload as a UDP packet from/to the
// tunnel's own address on ControlPort, the application control channel.
func (c *Client) wrapControlPacket(payload []byte) []byte {
	return encodeUDPLoopback(c.tunnelV4, wire.ControlPort, payload)
}

// HandleDomainStatus processes the Gateway's reply to an AssignedIPsEvent.
func (c *Client) HandleDomainStatus(status wire.DomainStatus, now time.Time) {
	pending, ok := c.domains[status.Domain]
	if !ok {
		return
	}
	pending.active = status.Status == wire.DomainStatusActive
	if !pending.active {
		return
	}
	rid, err := ids.ParseResourceID(status.ResourceID)
	if err != nil {
		return
	}
	for _, pkt := range c.buffered[rid] {
		_ = c.routeToResource(rid, pkt, now)
	}
	delete(c.buffered, rid)
}

// routeToResource either encapsulates directly (peer already connected)
// or buffers the packet, raising a ConnectionIntent when no peer exists
// for the resource yet.
func (c *Client) routeToResource(resourceID ids.ResourceID, packet []byte, now time.Time) error {
	p, ok := c.peers[resourceID]
	if !ok || p.state != resourceConnected {
		c.bufferPacket(resourceID, packet)
		if !ok {
			c.events = append(c.events, model.ConnectionIntent{Resource: resourceID})
		}
		return nil
	}
	return c.node.Encapsulate(p.connID, packet, now)
}

func (c *Client) bufferPacket(resourceID ids.ResourceID, packet []byte) {
	q := c.buffered[resourceID]
	if len(q) >= maxBufferedPackets {
		return
	}
	cp := make([]byte, len(packet))
	copy(cp, packet)
	c.buffered[resourceID] = append(q, cp)
}

// HandleFlowCreated wires up the Noise tunnel and ICE checklist for a
// newly brokered flow and drains the buffered packet queue.
func (c *Client) HandleFlowCreated(resourceID ids.ResourceID, msg model.FlowCreated, localStatic noise.PrivateKey, now time.Time) error {
	connID := node.ConnectionID(ids.NewClientID())
	c.node.AddConnection(connID, ice.RoleControlling, noise.Config{
		LocalStatic:  localStatic,
		RemoteStatic: noise.PublicKey(msg.GatewayPublic),
		PresharedKey: noise.PresharedKey(msg.PresharedKey),
	})
	c.node.SetRemoteCredentials(connID, msg.ICECredentials.UFrag, msg.ICECredentials.Password)

	p := &peer{
		gateway:   msg.GatewayID,
		connID:    connID,
		state:     resourceConnected,
		resources: map[ids.ResourceID]struct{}{resourceID: {}},
		tunV4:     msg.GatewayTunIPv4,
		tunV6:     msg.GatewayTunIPv6,
	}
	c.peers[resourceID] = p

	// A DNS resource's first packet can arrive before brokerage finishes;
	// sendAssignedIPs would have raised a ConnectionIntent back then without
	// ever reaching a peer. Now that one exists, flush every domain still
	// owed its AssignedIPsEvent for this resource.
	for domain, pending := range c.domains {
		if pending.resourceID != resourceID || pending.sentCount > 0 {
			continue
		}
		known := c.resolver.ProxyIPsForDomain(domain, resourceID)
		if len(known) == 0 {
			continue
		}
		pending.active = false
		sent, err := c.sendAssignedIPs(resourceID, domain, known, now)
		if err != nil {
			return err
		}
		if sent {
			pending.sentCount = len(known)
		}
	}

	for _, pkt := range c.buffered[resourceID] {
		if err := c.node.Encapsulate(connID, pkt, now); err != nil {
			return err
		}
	}
	delete(c.buffered, resourceID)
	return nil
}

// HandleNodeInbound processes one decrypted packet arriving over a peer's
// Noise tunnel. Application control packets are consumed internally;
// everything else is returned
// for the caller to write to the TUN device unchanged.
func (c *Client) HandleNodeInbound(packet []byte, now time.Time) ([]byte, error) {
	hdr, err := parseIPv4OrIPv6(packet)
	if err != nil {
		return nil, err
	}
	if hdr.proto == protoUDP && hdr.srcPort == wire.ControlPort && hdr.dstPort == wire.ControlPort {
		return nil, c.handleControlPacket(packet[hdr.payloadOffset+8:], now)
	}
	return packet, nil
}

// handleControlPacket decodes and dispatches an in-tunnel control packet
// received from a Gateway.
func (c *Client) handleControlPacket(payload []byte, now time.Time) error {
	eventType, decoded, err := wire.DecodeControlPayload(payload)
	if err != nil {
		return err
	}
	switch eventType {
	case wire.EventDomainStatus:
		if status, ok := decoded.(wire.DomainStatus); ok {
			c.HandleDomainStatus(status, now)
		}
	case wire.EventGoodbye:
		c.events = append(c.events, model.DisconnectedGracefully{Reason: "gateway goodbye"})
	}
	return nil
}

// HandleFlowCreationFailed marks a resource's brokerage attempt as
// failed and drops its buffered queue.
func (c *Client) HandleFlowCreationFailed(resourceID ids.ResourceID) {
	delete(c.buffered, resourceID)
	if p, ok := c.peers[resourceID]; ok {
		p.state = resourceFailed
	}
}

// Reset clears all connections and buffered packets, keeps the resource
// catalogue, and emits DisconnectedGracefully exactly once if a session
// was active.
func (c *Client) Reset(reason string, now time.Time) {
	hadSession := len(c.peers) > 0
	for resourceID, p := range c.peers {
		c.node.RemoveConnection(p.connID, now)
		delete(c.peers, resourceID)
	}
	c.buffered = make(map[ids.ResourceID][][]byte)
	c.domains = make(map[string]*pendingDomain)
	if hadSession {
		c.events = append(c.events, model.DisconnectedGracefully{Reason: reason})
	}
}

// PollEvent drains one queued upward event (ConnectionIntent, DNSResponse,
// UpstreamDNSQuery, DisconnectedGracefully, ...).
func (c *Client) PollEvent() (any, bool) {
	if len(c.events) == 0 {
		return nil, false
	}
	e := c.events[0]
	c.events = c.events[1:]
	return e, true
}
