// Package gateway implements the Gateway state machine:
// per-client authorisation (`ClientOnGateway`), the NAT table and flow
// tracker each entry owns, DNS-resource resolution cooperation with the
// Client, and per-packet filter policy. Sans-IO: every method returns
// packets/events for the caller to actually write to the tunnel or the
// real network.
//
// The authorisation table holds no locks and runs no goroutines of its
// own; expiry is an explicit Sweep call the event loop drives once per
// second.
package gateway

import (
	"net/netip"
	"time"

	"github.com/firezone/tunnel-core/internal/ids"
	"github.com/firezone/tunnel-core/internal/model"
	"github.com/firezone/tunnel-core/internal/nat"
	"github.com/firezone/tunnel-core/internal/node"
)

// sweepInterval is the default pacing for expiry sweeps. The event loop
// may call Sweep far more often; calls inside the interval return early.
const sweepInterval = time.Second

// maxInboundQueueDepth bounds the completed-flow export queue; see
// internal/nat.Tracker for the actual bound (passed through here).
const maxInboundQueueDepth = 1024

type authorizedResource struct {
	resource  model.Resource
	expiresAt *time.Time
}

// domainAssignment tracks one (client, domain) DNS-resource resolution in
// progress.
type domainAssignment struct {
	resourceID ids.ResourceID
	domain     string
	proxyIPs   []netip.Addr
	realIPs    []netip.Addr
	active     bool
}

// ClientOnGateway is one authorised client's full state on this Gateway.
// The NAT table itself is shared
// across every client (see Gateway.natTable): the Gateway's tunnel
// interface address and mapped-port space are singular per process, so
// ports must be allocated from one pool keyed by client, not one pool per
// client; internal/nat.Table's Translate/ReverseTranslate already take
// the owning client id for exactly this reason.
type ClientOnGateway struct {
	connID    node.ConnectionID
	tunnelV4  netip.Addr
	tunnelV6  netip.Addr
	resources map[ids.ResourceID]authorizedResource
	flows     *nat.Tracker
	domains   map[string]*domainAssignment
}

// Transmit is a packet the caller must actually send on the real (non-
// tunnel) network interface.
type Transmit struct {
	Dst    netip.AddrPort
	Packet []byte
}

// Gateway multiplexes every authorised client against one real-network
// egress path.
type Gateway struct {
	tunnelV4, tunnelV6 netip.Addr

	clients  map[ids.ClientID]*ClientOnGateway
	natTable *nat.Table
	node     *node.Node

	sweepEvery time.Duration
	lastSweep  time.Time

	// maxInboundBytes caps BytesRx per flow; 0 means unlimited.
	maxInboundBytes uint64

	transmits []Transmit
	events    []any
}

// New builds an empty Gateway bound to its own tunnel addresses.
func New(tunnelV4, tunnelV6 netip.Addr, n *node.Node) *Gateway {
	return &Gateway{
		tunnelV4:   tunnelV4,
		tunnelV6:   tunnelV6,
		clients:    make(map[ids.ClientID]*ClientOnGateway),
		natTable:   nat.New(tunnelV4, tunnelV6),
		node:       n,
		sweepEvery: sweepInterval,
	}
}

// SetSweepInterval overrides the expiry-sweep pacing.
func (g *Gateway) SetSweepInterval(d time.Duration) {
	if d > 0 {
		g.sweepEvery = d
	}
}

// SetMaxInboundBytes caps how many bytes a single flow may receive from
// the real network; 0 (the default) means unlimited.
func (g *Gateway) SetMaxInboundBytes(limit uint64) { g.maxInboundBytes = limit }

// AuthorizeFlow installs or refreshes a ClientOnGateway entry for one
// resource, creating the entry (and its flow tracker) on
// first authorisation for this client.
func (g *Gateway) AuthorizeFlow(msg model.Authorize, connID node.ConnectionID) {
	c, ok := g.clients[msg.ClientID]
	if !ok {
		c = &ClientOnGateway{
			connID:    connID,
			tunnelV4:  msg.ClientTunIPv4,
			tunnelV6:  msg.ClientTunIPv6,
			resources: make(map[ids.ResourceID]authorizedResource),
			flows:     nat.NewTracker(maxInboundQueueDepth),
			domains:   make(map[string]*domainAssignment),
		}
		g.clients[msg.ClientID] = c
	}
	c.resources[msg.Resource.ID] = authorizedResource{resource: msg.Resource, expiresAt: msg.ExpiresAt}
}

// Revoke drops a single resource's authorisation and terminates flows
// keyed on it.
func (g *Gateway) Revoke(msg model.Revoke, now time.Time) {
	c, ok := g.clients[msg.ClientID]
	if !ok {
		return
	}
	delete(c.resources, msg.ResourceID)
	c.flows.TerminateResource(msg.ResourceID, now)
	if len(c.resources) == 0 {
		g.removeClient(msg.ClientID, now)
	}
}

// RetainAuthorizations reconciles every client's resource set against the
// Portal's latest view, revoking anything not present.
func (g *Gateway) RetainAuthorizations(retain map[ids.ClientID]map[ids.ResourceID]struct{}, now time.Time) {
	for clientID, c := range g.clients {
		keep, ok := retain[clientID]
		if !ok {
			g.removeClient(clientID, now)
			continue
		}
		for resourceID := range c.resources {
			if _, kept := keep[resourceID]; !kept {
				delete(c.resources, resourceID)
				c.flows.TerminateResource(resourceID, now)
			}
		}
		if len(c.resources) == 0 {
			g.removeClient(clientID, now)
		}
	}
}

func (g *Gateway) removeClient(clientID ids.ClientID, now time.Time) {
	c, ok := g.clients[clientID]
	if !ok {
		return
	}
	g.node.RemoveConnection(c.connID, now)
	g.natTable.ReleaseClient(clientID)
	delete(g.clients, clientID)
}

// Sweep expires resources past their expires_at, drops clients left with
// no resources, and runs each remaining client's flow-timeout sweep.
// Self-paced: calls within the sweep interval return immediately, so the
// event loop can invoke it on every wake.
func (g *Gateway) Sweep(now time.Time) {
	if !g.lastSweep.IsZero() && now.Sub(g.lastSweep) < g.sweepEvery {
		return
	}
	g.lastSweep = now
	for clientID, c := range g.clients {
		for resourceID, ar := range c.resources {
			if ar.expiresAt != nil && now.After(*ar.expiresAt) {
				delete(c.resources, resourceID)
				c.flows.TerminateResource(resourceID, now)
			}
		}
		if len(c.resources) == 0 {
			g.removeClient(clientID, now)
			continue
		}
		c.flows.Sweep(now)
		for {
			completed, ok := c.flows.PollCompleted()
			if !ok {
				break
			}
			g.events = append(g.events, completed)
		}
	}
}

// findAuthorization returns the authorisation covering dst for client, if
// any, matching by CIDR containment or by a resolved domain assignment.
func (c *ClientOnGateway) findAuthorization(dst netip.Addr) (model.Resource, bool) {
	for _, ar := range c.resources {
		switch ar.resource.Kind {
		case model.ResourceCIDR:
			if ar.resource.Prefix.Contains(dst) {
				return ar.resource, true
			}
		case model.ResourceInternet:
			for _, p := range model.InternetRoutes {
				if p.Contains(dst) {
					return ar.resource, true
				}
			}
		}
	}
	for _, da := range c.domains {
		for _, ip := range da.proxyIPs {
			if ip == dst {
				if r, ok := c.resources[da.resourceID]; ok {
					return r.resource, true
				}
			}
		}
	}
	return model.Resource{}, false
}

// realIPFor maps a proxy IP onto the resolved address at the same
// position within its address family: the i-th v4 proxy IP pairs with the
// i-th resolved v4 address, wrapping when the resolver returned fewer
// addresses than the client minted proxies for.
func (c *ClientOnGateway) realIPFor(proxyIP netip.Addr) (netip.Addr, bool) {
	for _, da := range c.domains {
		if !da.active || !containsAddr(da.proxyIPs, proxyIP) {
			continue
		}
		pos := 0
		for _, ip := range da.proxyIPs {
			if ip == proxyIP {
				break
			}
			if ip.Is4() == proxyIP.Is4() {
				pos++
			}
		}
		var family []netip.Addr
		for _, real := range da.realIPs {
			if real.Is4() == proxyIP.Is4() {
				family = append(family, real)
			}
		}
		if len(family) == 0 {
			return netip.Addr{}, false
		}
		return family[pos%len(family)], true
	}
	return netip.Addr{}, false
}

// PollTransmit drains one queued outbound datagram for the real network.
func (g *Gateway) PollTransmit() (Transmit, bool) {
	if len(g.transmits) == 0 {
		return Transmit{}, false
	}
	t := g.transmits[0]
	g.transmits = g.transmits[1:]
	return t, true
}

// PollEvent drains one queued upward event (ResolveDnsRequest, completed
// flow records, ...).
func (g *Gateway) PollEvent() (any, bool) {
	if len(g.events) == 0 {
		return nil, false
	}
	e := g.events[0]
	g.events = g.events[1:]
	return e, true
}
