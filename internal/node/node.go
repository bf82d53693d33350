// Package node implements the ICE/TURN multiplexer: a
// small pool of UDP sockets shared across many peer connections, each
// owning a Noise tunnel (internal/noise.Tunn), an ICE checklist
// (internal/ice.Checklist) and, when relaying, a TURN allocation
// (internal/turn.Allocation). Node is sans-IO: it classifies inbound
// datagrams, advances per-connection state, and returns outbound
// datagrams and events for the caller's event loop to actually send.
package node

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/firezone/tunnel-core/internal/ice"
	"github.com/firezone/tunnel-core/internal/ids"
	"github.com/firezone/tunnel-core/internal/metrics"
	"github.com/firezone/tunnel-core/internal/model"
	"github.com/firezone/tunnel-core/internal/noise"
	"github.com/firezone/tunnel-core/internal/turn"
	"github.com/firezone/tunnel-core/internal/wire"
)

// ConnectionID names one peer connection within a Node.
type ConnectionID = ids.ClientID

// Transmit is one outbound UDP datagram the caller must send.
type Transmit struct {
	Dst    netip.AddrPort
	Packet []byte
	// Segments, when > 1, indicates the payload is a GSO batch of this
	// many identically-sized segments.
	Segments int
}

// Event is an upward-facing occurrence the caller should surface to the
// Portal/UI layer.
type Event interface{ isNodeEvent() }

type AddedIceCandidate struct {
	ConnID    ConnectionID
	Candidate ice.Candidate
}

func (AddedIceCandidate) isNodeEvent() {}

type ConnectionStateChanged struct {
	ConnID ConnectionID
	State  ice.State
}

func (ConnectionStateChanged) isNodeEvent() {}

// Inbound is a decrypted inner IP packet delivered up to the Client or
// Gateway state machine.
type Inbound struct {
	ConnID ConnectionID
	Packet []byte
	SrcIP  netip.Addr
}

// connection bundles the per-peer state a Node multiplexes.
type connection struct {
	id        ConnectionID
	role      ice.Role
	tunn      *noise.Tunn
	checklist *ice.Checklist
	relay     *turn.Allocation // nil until a relay is assigned

	closed bool
}

// Node multiplexes many peer connections over IPv4/IPv6 UDP sockets.
type Node struct {
	localV4, localV6 netip.AddrPort

	conns map[ConnectionID]*connection

	events    []Event
	transmits []Transmit
	inbound   []Inbound
}

// New builds an empty Node bound to the given local socket addresses (one
// per IP family; either may be the zero value if that family is unused).
func New(localV4, localV6 netip.AddrPort) *Node {
	return &Node{localV4: localV4, localV6: localV6, conns: make(map[ConnectionID]*connection)}
}

// AddConnection creates a new peer connection in role as Client
// (initiator) or Server (responder), wiring up its Noise tunnel with the
// given static keys and optional PSK.
func (n *Node) AddConnection(id ConnectionID, role ice.Role, cfg noise.Config) {
	n.conns[id] = &connection{
		id:        id,
		role:      role,
		tunn:      noise.New(cfg),
		checklist: ice.New(role),
	}
	metrics.ConnectionsActive.Set(float64(len(n.conns)))

	// The node's own socket addresses are the first host candidates;
	// srflx/relay candidates trickle in later from the TURN allocation.
	if n.localV4.IsValid() {
		n.AddLocalCandidate(id, ice.Candidate{Kind: ice.KindHost, Addr: n.localV4, Foundation: "host-v4"})
	}
	if n.localV6.IsValid() {
		n.AddLocalCandidate(id, ice.Candidate{Kind: ice.KindHost, Addr: n.localV6, Foundation: "host-v6"})
	}
}

// SetRelay attaches a TURN allocation to an existing connection, used
// once the node decides (or the peer requires) a relayed path.
func (n *Node) SetRelay(id ConnectionID, alloc *turn.Allocation) {
	if c, ok := n.conns[id]; ok {
		c.relay = alloc
		metrics.RelayedConnections.Set(n.countRelayed())
	}
}

func (n *Node) countRelayed() float64 {
	var count float64
	for _, c := range n.conns {
		if c.relay != nil {
			count++
		}
	}
	return count
}

// SetRemoteCredentials records the peer's ICE ufrag/password, carried
// alongside its candidates in the Portal's signalling message.
func (n *Node) SetRemoteCredentials(id ConnectionID, ufrag, pwd string) {
	if c, ok := n.conns[id]; ok {
		c.checklist.SetRemoteCredentials(ufrag, pwd)
	}
}

// AddRemoteCandidate feeds one trickled ICE candidate into a connection's
// checklist.
func (n *Node) AddRemoteCandidate(id ConnectionID, cand ice.Candidate) {
	if c, ok := n.conns[id]; ok {
		c.checklist.AddRemoteCandidate(cand)
	}
}

// AddLocalCandidate registers a newly gathered local candidate (host
// interface address, STUN-derived reflexive, or TURN relay) and emits the
// AddedIceCandidate event for the signalling layer.
func (n *Node) AddLocalCandidate(id ConnectionID, cand ice.Candidate) {
	c, ok := n.conns[id]
	if !ok {
		return
	}
	c.checklist.AddLocalCandidate(cand)
	n.events = append(n.events, AddedIceCandidate{ConnID: id, Candidate: cand})
}

// Encapsulate asks id's Noise tunnel to frame packet and queues it for
// transmission over the connection's currently selected path: direct UDP
// if the selected pair is a host/srflx pair, or wrapped in a TURN
// channel-data message if relayed.
func (n *Node) Encapsulate(id ConnectionID, packet []byte, now time.Time) error {
	c, ok := n.conns[id]
	if !ok {
		return fmt.Errorf("%w: connection %s", model.ErrNotConnected, id)
	}

	res := c.tunn.Encapsulate(packet, now)
	switch res.Kind {
	case noise.ResultErr:
		return res.Err
	case noise.ResultDone:
		return nil
	case noise.ResultWriteToNetwork:
		return n.send(c, res.Packet, now)
	default:
		return nil
	}
}

func (n *Node) send(c *connection, frame []byte, now time.Time) error {
	pair, ok := c.checklist.SelectedPair()
	if !ok {
		return fmt.Errorf("%w: no selected ICE pair for %s", model.ErrNotConnected, c.id)
	}

	if pair.Local.Kind == ice.KindRelay || pair.Remote.Kind == ice.KindRelay {
		if c.relay == nil {
			return fmt.Errorf("%w", model.ErrNoTurnServers)
		}
		encoded, ok := c.relay.EncodeToPeer(pair.Remote.Addr, frame, now)
		if !ok {
			if !c.relay.BindChannel(pair.Remote.Addr, now) {
				return fmt.Errorf("turn: channel space exhausted for %s", c.id)
			}
			n.transmits = append(n.transmits, Transmit{Dst: pair.Remote.Addr, Packet: frame})
			return nil
		}
		n.transmits = append(n.transmits, Transmit{Dst: relayServerOf(c), Packet: encoded})
		return nil
	}

	n.transmits = append(n.transmits, Transmit{Dst: pair.Remote.Addr, Packet: frame})
	return nil
}

func relayServerOf(c *connection) netip.AddrPort {
	if c.relay == nil {
		return netip.AddrPort{}
	}
	for _, cand := range c.relay.CurrentCandidates() {
		if cand.Kind == turn.CandidateRelay {
			return cand.Addr
		}
	}
	return netip.AddrPort{}
}

// HandleDatagram classifies and dispatches one inbound UDP datagram
// arriving from the given remote address. Decrypted inner packets and control events are
// returned via PollInbound/PollEvent.
func (n *Node) HandleDatagram(from netip.AddrPort, datagram []byte, now time.Time) {
	if len(datagram) >= 4 {
		if number := binary.BigEndian.Uint16(datagram[0:2]); number >= wire.ChannelNumberMin && number <= wire.ChannelNumberMax {
			n.handleChannelData(from, datagram, now)
			return
		}
	}

	if isStun(datagram) {
		n.handleStun(from, datagram, now)
		return
	}

	n.handleNoise(from, datagram, now)
}

func isStun(b []byte) bool {
	if len(b) < 8 {
		return false
	}
	if b[0]&0xC0 != 0 {
		return false
	}
	return binary.BigEndian.Uint32(b[4:8]) == wire.StunMagicCookie
}

func (n *Node) handleChannelData(from netip.AddrPort, datagram []byte, now time.Time) {
	for _, c := range n.conns {
		if c.relay == nil {
			continue
		}
		peer, payload, _, ok := c.relay.Decapsulate(from, datagram, now)
		if !ok {
			continue
		}
		n.handleNoiseFrom(c, peer, payload, now)
		return
	}
}

func (n *Node) handleStun(from netip.AddrPort, datagram []byte, now time.Time) {
	for _, c := range n.conns {
		if c.relay != nil && c.relay.HandleInput(from, datagram, now) {
			n.drainRelay(c, now)
			return
		}
	}
	for _, c := range n.conns {
		if c.checklist.HandleSTUN(from, datagram, now, func(to netip.AddrPort, msg []byte) {
			n.transmits = append(n.transmits, Transmit{Dst: to, Packet: msg})
		}) {
			n.drainChecklistEvents(c)
			return
		}
	}
}

func (n *Node) handleNoise(from netip.AddrPort, datagram []byte, now time.Time) {
	for _, c := range n.conns {
		if pair, ok := c.checklist.SelectedPair(); ok && pair.Remote.Addr == from {
			n.handleNoiseFrom(c, from, datagram, now)
			return
		}
	}
	// Fall back to scanning every connection; a session may decrypt even
	// if the address doesn't match the currently-selected pair (e.g. the
	// peer is mid-migration to a new candidate pair).
	for _, c := range n.conns {
		n.handleNoiseFrom(c, from, datagram, now)
	}
}

func (n *Node) handleNoiseFrom(c *connection, from netip.AddrPort, datagram []byte, now time.Time) {
	res := c.tunn.Decapsulate(from.Addr(), datagram, now)
	n.actOnTunnResult(c, res, now)
}

func (n *Node) actOnTunnResult(c *connection, res noise.Result, now time.Time) {
	switch res.Kind {
	case noise.ResultWriteToNetwork:
		_ = n.send(c, res.Packet, now)
		// Drain the deferred-packet queue now that a session exists.
		drained := c.tunn.Decapsulate(netip.Addr{}, nil, now)
		if drained.Kind == noise.ResultWriteToNetwork {
			_ = n.send(c, drained.Packet, now)
		}
	case noise.ResultWriteToTunnelV4, noise.ResultWriteToTunnelV6:
		n.inbound = append(n.inbound, Inbound{ConnID: c.id, Packet: res.Packet, SrcIP: res.SrcIP})
	}
}

func (n *Node) drainRelay(c *connection, now time.Time) {
	for {
		cand := c.relay.PollCandidate()
		if cand == nil {
			break
		}
		n.AddLocalCandidate(c.id, convertTurnCandidate(*cand))
	}
	for {
		tx := c.relay.PollTransmit()
		if tx == nil {
			break
		}
		n.transmits = append(n.transmits, Transmit{Dst: relayServerOf(c), Packet: tx})
	}
}

func convertTurnCandidate(c turn.Candidate) ice.Candidate {
	kind := ice.KindServerReflexive
	if c.Kind == turn.CandidateRelay {
		kind = ice.KindRelay
	}
	return ice.Candidate{Kind: kind, Addr: c.Addr}
}

func (n *Node) drainChecklistEvents(c *connection) {
	for {
		state, ok := c.checklist.PollStateChange()
		if !ok {
			break
		}
		if state == ice.StateFailed {
			metrics.ConnectionsFailed.Inc()
		}
		n.events = append(n.events, ConnectionStateChanged{ConnID: c.id, State: state})
	}
}

// HandleTimeout advances every connection's timers (Noise rekey/
// keepalive, ICE connectivity checks, TURN refresh) and queues every
// transmit they produce.
func (n *Node) HandleTimeout(now time.Time) {
	for _, c := range n.conns {
		if c.closed {
			continue
		}
		res := c.tunn.HandleTimeout(now)
		n.actOnTunnResult(c, res, now)

		c.checklist.HandleTimeout(now, func(to netip.AddrPort, msg []byte) {
			n.transmits = append(n.transmits, Transmit{Dst: to, Packet: msg})
		})
		n.drainChecklistEvents(c)

		if c.relay != nil {
			c.relay.HandleTimeout(now)
			n.drainRelay(c, now)
		}
	}
}

// PollTimeout returns the earliest deadline across every connection's
// Noise tunnel, for the event loop's single poll_timeout().
func (n *Node) PollTimeout() time.Time {
	var earliest time.Time
	for _, c := range n.conns {
		d := c.tunn.PollTimeout()
		if d.IsZero() {
			continue
		}
		if earliest.IsZero() || d.Before(earliest) {
			earliest = d
		}
	}
	return earliest
}

// RemoveConnection tears down a connection: sends a Goodbye control
// packet, clears its sessions, and drops its ICE/TURN state.
func (n *Node) RemoveConnection(id ConnectionID, now time.Time) {
	c, ok := n.conns[id]
	if !ok {
		return
	}
	if payload, err := wire.EncodeControlPayload(wire.EventGoodbye, wire.Goodbye{}); err == nil {
		_ = n.Encapsulate(id, payload, now)
	}
	c.checklist.Close()
	c.closed = true
	delete(n.conns, id)
	metrics.ConnectionsActive.Set(float64(len(n.conns)))
	metrics.RelayedConnections.Set(n.countRelayed())
}

// PollTransmit drains one queued outbound datagram.
func (n *Node) PollTransmit() (Transmit, bool) {
	if len(n.transmits) == 0 {
		return Transmit{}, false
	}
	t := n.transmits[0]
	n.transmits = n.transmits[1:]
	return t, true
}

// PollEvent drains one queued upward event.
func (n *Node) PollEvent() (Event, bool) {
	if len(n.events) == 0 {
		return nil, false
	}
	e := n.events[0]
	n.events = n.events[1:]
	return e, true
}

// PollInbound drains one decrypted inner packet.
func (n *Node) PollInbound() (Inbound, bool) {
	if len(n.inbound) == 0 {
		return Inbound{}, false
	}
	i := n.inbound[0]
	n.inbound = n.inbound[1:]
	return i, true
}

// ConnectionSnapshot is one connection's state for the admin debug surface.
type ConnectionSnapshot struct {
	ConnID   ConnectionID
	Role     ice.Role
	State    ice.State
	Relayed  bool
}

// Snapshot returns a point-in-time view of every connection this Node
// multiplexes, used by the admin HTTP surface's debug-state endpoint.
func (n *Node) Snapshot() []ConnectionSnapshot {
	out := make([]ConnectionSnapshot, 0, len(n.conns))
	for id, c := range n.conns {
		out = append(out, ConnectionSnapshot{
			ConnID:  id,
			Role:    c.role,
			State:   c.checklist.State(),
			Relayed: c.relay != nil,
		})
	}
	return out
}
