package eventloop

import (
	"net/netip"
	"time"

	"github.com/firezone/tunnel-core/internal/client"
	"github.com/firezone/tunnel-core/internal/gateway"
	"github.com/firezone/tunnel-core/internal/node"
)

// Transmit is one outbound UDP datagram the loop must actually send.
type Transmit struct {
	Dst    netip.AddrPort
	Packet []byte
}

// Core is the role-agnostic surface Loop drives: it knows how to consume
// one batch of Input and how to drain whatever outputs that produced. Both
// the Client and Gateway roles wrap a node.Node identically; what
// differs is where a decrypted inbound packet goes next, which is exactly
// what ClientCore and GatewayCore each encode.
type Core interface {
	HandleTunPacket(packet []byte, now time.Time) error
	HandleNodeDatagram(from netip.AddrPort, datagram []byte, now time.Time)
	HandleTimeout(now time.Time)
	PollTimeout() time.Time
	PollNodeTransmit() (Transmit, bool)
	PollTunWrite() ([]byte, bool)
	PollEvent() (any, bool)
}

// ClientCore adapts a Client + Node pair to Core: inbound decrypted
// packets are either consumed as control traffic or handed straight to the
// TUN device.
type ClientCore struct {
	client *client.Client
	node   *node.Node

	tunQueue [][]byte
}

func NewClientCore(c *client.Client, n *node.Node) *ClientCore {
	return &ClientCore{client: c, node: n}
}

func (cc *ClientCore) HandleTunPacket(packet []byte, now time.Time) error {
	return cc.client.HandleTunPacket(packet, now)
}

func (cc *ClientCore) HandleNodeDatagram(from netip.AddrPort, datagram []byte, now time.Time) {
	cc.node.HandleDatagram(from, datagram, now)
	for {
		in, ok := cc.node.PollInbound()
		if !ok {
			break
		}
		packet, err := cc.client.HandleNodeInbound(in.Packet, now)
		if err != nil || packet == nil {
			continue
		}
		cc.tunQueue = append(cc.tunQueue, packet)
	}
}

func (cc *ClientCore) HandleTimeout(now time.Time) { cc.node.HandleTimeout(now) }
func (cc *ClientCore) PollTimeout() time.Time      { return cc.node.PollTimeout() }

func (cc *ClientCore) PollNodeTransmit() (Transmit, bool) {
	t, ok := cc.node.PollTransmit()
	if !ok {
		return Transmit{}, false
	}
	return Transmit{Dst: t.Dst, Packet: t.Packet}, true
}

func (cc *ClientCore) PollTunWrite() ([]byte, bool) {
	if len(cc.tunQueue) == 0 {
		return nil, false
	}
	p := cc.tunQueue[0]
	cc.tunQueue = cc.tunQueue[1:]
	return p, true
}

func (cc *ClientCore) PollEvent() (any, bool) { return cc.client.PollEvent() }

// GatewayCore adapts a Gateway + Node pair to Core. A Gateway has no TUN
// device of its own in this core (its egress is the real Internet, routed
// through Gateway's NAT table); PollTunWrite always reports nothing and
// PollEgressTransmit/HandleEgressDatagram carry the real-network traffic
// instead.
type GatewayCore struct {
	gateway *gateway.Gateway
	node    *node.Node
}

func NewGatewayCore(g *gateway.Gateway, n *node.Node) *GatewayCore {
	return &GatewayCore{gateway: g, node: n}
}

func (gc *GatewayCore) HandleTunPacket(packet []byte, now time.Time) error { return nil }

func (gc *GatewayCore) HandleNodeDatagram(from netip.AddrPort, datagram []byte, now time.Time) {
	gc.node.HandleDatagram(from, datagram, now)
	for {
		in, ok := gc.node.PollInbound()
		if !ok {
			break
		}
		_ = gc.gateway.HandleClientPacket(in.ConnID, in.Packet, now)
	}
}

func (gc *GatewayCore) HandleTimeout(now time.Time) {
	gc.node.HandleTimeout(now)
	gc.gateway.Sweep(now)
}
func (gc *GatewayCore) PollTimeout() time.Time { return gc.node.PollTimeout() }

func (gc *GatewayCore) PollNodeTransmit() (Transmit, bool) {
	t, ok := gc.node.PollTransmit()
	if !ok {
		return Transmit{}, false
	}
	return Transmit{Dst: t.Dst, Packet: t.Packet}, true
}

func (gc *GatewayCore) PollTunWrite() ([]byte, bool) { return nil, false }

func (gc *GatewayCore) PollEvent() (any, bool) { return gc.gateway.PollEvent() }

// PollEgressTransmit drains one packet the Gateway wants sent on the real
// (non-tunnel) network, distinct from PollNodeTransmit's ICE/TURN traffic.
func (gc *GatewayCore) PollEgressTransmit() (Transmit, bool) {
	t, ok := gc.gateway.PollTransmit()
	if !ok {
		return Transmit{}, false
	}
	return Transmit{Dst: t.Dst, Packet: t.Packet}, true
}

// HandleEgressDatagram processes a reply arriving from the real Internet
// addressed to one of the Gateway's mapped ports.
func (gc *GatewayCore) HandleEgressDatagram(from netip.AddrPort, datagram []byte, now time.Time) error {
	return gc.gateway.HandleInternetPacket(from, datagram, now)
}
