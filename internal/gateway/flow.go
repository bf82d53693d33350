package gateway

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/firezone/tunnel-core/internal/ids"
	"github.com/firezone/tunnel-core/internal/metrics"
	"github.com/firezone/tunnel-core/internal/model"
	"github.com/firezone/tunnel-core/internal/nat"
	"github.com/firezone/tunnel-core/internal/wire"
)

// innerHeader is the subset of an inner IP packet's fields the Gateway's
// NAT and filter logic needs.
type innerHeader struct {
	version       int
	src, dst      netip.Addr
	proto         nat.Protocol
	srcPort       uint16
	dstPort       uint16
	icmpType      uint8
	payloadOffset int
}

func parseInner(packet []byte) (innerHeader, error) {
	if len(packet) == 0 {
		return innerHeader{}, fmt.Errorf("%w: empty packet", model.ErrInvalidPacket)
	}
	switch packet[0] >> 4 {
	case 4:
		return parseInnerV4(packet)
	case 6:
		return parseInnerV6(packet)
	default:
		return innerHeader{}, fmt.Errorf("%w: unrecognised ip version", model.ErrInvalidPacket)
	}
}

func parseInnerV4(packet []byte) (innerHeader, error) {
	if len(packet) < 20 {
		return innerHeader{}, fmt.Errorf("%w: short ipv4 header", model.ErrInvalidPacket)
	}
	ihl := int(packet[0]&0x0f) * 4
	if ihl < 20 || len(packet) < ihl {
		return innerHeader{}, fmt.Errorf("%w: bad ipv4 ihl", model.ErrInvalidPacket)
	}
	var srcB, dstB [4]byte
	copy(srcB[:], packet[12:16])
	copy(dstB[:], packet[16:20])
	h := innerHeader{version: 4, src: netip.AddrFrom4(srcB), dst: netip.AddrFrom4(dstB), proto: protoFromIP(packet[9]), payloadOffset: ihl}
	fillInnerPorts(&h, packet, ihl)
	return h, nil
}

func parseInnerV6(packet []byte) (innerHeader, error) {
	if len(packet) < 40 {
		return innerHeader{}, fmt.Errorf("%w: short ipv6 header", model.ErrInvalidPacket)
	}
	var srcB, dstB [16]byte
	copy(srcB[:], packet[8:24])
	copy(dstB[:], packet[24:40])
	h := innerHeader{version: 6, src: netip.AddrFrom16(srcB), dst: netip.AddrFrom16(dstB), proto: protoFromIP(packet[6]), payloadOffset: 40}
	fillInnerPorts(&h, packet, 40)
	return h, nil
}

func protoFromIP(n byte) nat.Protocol {
	switch n {
	case 6:
		return nat.ProtocolTCP
	case 17:
		return nat.ProtocolUDP
	case 1, 58:
		return nat.ProtocolICMP
	default:
		return nat.ProtocolICMP
	}
}

func fillInnerPorts(h *innerHeader, packet []byte, offset int) {
	if len(packet) < offset+4 {
		return
	}
	switch h.proto {
	case nat.ProtocolTCP, nat.ProtocolUDP:
		h.srcPort = binary.BigEndian.Uint16(packet[offset : offset+2])
		h.dstPort = binary.BigEndian.Uint16(packet[offset+2 : offset+4])
	case nat.ProtocolICMP:
		h.icmpType = packet[offset]
		// Echo request/reply carry an identifier that plays the port's
		// role for NAT purposes.
		if isICMPEcho(h.version, h.icmpType) && len(packet) >= offset+6 {
			id := binary.BigEndian.Uint16(packet[offset+4 : offset+6])
			h.srcPort, h.dstPort = id, id
		}
	}
}

func isICMPEcho(version int, icmpType uint8) bool {
	if version == 4 {
		return icmpType == 0 || icmpType == 8
	}
	return icmpType == 128 || icmpType == 129
}

func toModelProto(p nat.Protocol) model.Protocol {
	switch p {
	case nat.ProtocolTCP:
		return model.ProtocolTCP
	case nat.ProtocolUDP:
		return model.ProtocolUDP
	default:
		return model.ProtocolICMP
	}
}

// HandleClientPacket processes one inner packet arriving from clientID
// over the Noise tunnel, authorises it against the client's resource
// filters, translates it through the NAT table, and queues it for
// transmission to the real Internet.
func (g *Gateway) HandleClientPacket(clientID ids.ClientID, packet []byte, now time.Time) error {
	c, ok := g.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: unknown client %s", model.ErrNotConnected, clientID)
	}

	hdr, err := parseInner(packet)
	if err != nil {
		return err
	}

	if hdr.proto == nat.ProtocolUDP && hdr.srcPort == wire.ControlPort && hdr.dstPort == wire.ControlPort {
		return g.handleControlPacket(clientID, c, packet[hdr.payloadOffset+8:], now)
	}

	if hdr.proto == nat.ProtocolUDP && hdr.dstPort == 53 && (hdr.dst == g.tunnelV4 || hdr.dst == g.tunnelV6) {
		return g.handleRecursiveQuery(clientID, packet, hdr)
	}

	resource, ok := c.findAuthorization(hdr.dst)
	if !ok {
		metrics.PacketsDropped.Inc()
		return fmt.Errorf("%w: %s", model.ErrNotAllowedResource, hdr.dst)
	}
	if !filterAllows(resource.Filters, toModelProto(hdr.proto), hdr.dstPort, hdr.icmpType) {
		metrics.PacketsDropped.Inc()
		return fmt.Errorf("%w: filtered %s/%d", model.ErrNotAllowedResource, hdr.dst, hdr.dstPort)
	}

	realDst := hdr.dst
	if resource.Kind == model.ResourceDNS {
		if ip, ok := c.realIPFor(hdr.dst); ok {
			realDst = ip
		} else {
			metrics.PacketsDropped.Inc()
			return fmt.Errorf("%w: domain not yet resolved for %s", model.ErrNotAllowedResource, hdr.dst)
		}
	}

	in := nat.InnerTuple{ClientTunIP: hdr.src, SrcPort: hdr.srcPort, ProxyIP: realDst, DstPort: hdr.dstPort, Proto: hdr.proto}
	out, err := g.natTable.Translate(clientID, resource.ID, in)
	if err != nil {
		return g.sendUnreachable(c, packet, hdr, now, err)
	}

	flowKey := nat.FlowKey{Client: clientID, Resource: resource.ID, InnerSrc: hdr.src, InnerDst: realDst, InnerPorts: in}
	ctx := nat.Context{OuterSrc: out.GatewayTunIP, OuterDst: out.RealIP, OuterSrcPort: out.MappedPort}
	c.flows.Observe(flowKey, hdr.proto, ctx, uint64(len(packet)), false, now)
	if hdr.proto == nat.ProtocolTCP {
		fin, rst := tcpFlags(packet, hdr.payloadOffset)
		c.flows.ObserveTCPFlags(flowKey, fin, rst, false, now)
	}

	rewritten := rewriteOuter(packet, hdr, out)
	g.transmits = append(g.transmits, Transmit{Dst: netip.AddrPortFrom(out.RealIP, out.DstPort), Packet: rewritten})
	return nil
}

// sendUnreachable synthesises an ICMP destination/port-unreachable reply
// toward the client for a packet that could not be NAT-translated (e.g.
// ephemeral port space exhausted), and sends it back through the Noise
// tunnel.
func (g *Gateway) sendUnreachable(c *ClientOnGateway, packet []byte, hdr innerHeader, now time.Time, cause error) error {
	icmp := synthesizeUnreachable(packet, hdr)
	if icmp == nil {
		return cause
	}
	return g.node.Encapsulate(c.connID, icmp, now)
}

// HandleInternetPacket processes one packet arriving from the real
// network addressed to this Gateway's mapped port, reverse-translates it,
// and delivers it to the owning client over the tunnel. If no mapping
// exists the packet is dropped: an unsolicited inbound packet cannot be
// attributed to any client. The mapped port is the reply's destination
// port (or, for ICMP echo, its identifier).
func (g *Gateway) HandleInternetPacket(from netip.AddrPort, packet []byte, now time.Time) error {
	hdr, err := parseInner(packet)
	if err != nil {
		return err
	}

	inner, clientID, resourceID, ok := g.natTable.ReverseTranslate(hdr.dstPort, hdr.proto)
	if !ok {
		metrics.UnroutablePacket.Inc()
		return fmt.Errorf("%w: no mapping for port %d", model.ErrUnroutablePacket, hdr.dstPort)
	}
	c, ok := g.clients[clientID]
	if !ok {
		return fmt.Errorf("%w: unknown client %s", model.ErrNotConnected, clientID)
	}

	rewritten := rewriteInbound(packet, hdr, inner)

	flowKey := nat.FlowKey{Client: clientID, Resource: resourceID, InnerSrc: inner.ClientTunIP, InnerDst: inner.ProxyIP, InnerPorts: inner}
	ctx := nat.Context{OuterSrc: from.Addr(), OuterDst: c.tunnelV4, OuterSrcPort: from.Port()}
	f := c.flows.Observe(flowKey, hdr.proto, ctx, uint64(len(packet)), true, now)
	if g.maxInboundBytes > 0 && f.BytesRx > g.maxInboundBytes {
		metrics.PacketsDropped.Inc()
		return fmt.Errorf("%w: flow exceeded inbound byte budget", model.ErrNotAllowedResource)
	}
	if hdr.proto == nat.ProtocolTCP {
		fin, rst := tcpFlags(packet, hdr.payloadOffset)
		c.flows.ObserveTCPFlags(flowKey, fin, rst, true, now)
	}

	return g.node.Encapsulate(c.connID, rewritten, now)
}

func filterAllows(filters []model.Filter, proto model.Protocol, port uint16, icmpType uint8) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Allows(proto, port, icmpType) {
			return true
		}
	}
	return false
}

func tcpFlags(packet []byte, offset int) (fin, rst bool) {
	if len(packet) < offset+14 {
		return false, false
	}
	flags := packet[offset+13]
	return flags&0x01 != 0, flags&0x04 != 0
}
