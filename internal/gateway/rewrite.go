package gateway

import (
	"encoding/binary"
	"net/netip"

	"github.com/firezone/tunnel-core/internal/nat"
)

// rewriteOuter rewrites packet's IP addresses and (for TCP/UDP) source
// port to out's gateway-tun-ip/mapped-port and real-ip, recomputing the
// affected checksums.
func rewriteOuter(packet []byte, hdr innerHeader, out nat.OuterTuple) []byte {
	cp := append([]byte(nil), packet...)
	if hdr.version == 4 {
		copy(cp[12:16], addr4Bytes(out.GatewayTunIP))
		copy(cp[16:20], addr4Bytes(out.RealIP))
		setIPv4Checksum(cp)
	} else {
		copy(cp[8:24], addr16Bytes(out.GatewayTunIP))
		copy(cp[24:40], addr16Bytes(out.RealIP))
	}
	if hdr.proto == nat.ProtocolTCP || hdr.proto == nat.ProtocolUDP {
		binary.BigEndian.PutUint16(cp[hdr.payloadOffset:hdr.payloadOffset+2], out.MappedPort)
	} else if isICMPEcho(hdr.version, hdr.icmpType) && len(cp) >= hdr.payloadOffset+6 {
		binary.BigEndian.PutUint16(cp[hdr.payloadOffset+4:hdr.payloadOffset+6], out.MappedPort)
	}
	recomputeL4Checksum(cp, hdr)
	return cp
}

// rewriteInbound reverses the NAT translation: destination becomes the
// client's tunnel address (routed through the Noise tunnel, not a real IP
// header concern at this layer) and the relevant port field is restored
// to the client's original source port.
func rewriteInbound(packet []byte, hdr innerHeader, inner nat.InnerTuple) []byte {
	cp := append([]byte(nil), packet...)
	if hdr.version == 4 {
		copy(cp[12:16], addr4Bytes(inner.ProxyIP))
		copy(cp[16:20], addr4Bytes(inner.ClientTunIP))
		setIPv4Checksum(cp)
	} else {
		copy(cp[8:24], addr16Bytes(inner.ProxyIP))
		copy(cp[24:40], addr16Bytes(inner.ClientTunIP))
	}
	if hdr.proto == nat.ProtocolTCP || hdr.proto == nat.ProtocolUDP {
		binary.BigEndian.PutUint16(cp[hdr.payloadOffset+2:hdr.payloadOffset+4], inner.SrcPort)
	} else if isICMPEcho(hdr.version, hdr.icmpType) && len(cp) >= hdr.payloadOffset+6 {
		binary.BigEndian.PutUint16(cp[hdr.payloadOffset+4:hdr.payloadOffset+6], inner.SrcPort)
	}
	recomputeL4Checksum(cp, hdr)
	return cp
}

func addr4Bytes(a netip.Addr) []byte {
	b := a.As4()
	return b[:]
}

func addr16Bytes(a netip.Addr) []byte {
	if a.Is4() {
		mapped := netip.AddrFrom16(a.As16())
		b := mapped.As16()
		return b[:]
	}
	b := a.As16()
	return b[:]
}

// setIPv4Checksum recomputes the IPv4 header checksum in place.
func setIPv4Checksum(packet []byte) {
	if len(packet) < 20 {
		return
	}
	ihl := int(packet[0]&0x0f) * 4
	if len(packet) < ihl {
		return
	}
	packet[10] = 0
	packet[11] = 0
	sum := checksum(packet[:ihl])
	packet[10] = byte(sum >> 8)
	packet[11] = byte(sum)
}

// recomputeL4Checksum recomputes the L4 checksum after an address or
// port rewrite. TCP, UDP, and ICMPv6 checksums cover a pseudo-header of
// the enclosing IP addresses; ICMPv4's covers only the ICMP message.
func recomputeL4Checksum(packet []byte, hdr innerHeader) {
	off := hdr.payloadOffset
	if len(packet) < off+8 {
		return
	}

	var checksumOffset int
	switch hdr.proto {
	case nat.ProtocolTCP:
		checksumOffset = off + 16
	case nat.ProtocolUDP:
		checksumOffset = off + 6
	case nat.ProtocolICMP:
		checksumOffset = off + 2
	default:
		return
	}
	if len(packet) < checksumOffset+2 {
		return
	}
	packet[checksumOffset] = 0
	packet[checksumOffset+1] = 0

	if hdr.proto == nat.ProtocolICMP && hdr.version == 4 {
		sum := checksum(packet[off:])
		packet[checksumOffset] = byte(sum >> 8)
		packet[checksumOffset+1] = byte(sum)
		return
	}

	var srcB, dstB []byte
	if hdr.version == 4 {
		srcB, dstB = packet[12:16], packet[16:20]
	} else {
		srcB, dstB = packet[8:24], packet[24:40]
	}

	l4Len := len(packet) - off
	pseudo := make([]byte, 0, len(srcB)+len(dstB)+8+l4Len)
	pseudo = append(pseudo, srcB...)
	pseudo = append(pseudo, dstB...)
	if hdr.version == 4 {
		pseudo = append(pseudo, 0, protoNumber(hdr.proto, hdr.version))
		pseudo = append(pseudo, byte(l4Len>>8), byte(l4Len))
	} else {
		pseudo = append(pseudo, byte(l4Len>>24), byte(l4Len>>16), byte(l4Len>>8), byte(l4Len))
		pseudo = append(pseudo, 0, 0, 0, protoNumber(hdr.proto, hdr.version))
	}
	pseudo = append(pseudo, packet[off:]...)

	sum := checksum(pseudo)
	packet[checksumOffset] = byte(sum >> 8)
	packet[checksumOffset+1] = byte(sum)
}

func protoNumber(p nat.Protocol, version int) byte {
	switch p {
	case nat.ProtocolTCP:
		return 6
	case nat.ProtocolUDP:
		return 17
	default:
		if version == 6 {
			return 58
		}
		return 1
	}
}

// checksum computes the one's-complement Internet checksum (RFC 1071).
func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
