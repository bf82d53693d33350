package gateway

import (
	"encoding/binary"
	"net/netip"

	"github.com/firezone/tunnel-core/internal/nat"
	"github.com/firezone/tunnel-core/internal/wire"
)

// encodeControlPacket frames payload as the minimal IPv4/UDP packet the
// application control channel expects: source and destination both the
// sender's own tunnel address, both ports set to ControlPort.
func encodeControlPacket(addr netip.Addr, payload []byte) []byte {
	return encodeUDPPacket(addr, addr, wire.ControlPort, wire.ControlPort, payload)
}

// encodeUDPPacket builds a minimal IP+UDP packet of the appropriate
// family around payload. The IPv4 UDP checksum is left zero (permitted);
// IPv6 computes it over the pseudo-header as required.
func encodeUDPPacket(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)

	if src.Is4() {
		totalLen := 20 + udpLen
		out := make([]byte, totalLen)
		out[0] = 0x45
		binary.BigEndian.PutUint16(out[2:4], uint16(totalLen))
		out[8] = 64
		out[9] = 17
		s4, d4 := src.As4(), dst.As4()
		copy(out[12:16], s4[:])
		copy(out[16:20], d4[:])
		binary.BigEndian.PutUint16(out[20:22], srcPort)
		binary.BigEndian.PutUint16(out[22:24], dstPort)
		binary.BigEndian.PutUint16(out[24:26], uint16(udpLen))
		copy(out[28:], payload)
		setIPv4Checksum(out)
		return out
	}

	out := make([]byte, 40+udpLen)
	out[0] = 0x60
	binary.BigEndian.PutUint16(out[4:6], uint16(udpLen))
	out[6] = 17
	out[7] = 64
	s16, d16 := src.As16(), dst.As16()
	copy(out[8:24], s16[:])
	copy(out[24:40], d16[:])
	binary.BigEndian.PutUint16(out[40:42], srcPort)
	binary.BigEndian.PutUint16(out[42:44], dstPort)
	binary.BigEndian.PutUint16(out[44:46], uint16(udpLen))
	copy(out[48:], payload)
	hdr := innerHeader{version: 6, proto: nat.ProtocolUDP, payloadOffset: 40}
	recomputeL4Checksum(out, hdr)
	return out
}
