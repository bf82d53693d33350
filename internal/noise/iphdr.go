package noise

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ParseInnerIPHeader validates the decrypted inner IP packet and extracts
// its source address. The Gateway,
// not this package, is responsible for policing the source against the
// peer's allowed-ips.
func ParseInnerIPHeader(packet []byte) (srcIP netip.Addr, err error) {
	if len(packet) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: empty inner packet", ErrInvalidPacket)
	}
	switch packet[0] >> 4 {
	case 4:
		if len(packet) < 20 {
			return netip.Addr{}, fmt.Errorf("%w: short ipv4 header", ErrInvalidPacket)
		}
		totalLen := binary.BigEndian.Uint16(packet[2:4])
		if int(totalLen) > len(packet) {
			return netip.Addr{}, fmt.Errorf("%w: ipv4 length exceeds buffer", ErrInvalidPacket)
		}
		var b [4]byte
		copy(b[:], packet[12:16])
		return netip.AddrFrom4(b), nil
	case 6:
		if len(packet) < 40 {
			return netip.Addr{}, fmt.Errorf("%w: short ipv6 header", ErrInvalidPacket)
		}
		payloadLen := binary.BigEndian.Uint16(packet[4:6])
		if int(payloadLen)+40 > len(packet) {
			return netip.Addr{}, fmt.Errorf("%w: ipv6 length exceeds buffer", ErrInvalidPacket)
		}
		var b [16]byte
		copy(b[:], packet[8:24])
		return netip.AddrFrom16(b), nil
	default:
		return netip.Addr{}, fmt.Errorf("%w: unrecognised IP version nibble", ErrInvalidPacket)
	}
}

// IsIPv4 reports whether the first byte of an inner packet selects IPv4.
func IsIPv4(packet []byte) bool { return len(packet) > 0 && packet[0]>>4 == 4 }
