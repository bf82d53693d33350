package gateway

// synthesizeUnreachable builds an ICMP (type 3, code 3: destination/port
// unreachable for IPv4; ICMPv6 type 1, code 4) reply wrapping the
// original packet's IP header and first 8 bytes of payload, addressed
// back to the original sender. A reply is always built; an original
// packet shorter than its IP header plus 8 bytes is quoted in full.
func synthesizeUnreachable(original []byte, hdr innerHeader) []byte {
	if hdr.version == 4 {
		return synthesizeICMPv4Unreachable(original, hdr)
	}
	return synthesizeICMPv6Unreachable(original, hdr)
}

func synthesizeICMPv4Unreachable(original []byte, hdr innerHeader) []byte {
	quoteLen := hdr.payloadOffset + 8
	if len(original) < quoteLen {
		quoteLen = len(original)
	}

	icmpLen := 8 + quoteLen
	totalLen := 20 + icmpLen
	out := make([]byte, totalLen)

	out[0] = 0x45
	out[8] = 64 // TTL
	out[9] = 1  // ICMP
	putUint16(out[2:4], uint16(totalLen))
	copy(out[12:16], addr4Bytes(hdr.dst)) // reply "from" the original destination
	copy(out[16:20], addr4Bytes(hdr.src))
	setIPv4Checksum(out)

	icmp := out[20:]
	icmp[0] = 3 // destination unreachable
	icmp[1] = 3 // port unreachable
	copy(icmp[8:], original[:quoteLen])
	sum := checksum(icmp)
	icmp[2] = byte(sum >> 8)
	icmp[3] = byte(sum)

	return out
}

func synthesizeICMPv6Unreachable(original []byte, hdr innerHeader) []byte {
	quoteLen := hdr.payloadOffset + 8
	if len(original) < quoteLen {
		quoteLen = len(original)
	}

	icmpLen := 8 + quoteLen
	totalLen := 40 + icmpLen
	out := make([]byte, totalLen)

	out[0] = 0x60
	putUint16(out[4:6], uint16(icmpLen))
	out[6] = 58 // ICMPv6
	out[7] = 64 // hop limit
	copy(out[8:24], addr16Bytes(hdr.dst))
	copy(out[24:40], addr16Bytes(hdr.src))

	icmp := out[40:]
	icmp[0] = 1 // destination unreachable
	icmp[1] = 4 // port unreachable
	copy(icmp[8:], original[:quoteLen])

	pseudo := make([]byte, 0, 40+icmpLen)
	pseudo = append(pseudo, out[8:24]...)
	pseudo = append(pseudo, out[24:40]...)
	pseudo = append(pseudo, 0, 0, byte(icmpLen>>8), byte(icmpLen))
	pseudo = append(pseudo, 0, 0, 0, 58)
	pseudo = append(pseudo, icmp...)
	sum := checksum(pseudo)
	icmp[2] = byte(sum >> 8)
	icmp[3] = byte(sum)

	return out
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}
