package dns

import (
	"net/netip"
	"strconv"
	"strings"
)

// reverseDNSAddr parses an in-addr.arpa / ip6.arpa query name back into
// the address it names.
func reverseDNSAddr(name string) (netip.Addr, bool) {
	labels := strings.Split(strings.TrimSuffix(name, "."), ".")
	if len(labels) == 0 || !strings.EqualFold(labels[len(labels)-1], "arpa") {
		return netip.Addr{}, false
	}
	labels = labels[:len(labels)-1]
	if len(labels) == 0 {
		return netip.Addr{}, false
	}

	switch {
	case strings.EqualFold(labels[len(labels)-1], "in-addr"):
		return reverseDNSAddrV4(labels[:len(labels)-1])
	case strings.EqualFold(labels[len(labels)-1], "ip6"):
		return reverseDNSAddrV6(labels[:len(labels)-1])
	default:
		return netip.Addr{}, false
	}
}

// reverseDNSAddrV4 expects four decimal octet labels in reverse order:
// "1.0.0.127.in-addr.arpa" -> 127.0.0.1.
func reverseDNSAddrV4(labels []string) (netip.Addr, bool) {
	if len(labels) != 4 {
		return netip.Addr{}, false
	}
	var b [4]byte
	for i, l := range labels {
		v, err := strconv.Atoi(l)
		if err != nil || v < 0 || v > 255 {
			return netip.Addr{}, false
		}
		b[3-i] = byte(v)
	}
	return netip.AddrFrom4(b), true
}

// reverseDNSAddrV6 expects 32 reversed nibble labels:
// "...1.0.0.0...ip6.arpa" -> the nibbles read back-to-front.
func reverseDNSAddrV6(labels []string) (netip.Addr, bool) {
	if len(labels) != 32 {
		return netip.Addr{}, false
	}
	var b [16]byte
	for i, l := range labels {
		if len(l) != 1 {
			return netip.Addr{}, false
		}
		v, err := strconv.ParseUint(l, 16, 8)
		if err != nil {
			return netip.Addr{}, false
		}
		nibbleIndex := 31 - i
		byteIndex := nibbleIndex / 2
		if nibbleIndex%2 == 0 {
			b[byteIndex] |= byte(v) << 4
		} else {
			b[byteIndex] |= byte(v)
		}
	}
	return netip.AddrFrom16(b), true
}
