package wire

import (
	"fmt"
	"net/netip"

	"github.com/fxamacker/cbor/v2"
)

// DomainStatusValue is the status reported in a DomainStatus control event.
type DomainStatusValue uint8

const (
	DomainStatusActive DomainStatusValue = iota
	DomainStatusInactive
)

// AssignedIPsEvent is control event 0x01: the Client telling the Gateway
// which proxy IPs it minted for a DNS resource domain.
type AssignedIPsEvent struct {
	ResourceID string   `cbor:"resource_id"`
	Domain     string   `cbor:"domain"`
	ProxyIPs   []string `cbor:"proxy_ips"`
}

// DomainStatus is control event 0x02: the Gateway's reply once it has
// resolved (or failed to resolve) the domain.
type DomainStatus struct {
	ResourceID string            `cbor:"resource_id"`
	Domain     string            `cbor:"domain"`
	Status     DomainStatusValue `cbor:"status"`
}

// Goodbye is control event 0x03: a polite tunnel teardown notice sent by
// Node.RemoveConnection.
type Goodbye struct{}

// EncodeControlPayload serialises a control event (preceded by its 1-byte
// type tag) into the CBOR payload that follows the UDP header in a
// control packet.
func EncodeControlPayload(eventType uint8, event any) ([]byte, error) {
	body, err := cbor.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode control event: %w", err)
	}
	return append([]byte{eventType}, body...), nil
}

// DecodeControlPayload splits the 1-byte type tag from a control packet's
// UDP payload and CBOR-decodes the remainder into the matching struct.
// Unknown event types are returned with a nil decoded value so the caller
// can log and drop them.
func DecodeControlPayload(payload []byte) (eventType uint8, decoded any, err error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("control payload too short")
	}
	eventType = payload[0]
	body := payload[1:]

	switch eventType {
	case EventAssignedIPs:
		var e AssignedIPsEvent
		if err := cbor.Unmarshal(body, &e); err != nil {
			return eventType, nil, fmt.Errorf("decode AssignedIPsEvent: %w", err)
		}
		return eventType, e, nil
	case EventDomainStatus:
		var e DomainStatus
		if err := cbor.Unmarshal(body, &e); err != nil {
			return eventType, nil, fmt.Errorf("decode DomainStatus: %w", err)
		}
		return eventType, e, nil
	case EventGoodbye:
		return eventType, Goodbye{}, nil
	default:
		return eventType, nil, nil
	}
}

// ParseProxyIPs converts the string-encoded IPs from an AssignedIPsEvent
// into netip.Addr, skipping (and not failing on) any malformed entry.
func ParseProxyIPs(raw []string) []netip.Addr {
	out := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		if addr, err := netip.ParseAddr(s); err == nil {
			out = append(out, addr)
		}
	}
	return out
}
