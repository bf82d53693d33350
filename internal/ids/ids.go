// Package ids defines the stable identifiers the Portal hands out for
// peers and resources, plus the local session-index type used by the
// Noise ring.
package ids

import "github.com/google/uuid"

// ClientID identifies a Client, stable for the lifetime of its Portal
// registration.
type ClientID uuid.UUID

func (c ClientID) String() string { return uuid.UUID(c).String() }

// GatewayID identifies a Gateway, stable for the lifetime of its Portal
// registration.
type GatewayID uuid.UUID

func (g GatewayID) String() string { return uuid.UUID(g).String() }

// ResourceID identifies a Portal-issued Resource (CIDR, DNS, or Internet).
type ResourceID uuid.UUID

func (r ResourceID) String() string { return uuid.UUID(r).String() }

// NewClientID generates a fresh random ClientID.
func NewClientID() ClientID { return ClientID(uuid.New()) }

// NewGatewayID generates a fresh random GatewayID.
func NewGatewayID() GatewayID { return GatewayID(uuid.New()) }

// NewResourceID generates a fresh random ResourceID.
func NewResourceID() ResourceID { return ResourceID(uuid.New()) }

// ParseResourceID parses a UUIDv4 string issued by the Portal.
func ParseResourceID(s string) (ResourceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ResourceID{}, err
	}
	return ResourceID(u), nil
}

// SessionIndex is the 32-bit local index a Noise session is known by. The
// owning Tunn keeps a ring of 8 sessions indexed by SessionIndex % 8.
type SessionIndex uint32

// RingSize is the number of sessions retained per peer.
const RingSize = 8

// Slot returns the ring slot this index occupies.
func (s SessionIndex) Slot() int { return int(uint32(s) % RingSize) }
