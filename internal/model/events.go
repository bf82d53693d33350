package model

import (
	"net/netip"
	"time"

	"github.com/firezone/tunnel-core/internal/ids"
)

// --- Downward messages: Portal -> core ---

// ConfigChanged carries the interface config, sentinel resolver map, and
// the search domain appended to unqualified queries before pattern
// matching.
type ConfigChanged struct {
	TunnelIPv4     netip.Addr
	TunnelIPv6     netip.Addr
	DNSBySentinel  map[netip.Addr]netip.Addr
	SearchDomain   string
}

// Init seeds the Client or Gateway with its initial resource catalogue and
// relay set.
type Init struct {
	Resources []Resource
	Relays    []RelayServer
}

// RelayServer is one TURN server the Portal has assigned to this peer.
type RelayServer struct {
	Addr     netip.AddrPort
	Username string
	Password string
	Realm    string
}

// ResourceCreatedOrUpdated / ResourceDeleted maintain the catalogue after
// Init.
type ResourceCreatedOrUpdated struct{ Resource Resource }
type ResourceDeleted struct{ ResourceID ids.ResourceID }

// RelaysPresence updates which relays are currently reachable.
type RelaysPresence struct {
	DisconnectedIDs []string
	Connected       []RelayServer
}

// IceCandidates / InvalidateIceCandidates carry trickled ICE candidates for
// a given peer.
type IceCandidates struct {
	PeerID     string
	Candidates []string
}
type InvalidateIceCandidates struct {
	PeerID     string
	Candidates []string
}

// FlowCreated is the Portal's asynchronous reply to a Client's
// ConnectionIntent.
type FlowCreated struct {
	ResourceID     ids.ResourceID
	GatewayID      ids.GatewayID
	GatewayPublic  [32]byte
	PresharedKey   [32]byte
	ICECredentials ICECredentials
	GatewayTunIPv4 netip.Addr
	GatewayTunIPv6 netip.Addr
}

// FlowCreationFailed reports that the Portal could not broker a flow.
type FlowCreationFailed struct {
	ResourceID ids.ResourceID
	Reason     string
}

// ICECredentials is the ufrag/password pair exchanged for an ICE session.
type ICECredentials struct {
	UFrag    string
	Password string
}

// Authorize installs or refreshes a ClientOnGateway authorisation
// entry.
type Authorize struct {
	ClientID       ids.ClientID
	ClientTunIPv4  netip.Addr
	ClientTunIPv6  netip.Addr
	ClientPublic   [32]byte
	PresharedKey   [32]byte
	ICECredentials ICECredentials
	Resource       Resource
	ExpiresAt      *time.Time
}

// Revoke removes a single resource's authorisation for a client.
type Revoke struct {
	ClientID   ids.ClientID
	ResourceID ids.ResourceID
}

// --- Upward events: core -> Portal/UI ---

type AddedIceCandidates struct {
	ConnID     string
	Candidates []string
}
type RemovedIceCandidates struct {
	ConnID     string
	Candidates []string
}

// ConnectionIntent is emitted by the Client the first time a resource is
// addressed with no existing connection.
type ConnectionIntent struct {
	Resource          ids.ResourceID
	PreferredGateways []ids.GatewayID
}

type ResourcesChanged struct{ Resources []Resource }

type TunConfig struct {
	TunnelIPv4 netip.Addr
	TunnelIPv6 netip.Addr
	MTU        int
}
type TunInterfaceUpdated struct{ Config TunConfig }

// ResolveDnsRequest is emitted by the Gateway when it must resolve a DNS
// resource domain on the Client's behalf.
type ResolveDnsRequest struct {
	ClientID   ids.ClientID
	ResourceID ids.ResourceID
	Domain     string
	WantV4     int
	WantV6     int
}

// ResolveDnsResponse answers a ResolveDnsRequest with the chosen subset of
// resolved addresses, one-to-one with the client's proxy IP count.
type ResolveDnsResponse struct {
	ClientID   ids.ClientID
	ResourceID ids.ResourceID
	Domain     string
	V4         []netip.Addr
	V6         []netip.Addr
}

// DisconnectedGracefully is emitted once per Client.Reset call on a Client
// with an active session, and once for each Goodbye a gateway sends.
type DisconnectedGracefully struct{ Reason string }
