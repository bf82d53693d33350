// Package turn implements the client side of a self-refreshing TURN
// allocation, wire-coded with pion/stun/v3 and driven
// sans-IO: Allocation owns no socket, it only classifies inbound
// datagrams and queues outbound ones for the caller to actually send.
package turn

import (
	"crypto/rand"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun/v3"

	"github.com/firezone/tunnel-core/internal/metrics"
)

// requestTimeout bounds how long an outstanding request waits for a
// response before being re-authenticated and re-sent.
const requestTimeout = 5 * time.Second

// stunMagicCookie is the fixed STUN magic cookie value (RFC 5389 §6);
// pion/stun/v3 keeps its equivalent unexported.
var stunMagicCookie uint32 = 0x2112A442

// TURN methods not already defined by pion/stun/v3 (which only ships
// Binding), per RFC 5766 §13.
var (
	methodAllocate    = stun.NewType(stun.Method(0x003), stun.ClassRequest)
	methodRefresh     = stun.NewType(stun.Method(0x004), stun.ClassRequest)
	methodChannelBind = stun.NewType(stun.Method(0x009), stun.ClassRequest)
)

// Raw TURN attribute codes (RFC 5766 §14, RFC 8656), encoded/decoded via
// stun.Message's generic Add/Get since pion/stun/v3 only implements typed
// Setters for the base STUN attribute set.
const (
	attrChannelNumber      stun.AttrType = 0x000C
	attrLifetime           stun.AttrType = 0x000D
	attrXORPeerAddress     stun.AttrType = 0x0012
	attrRequestedTransport stun.AttrType = 0x0019
	attrXORRelayedAddress  stun.AttrType = 0x0016
)

const udpTransport = 17 // RFC 5766 requested-transport protocol number

// Credentials are the long-term TURN credentials handed down by the
// Portal for a given relay.
type Credentials struct {
	Username string
	Password string
	Realm    string
}

// Candidate is a server-reflexive or relayed address the Allocation has
// learned about, queued for the caller to surface as an ICE candidate.
type Candidate struct {
	Kind CandidateKind
	Addr netip.AddrPort
}

type CandidateKind int

const (
	CandidateServerReflexive CandidateKind = iota
	CandidateRelay
)

type sentRequest struct {
	msg    *stun.Message
	sentAt time.Time
}

// Allocation manages one TURN allocation toward a single relay server: it
// requests the allocation, keeps it and any channel bindings refreshed,
// and classifies channel-data packets arriving from that relay.
type Allocation struct {
	server netip.AddrPort
	creds  Credentials
	nonce  string

	lastSrflx    *Candidate
	ip4Relay     *Candidate
	ip6Relay     *Candidate
	lifetimeSet  time.Time
	lifetime     time.Duration

	sentRequests map[string]sentRequest // keyed by transaction ID

	channels *channelTable

	pendingTransmits [][]byte
	pendingCandidates []Candidate
}

// New builds an Allocation with no allocation yet requested; the first
// HandleTimeout call queues the initial ALLOCATE request.
func New(server netip.AddrPort, creds Credentials) *Allocation {
	return &Allocation{
		server:       server,
		creds:        creds,
		sentRequests: make(map[string]sentRequest),
		channels:     newChannelTable(),
	}
}

// CurrentCandidates returns every candidate currently known, for initial
// ICE gathering sync (mirrors current_candidates in the Rust source).
func (a *Allocation) CurrentCandidates() []Candidate {
	var out []Candidate
	if a.lastSrflx != nil {
		out = append(out, *a.lastSrflx)
	}
	if a.ip4Relay != nil {
		out = append(out, *a.ip4Relay)
	}
	if a.ip6Relay != nil {
		out = append(out, *a.ip6Relay)
	}
	return out
}

func (a *Allocation) hasAllocation() bool { return a.ip4Relay != nil || a.ip6Relay != nil }

func (a *Allocation) allocateInFlight() bool {
	for _, r := range a.sentRequests {
		if r.msg.Type == methodAllocate {
			return true
		}
	}
	return false
}

func (a *Allocation) channelBindInFlight(channel uint16) bool {
	for _, r := range a.sentRequests {
		if r.msg.Type != methodChannelBind {
			continue
		}
		if raw, err := r.msg.Get(attrChannelNumber); err == nil && len(raw) == 2 {
			if uint16(raw[0])<<8|uint16(raw[1]) == channel {
				return true
			}
		}
	}
	return false
}

// HandleInput processes one inbound STUN message from the relay. Returns
// false if the datagram did not originate from this allocation's server
// or was not a recognised STUN response, mirroring handle_input.
func (a *Allocation) HandleInput(from netip.AddrPort, packet []byte, now time.Time) bool {
	if from != a.server {
		return false
	}

	msg := &stun.Message{Raw: append([]byte{}, packet...)}
	if err := msg.Decode(); err != nil {
		return false
	}

	key := string(msg.TransactionID[:])
	pending, ok := a.sentRequests[key]
	if !ok {
		return false
	}
	delete(a.sentRequests, key)

	var errCode stun.ErrorCodeAttribute
	if err := errCode.GetFrom(msg); err == nil {
		if errCode.Code == stun.CodeUnauthorized || errCode.Code == stun.CodeStaleNonce {
			var nonce stun.Nonce
			if err := nonce.GetFrom(msg); err == nil {
				a.nonce = string(nonce)
			}
			var realm stun.Realm
			if err := realm.GetFrom(msg); err == nil && string(realm) != a.creds.Realm {
				return true // refuse to authenticate against an unexpected realm
			}
			a.authenticateAndQueue(pending.msg, now)
			return true
		}
		return true // other errors: request dropped without retry, allocation kept; nothing is logged
	}

	if msg.Type.Class != stun.ClassSuccessResponse {
		return true
	}

	switch pending.msg.Type {
	case methodAllocate:
		a.handleAllocateSuccess(msg, now)
	case methodRefresh:
		a.handleRefreshSuccess(msg, now)
	case methodChannelBind:
		a.handleChannelBindSuccess(pending.msg, now)
	}
	return true
}

func (a *Allocation) handleAllocateSuccess(msg *stun.Message, now time.Time) {
	lifetime, ok := getLifetime(msg)
	if !ok {
		return
	}
	a.lifetimeSet = now
	a.lifetime = lifetime

	var xma stun.XORMappedAddress
	if err := xma.GetFrom(msg); err == nil {
		a.updateCandidate(CandidateServerReflexive, &a.lastSrflx, xma.IP, xma.Port)
	}
	if raw, err := msg.Get(attrXORRelayedAddress); err == nil {
		if ip, port, ok := decodeXORAddr(raw, msg.TransactionID); ok {
			if ip.Is4() {
				a.updateCandidate(CandidateRelay, &a.ip4Relay, ip.AsSlice(), int(port))
			} else {
				a.updateCandidate(CandidateRelay, &a.ip6Relay, ip.AsSlice(), int(port))
			}
		}
	}
}

func (a *Allocation) handleRefreshSuccess(msg *stun.Message, now time.Time) {
	if lifetime, ok := getLifetime(msg); ok {
		a.lifetimeSet = now
		a.lifetime = lifetime
	}
}

func (a *Allocation) handleChannelBindSuccess(request *stun.Message, now time.Time) {
	raw, err := request.Get(attrChannelNumber)
	if err != nil || len(raw) != 2 {
		return
	}
	channel := uint16(raw[0])<<8 | uint16(raw[1])
	a.channels.setConfirmed(channel, now)
}

func (a *Allocation) updateCandidate(kind CandidateKind, slot **Candidate, ip net.IP, port int) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return
	}
	addr = addr.Unmap()
	next := Candidate{Kind: kind, Addr: netip.AddrPortFrom(addr, uint16(port))}
	if *slot != nil && (*slot).Addr == next.Addr {
		return
	}
	*slot = &next
	a.pendingCandidates = append(a.pendingCandidates, next)
}

// Decapsulate attempts to decode packet as a channel-data message from
// this allocation's relay, returning the original peer and the relay
// socket it arrived on.
func (a *Allocation) Decapsulate(from netip.AddrPort, packet []byte, now time.Time) (peer netip.AddrPort, payload []byte, relaySocket netip.AddrPort, ok bool) {
	if from != a.server {
		return netip.AddrPort{}, nil, netip.AddrPort{}, false
	}
	peer, payload, ok = a.channels.tryDecode(packet, now)
	if !ok {
		return netip.AddrPort{}, nil, netip.AddrPort{}, false
	}
	var relayCandidate *Candidate
	if peer.Addr().Is4() {
		relayCandidate = a.ip4Relay
	} else {
		relayCandidate = a.ip6Relay
	}
	if relayCandidate == nil {
		return netip.AddrPort{}, nil, netip.AddrPort{}, false
	}
	return peer, payload, relayCandidate.Addr, true
}

// HandleTimeout drives allocation bootstrap, request retransmission,
// 50%-lifetime refresh, and channel-binding refresh.
func (a *Allocation) HandleTimeout(now time.Time) {
	if !a.hasAllocation() && !a.allocateInFlight() {
		a.authenticateAndQueue(makeAllocateRequest(), now)
	}

	for id, req := range a.sentRequests {
		if now.Sub(req.sentAt) >= requestTimeout {
			delete(a.sentRequests, id)
			metrics.TurnAllocationRetry.Inc()
			a.authenticateAndQueue(req.msg, now)
		}
	}

	if !a.lifetimeSet.IsZero() {
		refreshAfter := a.lifetime / 2
		if now.After(a.lifetimeSet.Add(refreshAfter)) {
			a.authenticateAndQueue(makeRefreshRequest(), now)
		}
	}

	for _, refresh := range a.channels.channelsToRefresh(now, a.channelBindInFlight) {
		a.authenticateAndQueue(makeChannelBindRequest(refresh.peer, refresh.number), now)
	}
}

// BindChannel requests a new channel binding toward peer, returning false
// if the channel space is exhausted. A channel already routing to peer
// (confirmed or with a bind still in flight) is left alone.
func (a *Allocation) BindChannel(peer netip.AddrPort, now time.Time) bool {
	if _, ok := a.channels.anyChannelToPeer(peer, now); ok {
		return true
	}
	channel, ok := a.channels.newChannelToPeer(peer, now)
	if !ok {
		metrics.TurnChannelsExhaust.Inc()
		return false
	}
	a.authenticateAndQueue(makeChannelBindRequest(peer, channel), now)
	return true
}

// EncodeToPeer wraps payload in a channel-data frame for peer, if a
// confirmed channel binding exists.
func (a *Allocation) EncodeToPeer(peer netip.AddrPort, payload []byte, now time.Time) ([]byte, bool) {
	channel, ok := a.channels.channelToPeer(peer, now)
	if !ok {
		return nil, false
	}
	return encodeChannelData(channel, payload), true
}

// PollCandidate drains one newly learned candidate, nil once exhausted.
func (a *Allocation) PollCandidate() *Candidate {
	if len(a.pendingCandidates) == 0 {
		return nil
	}
	c := a.pendingCandidates[0]
	a.pendingCandidates = a.pendingCandidates[1:]
	return &c
}

// PollTransmit drains one queued outbound datagram addressed to the
// relay, nil once exhausted.
func (a *Allocation) PollTransmit() []byte {
	if len(a.pendingTransmits) == 0 {
		return nil
	}
	b := a.pendingTransmits[0]
	a.pendingTransmits = a.pendingTransmits[1:]
	return b
}

func newTransactionID() [stun.TransactionIDSize]byte {
	var id [stun.TransactionIDSize]byte
	_, _ = rand.Read(id[:])
	return id
}

func (a *Allocation) authenticateAndQueue(msg *stun.Message, now time.Time) {
	authenticated := a.authenticate(msg)
	key := string(authenticated.TransactionID[:])
	a.sentRequests[key] = sentRequest{msg: authenticated, sentAt: now}
	a.pendingTransmits = append(a.pendingTransmits, append([]byte{}, authenticated.Raw...))
}

func (a *Allocation) authenticate(msg *stun.Message) *stun.Message {
	out := new(stun.Message)
	out.Type = msg.Type
	out.TransactionID = newTransactionID()
	for _, attr := range msg.Attributes {
		switch attr.Type {
		case stun.AttrNonce, stun.AttrMessageIntegrity, stun.AttrRealm, stun.AttrUsername, stun.AttrFingerprint:
			continue
		default:
			out.Add(attr.Type, attr.Value)
		}
	}
	stun.NewUsername(a.creds.Username).AddTo(out) //nolint:errcheck
	stun.NewRealm(a.creds.Realm).AddTo(out)       //nolint:errcheck
	if a.nonce != "" {
		stun.NewNonce(a.nonce).AddTo(out) //nolint:errcheck
	}
	integrity := stun.NewLongTermIntegrity(a.creds.Username, a.creds.Realm, a.creds.Password)
	integrity.AddTo(out) //nolint:errcheck
	out.Encode()
	return out
}

func makeAllocateRequest() *stun.Message {
	m := new(stun.Message)
	m.Type = methodAllocate
	m.TransactionID = newTransactionID()
	m.Add(attrRequestedTransport, []byte{udpTransport, 0, 0, 0})
	m.Encode()
	return m
}

func makeRefreshRequest() *stun.Message {
	m := new(stun.Message)
	m.Type = methodRefresh
	m.TransactionID = newTransactionID()
	m.Add(attrRequestedTransport, []byte{udpTransport, 0, 0, 0})
	m.Encode()
	return m
}

func makeChannelBindRequest(peer netip.AddrPort, channel uint16) *stun.Message {
	m := new(stun.Message)
	m.Type = methodChannelBind
	m.TransactionID = newTransactionID()
	m.Add(attrXORPeerAddress, encodeXORAddr(peer, m.TransactionID))
	m.Add(attrChannelNumber, []byte{byte(channel >> 8), byte(channel)})
	m.Encode()
	return m
}

func getLifetime(msg *stun.Message) (time.Duration, bool) {
	raw, err := msg.Get(attrLifetime)
	if err != nil || len(raw) != 4 {
		return 0, false
	}
	secs := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	return time.Duration(secs) * time.Second, true
}

// encodeXORAddr/decodeXORAddr implement the XOR-mapping STUN applies to
// the IPv4/IPv6 address family attributes not covered by pion/stun's
// typed XORMappedAddress (which pion/stun reserves for the base Binding
// response); TURN's XOR-PEER-ADDRESS/XOR-RELAYED-ADDRESS share the same
// encoding (RFC 5766 §14.3/14.5).
func encodeXORAddr(addr netip.AddrPort, txID [stun.TransactionIDSize]byte) []byte {
	ip := addr.Addr()
	family := byte(0x01)
	if ip.Is6() && !ip.Is4In6() {
		family = 0x02
	}
	port := addr.Port() ^ uint16(stunMagicCookie>>16)
	out := []byte{0, family, byte(port >> 8), byte(port)}
	xorBytes := append(append([]byte{}, magicCookieBytes()...), txID[:]...)
	raw := ip.Unmap().AsSlice()
	for i, b := range raw {
		out = append(out, b^xorBytes[i%len(xorBytes)])
	}
	return out
}

func decodeXORAddr(raw []byte, txID [stun.TransactionIDSize]byte) (netip.Addr, uint16, bool) {
	if len(raw) < 8 {
		return netip.Addr{}, 0, false
	}
	family := raw[1]
	port := (uint16(raw[2])<<8 | uint16(raw[3])) ^ uint16(stunMagicCookie>>16)
	xorBytes := append(append([]byte{}, magicCookieBytes()...), txID[:]...)
	addrBytes := raw[4:]
	out := make([]byte, len(addrBytes))
	for i, b := range addrBytes {
		out[i] = b ^ xorBytes[i%len(xorBytes)]
	}
	switch family {
	case 0x01:
		if len(out) != 4 {
			return netip.Addr{}, 0, false
		}
		var b [4]byte
		copy(b[:], out)
		return netip.AddrFrom4(b), port, true
	case 0x02:
		if len(out) != 16 {
			return netip.Addr{}, 0, false
		}
		var b [16]byte
		copy(b[:], out)
		return netip.AddrFrom16(b), port, true
	default:
		return netip.Addr{}, 0, false
	}
}

func magicCookieBytes() []byte {
	var b [4]byte
	b[0] = byte(stunMagicCookie >> 24)
	b[1] = byte(stunMagicCookie >> 16)
	b[2] = byte(stunMagicCookie >> 8)
	b[3] = byte(stunMagicCookie)
	return b[:]
}
