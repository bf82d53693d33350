// Package ice provides the candidate and candidate-pair bookkeeping for
// Node's peer-to-peer connectivity layer: gathering local
// candidates (host, server-reflexive via internal/turn's allocation,
// relay), pairing them against trickled remote candidates, running the
// STUN connectivity checks, and picking the best pair by priority
// (RFC 8445 §6.1.2), preferring direct over reflexive over relayed.
//
// The checklist is driven sans-IO the same way internal/turn.Allocation
// is: it owns no socket, classifies inbound STUN traffic handed to it,
// and queues outbound STUN requests/responses for the caller to send.
// Candidate representation piggybacks on github.com/pion/ice/v4's typed
// candidate/foundation model rather than pion's own (goroutine-driven)
// Agent, which would not fit a sans-IO core.
package ice

import (
	"net/netip"

	pionice "github.com/pion/ice/v4"
)

// Kind mirrors pion/ice's candidate type taxonomy, ordered worst to best
// so direct comparison reflects preference.
type Kind int

const (
	KindRelay Kind = iota
	KindServerReflexive
	KindPeerReflexive
	KindHost
)

func (k Kind) pion() pionice.CandidateType {
	switch k {
	case KindHost:
		return pionice.CandidateTypeHost
	case KindPeerReflexive:
		return pionice.CandidateTypePeerReflexive
	case KindServerReflexive:
		return pionice.CandidateTypeServerReflexive
	default:
		return pionice.CandidateTypeRelay
	}
}

// typePreference is RFC 8445 §5.1.2.1's per-type preference, used in the
// priority formula below.
func (k Kind) typePreference() uint32 {
	switch k {
	case KindHost:
		return 126
	case KindPeerReflexive:
		return 110
	case KindServerReflexive:
		return 100
	default:
		return 0
	}
}

// Candidate is one address a peer might be reachable at. Foundation
// groups candidates that share a base/type/server, as RFC 8445 defines,
// so the checklist can prune redundant pairs.
type Candidate struct {
	Kind       Kind
	Addr       netip.AddrPort
	Foundation string

	// RelatedAddr is the base address a reflexive/relay candidate was
	// derived from (the local socket for srflx, the relay's allocation
	// for relay); zero value for host candidates.
	RelatedAddr netip.AddrPort
}

// Priority computes the RFC 8445 §5.1.2.1 candidate priority:
// (2^24)*type-pref + (2^8)*local-pref + (256 - component-id). Component
// id is always 1 (no RTCP component in this protocol), and local
// preference is fixed at the maximum since every candidate shares one
// network interface ranking from the node's perspective.
func (c Candidate) Priority() uint32 {
	const localPref = 65535
	return c.Kind.typePreference()<<24 | localPref<<8 | (256 - 1)
}

// String renders a stable textual form of the candidate, the wire form
// trickled to the peer via the Portal signalling channel.
func (c Candidate) String() string {
	return c.Kind.pion().String() + " " + c.Addr.String() + " foundation=" + c.Foundation
}

// PairState tracks one candidate pair's progress through the ICE
// connectivity-check state machine (RFC 8445 §6.1.2.6), simplified to
// the states the connection lifecycle actually observes.
type PairState int

const (
	PairWaiting PairState = iota
	PairInProgress
	PairSucceeded
	PairFailed
)

// Pair is one (local, remote) candidate combination under check.
type Pair struct {
	Local, Remote Candidate
	State         PairState

	// Transaction is the STUN binding-request transaction id this pair's
	// in-flight connectivity check is keyed by, mirroring
	// internal/turn.Allocation's sentRequests bookkeeping.
	Transaction [12]byte
}

// Priority computes RFC 8445 §6.1.2.3's pair priority: the lower-priority
// candidate dominates the high bits so both peers independently agree on
// pair ordering regardless of which one is the controlling agent.
func (p Pair) Priority(controllingLocal bool) uint64 {
	g, d := uint64(p.Local.Priority()), uint64(p.Remote.Priority())
	if !controllingLocal {
		g, d = d, g
	}
	min, max := g, d
	if min > max {
		min, max = max, min
	}
	extra := uint64(0)
	if g > d {
		extra = 1
	}
	return min<<32 | max<<1 | extra
}

// Preferred reports whether a (now nominated) pair should replace the
// currently selected one: higher kind always wins; equal kind falls back
// to priority.
func Preferred(candidate, current Pair) bool {
	ck := minKind(candidate.Local.Kind, candidate.Remote.Kind)
	uk := minKind(current.Local.Kind, current.Remote.Kind)
	if ck != uk {
		return ck > uk
	}
	return candidate.Priority(true) > current.Priority(true)
}

func minKind(a, b Kind) Kind {
	if a < b {
		return a
	}
	return b
}
