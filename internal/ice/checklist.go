package ice

import (
	"crypto/rand"
	"net/netip"
	"time"

	"github.com/pion/stun/v3"
)

// checkTimeout bounds how long an outstanding connectivity check waits
// before being retried, mirroring internal/turn's requestTimeout pattern.
const checkTimeout = 500 * time.Millisecond

// maxRetries is how many times an unanswered binding request is resent
// before the pair is given up (maxRetries+1 requests in all).
const maxRetries = 3

// Role distinguishes the ICE-controlling (initiator) side from the
// controlled (responder) side.
type Role int

const (
	RoleControlling Role = iota
	RoleControlled
)

func (r Role) String() string {
	if r == RoleControlling {
		return "controlling"
	}
	return "controlled"
}

// State is the connection lifecycle as the checklist observes it.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateIdle
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateIdle:
		return "idle"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type pendingCheck struct {
	pairIdx int
	sentAt  time.Time
	retries int
}

// Checklist runs ICE connectivity checks for one peer connection. It owns
// no socket: HandleTimeout and HandleSTUN return encoded STUN messages
// for the caller (internal/node.Node) to transmit over whichever shared
// UDP socket the candidate's address family requires.
type Checklist struct {
	role      Role
	localUfrag, localPwd   string
	remoteUfrag, remotePwd string

	locals  []Candidate
	remotes []Candidate
	pairs   []Pair

	selected  *Pair
	state     State

	pending map[string]pendingCheck // keyed by STUN transaction id

	pendingTransmits [][]byte
	stateChanged     []State
}

// New builds an empty checklist for one connection; local credentials are
// generated immediately, remote credentials arrive with the first trickled
// candidate set.
func New(role Role) *Checklist {
	return &Checklist{
		role:       role,
		localUfrag: randToken(8),
		localPwd:   randToken(24),
		state:      StateNew,
		pending:    make(map[string]pendingCheck),
	}
}

func randToken(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	rand.Read(b)
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}

// LocalCredentials returns this checklist's ufrag/password, trickled to
// the peer out-of-band through the Portal.
func (c *Checklist) LocalCredentials() (ufrag, pwd string) { return c.localUfrag, c.localPwd }

// SetRemoteCredentials records the peer's ufrag/password, carried in the
// same signalling message as its first candidate batch.
func (c *Checklist) SetRemoteCredentials(ufrag, pwd string) {
	c.remoteUfrag, c.remotePwd = ufrag, pwd
}

// AddLocalCandidate registers a freshly gathered local candidate (host,
// srflx from a STUN binding, or relay from internal/turn.Allocation) and
// pairs it against every known remote candidate.
func (c *Checklist) AddLocalCandidate(cand Candidate) {
	c.locals = append(c.locals, cand)
	for _, r := range c.remotes {
		c.addPair(cand, r)
	}
	c.touchState()
}

// AddRemoteCandidate registers a trickled remote candidate.
func (c *Checklist) AddRemoteCandidate(cand Candidate) {
	c.remotes = append(c.remotes, cand)
	for _, l := range c.locals {
		c.addPair(l, cand)
	}
	c.touchState()
}

func (c *Checklist) addPair(local, remote Candidate) {
	if local.Addr.Addr().Is4() != remote.Addr.Addr().Is4() {
		return // family mismatch, never pairable
	}
	for _, p := range c.pairs {
		if p.Local.Addr == local.Addr && p.Remote.Addr == remote.Addr {
			return
		}
	}
	c.pairs = append(c.pairs, Pair{Local: local, Remote: remote, State: PairWaiting})
}

func (c *Checklist) touchState() {
	if c.state == StateNew && len(c.pairs) > 0 {
		c.state = StateConnecting
		c.stateChanged = append(c.stateChanged, c.state)
	}
}

// HandleTimeout starts checks on waiting pairs (highest priority first),
// retries timed-out ones, and fails the checklist if every pair is
// exhausted. Emits at most one STUN transmit per call, matching the
// one-transmit-per-timeout discipline Node keeps as a whole.
func (c *Checklist) HandleTimeout(now time.Time, transmit func(to netip.AddrPort, msg []byte)) {
	for id, pc := range c.pending {
		if now.Sub(pc.sentAt) < checkTimeout {
			continue
		}
		delete(c.pending, id)
		if pc.retries >= maxRetries {
			c.pairs[pc.pairIdx].State = PairFailed
			continue
		}
		c.sendCheck(pc.pairIdx, pc.retries+1, now, transmit)
		return
	}

	best := c.bestWaitingPairIdx()
	if best >= 0 {
		c.sendCheck(best, 0, now, transmit)
		return
	}

	if c.selected == nil && c.allPairsDecided() && len(c.pairs) > 0 {
		c.state = StateFailed
		c.stateChanged = append(c.stateChanged, c.state)
	}
}

func (c *Checklist) allPairsDecided() bool {
	for _, p := range c.pairs {
		if p.State == PairWaiting || p.State == PairInProgress {
			return false
		}
	}
	return true
}

func (c *Checklist) bestWaitingPairIdx() int {
	best := -1
	for i, p := range c.pairs {
		if p.State != PairWaiting {
			continue
		}
		if best == -1 || p.Priority(c.role == RoleControlling) > c.pairs[best].Priority(c.role == RoleControlling) {
			best = i
		}
	}
	return best
}

func (c *Checklist) sendCheck(pairIdx, retries int, now time.Time, transmit func(netip.AddrPort, []byte)) {
	pair := &c.pairs[pairIdx]
	pair.State = PairInProgress

	msg := new(stun.Message)
	msg.Type = stun.BindingRequest
	rand.Read(pair.Transaction[:])
	var txID [stun.TransactionIDSize]byte
	copy(txID[:], pair.Transaction[:])
	msg.TransactionID = txID
	stun.NewUsername(c.remoteUfrag + ":" + c.localUfrag).AddTo(msg) //nolint:errcheck
	stun.NewShortTermIntegrity(c.localPwd).AddTo(msg)               //nolint:errcheck
	msg.Encode()

	c.pending[string(msg.TransactionID[:])] = pendingCheck{pairIdx: pairIdx, sentAt: now, retries: retries}
	transmit(pair.Remote.Addr, msg.Raw)
}

// HandleSTUN processes an inbound STUN message already classified (by
// internal/node's demultiplexer) as belonging to this connection's ICE
// checks: either a peer's binding request (we respond; no peer-reflexive
// candidate is learned) or a response to our own outstanding check
// (which may nominate a pair). Returns true if the message was consumed.
func (c *Checklist) HandleSTUN(from netip.AddrPort, packet []byte, now time.Time, transmit func(netip.AddrPort, []byte)) bool {
	msg := &stun.Message{Raw: append([]byte{}, packet...)}
	if err := msg.Decode(); err != nil {
		return false
	}

	switch msg.Type.Class {
	case stun.ClassRequest:
		if msg.Type.Method != stun.MethodBinding {
			return false
		}
		resp := new(stun.Message)
		resp.Type = stun.NewType(stun.MethodBinding, stun.ClassSuccessResponse)
		resp.TransactionID = msg.TransactionID
		xorAddr := stun.XORMappedAddress{IP: from.Addr().AsSlice(), Port: int(from.Port())}
		xorAddr.AddTo(resp)                            //nolint:errcheck
		stun.NewShortTermIntegrity(c.localPwd).AddTo(resp) //nolint:errcheck
		resp.Encode()
		transmit(from, resp.Raw)
		return true

	case stun.ClassSuccessResponse:
		pc, ok := c.pending[string(msg.TransactionID[:])]
		if !ok {
			return false
		}
		delete(c.pending, string(msg.TransactionID[:]))
		c.pairs[pc.pairIdx].State = PairSucceeded
		c.maybeNominate(pc.pairIdx, now)
		return true

	default:
		return false
	}
}

func (c *Checklist) maybeNominate(pairIdx int, now time.Time) {
	candidate := c.pairs[pairIdx]
	if c.selected == nil || Preferred(candidate, *c.selected) {
		p := candidate
		c.selected = &p
		if c.state != StateConnected {
			c.state = StateConnected
			c.stateChanged = append(c.stateChanged, c.state)
		}
	}
}

// SelectedPair returns the currently nominated pair, if any.
func (c *Checklist) SelectedPair() (Pair, bool) {
	if c.selected == nil {
		return Pair{}, false
	}
	return *c.selected, true
}

// State reports the checklist's current lifecycle state.
func (c *Checklist) State() State { return c.state }

// PollStateChange drains one pending state transition, for the caller to
// surface as a connection-state event.
func (c *Checklist) PollStateChange() (State, bool) {
	if len(c.stateChanged) == 0 {
		return 0, false
	}
	s := c.stateChanged[0]
	c.stateChanged = c.stateChanged[1:]
	return s, true
}

// Close marks the checklist closed; HandleTimeout becomes a no-op.
func (c *Checklist) Close() {
	c.state = StateClosed
	c.pairs = nil
	c.pending = nil
}
