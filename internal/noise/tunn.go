// Package noise implements the sans-IO Noise IKpsk2 tunnel:
// the per-peer handshake, session ring, AEAD data framing, replay window,
// timers and cookie-based rate limiter. It performs no I/O; callers drive
// it with Encapsulate/Decapsulate/HandleTimeout and act on the returned
// Result.
package noise

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/firezone/tunnel-core/internal/ids"
	"github.com/firezone/tunnel-core/internal/metrics"
	"github.com/firezone/tunnel-core/internal/model"
	"github.com/firezone/tunnel-core/internal/wire"
)

// MaxQueueDepth bounds the deferred-packet queue.
const MaxQueueDepth = 256

// ResultKind discriminates Tunn's possible outputs.
type ResultKind int

const (
	ResultDone ResultKind = iota
	ResultWriteToNetwork
	ResultWriteToTunnelV4
	ResultWriteToTunnelV6
	ResultErr
)

// Result is the single return value of every Tunn method.
type Result struct {
	Kind   ResultKind
	Packet []byte
	SrcIP  netip.Addr
	Err    error
}

func done() Result                       { return Result{Kind: ResultDone} }
func writeNet(b []byte) Result           { return Result{Kind: ResultWriteToNetwork, Packet: b} }
func writeTunV4(b []byte, ip netip.Addr) Result {
	return Result{Kind: ResultWriteToTunnelV4, Packet: b, SrcIP: ip}
}
func writeTunV6(b []byte, ip netip.Addr) Result {
	return Result{Kind: ResultWriteToTunnelV6, Packet: b, SrcIP: ip}
}
func errResult(err error) Result { return Result{Kind: ResultErr, Err: err} }

// Tunn is a point-to-point Noise IKpsk2 tunnel toward a single peer.
type Tunn struct {
	localStatic       PrivateKey
	localStaticPublic PublicKey
	remoteStatic      PublicKey
	psk               PresharedKey

	handshake     *Handshake
	lastInitMac1  [16]byte
	pendingCookie *[16]byte // cookie handed to us by the peer's last cookie-reply
	indexSeed     uint32
	indexAttempt  uint32

	sessions [ids.RingSize]*Session
	current  int

	packetQueue [][]byte

	timers      timers
	rateLimiter *RateLimiter

	txBytes, rxBytes uint64

	log *slog.Logger
}

// Config bundles the construction-time parameters for a Tunn.
type Config struct {
	LocalStatic         PrivateKey
	RemoteStatic        PublicKey
	PresharedKey        PresharedKey
	PersistentKeepalive time.Duration
	IndexSeed           uint32 // distinguishes this Tunn's local indices from others sharing a RateLimiter
	RateLimiter         *RateLimiter
	Logger              *slog.Logger
}

// New builds a Tunn with no session and no handshake in flight.
func New(cfg Config) *Tunn {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	t := &Tunn{
		localStatic:       cfg.LocalStatic,
		localStaticPublic: cfg.LocalStatic.PublicKey(),
		remoteStatic:      cfg.RemoteStatic,
		psk:               cfg.PresharedKey,
		indexSeed:         cfg.IndexSeed,
		rateLimiter:       cfg.RateLimiter,
		log:               log,
	}
	t.timers.persistentKeepalive = cfg.PersistentKeepalive
	if t.rateLimiter == nil {
		t.rateLimiter = NewRateLimiter(t.localStaticPublic, DefaultHandshakeRateLimit)
	}
	return t
}

func (t *Tunn) nextLocalIndex() ids.SessionIndex {
	t.indexAttempt++
	return ids.SessionIndex(t.indexSeed<<8 | (t.indexAttempt & 0xff))
}

// IsExpired reports whether the in-flight handshake has exceeded
// RekeyAttemptTime without completing.
func (t *Tunn) IsExpired(now time.Time) bool { return t.timers.handshakeExpired(now) }

// PollTimeout returns the single next deadline the caller must invoke
// HandleTimeout no later than.
func (t *Tunn) PollTimeout() time.Time { return t.timers.nextDeadline() }

// queuePacket appends a deferred outbound packet, tail-dropping when the
// queue is at MaxQueueDepth.
func (t *Tunn) queuePacket(src []byte) {
	if len(t.packetQueue) >= MaxQueueDepth {
		return
	}
	cp := make([]byte, len(src))
	copy(cp, src)
	t.packetQueue = append(t.packetQueue, cp)
}

func (t *Tunn) currentSession() *Session {
	if t.sessions[t.current%ids.RingSize] == nil {
		return nil
	}
	return t.sessions[t.current%ids.RingSize]
}

// Encapsulate renders one inner packet (src) as a Noise frame addressed to
// the peer. If no session exists yet, the packet is queued and a
// handshake init is (re)sent instead.
func (t *Tunn) Encapsulate(src []byte, now time.Time) Result {
	if session := t.currentSession(); session != nil {
		out := session.FormatData(src, make([]byte, 0, len(src)+64))
		t.timers.lastPacketSent = now
		if len(src) > 0 {
			t.timers.lastDataPacketSent = now
		}
		t.txBytes += uint64(len(src))
		return writeNet(out)
	}

	t.queuePacket(src)
	return t.maybeStartHandshake(now)
}

func (t *Tunn) maybeStartHandshake(now time.Time) Result {
	if !t.timers.wantsNewHandshake(now) {
		return done()
	}
	t.handshake = NewHandshake(t.localStatic, t.remoteStatic, PresharedKey(t.psk), t.nextLocalIndex())
	msg, err := t.handshake.CreateInitiation(now)
	if err != nil {
		return errResult(fmt.Errorf("create handshake initiation: %w", err))
	}
	if t.pendingCookie != nil {
		mac2 := keyedMAC16(t.pendingCookie[:], msg[:132])
		copy(msg[132:148], mac2[:])
	}
	copy(t.lastInitMac1[:], msg[116:132])
	t.timers.handshakeStarted = now
	t.timers.lastPacketSent = now
	metrics.HandshakesInitiated.Inc()
	return writeNet(msg)
}

// Decapsulate processes one UDP datagram (or, if empty, drains the
// deferred packet queue) and returns the caller's next action.
func (t *Tunn) Decapsulate(srcAddr netip.Addr, datagram []byte, now time.Time) Result {
	if len(datagram) == 0 {
		return t.sendQueuedPacket(now)
	}
	if len(datagram) < 4 {
		return errResult(fmt.Errorf("%w: short datagram", ErrInvalidPacket))
	}

	msgType := binary.LittleEndian.Uint32(datagram[0:4])
	switch {
	case msgType == wire.MsgTypeHandshakeInit && len(datagram) == wire.HandshakeInitLen:
		if t.rateLimiter != nil && srcAddr.IsValid() && !t.rateLimiter.Allow(srcAddr) {
			metrics.RateLimitedInits.Inc()
			var mac1 [16]byte
			copy(mac1[:], datagram[116:132])
			reply, err := t.rateLimiter.CookieReply(binary.LittleEndian.Uint32(datagram[4:8]), mac1, srcAddr)
			if err != nil {
				return errResult(err)
			}
			return writeNet(reply)
		}
		return t.handleHandshakeInit(datagram, now)
	case msgType == wire.MsgTypeHandshakeResponse && len(datagram) == wire.HandshakeResponseLen:
		return t.handleHandshakeResponse(datagram, now)
	case msgType == wire.MsgTypeCookieReply && len(datagram) == wire.CookieReplyLen:
		return t.handleCookieReply(datagram, now)
	case msgType == wire.MsgTypeData && len(datagram) >= wire.DataMinLen:
		return t.handleData(datagram, now)
	default:
		return errResult(fmt.Errorf("%w: unrecognised message type", ErrInvalidPacket))
	}
}

func (t *Tunn) handleHandshakeInit(datagram []byte, now time.Time) Result {
	hs := NewHandshake(t.localStatic, t.remoteStatic, PresharedKey(t.psk), 0)
	remoteIdx, err := hs.ConsumeInitiation(datagram)
	if err != nil {
		t.log.Debug("failed to consume handshake initiation", "err", err)
		return errResult(err)
	}
	_ = remoteIdx

	localIdx := t.nextLocalIndex()
	msg, session, err := hs.CreateResponse(localIdx, now)
	if err != nil {
		return errResult(fmt.Errorf("create handshake response: %w", err))
	}

	t.sessions[session.LocalIndex().Slot()] = session
	t.timers.lastPacketReceived = now
	t.timers.lastPacketSent = now
	t.timers.handshakeCompleted = now
	// Responder moves `current` here only when no session is current yet;
	// otherwise it moves once the first data packet decrypts on this session.
	if t.sessions[t.current%ids.RingSize] == nil {
		t.current = session.LocalIndex().Slot()
	}
	t.handshake = nil
	metrics.HandshakesCompleted.Inc()

	return writeNet(msg)
}

func (t *Tunn) handleHandshakeResponse(datagram []byte, now time.Time) Result {
	if t.handshake == nil {
		return errResult(fmt.Errorf("%w: no handshake in progress", ErrInvalidPacket))
	}
	session, err := t.handshake.ConsumeResponse(datagram, now)
	if err != nil {
		return errResult(err)
	}

	t.sessions[session.LocalIndex().Slot()] = session
	t.setCurrentSession(session)
	t.timers.lastPacketReceived = now
	t.timers.lastPacketSent = now
	t.timers.handshakeCompleted = now
	t.handshake = nil
	t.pendingCookie = nil
	metrics.HandshakesCompleted.Inc()

	keepalive := session.FormatData(nil, make([]byte, 0, 64))
	return writeNet(keepalive)
}

// setCurrentSession updates `current` when we complete a handshake as
// initiator, or when a data packet decrypts on a session strictly newer
// than current.
func (t *Tunn) setCurrentSession(s *Session) {
	cur := t.sessions[t.current%ids.RingSize]
	if cur == nil || !s.EstablishedAt().Before(cur.EstablishedAt()) {
		t.current = s.LocalIndex().Slot()
	}
}

func (t *Tunn) handleCookieReply(datagram []byte, now time.Time) Result {
	if t.handshake == nil {
		return done()
	}
	receiverIdx := binary.LittleEndian.Uint32(datagram[4:8])
	if ids.SessionIndex(receiverIdx) != t.handshake.localIndex {
		return done()
	}

	aeadKey := macKey(mac2Label, t.remoteStatic)
	aead, err := chacha20poly1305.NewX(aeadKey[:])
	if err != nil {
		return errResult(err)
	}
	nonce := datagram[8:32]
	encCookie := datagram[32:64]
	cookie, err := aead.Open(nil, nonce, encCookie, t.lastInitMac1[:])
	if err != nil {
		t.log.Debug("failed to decrypt cookie reply", "err", err)
		return done()
	}
	var c [16]byte
	copy(c[:], cookie)
	t.pendingCookie = &c
	t.timers.lastPacketReceived = now
	return done()
}

func (t *Tunn) handleData(datagram []byte, now time.Time) Result {
	receiverIdx := ids.SessionIndex(binary.LittleEndian.Uint32(datagram[4:8]))
	counter := binary.LittleEndian.Uint64(datagram[8:16])
	session := t.sessions[receiverIdx.Slot()]
	if session == nil || session.LocalIndex() != receiverIdx {
		return errResult(fmt.Errorf("%w: index %d", model.ErrNoCurrentSession, receiverIdx))
	}

	plaintext, err := session.DecryptData(counter, datagram[16:])
	if err != nil {
		metrics.DecapsulateErrors.Inc()
		return errResult(&model.DecapsulateError{Kind: "aead", Err: err})
	}

	t.timers.lastPacketReceived = now
	if len(plaintext) > 0 {
		t.timers.lastDataPacketReceived = now
	}
	t.rxBytes += uint64(len(plaintext))
	t.setCurrentSession(session)

	if len(plaintext) == 0 {
		return done()
	}

	srcIP, err := ParseInnerIPHeader(plaintext)
	if err != nil {
		return errResult(err)
	}
	if srcIP.Is4() {
		return writeTunV4(plaintext, srcIP)
	}
	return writeTunV6(plaintext, srcIP)
}

// sendQueuedPacket drains one entry from the deferred-packet queue once a
// session exists, per the decapsulate(empty) drain protocol.
func (t *Tunn) sendQueuedPacket(now time.Time) Result {
	session := t.currentSession()
	if session == nil || len(t.packetQueue) == 0 {
		return done()
	}
	next := t.packetQueue[0]
	t.packetQueue = t.packetQueue[1:]

	out := session.FormatData(next, make([]byte, 0, len(next)+64))
	t.timers.lastPacketSent = now
	if len(next) > 0 {
		t.timers.lastDataPacketSent = now
	}
	t.txBytes += uint64(len(next))
	return writeNet(out)
}

// HandleTimeout advances the WireGuard timer state machine and returns at
// most one transmit.
func (t *Tunn) HandleTimeout(now time.Time) Result {
	if t.timers.sessionExpired(now) {
		t.sessions[t.current%ids.RingSize] = nil
	}
	if t.timers.handshakeExpired(now) {
		t.handshake = nil
		metrics.HandshakesExpired.Inc()
		return errResult(fmt.Errorf("handshake attempt expired"))
	}

	if t.currentSession() == nil {
		return t.maybeStartHandshake(now)
	}

	if t.timers.wantsRekeyAsInitiator(now) {
		return t.maybeStartHandshake(now)
	}
	if t.timers.wantsKeepalive(now) || t.timers.wantsPersistentKeepalive(now) {
		return t.Encapsulate(nil, now)
	}
	return done()
}

// Stats reports cumulative byte counters and the smoothed loss estimate
// across the session ring.
type Stats struct {
	TxBytes uint64
	RxBytes uint64
	Loss    float64
}

func (t *Tunn) Stats() Stats {
	ordered := make([]*Session, 0, ids.RingSize)
	for i := 0; i < ids.RingSize; i++ {
		idx := (t.current - i + ids.RingSize*1000) % ids.RingSize
		ordered = append(ordered, t.sessions[idx])
	}
	return Stats{TxBytes: t.txBytes, RxBytes: t.rxBytes, Loss: weightedLoss(ordered)}
}
