package noise

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/time/rate"
)

// DefaultHandshakeRateLimit is the default inits/s budget per source IP
// before the cookie-reply mechanism engages.
const DefaultHandshakeRateLimit = 10

// cookieValidity bounds how long a minted cookie remains acceptable as a
// mac2 key, mirroring WireGuard's 2-minute cookie lifetime.
const cookieValidity = 2 * time.Minute

// RateLimiter gates incoming handshake-init messages per source IP. Over
// the configured rate, it hands back a cookie reply instead of letting the
// message through to the handshake state machine.
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	limiters map[netip.Addr]*rate.Limiter

	localStaticPublic PublicKey
	cookieSecret      [32]byte
	cookieSecretSetAt time.Time
}

// NewRateLimiter builds a limiter keyed by source IP, scoped to one local
// static identity (its public key seeds the mac2 cookie derivation).
func NewRateLimiter(localStaticPublic PublicKey, perSecond int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = DefaultHandshakeRateLimit
	}
	rl := &RateLimiter{
		limit:             rate.Limit(perSecond),
		limiters:          make(map[netip.Addr]*rate.Limiter),
		localStaticPublic: localStaticPublic,
	}
	rl.rotateSecret()
	return rl
}

func (r *RateLimiter) rotateSecret() {
	rand.Read(r.cookieSecret[:])
	r.cookieSecretSetAt = time.Now()
}

// Allow reports whether a handshake-init from src may proceed. When it
// returns false, the caller must send back the CookieReply message
// instead of processing the init.
func (r *RateLimiter) Allow(src netip.Addr) bool {
	r.mu.Lock()
	if time.Since(r.cookieSecretSetAt) > cookieValidity {
		r.rotateSecret()
	}
	lim, ok := r.limiters[src]
	if !ok {
		lim = rate.NewLimiter(r.limit, int(r.limit)+1)
		r.limiters[src] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

// CookieReply renders the 64-byte cookie-reply message for a rejected
// handshake init, encrypting a cookie derived from (secret, srcIP) under a
// key derived from our static public key, with the init's mac1 as
// associated data, as WireGuard does.
func (r *RateLimiter) CookieReply(localIndexOfPeer uint32, srcMac1 [16]byte, src netip.Addr) ([]byte, error) {
	cookie := keyedMAC16(r.cookieSecret[:], src.AsSlice())

	aeadKey := macKey(mac2Label, r.localStaticPublic)
	aead, err := chacha20poly1305.NewX(aeadKey[:])
	if err != nil {
		return nil, err
	}

	var nonce [24]byte
	rand.Read(nonce[:])
	encCookie := aead.Seal(nil, nonce[:], cookie[:], srcMac1[:])

	msg := make([]byte, 64)
	binary.LittleEndian.PutUint32(msg[0:4], 3) // wire.MsgTypeCookieReply
	binary.LittleEndian.PutUint32(msg[4:8], localIndexOfPeer)
	copy(msg[8:32], nonce[:])
	copy(msg[32:64], encCookie)
	return msg, nil
}

// ValidMac1 reports whether a handshake message's mac1 field verifies
// against our own static public key, cheap integrity check performed
// before any DH work.
func ValidMac1(msg []byte, macOffset int, localStaticPublic PublicKey) bool {
	if len(msg) < macOffset+16 {
		return false
	}
	mk := macKey(mac1Label, localStaticPublic)
	want := keyedMAC16(mk[:], msg[:macOffset])
	var got [16]byte
	copy(got[:], msg[macOffset:macOffset+16])
	return want == got
}
