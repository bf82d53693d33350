package noise

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/firezone/tunnel-core/internal/ids"
	"github.com/firezone/tunnel-core/internal/model"
	"github.com/firezone/tunnel-core/internal/wire"
)

// ErrInvalidPacket is re-exported for convenience within this package.
var ErrInvalidPacket = model.ErrInvalidPacket

// Handshake drives one IKpsk2 exchange. A Tunn owns exactly
// one in-progress Handshake at a time; a successful ConsumeResponse or
// CreateResponse call retires it into a Session placed in the ring.
type Handshake struct {
	state symmetricState

	localStatic       PrivateKey
	localStaticPublic PublicKey
	remoteStatic      PublicKey
	psk               PresharedKey

	localEphemeral       PrivateKey
	localEphemeralPublic PublicKey
	remoteEphemeral      PublicKey

	localIndex  ids.SessionIndex
	remoteIndex ids.SessionIndex

	initiator bool
	lastTimestamp [12]byte // replay guard on received handshake-init timestamps
}

// NewHandshake prepares a fresh handshake toward remoteStatic, to be used
// either as initiator (CreateInitiation) or responder (ConsumeInitiation).
func NewHandshake(localStatic PrivateKey, remoteStatic PublicKey, psk PresharedKey, localIndex ids.SessionIndex) *Handshake {
	return &Handshake{
		localStatic:       localStatic,
		localStaticPublic: localStatic.PublicKey(),
		remoteStatic:      remoteStatic,
		psk:               psk,
		localIndex:        localIndex,
	}
}

func (h *Handshake) resetTranscript() {
	h.state = newSymmetricState()
	responderStatic := h.remoteStatic
	if !h.initiator {
		responderStatic = h.localStaticPublic
	}
	h.state.mixHash(responderStatic[:])
}

// CreateInitiation renders the 148-byte handshake-init message and marks
// this handshake as the initiator side.
func (h *Handshake) CreateInitiation(now time.Time) ([]byte, error) {
	h.initiator = true
	h.resetTranscript()

	eph, err := NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral: %w", err)
	}
	h.localEphemeral = eph
	h.localEphemeralPublic = eph.PublicKey()

	h.state.mixHash(h.localEphemeralPublic[:])
	if err := h.state.mixKey(h.localEphemeralPublic[:]); err != nil {
		return nil, err
	}

	dhES, err := eph.DH(h.remoteStatic)
	if err != nil {
		return nil, fmt.Errorf("es dh: %w", err)
	}
	aead, err := h.state.mixKey2(dhES[:])
	if err != nil {
		return nil, err
	}
	encStatic := h.state.encryptAndHash(aead, h.localStaticPublic[:])

	dhSS, err := h.localStatic.DH(h.remoteStatic)
	if err != nil {
		return nil, fmt.Errorf("ss dh: %w", err)
	}
	aead, err = h.state.mixKey2(dhSS[:])
	if err != nil {
		return nil, err
	}
	ts := tai64n(now)
	encTimestamp := h.state.encryptAndHash(aead, ts[:])

	msg := make([]byte, wire.HandshakeInitLen)
	binary.LittleEndian.PutUint32(msg[0:4], wire.MsgTypeHandshakeInit)
	binary.LittleEndian.PutUint32(msg[4:8], uint32(h.localIndex))
	copy(msg[8:40], h.localEphemeralPublic[:])
	copy(msg[40:88], encStatic)
	copy(msg[88:116], encTimestamp)

	mk := macKey(mac1Label, h.remoteStatic)
	mac1 := keyedMAC16(mk[:], msg[:116])
	copy(msg[116:132], mac1[:])
	// mac2 (cookie) left zero unless the caller is retrying under an
	// active rate-limiter cookie; see RateLimiter.
	return msg, nil
}

// ConsumeInitiation validates and decodes a peer's handshake-init message,
// leaving the handshake ready for CreateResponse. Returns the sender's
// claimed local index (their SessionIndex, to address the response to).
func (h *Handshake) ConsumeInitiation(msg []byte) (ids.SessionIndex, error) {
	if len(msg) != wire.HandshakeInitLen {
		return 0, fmt.Errorf("%w: bad handshake init length", ErrInvalidPacket)
	}
	if binary.LittleEndian.Uint32(msg[0:4]) != wire.MsgTypeHandshakeInit {
		return 0, fmt.Errorf("%w: bad handshake init type", ErrInvalidPacket)
	}

	h.initiator = false
	h.resetTranscript()

	senderIndex := binary.LittleEndian.Uint32(msg[4:8])
	var remoteEph PublicKey
	copy(remoteEph[:], msg[8:40])
	h.remoteEphemeral = remoteEph

	h.state.mixHash(remoteEph[:])
	if err := h.state.mixKey(remoteEph[:]); err != nil {
		return 0, err
	}

	dhES, err := h.localStatic.DH(remoteEph)
	if err != nil {
		return 0, fmt.Errorf("se dh: %w", err)
	}
	aead, err := h.state.mixKey2(dhES[:])
	if err != nil {
		return 0, err
	}
	staticPlain, err := h.state.decryptAndHash(aead, msg[40:88])
	if err != nil {
		return 0, fmt.Errorf("%w: decrypt static: %v", ErrInvalidPacket, err)
	}
	var remoteStatic PublicKey
	copy(remoteStatic[:], staticPlain)
	if remoteStatic != h.remoteStatic {
		return 0, fmt.Errorf("%w: unexpected remote static key", ErrInvalidPacket)
	}

	dhSS, err := h.localStatic.DH(remoteStatic)
	if err != nil {
		return 0, fmt.Errorf("ss dh: %w", err)
	}
	aead, err = h.state.mixKey2(dhSS[:])
	if err != nil {
		return 0, err
	}
	tsPlain, err := h.state.decryptAndHash(aead, msg[88:116])
	if err != nil {
		return 0, fmt.Errorf("%w: decrypt timestamp: %v", ErrInvalidPacket, err)
	}
	var ts [12]byte
	copy(ts[:], tsPlain)
	if h.lastTimestamp != [12]byte{} && compareTimestamp(ts, h.lastTimestamp) <= 0 {
		return 0, fmt.Errorf("%w: replayed handshake timestamp", ErrInvalidPacket)
	}
	h.lastTimestamp = ts

	h.remoteIndex = ids.SessionIndex(senderIndex)
	return h.remoteIndex, nil
}

func compareTimestamp(a, b [12]byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] > b[i] {
				return 1
			}
			return -1
		}
	}
	return 0
}

// CreateResponse renders the 92-byte handshake-response message (responder
// side) and derives the transport Session.
func (h *Handshake) CreateResponse(localIndex ids.SessionIndex, now time.Time) ([]byte, *Session, error) {
	h.localIndex = localIndex

	eph, err := NewPrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral: %w", err)
	}
	h.localEphemeral = eph
	h.localEphemeralPublic = eph.PublicKey()

	h.state.mixHash(h.localEphemeralPublic[:])
	if err := h.state.mixKey(h.localEphemeralPublic[:]); err != nil {
		return nil, nil, err
	}

	dhEE, err := eph.DH(h.remoteEphemeral)
	if err != nil {
		return nil, nil, fmt.Errorf("ee dh: %w", err)
	}
	if err := h.state.mixKey(dhEE[:]); err != nil {
		return nil, nil, err
	}

	dhSE, err := eph.DH(h.remoteStatic)
	if err != nil {
		return nil, nil, fmt.Errorf("se dh: %w", err)
	}
	if err := h.state.mixKey(dhSE[:]); err != nil {
		return nil, nil, err
	}

	aead, err := h.state.mixKeyAndHash(h.psk[:])
	if err != nil {
		return nil, nil, err
	}
	encEmpty := h.state.encryptAndHash(aead, nil)

	msg := make([]byte, wire.HandshakeResponseLen)
	binary.LittleEndian.PutUint32(msg[0:4], wire.MsgTypeHandshakeResponse)
	binary.LittleEndian.PutUint32(msg[4:8], uint32(h.localIndex))
	binary.LittleEndian.PutUint32(msg[8:12], uint32(h.remoteIndex))
	copy(msg[12:44], h.localEphemeralPublic[:])
	copy(msg[44:60], encEmpty)

	mk := macKey(mac1Label, h.remoteStatic)
	mac1 := keyedMAC16(mk[:], msg[:60])
	copy(msg[60:76], mac1[:])

	send, recv, err := h.split()
	if err != nil {
		return nil, nil, err
	}
	// Responder: our send key is the initiator's receive key (temp_k2) and
	// vice versa; split() always returns (initiatorSend, responderSend).
	session := newSession(h.localIndex, h.remoteIndex, recv, send, now)
	return msg, session, nil
}

// ConsumeResponse validates the responder's handshake-response message
// (initiator side) and derives the transport Session.
func (h *Handshake) ConsumeResponse(msg []byte, now time.Time) (*Session, error) {
	if len(msg) != wire.HandshakeResponseLen {
		return nil, fmt.Errorf("%w: bad handshake response length", ErrInvalidPacket)
	}
	if binary.LittleEndian.Uint32(msg[0:4]) != wire.MsgTypeHandshakeResponse {
		return nil, fmt.Errorf("%w: bad handshake response type", ErrInvalidPacket)
	}

	senderIndex := binary.LittleEndian.Uint32(msg[4:8])
	receiverIndex := binary.LittleEndian.Uint32(msg[8:12])
	if ids.SessionIndex(receiverIndex) != h.localIndex {
		return nil, fmt.Errorf("%w: response for unknown local index", ErrInvalidPacket)
	}

	var remoteEph PublicKey
	copy(remoteEph[:], msg[12:44])
	h.remoteIndex = ids.SessionIndex(senderIndex)
	h.remoteEphemeral = remoteEph

	h.state.mixHash(remoteEph[:])
	if err := h.state.mixKey(remoteEph[:]); err != nil {
		return nil, err
	}

	dhEE, err := h.localEphemeral.DH(remoteEph)
	if err != nil {
		return nil, fmt.Errorf("ee dh: %w", err)
	}
	if err := h.state.mixKey(dhEE[:]); err != nil {
		return nil, err
	}

	dhSE, err := h.localStatic.DH(remoteEph)
	if err != nil {
		return nil, fmt.Errorf("es dh: %w", err)
	}
	if err := h.state.mixKey(dhSE[:]); err != nil {
		return nil, err
	}

	aead, err := h.state.mixKeyAndHash(h.psk[:])
	if err != nil {
		return nil, err
	}
	if _, err := h.state.decryptAndHash(aead, msg[44:60]); err != nil {
		return nil, fmt.Errorf("%w: decrypt empty payload: %v", ErrInvalidPacket, err)
	}

	send, recv, err := h.split()
	if err != nil {
		return nil, err
	}
	session := newSession(h.localIndex, h.remoteIndex, send, recv, now)
	return session, nil
}

// split derives the two transport keys from the final chaining key, in
// Noise Split() fashion: returns (initiatorSendKey, responderSendKey).
func (h *Handshake) split() (cipher1, cipher2 cipher.AEAD, err error) {
	outs, err := hkdfN(h.state.ck, nil, 2)
	if err != nil {
		return nil, nil, err
	}
	c1, err := newAEAD(outs[0])
	if err != nil {
		return nil, nil, err
	}
	c2, err := newAEAD(outs[1])
	if err != nil {
		return nil, nil, err
	}
	return c1, c2, nil
}
