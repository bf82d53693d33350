package noise

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// PrivateKey and PublicKey are raw X25519 key material. Static keys are
// exchanged out-of-band through the Portal.
type PrivateKey [32]byte
type PublicKey [32]byte

// NewPrivateKey generates and clamps a fresh X25519 private key.
func NewPrivateKey() (PrivateKey, error) {
	var key PrivateKey
	if _, err := rand.Read(key[:]); err != nil {
		return PrivateKey{}, fmt.Errorf("generate private key: %w", err)
	}
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
	return key, nil
}

// PublicKey derives the corresponding public key.
func (p PrivateKey) PublicKey() PublicKey {
	var pub PublicKey
	curve25519.ScalarBaseMult((*[32]byte)(&pub), (*[32]byte)(&p))
	return pub
}

// DH computes the X25519 shared secret between this private key and a
// remote public key.
func (p PrivateKey) DH(peer PublicKey) ([32]byte, error) {
	var shared [32]byte
	out, err := curve25519.X25519(p[:], peer[:])
	if err != nil {
		return shared, fmt.Errorf("x25519 dh: %w", err)
	}
	copy(shared[:], out)
	return shared, nil
}

// PresharedKey is the optional per-peer PSK mixed into the IKpsk2
// handshake, supplied by the Portal in the flow-authorisation message.
type PresharedKey [32]byte
