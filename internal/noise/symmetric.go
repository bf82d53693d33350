package noise

import (
	"crypto/cipher"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// protocolName and identifierName seed the symmetric state exactly as
// WireGuard's Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s construction does.
// Both tunnel ends run this implementation, so internal consistency is
// what matters, not bit-for-bit interoperability with other stacks.
const (
	protocolName   = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	identifierName = "WireGuard v1 zx2c4 Jason@zx2c4.com"
)

// symmetricState implements the Noise Protocol Framework's running
// chaining-key/hash pair and the Mix/Encrypt/Decrypt operations the IKpsk2
// pattern is built from.
type symmetricState struct {
	ck [blake2s.Size]byte // chaining key
	h  [blake2s.Size]byte // transcript hash
}

func newSymmetricState() symmetricState {
	var s symmetricState
	s.ck = blake2s.Sum256([]byte(protocolName))
	s.h = blake2s.Sum256(append(s.ck[:], []byte(identifierName)...))
	return s
}

func (s *symmetricState) mixHash(data []byte) {
	h := blake2s.Sum256(append(append([]byte{}, s.h[:]...), data...))
	s.h = h
}

// hkdfN derives n successive 32-byte outputs from (chainKey, input), as
// Noise's HKDF-based KDF does.
func hkdfN(chainKey [blake2s.Size]byte, input []byte, n int) ([][blake2s.Size]byte, error) {
	newHash := func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}
	reader := hkdf.New(newHash, input, chainKey[:], nil)
	out := make([][blake2s.Size]byte, n)
	for i := range out {
		if _, err := io.ReadFull(reader, out[i][:]); err != nil {
			return nil, fmt.Errorf("hkdf read: %w", err)
		}
	}
	return out, nil
}

// mixKey advances the chaining key with a DH/PSK input; it
// does not produce a cipher key (used for the first of a two- or
// three-output KDF chain).
func (s *symmetricState) mixKey(input []byte) error {
	outs, err := hkdfN(s.ck, input, 1)
	if err != nil {
		return err
	}
	s.ck = outs[0]
	return nil
}

// mixKeyAndHash advances the chaining key and returns a fresh AEAD cipher
// key, additionally folding the intermediate KDF output into the
// transcript hash. This is the 3-output KDF step the PSK mixing step uses.
func (s *symmetricState) mixKeyAndHash(input []byte) (cipher.AEAD, error) {
	outs, err := hkdfN(s.ck, input, 3)
	if err != nil {
		return nil, err
	}
	s.ck = outs[0]
	s.mixHash(outs[1][:])
	return newAEAD(outs[2])
}

// mixKey2 advances the chaining key and returns a fresh AEAD cipher key
// (2-output KDF step used for DH mixing).
func (s *symmetricState) mixKey2(input []byte) (cipher.AEAD, error) {
	outs, err := hkdfN(s.ck, input, 2)
	if err != nil {
		return nil, err
	}
	s.ck = outs[0]
	return newAEAD(outs[1])
}

func newAEAD(key [blake2s.Size]byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key[:])
}

// encryptAndHash encrypts plaintext with the given key and the current
// transcript hash as AAD, then mixes the ciphertext into the hash.
func (s *symmetricState) encryptAndHash(aead cipher.AEAD, plaintext []byte) []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	ct := aead.Seal(nil, nonce[:], plaintext, s.h[:])
	s.mixHash(ct)
	return ct
}

// decryptAndHash reverses encryptAndHash.
func (s *symmetricState) decryptAndHash(aead cipher.AEAD, ciphertext []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], ciphertext, s.h[:])
	if err != nil {
		return nil, fmt.Errorf("decrypt and hash: %w", err)
	}
	s.mixHash(ciphertext)
	return pt, nil
}
