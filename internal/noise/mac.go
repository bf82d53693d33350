package noise

import (
	"encoding/binary"
	"time"

	"golang.org/x/crypto/blake2s"
)

// mac1Label and mac2Label seed the keyed MAC computed over the MAC1/MAC2
// fields of handshake messages, matching WireGuard's "mac1"/"cookie"
// labels.
var (
	mac1Label = []byte("mac1----")
	mac2Label = []byte("cookie--")
)

// macKey derives the 32-byte key used to compute MAC1 for messages
// addressed to (or mac2 cookie-keyed by) a given static public key.
func macKey(label []byte, pub PublicKey) [32]byte {
	return blake2s.Sum256(append(append([]byte{}, label...), pub[:]...))
}

// keyedMAC16 computes a 16-byte keyed hash of data under key (16 or 32
// bytes), truncating a full BLAKE2s-256 MAC. mac1 uses the 32-byte
// macKey-derived key; mac2 uses the 16-byte cookie directly as the key, as
// WireGuard does.
func keyedMAC16(key []byte, data []byte) [16]byte {
	h, _ := blake2s.New256(key)
	h.Write(data)
	sum := h.Sum(nil)
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

// tai64n encodes now as a 12-byte monotonic-ish timestamp: 8-byte seconds
// plus 4-byte nanoseconds. Bit-for-bit TAI64N compatibility with upstream
// WireGuard is not required.
func tai64n(now time.Time) [12]byte {
	var out [12]byte
	binary.BigEndian.PutUint64(out[0:8], uint64(now.Unix()))
	binary.BigEndian.PutUint32(out[8:12], uint32(now.Nanosecond()))
	return out
}
