package noise

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/firezone/tunnel-core/internal/ids"
)

// ReplayWindowSize is the out-of-order tolerance band, identical to WireGuard's.
const ReplayWindowSize = 2048

// Session is one established Noise transport session: a pair of AEAD
// ciphers plus the replay-protected counters for each direction.
type Session struct {
	localIndex  ids.SessionIndex
	remoteIndex ids.SessionIndex

	send cipher.AEAD
	recv cipher.AEAD

	sendCounter uint64 // atomic

	// replayTop is one past the highest counter accepted so far; seen
	// holds every accepted counter still inside the trailing
	// ReplayWindowSize band so a permutation within the window is
	// accepted exactly once each.
	replayTop uint64
	seen      map[uint64]struct{}

	establishedAt time.Time

	// Loss estimation: expected/received
	// counters for this session, consulted by the owning Tunn to compute
	// the smoothed weighted average across the last eight sessions.
	expected uint64
	received uint64
}

func newSession(local, remote ids.SessionIndex, send, recv cipher.AEAD, establishedAt time.Time) *Session {
	return &Session{
		localIndex:    local,
		remoteIndex:   remote,
		send:          send,
		recv:          recv,
		seen:          make(map[uint64]struct{}),
		establishedAt: establishedAt,
	}
}

// LocalIndex is this session's slot key in the owning Tunn's ring.
func (s *Session) LocalIndex() ids.SessionIndex { return s.localIndex }

// RemoteIndex is the peer's index for this session, used to address data
// frames back to them.
func (s *Session) RemoteIndex() ids.SessionIndex { return s.remoteIndex }

// EstablishedAt reports when this session's transport keys were derived,
// used to determine ring eviction order.
func (s *Session) EstablishedAt() time.Time { return s.establishedAt }

// FormatData encrypts an inner packet (or an empty keepalive) into a Data
// frame addressed to the peer's remoteIndex.
func (s *Session) FormatData(plaintext []byte, dst []byte) []byte {
	counter := atomic.AddUint64(&s.sendCounter, 1) - 1
	var nonce [12]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	out := dst[:0]
	var header [16]byte
	binary.LittleEndian.PutUint32(header[0:4], 4) // wire.MsgTypeData
	binary.LittleEndian.PutUint32(header[4:8], uint32(s.remoteIndex))
	binary.LittleEndian.PutUint64(header[8:16], counter)
	out = append(out, header[:]...)
	out = s.send.Seal(out, nonce[:], plaintext, nil)

	atomic.AddUint64(&s.expected, 1)
	return out
}

// DecryptData authenticates and decrypts a Data frame's ciphertext for the
// given counter, enforcing the replay window.
// Returns the inner plaintext.
func (s *Session) DecryptData(counter uint64, ciphertext []byte) ([]byte, error) {
	if !s.checkReplay(counter) {
		return nil, fmt.Errorf("replayed or too-old counter %d", counter)
	}

	var nonce [12]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	plaintext, err := s.recv.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		s.undoReplay(counter)
		return nil, fmt.Errorf("aead open: %w", err)
	}

	s.commitReplay(counter)
	atomic.AddUint64(&s.received, 1)
	return plaintext, nil
}

// checkReplay reports whether counter is acceptable: either a new
// high-water mark, or within the trailing window and not yet seen.
func (s *Session) checkReplay(counter uint64) bool {
	if counter >= s.replayTop {
		return true
	}
	if s.replayTop-counter > ReplayWindowSize {
		return false
	}
	_, seen := s.seen[counter]
	return !seen
}

// commitReplay marks counter as seen and, if it advances the high-water
// mark, prunes entries that have fallen out of the trailing window.
func (s *Session) commitReplay(counter uint64) {
	s.seen[counter] = struct{}{}
	if counter < s.replayTop {
		return
	}
	s.replayTop = counter + 1
	cutoff := int64(s.replayTop) - ReplayWindowSize
	if cutoff <= 0 {
		return
	}
	for c := range s.seen {
		if int64(c) < cutoff {
			delete(s.seen, c)
		}
	}
}

// undoReplay is a no-op kept symmetrical with commitReplay; a failed AEAD
// open must never mark the counter as consumed.
func (s *Session) undoReplay(uint64) {}
