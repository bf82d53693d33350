package noise

import "time"

// WireGuard timer constants.
const (
	RekeyAfterTime      = 120 * time.Second
	RejectAfterTime     = 180 * time.Second
	RekeyTimeout        = 5 * time.Second
	RekeyAttemptTime    = 90 * time.Second
	KeepaliveTimeout    = 10 * time.Second
)

// timers tracks the named deadlines the WireGuard timer state machine
// drives off of. All fields are zero-value (time.Time{}) until the event
// they track first occurs.
type timers struct {
	handshakeStarted    time.Time // when the in-flight init was first sent
	handshakeCompleted  time.Time // when the current session was established
	lastPacketSent      time.Time
	lastDataPacketSent  time.Time
	lastPacketReceived  time.Time
	lastDataPacketReceived time.Time

	persistentKeepalive time.Duration // 0 disables

	handshakeRetries int
}

// wantsNewHandshake reports whether the initiator should (re)send a
// handshake init: either none is in flight, or the last one has gone
// unanswered past RekeyTimeout and we haven't exceeded RekeyAttemptTime.
func (t *timers) wantsNewHandshake(now time.Time) bool {
	if t.handshakeStarted.IsZero() {
		return true
	}
	if t.handshakeCompleted.After(t.handshakeStarted) {
		return false
	}
	if now.Sub(t.handshakeStarted) < RekeyTimeout {
		return false
	}
	return now.Sub(t.handshakeStarted) < RekeyAttemptTime
}

// handshakeExpired reports whether the in-flight handshake has exceeded
// RekeyAttemptTime without completing.
func (t *timers) handshakeExpired(now time.Time) bool {
	if t.handshakeStarted.IsZero() || t.handshakeCompleted.After(t.handshakeStarted) {
		return false
	}
	return now.Sub(t.handshakeStarted) >= RekeyAttemptTime
}

// sessionExpired reports whether no authenticated packet has been seen for
// RejectAfterTime since the last handshake completed.
func (t *timers) sessionExpired(now time.Time) bool {
	if t.handshakeCompleted.IsZero() {
		return false
	}
	last := t.lastPacketReceived
	if last.Before(t.handshakeCompleted) {
		last = t.handshakeCompleted
	}
	return now.Sub(last) >= RejectAfterTime
}

// wantsRekeyAsInitiator reports whether REKEY_AFTER_TIME has elapsed since
// the last outbound data packet on the current session, as initiator.
func (t *timers) wantsRekeyAsInitiator(now time.Time) bool {
	if t.lastDataPacketSent.IsZero() {
		return false
	}
	return now.Sub(t.lastDataPacketSent) >= RekeyAfterTime
}

// wantsKeepalive reports whether KEEPALIVE_TIMEOUT has elapsed since we
// last received data with nothing sent in response.
func (t *timers) wantsKeepalive(now time.Time) bool {
	if t.lastPacketReceived.IsZero() {
		return false
	}
	if t.lastPacketSent.After(t.lastPacketReceived) {
		return false
	}
	return now.Sub(t.lastPacketReceived) >= KeepaliveTimeout
}

// wantsPersistentKeepalive reports whether the configured persistent
// keepalive interval has elapsed since any packet was sent.
func (t *timers) wantsPersistentKeepalive(now time.Time) bool {
	if t.persistentKeepalive <= 0 {
		return false
	}
	if t.lastPacketSent.IsZero() {
		return true
	}
	return now.Sub(t.lastPacketSent) >= t.persistentKeepalive
}

// nextDeadline computes the earliest of all upcoming named timer
// deadlines, for Tunn.PollTimeout.
func (t *timers) nextDeadline() time.Time {
	var deadlines []time.Time
	if !t.handshakeStarted.IsZero() && t.handshakeCompleted.Before(t.handshakeStarted) {
		deadlines = append(deadlines, t.handshakeStarted.Add(RekeyTimeout))
		deadlines = append(deadlines, t.handshakeStarted.Add(RekeyAttemptTime))
	}
	if !t.lastDataPacketSent.IsZero() {
		deadlines = append(deadlines, t.lastDataPacketSent.Add(RekeyAfterTime))
	}
	if !t.lastPacketReceived.IsZero() {
		deadlines = append(deadlines, t.lastPacketReceived.Add(KeepaliveTimeout))
	}
	if !t.handshakeCompleted.IsZero() {
		last := t.lastPacketReceived
		if last.Before(t.handshakeCompleted) {
			last = t.handshakeCompleted
		}
		deadlines = append(deadlines, last.Add(RejectAfterTime))
	}
	if t.persistentKeepalive > 0 && !t.lastPacketSent.IsZero() {
		deadlines = append(deadlines, t.lastPacketSent.Add(t.persistentKeepalive))
	}

	var earliest time.Time
	for _, d := range deadlines {
		if earliest.IsZero() || d.Before(earliest) {
			earliest = d
		}
	}
	return earliest
}
