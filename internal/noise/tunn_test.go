package noise

import (
	"net/netip"
	"testing"
	"time"
)

// minimalIPv4Packet builds a header-only IPv4 packet that survives
// ParseInnerIPHeader's length validation.
func minimalIPv4Packet() []byte {
	p := make([]byte, 20)
	p[0] = 0x45
	p[2], p[3] = 0x00, 0x14 // total length 20
	p[8] = 64               // TTL
	p[9] = 17               // UDP
	copy(p[12:16], []byte{100, 64, 0, 1})
	copy(p[16:20], []byte{100, 64, 0, 2})
	return p
}

func mustPrivateKey(t *testing.T) PrivateKey {
	t.Helper()
	key, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	return key
}

// newPeerPair builds two Tunn instances configured to speak to each other,
// the initiator side and the responder side.
func newPeerPair(t *testing.T) (initiator, responder *Tunn) {
	t.Helper()
	initKey := mustPrivateKey(t)
	respKey := mustPrivateKey(t)
	psk := PresharedKey{}

	initiator = New(Config{
		LocalStatic:  initKey,
		RemoteStatic: respKey.PublicKey(),
		PresharedKey: psk,
		IndexSeed:    1,
	})
	responder = New(Config{
		LocalStatic:  respKey,
		RemoteStatic: initKey.PublicKey(),
		PresharedKey: psk,
		IndexSeed:    2,
	})
	return initiator, responder
}

func TestHandshakeRoundTrip(t *testing.T) {
	initiator, responder := newPeerPair(t)
	now := time.Now()

	initPacket := minimalIPv4Packet()
	res := initiator.Encapsulate(initPacket, now)
	if res.Kind != ResultWriteToNetwork {
		t.Fatalf("expected handshake init write, got %v (err=%v)", res.Kind, res.Err)
	}
	initMsg := res.Packet

	res = responder.Decapsulate(netip.Addr{}, initMsg, now)
	if res.Kind != ResultWriteToNetwork {
		t.Fatalf("expected handshake response write, got %v (err=%v)", res.Kind, res.Err)
	}
	respMsg := res.Packet

	res = initiator.Decapsulate(netip.Addr{}, respMsg, now)
	if res.Kind != ResultWriteToNetwork {
		t.Fatalf("expected initiator keepalive after response, got %v (err=%v)", res.Kind, res.Err)
	}
	keepalive := res.Packet

	res = responder.Decapsulate(netip.Addr{}, keepalive, now)
	if res.Kind != ResultDone {
		t.Fatalf("expected done on empty keepalive, got %v (err=%v)", res.Kind, res.Err)
	}

	res = initiator.Decapsulate(netip.Addr{}, nil, now)
	if res.Kind != ResultWriteToNetwork {
		t.Fatalf("expected queued packet drained after session established, got %v (err=%v)", res.Kind, res.Err)
	}

	res = responder.Decapsulate(netip.Addr{}, res.Packet, now)
	if res.Kind != ResultWriteToTunnelV4 {
		t.Fatalf("expected decrypted inner packet delivered to tunnel v4, got %v (err=%v)", res.Kind, res.Err)
	}
	if string(res.Packet) != string(initPacket) {
		t.Fatalf("round-tripped packet mismatch: got %x want %x", res.Packet, initPacket)
	}
}

func TestDecapsulateRejectsShortDatagram(t *testing.T) {
	_, responder := newPeerPair(t)
	res := responder.Decapsulate(netip.Addr{}, []byte{1, 2}, time.Now())
	if res.Kind != ResultErr {
		t.Fatalf("expected error on short datagram, got %v", res.Kind)
	}
}

func TestDecapsulateDataWithUnknownSessionErrors(t *testing.T) {
	_, responder := newPeerPair(t)
	bogus := make([]byte, 32)
	bogus[0] = 4 // wire.MsgTypeData
	res := responder.Decapsulate(netip.Addr{}, bogus, time.Now())
	if res.Kind != ResultErr {
		t.Fatalf("expected error decapsulating data with no session, got %v", res.Kind)
	}
}

func TestHandleTimeoutStartsHandshakeWithNoSession(t *testing.T) {
	initiator, _ := newPeerPair(t)
	now := time.Now()
	res := initiator.HandleTimeout(now)
	if res.Kind != ResultWriteToNetwork {
		t.Fatalf("expected HandleTimeout to start a handshake, got %v (err=%v)", res.Kind, res.Err)
	}
}

func TestStatsAccumulateBytes(t *testing.T) {
	initiator, responder := newPeerPair(t)
	now := time.Now()

	payload := []byte{0x45, 0, 0, 20, 0, 0, 0, 0}
	initMsg := initiator.Encapsulate(payload, now).Packet
	respMsg := responder.Decapsulate(netip.Addr{}, initMsg, now).Packet
	initiator.Decapsulate(netip.Addr{}, respMsg, now)
	initiator.Decapsulate(netip.Addr{}, nil, now)

	stats := initiator.Stats()
	if stats.TxBytes == 0 {
		t.Fatalf("expected non-zero TxBytes after sending a payload")
	}
}
