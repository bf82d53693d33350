package turn

import (
	"net/netip"
	"testing"
	"time"
)

func TestChannelDataCodecRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	encoded := encodeChannelData(0x4001, payload)

	number, decoded, ok := decodeChannelData(encoded)
	if !ok {
		t.Fatalf("decodeChannelData failed on a packet we just encoded")
	}
	if number != 0x4001 {
		t.Fatalf("got channel number %x, want %x", number, 0x4001)
	}
	if string(decoded) != string(payload) {
		t.Fatalf("payload mismatch: got %v want %v", decoded, payload)
	}
}

func TestChannelDataCodecRejectsOutOfRangeNumber(t *testing.T) {
	if _, _, ok := decodeChannelData([]byte{0x00, 0x01, 0x00, 0x00}); ok {
		t.Fatalf("expected channel number below 0x4000 to be rejected")
	}
}

func TestChannelRebindExhaustionAndRecovery(t *testing.T) {
	table := newChannelTable()
	start := time.Now()
	peer := netip.MustParseAddrPort("203.0.113.1:4000")

	// Bind every channel in the 0x4000..0x4FFE range (4095) to the same peer at t=0.
	bound := 0
	for {
		_, ok := table.newChannelToPeer(peer, start)
		if !ok {
			break
		}
		bound++
		if bound > lastChannel-firstChannel+1 {
			t.Fatalf("newChannelToPeer never reported exhaustion")
		}
	}

	// Before CHANNEL_LIFETIME + CHANNEL_REBIND_TIMEOUT (15 min), the table
	// must remain exhausted.
	almostThere := start.Add(15*time.Minute - time.Second)
	if _, ok := table.newChannelToPeer(peer, almostThere); ok {
		t.Fatalf("expected exhaustion at t=15min-1s, got a fresh channel")
	}

	// At exactly t=15min a channel becomes reusable again.
	fifteenMin := start.Add(15 * time.Minute)
	if _, ok := table.newChannelToPeer(peer, fifteenMin); !ok {
		t.Fatalf("expected a channel to be reusable at t=15min")
	}
}

func TestChannelNeedsRefreshOnlyWithActivity(t *testing.T) {
	table := newChannelTable()
	start := time.Now()
	peer := netip.MustParseAddrPort("203.0.113.1:4000")

	number, ok := table.newChannelToPeer(peer, start)
	if !ok {
		t.Fatalf("newChannelToPeer failed")
	}
	table.setConfirmed(number, start)

	halfLife := start.Add(5 * time.Minute)
	refreshes := table.channelsToRefresh(halfLife, func(uint16) bool { return false })
	if len(refreshes) != 0 {
		t.Fatalf("expected no refresh for an idle channel, got %v", refreshes)
	}

	// Simulate inbound activity after the bind so noActivity() is false.
	ch := table.inner[number]
	ch.recordReceived(start.Add(time.Minute))

	refreshes = table.channelsToRefresh(halfLife, func(uint16) bool { return false })
	if len(refreshes) != 1 || refreshes[0].number != number {
		t.Fatalf("expected the active channel to need refresh, got %v", refreshes)
	}
}
