// Package wire defines the on-the-wire constants for the Noise tunnel
// framing and the in-tunnel application control channel. It carries no
// behaviour, only layout.
package wire

// Noise message types: a 4-byte little-endian type prefix with the high
// 3 bytes reserved-zero, as WireGuard frames them.
const (
	MsgTypeHandshakeInit     uint32 = 1
	MsgTypeHandshakeResponse uint32 = 2
	MsgTypeCookieReply       uint32 = 3
	MsgTypeData              uint32 = 4
)

// Fixed message lengths.
const (
	HandshakeInitLen     = 148
	HandshakeResponseLen = 92
	CookieReplyLen       = 64
	DataHeaderLen        = 16                  // type(4) + receiver_idx(4) + counter(8)
	DataMinLen           = DataHeaderLen + 16 // + AEAD tag
)

// Application control channel port: 0xFECA = 65226.
const ControlPort uint16 = 0xFECA

// Control event type byte, immediately following the UDP header in a
// control packet's payload.
const (
	EventAssignedIPs  uint8 = 0x01
	EventDomainStatus uint8 = 0x02
	EventGoodbye      uint8 = 0x03
)

// TURN channel-data number range.
const (
	ChannelNumberMin uint16 = 0x4000
	ChannelNumberMax uint16 = 0x4FFF
)

// STUN magic cookie, used to classify an incoming datagram as STUN-framed.
const StunMagicCookie uint32 = 0x2112A442
