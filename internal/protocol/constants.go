package protocol

// Frame header: [4B length big-endian][4B message type big-endian].
// The length counts the type field and the body, not itself.
const (
	LengthPrefixSize = 4
	TypeIDSize       = 4
	HeaderSize       = LengthPrefixSize + TypeIDSize
)

// DefaultMaxFrameSize bounds the declared length of an inbound frame (128 KB).
// The largest valid frame, a Broadcast with both strings at their limits,
// declares 65797 bytes.
const DefaultMaxFrameSize = 128 * 1024

// MessageType identifies the type of a framed message. The numeric values
// are part of the wire contract.
type MessageType uint32

const (
	MsgChat               MessageType = 0
	MsgBroadcast          MessageType = 1
	MsgKeepalive          MessageType = 2
	MsgSetNicknameRequest MessageType = 3
	MsgAckResponse        MessageType = 4
	MsgNakResponse        MessageType = 5
)

func (t MessageType) String() string {
	switch t {
	case MsgChat:
		return "Chat"
	case MsgBroadcast:
		return "Broadcast"
	case MsgKeepalive:
		return "Keepalive"
	case MsgSetNicknameRequest:
		return "SetNicknameRequest"
	case MsgAckResponse:
		return "AckResponse"
	case MsgNakResponse:
		return "NakResponse"
	default:
		return "unknown"
	}
}

// Field limits.
const (
	MaxShortStringLen = 1<<8 - 1  // u8 length prefix
	MaxLongStringLen  = 1<<16 - 1 // u16 length prefix
	RequestIDSize     = 16
)
