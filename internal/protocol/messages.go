package protocol

import (
	"github.com/google/uuid"
)

// RequestID correlates a request with its Ack/Nak reply. The bytes are opaque
// and only compared for equality.
type RequestID [RequestIDSize]byte

// NewRequestID returns a random (version 4 UUID) request id.
func NewRequestID() RequestID {
	return RequestID(uuid.New())
}

func (id RequestID) String() string {
	return uuid.UUID(id).String()
}

// Message is one of the protocol variants below. The set is closed: only
// types in this package implement it.
type Message interface {
	Type() MessageType
	isMessage()
}

// Chat is user text the server should broadcast.
type Chat struct {
	Text string
}

// Broadcast is chat text relayed by the server, labelled with its sender.
type Broadcast struct {
	From string
	Text string
}

// Keepalive carries no payload; it only resets the peer's idle timer.
type Keepalive struct{}

// SetNicknameRequest asks the server to claim a nickname for the sender.
type SetNicknameRequest struct {
	RequestID RequestID
	Nickname  string
}

// AckResponse is the positive reply to a request.
type AckResponse struct {
	RequestID RequestID
}

// NakResponse is the negative reply to a request, with a readable reason.
type NakResponse struct {
	RequestID RequestID
	Message   string
}

func (*Chat) Type() MessageType               { return MsgChat }
func (*Broadcast) Type() MessageType          { return MsgBroadcast }
func (*Keepalive) Type() MessageType          { return MsgKeepalive }
func (*SetNicknameRequest) Type() MessageType { return MsgSetNicknameRequest }
func (*AckResponse) Type() MessageType        { return MsgAckResponse }
func (*NakResponse) Type() MessageType        { return MsgNakResponse }

func (*Chat) isMessage()               {}
func (*Broadcast) isMessage()          {}
func (*Keepalive) isMessage()          {}
func (*SetNicknameRequest) isMessage() {}
func (*AckResponse) isMessage()        {}
func (*NakResponse) isMessage()        {}
