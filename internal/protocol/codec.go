package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrStringTooLong  = errors.New("string field too long")
	ErrUnknownMessage = errors.New("unknown message type")
)

// --- Encoding ---

// Encode returns the complete wire frame for msg.
func Encode(msg Message) ([]byte, error) {
	return AppendMessage(nil, msg)
}

// AppendMessage appends the wire frame for msg to dst. On error dst is
// returned unchanged, so a failed encode never leaves a partial frame.
func AppendMessage(dst []byte, msg Message) ([]byte, error) {
	if msg == nil {
		return dst, ErrUnknownMessage
	}
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0) // length, patched below
	dst = binary.BigEndian.AppendUint32(dst, uint32(msg.Type()))

	var err error
	switch m := msg.(type) {
	case *Chat:
		dst, err = appendLongString(dst, m.Text)
	case *Broadcast:
		dst, err = appendShortString(dst, m.From)
		if err == nil {
			dst, err = appendLongString(dst, m.Text)
		}
	case *Keepalive:
	case *SetNicknameRequest:
		dst = append(dst, m.RequestID[:]...)
		dst, err = appendShortString(dst, m.Nickname)
	case *AckResponse:
		dst = append(dst, m.RequestID[:]...)
	case *NakResponse:
		dst = append(dst, m.RequestID[:]...)
		dst, err = appendLongString(dst, m.Message)
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	if err != nil {
		return dst[:start], err
	}

	binary.BigEndian.PutUint32(dst[start:], uint32(len(dst)-start-LengthPrefixSize))
	return dst, nil
}

// WriteMessage encodes msg and writes it to w with a single Write call.
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func appendShortString(dst []byte, s string) ([]byte, error) {
	if len(s) > MaxShortStringLen {
		return dst, fmt.Errorf("%w: %d bytes, short string limit is %d", ErrStringTooLong, len(s), MaxShortStringLen)
	}
	dst = append(dst, byte(len(s)))
	return append(dst, s...), nil
}

func appendLongString(dst []byte, s string) ([]byte, error) {
	if len(s) > MaxLongStringLen {
		return dst, fmt.Errorf("%w: %d bytes, long string limit is %d", ErrStringTooLong, len(s), MaxLongStringLen)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...), nil
}

// --- Decoding ---

// Decode parses the first frame in buf without retaining buf.
//
// It returns n == 0 and a nil error when buf does not yet hold a whole
// frame; the caller should buffer more bytes and call again with the same
// start. The length prefix is checked against maxFrameSize as soon as its
// four bytes are present. A frame of an unrecognized type is consumed
// (n > 0) with a nil message. maxFrameSize 0 means DefaultMaxFrameSize.
func Decode(buf []byte, maxFrameSize uint32) (msg Message, n int, err error) {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if len(buf) < LengthPrefixSize {
		return nil, 0, nil
	}

	length := binary.BigEndian.Uint32(buf[:LengthPrefixSize])
	if length > maxFrameSize {
		return nil, 0, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, length, maxFrameSize)
	}
	if length < TypeIDSize {
		return nil, 0, fmt.Errorf("%w: declared length %d shorter than type field", ErrMalformedFrame, length)
	}

	total := LengthPrefixSize + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}

	msgType := MessageType(binary.BigEndian.Uint32(buf[LengthPrefixSize:HeaderSize]))
	msg, err = DecodePayload(msgType, buf[HeaderSize:total])
	if err != nil {
		return nil, 0, err
	}
	return msg, total, nil
}

// ReadMessage reads frames from r until one of a known type arrives.
func ReadMessage(r io.Reader, maxFrameSize uint32) (Message, error) {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	for {
		var header [HeaderSize]byte
		if _, err := io.ReadFull(r, header[:LengthPrefixSize]); err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint32(header[:LengthPrefixSize])
		if length > maxFrameSize {
			return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, length, maxFrameSize)
		}
		if length < TypeIDSize {
			return nil, fmt.Errorf("%w: declared length %d shorter than type field", ErrMalformedFrame, length)
		}
		if _, err := io.ReadFull(r, header[LengthPrefixSize:]); err != nil {
			return nil, err
		}

		body := make([]byte, length-TypeIDSize)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}

		msg, err := DecodePayload(MessageType(binary.BigEndian.Uint32(header[LengthPrefixSize:])), body)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

// DecodePayload decodes a frame body given its message type. Unknown types
// yield a nil message and a nil error. Bytes after the known fields are
// ignored.
func DecodePayload(msgType MessageType, body []byte) (Message, error) {
	r := bodyReader{buf: body}

	switch msgType {
	case MsgChat:
		text := r.longString()
		if r.err != nil {
			return nil, r.err
		}
		return &Chat{Text: text}, nil

	case MsgBroadcast:
		from := r.shortString()
		text := r.longString()
		if r.err != nil {
			return nil, r.err
		}
		return &Broadcast{From: from, Text: text}, nil

	case MsgKeepalive:
		return &Keepalive{}, nil

	case MsgSetNicknameRequest:
		id := r.requestID()
		nickname := r.shortString()
		if r.err != nil {
			return nil, r.err
		}
		return &SetNicknameRequest{RequestID: id, Nickname: nickname}, nil

	case MsgAckResponse:
		id := r.requestID()
		if r.err != nil {
			return nil, r.err
		}
		return &AckResponse{RequestID: id}, nil

	case MsgNakResponse:
		id := r.requestID()
		text := r.longString()
		if r.err != nil {
			return nil, r.err
		}
		return &NakResponse{RequestID: id, Message: text}, nil

	default:
		return nil, nil
	}
}

// bodyReader reads fields from a frame body. The first short read sets err
// and every later call is a no-op.
type bodyReader struct {
	buf []byte
	err error
}

func (r *bodyReader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: %s needs %d bytes, %d left", ErrMalformedFrame, field, n, len(r.buf))
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *bodyReader) shortString() string {
	l := r.take(1, "short string length")
	if l == nil {
		return ""
	}
	return string(r.take(int(l[0]), "short string"))
}

func (r *bodyReader) longString() string {
	l := r.take(2, "long string length")
	if l == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(l)), "long string"))
}

func (r *bodyReader) requestID() RequestID {
	var id RequestID
	copy(id[:], r.take(RequestIDSize, "request id"))
	return id
}
