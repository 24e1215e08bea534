package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// maxWSFrameSize caps a single WebSocket frame. Chat frames are checked
// against their own limit as their bytes stream through; this only stops a
// peer from declaring an absurd frame length.
const maxWSFrameSize = 16 << 20

var errPeerClosed = errors.New("websocket closed by peer")

// wsStream exposes the payloads of binary WebSocket messages as a byte
// stream. Message boundaries carry no meaning; a chat frame may span several
// messages or share one with other frames. Payload bytes are handed to the
// reader as they arrive, never buffered per message.
type wsStream struct {
	conn  net.Conn
	state ws.State
	rd    wsutil.Reader

	// inMessage is set while the current binary message has unread payload.
	inMessage bool

	// Server side only: the HTTP upgrade runs once, in handshake.
	hsOnce   sync.Once
	hsErr    error
	upgraded atomic.Bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSStream(conn net.Conn, src io.Reader, state ws.State) *wsStream {
	s := &wsStream{conn: conn, state: state}
	s.rd = wsutil.Reader{
		Source:       src,
		State:        state,
		MaxFrameSize: maxWSFrameSize,
		OnIntermediate: func(h ws.Header, r io.Reader) error {
			return s.handleControl(h, r)
		},
	}
	return s
}

func (s *wsStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *wsStream) handshake(ctx context.Context) error {
	s.hsOnce.Do(func() { s.hsErr = s.upgrade(ctx) })
	return s.hsErr
}

// ready runs a handshake nobody asked for explicitly.
func (s *wsStream) ready() error {
	if s.upgraded.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	return s.handshake(ctx)
}

func (s *wsStream) upgrade(ctx context.Context) error {
	if s.upgraded.Load() {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetDeadline(deadline)
	}
	if _, err := ws.Upgrade(s.conn); err != nil {
		return fmt.Errorf("websocket upgrade from %s: %w", s.conn.RemoteAddr(), err)
	}
	s.conn.SetDeadline(time.Time{})
	s.upgraded.Store(true)
	return nil
}

func (s *wsStream) Read(p []byte) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if !s.inMessage {
			if err := s.nextMessage(); err != nil {
				return 0, peerClosedAsEOF(err)
			}
			s.inMessage = true
		}
		n, err := s.rd.Read(p)
		if err == io.EOF {
			// End of this message's payload.
			s.inMessage = false
			err = nil
		}
		if n > 0 || err != nil {
			return n, peerClosedAsEOF(err)
		}
	}
}

func peerClosedAsEOF(err error) error {
	if errors.Is(err, errPeerClosed) {
		return io.EOF
	}
	return err
}

// nextMessage advances to the next binary message. Control frames are
// answered in place and text messages are skipped.
func (s *wsStream) nextMessage() error {
	for {
		hdr, err := s.rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := s.handleControl(hdr, &s.rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode != ws.OpBinary {
			if err := s.rd.Discard(); err != nil {
				return err
			}
			continue
		}
		return nil
	}
}

// handleControl answers pings and close frames. The reply is assembled off
// the wire and written under writeMu so it never lands inside a data frame.
// A close from the peer yields errPeerClosed, which Read reports as io.EOF.
func (s *wsStream) handleControl(h ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlFrameHandler(&buf, s.state)(h, r)
	if buf.Len() > 0 {
		if _, werr := s.writeRaw(buf.Bytes()); werr != nil && err == nil {
			err = werr
		}
	}
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return errPeerClosed
	}
	return err
}

// Write sends p as one binary message.
func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := wsutil.WriteMessage(&buf, s.state, ws.OpBinary, p); err != nil {
		return 0, err
	}
	if _, err := s.writeRaw(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) writeRaw(b []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(b)
}

// Close sends a normal-closure frame (best effort, once upgraded) and closes
// the socket.
func (s *wsStream) Close() error {
	err := net.ErrClosed
	s.closeOnce.Do(func() {
		if !s.upgraded.Load() {
			err = s.conn.Close()
			return
		}
		var buf bytes.Buffer
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		if wsutil.WriteMessage(&buf, s.state, ws.OpClose, body) == nil {
			s.conn.SetWriteDeadline(time.Now().Add(time.Second))
			s.writeRaw(buf.Bytes())
		}
		err = s.conn.Close()
	})
	return err
}

func listenWebSocket(addr string) (*netListener, error) {
	ln, err := listenTCP(addr)
	if err != nil {
		return nil, err
	}
	ln.wrap = func(c net.Conn) Stream {
		return newWSStream(c, c, ws.StateServerSide)
	}
	return ln, nil
}

func dialWebSocket(ctx context.Context, addr string) (Stream, error) {
	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+"/")
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	// br holds any bytes the server sent right after the handshake.
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	s := newWSStream(conn, src, ws.StateClientSide)
	s.upgraded.Store(true)
	return s, nil
}
