package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/chronologos/framechat/internal/protocol"
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		KeepAlivePeriod:   15 * time.Second,
		InitialPacketSize: 1200, // Tailscale MTU is 1280; default 1350 gets dropped
	}
}

// quicStream carries one chat connection on the first bidirectional stream
// of a QUIC connection. Closing it tears down the whole QUIC connection.
// On the server side the stream is accepted in handshake, not in Accept.
type quicStream struct {
	qconn *quic.Conn
	tr    *quic.Transport // dialer side only

	hsOnce sync.Once
	hsErr  error

	mu  sync.Mutex // guards str for Close racing the handshake
	str *quic.Stream
}

func (s *quicStream) handshake(ctx context.Context) error {
	s.hsOnce.Do(func() {
		s.mu.Lock()
		have := s.str != nil
		s.mu.Unlock()
		if have {
			return
		}
		str, err := s.qconn.AcceptStream(ctx)
		if err != nil {
			s.qconn.CloseWithError(1, "no stream")
			s.hsErr = fmt.Errorf("accept stream from %s: %w", s.qconn.RemoteAddr(), err)
			return
		}
		s.mu.Lock()
		s.str = str
		s.mu.Unlock()
	})
	return s.hsErr
}

// stream returns the data stream, accepting it first if Handshake was never
// called.
func (s *quicStream) stream() (*quic.Stream, error) {
	s.mu.Lock()
	str := s.str
	s.mu.Unlock()
	if str != nil {
		return str, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	if err := s.handshake(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.str, nil
}

func (s *quicStream) Read(p []byte) (int, error) {
	str, err := s.stream()
	if err != nil {
		return 0, err
	}
	return str.Read(p)
}

func (s *quicStream) Write(p []byte) (int, error) {
	str, err := s.stream()
	if err != nil {
		return 0, err
	}
	return str.Write(p)
}

func (s *quicStream) RemoteAddr() net.Addr {
	return s.qconn.RemoteAddr()
}

func (s *quicStream) Close() error {
	s.mu.Lock()
	str := s.str
	s.mu.Unlock()

	var err error
	if str != nil {
		str.CancelRead(0)
		err = str.Close()
	}
	s.qconn.CloseWithError(0, "closed")
	if s.tr != nil {
		s.tr.Close()
	}
	return err
}

type quicListener struct {
	tr *quic.Transport
	ln *quic.Listener
}

func listenQUIC(addr string, cert tls.Certificate) (*quicListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(ServerTLSConfig(cert), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}
	return &quicListener{tr: tr, ln: ln}, nil
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for a QUIC connection. Its first stream is taken in
// Handshake; the dialer announces it by writing a Keepalive frame, which the
// chat connection reads and discards like any other keepalive.
func (l *quicListener) Accept(ctx context.Context) (Stream, error) {
	qconn, err := l.ln.Accept(ctx)
	if errors.Is(err, quic.ErrServerClosed) || errors.Is(err, quic.ErrTransportClosed) {
		return nil, ErrListenerClosed
	}
	if err != nil {
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}
	return &quicStream{qconn: qconn}, nil
}

func (l *quicListener) Close() error {
	l.ln.Close()
	return l.tr.Close()
}

func dialQUIC(ctx context.Context, addr string) (Stream, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	// Use a fresh UDP socket for the client
	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, raddr, ClientTLSConfig(), quicConfig())
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(1, "open stream failed")
		tr.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	// QUIC doesn't send STREAM frames until the first Write.
	if err := protocol.WriteMessage(stream, &protocol.Keepalive{}); err != nil {
		qconn.CloseWithError(1, "announce failed")
		tr.Close()
		return nil, fmt.Errorf("announce stream: %w", err)
	}

	return &quicStream{qconn: qconn, tr: tr, str: stream}, nil
}
