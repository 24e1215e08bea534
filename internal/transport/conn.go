// Package transport provides the duplex byte streams chat connections run
// over: plain TCP, TLS over TCP, a QUIC stream, or a WebSocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// handshakeTimeout bounds the per-connection setup an accepted stream owes
// before it carries data (TLS handshake, WebSocket upgrade, first QUIC stream).
const handshakeTimeout = 5 * time.Second

// ErrListenerClosed is returned by Accept once the listener has been closed.
var ErrListenerClosed = errors.New("listener closed")

// Mode selects which transport to listen or dial with.
type Mode int

const (
	ModeTCP Mode = iota
	ModeTLS
	ModeQUIC
	ModeWebSocket
)

func (m Mode) String() string {
	switch m {
	case ModeTCP:
		return "tcp"
	case ModeTLS:
		return "tls"
	case ModeQUIC:
		return "quic"
	case ModeWebSocket:
		return "ws"
	default:
		return "unknown"
	}
}

// ParseMode maps a transport name ("tcp", "tls", "quic", "ws") to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp", "":
		return ModeTCP, nil
	case "tls":
		return ModeTLS, nil
	case "quic":
		return ModeQUIC, nil
	case "ws", "websocket":
		return ModeWebSocket, nil
	default:
		return 0, fmt.Errorf("unknown transport %q (want tcp, tls, quic or ws)", s)
	}
}

// Stream is an ordered, reliable duplex byte stream to one peer.
// net.Conn satisfies it.
type Stream interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Listener accepts streams from remote peers. Accept does no per-connection
// handshake; a slow or silent peer only holds up its own stream.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Addr() net.Addr
	Close() error
}

// handshaker is implemented by accepted streams that still owe a handshake.
type handshaker interface {
	handshake(ctx context.Context) error
}

// Handshake completes the server-side setup of a stream returned by Accept,
// bounded by ctx and handshakeTimeout. Streams with nothing left to do return
// nil at once. If the handshake does not finish in time the stream is closed.
// Reading or writing an accepted stream without calling Handshake runs it
// implicitly.
func Handshake(ctx context.Context, s Stream) error {
	h, ok := s.(handshaker)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	// Closing the stream unblocks a handshake stuck on a silent peer.
	stop := context.AfterFunc(ctx, func() { s.Close() })
	err := h.handshake(ctx)
	if !stop() {
		return fmt.Errorf("handshake with %s: %w", s.RemoteAddr(), ctx.Err())
	}
	return err
}

// Listen starts a listener for mode on addr (host:port; port 0 picks one).
func Listen(mode Mode, addr string) (Listener, error) {
	switch mode {
	case ModeTCP:
		return listenTCP(addr)
	case ModeTLS:
		cert, err := listenerCert(addr)
		if err != nil {
			return nil, err
		}
		return listenTLS(addr, cert)
	case ModeQUIC:
		cert, err := listenerCert(addr)
		if err != nil {
			return nil, err
		}
		return listenQUIC(addr, cert)
	case ModeWebSocket:
		return listenWebSocket(addr)
	default:
		return nil, fmt.Errorf("listen: unsupported transport %v", mode)
	}
}

// Dial connects to a listener of the same mode at addr.
func Dial(ctx context.Context, mode Mode, addr string) (Stream, error) {
	switch mode {
	case ModeTCP:
		return dialTCP(ctx, addr)
	case ModeTLS:
		return dialTLS(ctx, addr)
	case ModeQUIC:
		return dialQUIC(ctx, addr)
	case ModeWebSocket:
		return dialWebSocket(ctx, addr)
	default:
		return nil, fmt.Errorf("dial: unsupported transport %v", mode)
	}
}
