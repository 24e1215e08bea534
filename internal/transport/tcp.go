package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
)

// netListener adapts a net.Listener (plain or TLS) to Listener. wrap, when
// set, turns each accepted net.Conn into a Stream whose handshake is still
// pending. It must not block.
type netListener struct {
	ln   net.Listener
	wrap func(net.Conn) Stream
}

func listenTCP(addr string) (*netListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP listen: %w", err)
	}
	return &netListener{ln: ln}, nil
}

func listenTLS(addr string, cert tls.Certificate) (*netListener, error) {
	ln, err := tls.Listen("tcp", addr, ServerTLSConfig(cert))
	if err != nil {
		return nil, fmt.Errorf("TCP+TLS listen: %w", err)
	}
	return &netListener{ln: ln, wrap: func(c net.Conn) Stream {
		return &tlsStream{Conn: c.(*tls.Conn)}
	}}, nil
}

// tlsStream is an accepted TLS connection. crypto/tls runs the handshake on
// first Read or Write; Handshake runs it early with a deadline so a dialer
// is not left waiting on the server's first read.
type tlsStream struct {
	*tls.Conn
}

func (s *tlsStream) handshake(ctx context.Context) error {
	if err := s.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake with %s: %w", s.RemoteAddr(), err)
	}
	return nil
}

// Addr returns the bound address.
func (l *netListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for the next connection or for ctx to be cancelled.
func (l *netListener) Accept(ctx context.Context) (Stream, error) {
	// Use a channel so we can respect context cancellation
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case res := <-ch:
		if errors.Is(res.err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		if res.err != nil {
			return nil, fmt.Errorf("accept: %w", res.err)
		}
		if l.wrap == nil {
			return res.conn, nil
		}
		return l.wrap(res.conn), nil
	case <-ctx.Done():
		// The goroutine stays blocked in Accept until the caller closes the
		// listener. If a connection slips in first, close it.
		go func() {
			res := <-ch
			if res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close stops the listener. Blocked Accept calls return an error.
func (l *netListener) Close() error {
	return l.ln.Close()
}

func dialTCP(ctx context.Context, addr string) (Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP dial: %w", err)
	}
	return conn, nil
}

func dialTLS(ctx context.Context, addr string) (Stream, error) {
	dialer := &tls.Dialer{
		Config: ClientTLSConfig(),
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP+TLS dial: %w", err)
	}
	return conn, nil
}
