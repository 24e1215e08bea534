package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/framechat/internal/protocol"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"tcp", ModeTCP},
		{"", ModeTCP},
		{"TLS", ModeTLS},
		{"quic", ModeQUIC},
		{"ws", ModeWebSocket},
		{"websocket", ModeWebSocket},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseMode("carrier-pigeon")
	assert.Error(t, err)
}

func TestModeStringRoundTrip(t *testing.T) {
	for _, m := range []Mode{ModeTCP, ModeTLS, ModeQUIC, ModeWebSocket} {
		got, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

// connectPair listens on a random local port and returns both ends.
func connectPair(t *testing.T, mode Mode) (server, client Stream) {
	t.Helper()
	ln, err := Listen(mode, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		s   Stream
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err == nil {
			err = Handshake(ctx, s)
		}
		accepted <- result{s, err}
	}()

	client, err = Dial(ctx, mode, ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	res := <-accepted
	require.NoError(t, res.err)
	t.Cleanup(func() { res.s.Close() })

	return res.s, client
}

func TestStreamsCarryBytesBothWays(t *testing.T) {
	for _, mode := range []Mode{ModeTCP, ModeTLS, ModeQUIC, ModeWebSocket} {
		t.Run(mode.String(), func(t *testing.T) {
			server, client := connectPair(t, mode)
			assert.NotNil(t, server.RemoteAddr())
			assert.NotNil(t, client.RemoteAddr())

			if mode == ModeQUIC {
				// The dialer announces the stream with a keepalive frame.
				msg, err := protocol.ReadMessage(server, 0)
				require.NoError(t, err)
				assert.IsType(t, &protocol.Keepalive{}, msg)
			}

			up := bytes.Repeat([]byte("client->server "), 100)
			_, err := client.Write(up)
			require.NoError(t, err)
			got := make([]byte, len(up))
			_, err = io.ReadFull(server, got)
			require.NoError(t, err)
			assert.Equal(t, up, got)

			down := []byte("server->client")
			_, err = server.Write(down)
			require.NoError(t, err)
			got = make([]byte, len(down))
			_, err = io.ReadFull(client, got)
			require.NoError(t, err)
			assert.Equal(t, down, got)
		})
	}
}

func TestWebSocketSmallReadsSpanMessages(t *testing.T) {
	server, client := connectPair(t, ModeWebSocket)

	_, err := client.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = client.Write([]byte("defg"))
	require.NoError(t, err)

	var got []byte
	buf := make([]byte, 2)
	for len(got) < 7 {
		n, err := server.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "abcdefg", string(got))
}

func TestCloseEndsPeerRead(t *testing.T) {
	for _, mode := range []Mode{ModeTCP, ModeWebSocket} {
		t.Run(mode.String(), func(t *testing.T) {
			server, client := connectPair(t, mode)
			require.NoError(t, client.Close())

			_, err := server.Read(make([]byte, 1))
			assert.Error(t, err)
		})
	}
}

func TestAcceptRespectsContext(t *testing.T) {
	ln, err := Listen(ModeTCP, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = ln.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcceptAfterClose(t *testing.T) {
	for _, mode := range []Mode{ModeTCP, ModeQUIC} {
		t.Run(mode.String(), func(t *testing.T) {
			ln, err := Listen(mode, "127.0.0.1:0")
			require.NoError(t, err)
			ln.Close()

			_, err = ln.Accept(context.Background())
			assert.ErrorIs(t, err, ErrListenerClosed)
		})
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := Listen(ModeTCP, "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = Dial(ctx, ModeTCP, addr)
	assert.Error(t, err)
}

func TestGenerateSelfSignedCert(t *testing.T) {
	tests := []struct {
		host    string
		wantDNS []string
		wantIPs []string
	}{
		{"", []string{"localhost"}, []string{"127.0.0.1", "::1"}},
		{"0.0.0.0", []string{"localhost"}, []string{"127.0.0.1", "::1"}},
		{"127.0.0.1", nil, []string{"127.0.0.1"}},
		{"chat.example.net", []string{"chat.example.net"}, nil},
	}
	for _, tt := range tests {
		cert, err := GenerateSelfSignedCert(tt.host)
		require.NoError(t, err, tt.host)
		require.Len(t, cert.Certificate, 1)
		require.NotNil(t, cert.Leaf)

		assert.Equal(t, tt.wantDNS, cert.Leaf.DNSNames, tt.host)
		var ips []string
		for _, ip := range cert.Leaf.IPAddresses {
			ips = append(ips, ip.String())
		}
		assert.Equal(t, tt.wantIPs, ips, tt.host)
		assert.WithinDuration(t, time.Now().Add(certLifetime), cert.Leaf.NotAfter, time.Minute)
	}
}

func TestListenRejectsAddressWithoutPort(t *testing.T) {
	_, err := Listen(ModeTLS, "127.0.0.1")
	assert.Error(t, err)
}

func TestHandshakeIsNoopForTCP(t *testing.T) {
	server, _ := connectPair(t, ModeTCP)
	assert.NoError(t, Handshake(context.Background(), server))
}

// A peer that connects and says nothing must not hold up Accept; its own
// Handshake fails once the deadline passes.
func TestAcceptDoesNotWaitForSilentPeer(t *testing.T) {
	for _, mode := range []Mode{ModeTLS, ModeWebSocket} {
		t.Run(mode.String(), func(t *testing.T) {
			ln, err := Listen(mode, "127.0.0.1:0")
			require.NoError(t, err)
			defer ln.Close()

			silent, err := net.Dial("tcp", ln.Addr().String())
			require.NoError(t, err)
			defer silent.Close()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			start := time.Now()
			s, err := ln.Accept(ctx)
			require.NoError(t, err)
			defer s.Close()
			assert.Less(t, time.Since(start), handshakeTimeout/2)

			hctx, hcancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer hcancel()
			assert.Error(t, Handshake(hctx, s))

			// The listener still serves an honest peer.
			server, client := acceptAndDial(t, ln, mode)
			_, err = client.Write([]byte("ok"))
			require.NoError(t, err)
			got := make([]byte, 2)
			_, err = io.ReadFull(server, got)
			require.NoError(t, err)
			assert.Equal(t, "ok", string(got))
		})
	}
}

func acceptAndDial(t *testing.T, ln Listener, mode Mode) (server, client Stream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Stream, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err == nil && Handshake(ctx, s) == nil {
			accepted <- s
			return
		}
		accepted <- nil
	}()

	client, err := Dial(ctx, mode, ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	server = <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() { server.Close() })
	return server, client
}

// rawWebSocketPeer dials ln with a bare gobwas client so tests can write
// frame headers and payload bytes separately.
func rawWebSocketPeer(t *testing.T, ln Listener) (server Stream, peer net.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan Stream, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err == nil && Handshake(ctx, s) == nil {
			accepted <- s
			return
		}
		accepted <- nil
	}()

	peer, _, _, err := ws.Dial(ctx, "ws://"+ln.Addr().String()+"/")
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })
	server = <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() { server.Close() })
	return server, peer
}

func writeMaskedHeader(t *testing.T, w io.Writer, length int64) [4]byte {
	t.Helper()
	hdr := ws.Header{Fin: true, OpCode: ws.OpBinary, Masked: true, Mask: ws.NewMask(), Length: length}
	require.NoError(t, ws.WriteHeader(w, hdr))
	return hdr.Mask
}

func TestWebSocketReadsUnfinishedMessage(t *testing.T) {
	ln, err := Listen(ModeWebSocket, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	server, peer := rawWebSocketPeer(t, ln)

	// Declare a 1 MiB message but send only its first bytes.
	mask := writeMaskedHeader(t, peer, 1<<20)
	payload := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	ws.Cipher(payload, mask, 0)
	_, err = peer.Write(payload)
	require.NoError(t, err)

	type readResult struct {
		b   []byte
		err error
	}
	got := make(chan readResult, 1)
	go func() {
		b := make([]byte, 4)
		_, err := io.ReadFull(server, b)
		got <- readResult{b, err}
	}()

	select {
	case res := <-got:
		require.NoError(t, res.err)
		assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, res.b)
	case <-time.After(2 * time.Second):
		t.Fatal("payload bytes held back until the message completes")
	}
}

func TestWebSocketRejectsHugeFrame(t *testing.T) {
	ln, err := Listen(ModeWebSocket, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	server, peer := rawWebSocketPeer(t, ln)

	writeMaskedHeader(t, peer, maxWSFrameSize+1)

	_, err = server.Read(make([]byte, 16))
	assert.Error(t, err)
}
