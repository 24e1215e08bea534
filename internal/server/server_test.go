package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/framechat/internal/conn"
	"github.com/chronologos/framechat/internal/protocol"
	"github.com/chronologos/framechat/internal/transport"
)

const waitTimeout = 3 * time.Second

type testServer struct {
	*Server
	addr string
	stop func() error
}

func startServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	return startServerOn(t, transport.ModeTCP, cfg)
}

func startServerOn(t *testing.T, mode transport.Mode, cfg Config) *testServer {
	t.Helper()
	cfg.Transport = mode
	ln, err := transport.Listen(mode, "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	select {
	case <-srv.Ready:
	case <-time.After(waitTimeout):
		t.Fatal("server not ready")
	}

	var stopped bool
	var stopErr error
	stop := func() error {
		if stopped {
			return stopErr
		}
		stopped = true
		cancel()
		select {
		case stopErr = <-errCh:
		case <-time.After(waitTimeout):
			t.Error("server did not stop")
		}
		return stopErr
	}
	t.Cleanup(func() { stop() })
	return &testServer{Server: srv, addr: srv.Addr().String(), stop: stop}
}

// dialClient connects a client-side Conn and returns it with the local
// address the server sees for it.
func dialClient(t *testing.T, ts *testServer) (*conn.Conn, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	stream, err := transport.Dial(ctx, transport.ModeTCP, ts.addr)
	require.NoError(t, err)

	c := conn.New(context.Background(), stream, conn.Config{})
	t.Cleanup(c.Complete)
	return c, stream.(net.Conn).LocalAddr().String()
}

func waitClients(t *testing.T, ts *testServer, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return ts.Connections() == n },
		waitTimeout, 10*time.Millisecond, "want %d registered clients", n)
}

func recvBroadcast(t *testing.T, c *conn.Conn) *protocol.Broadcast {
	t.Helper()
	select {
	case msg, ok := <-c.Messages():
		require.True(t, ok, "connection ended: %v", c.Err())
		b, isBroadcast := msg.(*protocol.Broadcast)
		require.True(t, isBroadcast, "got %T", msg)
		return b
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for broadcast")
		return nil
	}
}

func assertSilent(t *testing.T, c *conn.Conn, d time.Duration) {
	t.Helper()
	select {
	case msg, ok := <-c.Messages():
		if ok {
			t.Fatalf("unexpected message %#v", msg)
		}
	case <-time.After(d):
	}
}

func TestBroadcastUsesRemoteAddressWithoutNickname(t *testing.T) {
	ts := startServer(t, Config{})
	alice, aliceAddr := dialClient(t, ts)
	bob, _ := dialClient(t, ts)
	waitClients(t, ts, 2)

	require.NoError(t, alice.Send(context.Background(), &protocol.Chat{Text: "hello"}))

	got := recvBroadcast(t, bob)
	assert.Equal(t, aliceAddr, got.From)
	assert.Equal(t, "hello", got.Text)
}

func TestSenderDoesNotReceiveOwnBroadcast(t *testing.T) {
	ts := startServer(t, Config{})
	alice, _ := dialClient(t, ts)
	bob, _ := dialClient(t, ts)
	carol, _ := dialClient(t, ts)
	waitClients(t, ts, 3)

	require.NoError(t, alice.Send(context.Background(), &protocol.Chat{Text: "hi all"}))

	assert.Equal(t, "hi all", recvBroadcast(t, bob).Text)
	assert.Equal(t, "hi all", recvBroadcast(t, carol).Text)
	assertSilent(t, alice, 100*time.Millisecond)
}

func TestNicknameClaims(t *testing.T) {
	ts := startServer(t, Config{})
	alice, _ := dialClient(t, ts)
	bob, _ := dialClient(t, ts)
	waitClients(t, ts, 2)
	ctx := context.Background()

	require.NoError(t, alice.SetNickname(ctx, "alice"))
	require.NoError(t, alice.SetNickname(ctx, "alice"), "reclaiming own nickname")

	err := bob.SetNickname(ctx, "alice")
	var nak *conn.NakError
	require.ErrorAs(t, err, &nak)
	assert.Equal(t, NakNicknameTaken, nak.Message)

	require.NoError(t, alice.Send(ctx, &protocol.Chat{Text: "it's me"}))
	got := recvBroadcast(t, bob)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "it's me", got.Text)
}

func TestEmptyNicknameRejected(t *testing.T) {
	ts := startServer(t, Config{})
	alice, _ := dialClient(t, ts)
	waitClients(t, ts, 1)

	err := alice.SetNickname(context.Background(), "")
	var nak *conn.NakError
	require.ErrorAs(t, err, &nak)
	assert.Equal(t, NakNicknameEmpty, nak.Message)
}

func TestDisconnectReleasesNickname(t *testing.T) {
	ts := startServer(t, Config{})
	alice, _ := dialClient(t, ts)
	bob, _ := dialClient(t, ts)
	waitClients(t, ts, 2)
	ctx := context.Background()

	require.NoError(t, bob.SetNickname(ctx, "bob"))
	bob.Complete()
	waitClients(t, ts, 1)

	require.NoError(t, alice.SetNickname(ctx, "bob"))
}

func TestBroadcastSkipsDepartedClient(t *testing.T) {
	ts := startServer(t, Config{})
	alice, _ := dialClient(t, ts)
	bob, _ := dialClient(t, ts)
	carol, _ := dialClient(t, ts)
	waitClients(t, ts, 3)

	carol.Complete()
	waitClients(t, ts, 2)

	require.NoError(t, alice.Send(context.Background(), &protocol.Chat{Text: "still here?"}))
	assert.Equal(t, "still here?", recvBroadcast(t, bob).Text)
}

func TestRateLimitDropsExcessChats(t *testing.T) {
	ts := startServer(t, Config{RateLimit: 0.5, RateBurst: 1})
	alice, _ := dialClient(t, ts)
	bob, _ := dialClient(t, ts)
	waitClients(t, ts, 2)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, alice.Send(ctx, &protocol.Chat{Text: text}))
	}

	assert.Equal(t, "one", recvBroadcast(t, bob).Text)
	assertSilent(t, bob, 200*time.Millisecond)
}

func TestProtocolViolationDropsClient(t *testing.T) {
	ts := startServer(t, Config{MaxFrameSize: 0x10000})
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	stream, err := transport.Dial(ctx, transport.ModeTCP, ts.addr)
	require.NoError(t, err)
	defer stream.Close()
	waitClients(t, ts, 1)

	_, err = stream.Write([]byte{0, 1, 0, 1})
	require.NoError(t, err)
	waitClients(t, ts, 0)
}

func TestIdleClientIsDropped(t *testing.T) {
	ts := startServer(t, Config{IdleTimeout: 100 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	stream, err := transport.Dial(ctx, transport.ModeTCP, ts.addr)
	require.NoError(t, err)
	defer stream.Close()
	waitClients(t, ts, 1)
	waitClients(t, ts, 0)
}

func TestKeepalivesKeepClientRegistered(t *testing.T) {
	ts := startServer(t, Config{IdleTimeout: 150 * time.Millisecond, KeepaliveInterval: 30 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	stream, err := transport.Dial(ctx, transport.ModeTCP, ts.addr)
	require.NoError(t, err)
	// The client side keeps sending keepalives too.
	c := conn.New(context.Background(), stream, conn.Config{
		IdleTimeout:       150 * time.Millisecond,
		KeepaliveInterval: 30 * time.Millisecond,
	})
	defer c.Complete()
	waitClients(t, ts, 1)

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, ts.Connections())
	assert.NoError(t, c.Err())
}

func TestShutdownClosesClients(t *testing.T) {
	ts := startServer(t, Config{})
	alice, _ := dialClient(t, ts)
	waitClients(t, ts, 1)

	require.NoError(t, ts.stop())

	select {
	case <-alice.Done():
	case <-time.After(waitTimeout):
		t.Fatal("client still connected after shutdown")
	}
	assert.Equal(t, 0, ts.Connections())
}

func TestRunOverWebSocket(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0", Transport: transport.ModeWebSocket})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()
	defer func() {
		cancel()
		<-errCh
	}()

	select {
	case <-srv.Ready:
	case <-time.After(waitTimeout):
		t.Fatal("server not ready")
	}

	dial := func() *conn.Conn {
		dctx, dcancel := context.WithTimeout(context.Background(), waitTimeout)
		defer dcancel()
		stream, err := transport.Dial(dctx, transport.ModeWebSocket, srv.Addr().String())
		require.NoError(t, err)
		c := conn.New(context.Background(), stream, conn.Config{})
		t.Cleanup(c.Complete)
		return c
	}
	alice, bob := dial(), dial()
	require.Eventually(t, func() bool { return srv.Connections() == 2 }, waitTimeout, 10*time.Millisecond)

	require.NoError(t, alice.SetNickname(context.Background(), "alice"))
	require.NoError(t, alice.Send(context.Background(), &protocol.Chat{Text: "over ws"}))
	got := recvBroadcast(t, bob)
	assert.Equal(t, &protocol.Broadcast{From: "alice", Text: "over ws"}, got)
}

func TestSilentPeerDoesNotDelayOtherClients(t *testing.T) {
	for _, mode := range []transport.Mode{transport.ModeTLS, transport.ModeWebSocket} {
		t.Run(mode.String(), func(t *testing.T) {
			ts := startServerOn(t, mode, Config{})

			// Connects but never starts the TLS handshake or WebSocket upgrade.
			silent, err := net.Dial("tcp", ts.addr)
			require.NoError(t, err)
			defer silent.Close()
			time.Sleep(50 * time.Millisecond)

			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			start := time.Now()
			stream, err := transport.Dial(ctx, mode, ts.addr)
			require.NoError(t, err)
			c := conn.New(context.Background(), stream, conn.Config{})
			defer c.Complete()

			waitClients(t, ts, 1)
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestOversizePrefixOverWebSocketDropsClient(t *testing.T) {
	ts := startServerOn(t, transport.ModeWebSocket, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	peer, _, _, err := ws.Dial(ctx, "ws://"+ts.addr+"/")
	require.NoError(t, err)
	defer peer.Close()
	waitClients(t, ts, 1)

	// An 8 MiB message whose payload opens with a 4 GiB chat frame prefix.
	// The rest of the message is never sent.
	hdr := ws.Header{Fin: true, OpCode: ws.OpBinary, Masked: true, Mask: ws.NewMask(), Length: 8 << 20}
	require.NoError(t, ws.WriteHeader(peer, hdr))
	payload := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0}
	ws.Cipher(payload, hdr.Mask, 0)
	_, err = peer.Write(payload)
	require.NoError(t, err)

	waitClients(t, ts, 0)
}
