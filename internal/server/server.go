// Package server accepts chat connections, relays chat text between them as
// broadcasts, and arbitrates nickname claims.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chronologos/framechat/internal/conn"
	"github.com/chronologos/framechat/internal/logging"
	"github.com/chronologos/framechat/internal/protocol"
	"github.com/chronologos/framechat/internal/registry"
	"github.com/chronologos/framechat/internal/transport"
)

const (
	// Nak texts sent in reply to a refused nickname claim.
	NakNicknameTaken = "Nickname already taken."
	NakNicknameEmpty = "Nickname must not be empty."

	broadcastSendTimeout = 5 * time.Second
	defaultFanout        = 32
)

// Config holds server configuration.
type Config struct {
	Addr      string
	Transport transport.Mode

	MaxFrameSize      uint32
	IdleTimeout       time.Duration
	KeepaliveInterval time.Duration

	// RateLimit caps chat messages per second per connection; 0 disables.
	RateLimit float64
	RateBurst int
	// BroadcastConcurrency bounds concurrent sends of one broadcast.
	BroadcastConcurrency int

	Logger *slog.Logger
}

// Server is the hub every client connects to.
type Server struct {
	cfg Config
	log *slog.Logger
	reg *registry.Registry[*conn.Conn]

	addrMu sync.Mutex
	addr   net.Addr

	// Ready is closed once the listener is bound and Addr is valid.
	// Callers (tests, CLI) can wait on this before dialing.
	Ready chan struct{}
}

// New creates a server but does not start it. Call Run or Serve to begin.
func New(cfg Config) *Server {
	if cfg.BroadcastConcurrency < 1 {
		cfg.BroadcastConcurrency = defaultFanout
	}
	return &Server{
		cfg:   cfg,
		log:   logging.OrDiscard(cfg.Logger).With("component", "server"),
		reg:   registry.New[*conn.Conn](),
		Ready: make(chan struct{}),
	}
}

// Addr returns the bound listen address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Connections reports how many clients are registered.
func (s *Server) Connections() int {
	return s.reg.Len()
}

// Run listens on the configured address and transport and serves until ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := transport.Listen(s.cfg.Transport, s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled or ln fails.
// On return the listener and every connection are closed and their handlers
// have finished.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	// Handlers exit once ctx is cancelled, so cancel runs before the wait.
	var handlers sync.WaitGroup
	defer handlers.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()
	close(s.Ready)

	s.log.Info("listening", "addr", ln.Addr().String(), "transport", s.cfg.Transport.String())

	// Closing the listener unblocks Accept on shutdown.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		stream, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("server_stopped")
				return nil
			}
			if errors.Is(err, transport.ErrListenerClosed) {
				return err
			}
			// Accept errors can be transient (e.g. too many open files).
			// Log and continue accepting.
			s.log.Warn("accept_failed", "error", err)
			continue
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			s.handle(ctx, stream)
		}()
	}
}

// handle runs one connection from handshake through registration to removal.
func (s *Server) handle(ctx context.Context, stream transport.Stream) {
	log := s.log.With("remote_addr", stream.RemoteAddr().String())
	if err := transport.Handshake(ctx, stream); err != nil {
		stream.Close()
		if ctx.Err() == nil {
			log.Warn("handshake_failed", "error", err)
		}
		return
	}

	c := conn.New(ctx, stream, conn.Config{
		MaxFrameSize:      s.cfg.MaxFrameSize,
		IdleTimeout:       s.cfg.IdleTimeout,
		KeepaliveInterval: s.cfg.KeepaliveInterval,
		Logger:            log,
	})
	s.reg.Add(c)
	log.Info("client_connected", "clients", s.reg.Len())

	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	}

	for msg := range c.Messages() {
		switch m := msg.(type) {
		case *protocol.Chat:
			if limiter != nil && !limiter.Allow() {
				log.Warn("rate_limit_exceeded")
				continue
			}
			log.Debug("chat_received", "text", m.Text)
			s.broadcast(ctx, c, m.Text)

		case *protocol.SetNicknameRequest:
			s.setNickname(ctx, c, m, log)

		default:
			log.Warn("unexpected_message", "type", msg.Type().String())
		}
	}

	s.reg.Remove(c)
	c.Complete()
	logDisconnect(log, c.Err())
}

// broadcast sends text from sender to every other registered connection.
// A failing recipient is logged and does not affect the others.
func (s *Server) broadcast(ctx context.Context, sender *conn.Conn, text string) {
	from, ok := s.reg.Nickname(sender)
	if !ok {
		from = sender.RemoteAddr().String()
	}
	msg := &protocol.Broadcast{From: from, Text: text}
	if _, err := protocol.Encode(msg); err != nil {
		s.log.Warn("broadcast_unencodable", "from", from, "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.BroadcastConcurrency)
	for _, member := range s.reg.CurrentConnections() {
		recipient := member.Conn
		if recipient == sender {
			continue
		}
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, broadcastSendTimeout)
			defer cancel()
			if err := recipient.Send(sendCtx, msg); err != nil {
				s.log.Warn("broadcast_send_failed",
					"remote_addr", recipient.RemoteAddr().String(),
					"error", err,
				)
			}
			return nil
		})
	}
	g.Wait()
}

func (s *Server) setNickname(ctx context.Context, c *conn.Conn, req *protocol.SetNicknameRequest, log *slog.Logger) {
	var reply protocol.Message
	switch {
	case req.Nickname == "":
		reply = &protocol.NakResponse{RequestID: req.RequestID, Message: NakNicknameEmpty}
	case s.reg.TrySetNickname(c, req.Nickname):
		reply = &protocol.AckResponse{RequestID: req.RequestID}
	default:
		reply = &protocol.NakResponse{RequestID: req.RequestID, Message: NakNicknameTaken}
	}
	log.Info("nickname_requested",
		"nickname", req.Nickname,
		"request_id", req.RequestID.String(),
		"accepted", reply.Type() == protocol.MsgAckResponse,
	)

	if err := c.Send(ctx, reply); err != nil {
		log.Warn("reply_send_failed", "error", err)
	}
}

func logDisconnect(log *slog.Logger, err error) {
	switch {
	case err == nil:
		log.Info("client_disconnected")
	case errors.Is(err, context.Canceled):
		log.Info("client_dropped_on_shutdown")
	case errors.Is(err, conn.ErrIdleTimeout):
		log.Warn("client_idle_timeout")
	case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrMalformedFrame):
		log.Warn("protocol_violation", "error", err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		log.Warn("client_disconnected_mid_frame", "error", err)
	default:
		log.Warn("transport_fault", "error", err)
	}
}
