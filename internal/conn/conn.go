// Package conn runs the framed message protocol over one transport stream.
//
// A Conn owns three goroutines: a reader that decodes inbound frames and
// hands them to the consumer in order, a writer that puts queued frames on
// the wire one at a time, and an optional keepalive ticker. Requests that
// expect an Ack or Nak are correlated by RequestID.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/chronologos/framechat/internal/logging"
	"github.com/chronologos/framechat/internal/protocol"
	"github.com/chronologos/framechat/internal/transport"
)

const (
	readBufSize    = 32 * 1024 // 32 KB per stream read
	writeQueueSize = 64
)

var (
	ErrClosed           = errors.New("connection closed")
	ErrIdleTimeout      = errors.New("idle timeout: no frame received")
	ErrRequestCancelled = errors.New("request cancelled")
)

// errRequestClosed is returned to requests pending when the connection ends.
var errRequestClosed = fmt.Errorf("%w: %w", ErrRequestCancelled, ErrClosed)

// NakError is the peer's refusal of a request.
type NakError struct {
	Message string
}

func (e *NakError) Error() string {
	return "request rejected: " + e.Message
}

// Config holds connection settings. Zero IdleTimeout or KeepaliveInterval
// disables that feature; zero MaxFrameSize means protocol.DefaultMaxFrameSize.
type Config struct {
	MaxFrameSize      uint32
	IdleTimeout       time.Duration
	KeepaliveInterval time.Duration
	Logger            *slog.Logger
}

type writeReq struct {
	frame []byte
	done  chan error // buffered; the writer never blocks on it
}

// Conn is one framed connection. Send and SendRequest are safe for
// concurrent use; Messages has a single consumer.
type Conn struct {
	stream transport.Stream
	cfg    Config
	log    *slog.Logger

	msgs   chan protocol.Message
	writes chan writeReq

	done      chan struct{}
	closeOnce sync.Once
	err       error // terminal cause, written once before done is closed

	idle *time.Timer

	mu      sync.Mutex
	pending map[protocol.RequestID]chan protocol.Message
}

// New starts a connection over stream. Cancelling ctx terminates it with the
// context's error.
func New(ctx context.Context, stream transport.Stream, cfg Config) *Conn {
	c := &Conn{
		stream:  stream,
		cfg:     cfg,
		log:     logging.OrDiscard(cfg.Logger).With("remote_addr", addrString(stream.RemoteAddr())),
		msgs:    make(chan protocol.Message),
		writes:  make(chan writeReq, writeQueueSize),
		done:    make(chan struct{}),
		pending: make(map[protocol.RequestID]chan protocol.Message),
	}
	if cfg.IdleTimeout > 0 {
		c.idle = time.AfterFunc(cfg.IdleTimeout, func() {
			c.closeWith(ErrIdleTimeout)
		})
	}

	go c.readLoop()
	go c.writeLoop()
	if cfg.KeepaliveInterval > 0 {
		go c.keepaliveLoop(cfg.KeepaliveInterval)
	}
	go func() {
		select {
		case <-ctx.Done():
			c.closeWith(ctx.Err())
		case <-c.done:
		}
	}()
	return c
}

// Messages yields inbound messages in arrival order. Keepalives and replies
// claimed by SendRequest are not delivered. The channel is closed when the
// connection ends; Err then reports why.
func (c *Conn) Messages() <-chan protocol.Message {
	return c.msgs
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal cause once the connection has ended: nil for a
// clean end of stream or Complete, otherwise the violation, fault, idle
// timeout or context error. It returns nil while the connection is live.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.stream.RemoteAddr()
}

// Complete shuts the connection down: the stream is closed, pending requests
// fail and Messages is closed. Calling it again has no effect.
func (c *Conn) Complete() {
	c.closeWith(nil)
}

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		if c.idle != nil {
			c.idle.Stop()
		}
		c.stream.Close()

		c.mu.Lock()
		clear(c.pending)
		c.mu.Unlock()

		if err != nil {
			c.log.Debug("connection_terminated", "error", err)
		} else {
			c.log.Debug("connection_closed")
		}
	})
}

// --- Outbound ---

// Send encodes msg and queues it behind earlier sends. It returns once the
// frame has been written, the write failed, or the connection ended. An
// encoding error returns before anything is queued. If ctx ends after the
// frame was queued the frame may still be written.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, frame)
}

func (c *Conn) writeFrame(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	req := writeReq{frame: frame, done: make(chan error, 1)}
	select {
	case c.writes <- req:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-c.done:
		select {
		case err := <-req.done:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the only goroutine that writes to the stream.
func (c *Conn) writeLoop() {
	for {
		select {
		case req := <-c.writes:
			if _, err := c.stream.Write(req.frame); err != nil {
				err = fmt.Errorf("write to %s: %w", addrString(c.stream.RemoteAddr()), err)
				req.done <- err
				c.closeWith(err)
				return
			}
			req.done <- nil
		case <-c.done:
			return
		}
	}
}

func (c *Conn) keepaliveLoop(interval time.Duration) {
	frame, _ := protocol.Encode(&protocol.Keepalive{})
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.writeFrame(context.Background(), frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// --- Request/response ---

// SendRequest sends the message built for a fresh RequestID and waits for
// the matching reply. An Ack returns nil and a Nak returns *NakError. If the
// connection ends first the error matches ErrRequestCancelled and ErrClosed;
// if ctx ends first it matches ErrRequestCancelled and ctx's error.
func (c *Conn) SendRequest(ctx context.Context, build func(protocol.RequestID) protocol.Message) error {
	id, reply, err := c.register()
	if err != nil {
		return err
	}

	if err := c.Send(ctx, build(id)); err != nil {
		c.forget(id)
		switch {
		case ctx.Err() != nil:
			return fmt.Errorf("%w: %w", ErrRequestCancelled, ctx.Err())
		case errors.Is(err, ErrClosed):
			return errRequestClosed
		default:
			return err
		}
	}

	select {
	case m := <-reply:
		return replyError(m)
	case <-ctx.Done():
		c.forget(id)
		return fmt.Errorf("%w: %w", ErrRequestCancelled, ctx.Err())
	case <-c.done:
		select {
		case m := <-reply:
			return replyError(m)
		default:
			return errRequestClosed
		}
	}
}

// SetNickname asks the peer to register name for this connection.
func (c *Conn) SetNickname(ctx context.Context, name string) error {
	return c.SendRequest(ctx, func(id protocol.RequestID) protocol.Message {
		return &protocol.SetNicknameRequest{RequestID: id, Nickname: name}
	})
}

func (c *Conn) register() (protocol.RequestID, chan protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return protocol.RequestID{}, nil, errRequestClosed
	default:
	}

	id := protocol.NewRequestID()
	for _, taken := c.pending[id]; taken; _, taken = c.pending[id] {
		id = protocol.NewRequestID()
	}
	reply := make(chan protocol.Message, 1)
	c.pending[id] = reply
	return id, reply, nil
}

func (c *Conn) forget(id protocol.RequestID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// resolve hands a reply to its waiter. It reports false when no request with
// that id is pending.
func (c *Conn) resolve(id protocol.RequestID, m protocol.Message) bool {
	c.mu.Lock()
	reply, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		reply <- m
	}
	return ok
}

func replyError(m protocol.Message) error {
	if nak, ok := m.(*protocol.NakResponse); ok {
		return &NakError{Message: nak.Message}
	}
	return nil
}

// --- Inbound ---

func (c *Conn) readLoop() {
	defer close(c.msgs)

	addr := addrString(c.stream.RemoteAddr())
	chunk := make([]byte, readBufSize)
	var buf []byte

	for {
		n, rerr := c.stream.Read(chunk)
		buf = append(buf, chunk[:n]...)

		consumed := 0
		for {
			msg, size, err := protocol.Decode(buf[consumed:], c.cfg.MaxFrameSize)
			if err != nil {
				c.closeWith(fmt.Errorf("frame from %s: %w", addr, err))
				return
			}
			if size == 0 {
				break
			}
			consumed += size
			if c.idle != nil {
				c.idle.Reset(c.cfg.IdleTimeout)
			}
			if !c.dispatch(msg) {
				return
			}
		}
		buf = buf[:copy(buf, buf[consumed:])]

		if rerr != nil {
			switch {
			case errors.Is(rerr, io.EOF) && len(buf) == 0:
				c.closeWith(nil)
			case errors.Is(rerr, io.EOF):
				c.closeWith(fmt.Errorf("read from %s: %w", addr, io.ErrUnexpectedEOF))
			default:
				c.closeWith(fmt.Errorf("read from %s: %w", addr, rerr))
			}
			return
		}
	}
}

// dispatch routes one decoded message. It reports false once the
// connection has ended.
func (c *Conn) dispatch(msg protocol.Message) bool {
	switch m := msg.(type) {
	case nil, *protocol.Keepalive:
		return true
	case *protocol.AckResponse:
		if c.resolve(m.RequestID, m) {
			return true
		}
	case *protocol.NakResponse:
		if c.resolve(m.RequestID, m) {
			return true
		}
	}

	select {
	case c.msgs <- msg:
		return true
	case <-c.done:
		return false
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}
