// Package client is the interactive console chat client.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/chronologos/framechat/internal/conn"
	"github.com/chronologos/framechat/internal/logging"
	"github.com/chronologos/framechat/internal/protocol"
	"github.com/chronologos/framechat/internal/transport"
)

const (
	dialTimeout    = 10 * time.Second
	requestTimeout = 10 * time.Second
	prompt         = "> "
	maxLineLen     = 1 << 20
)

const helpText = `Available commands:
/connect - Connect to the chat server
/nick <nickname> - Set your nickname
/help - Show this help
/exit - Exit the chat app
Any other text will be sent as a chat message once connected
`

// Config holds client configuration.
type Config struct {
	Addr      string
	Transport transport.Mode

	MaxFrameSize      uint32
	IdleTimeout       time.Duration
	KeepaliveInterval time.Duration

	Verbose bool // emit connection logs to stderr
}

// Client reads commands and chat text from the console and prints
// broadcasts from the server.
type Client struct {
	cfg     Config
	log     *slog.Logger
	stdin   io.Reader
	stdout  io.Writer
	stdinFd int // for MakeRaw/Restore; -1 if pipe (skip raw mode)

	outMu sync.Mutex
	out   io.Writer
	green string // color escape for sender labels, empty without a terminal
	reset string

	mu       sync.Mutex
	conn     *conn.Conn // nil when disconnected
	recvDone chan struct{}
}

// New creates a client on os.Stdin/os.Stdout. If stdin is not a terminal
// (pipe, FIFO), line editing and raw mode are skipped automatically.
func New(cfg Config) *Client {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fd = -1
	}
	var logger *slog.Logger
	if cfg.Verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "client")
	} else {
		logger = logging.Discard()
	}
	return &Client{
		cfg:     cfg,
		log:     logger,
		stdin:   os.Stdin,
		stdout:  os.Stdout,
		stdinFd: fd,
	}
}

// newTestClient creates a client wired to pipes instead of the real terminal.
func newTestClient(cfg Config, stdin io.Reader, stdout io.Writer) *Client {
	return &Client{
		cfg:     cfg,
		log:     logging.Discard(),
		stdin:   stdin,
		stdout:  stdout,
		stdinFd: -1,
	}
}

// Run prints the banner and processes input until /exit, end of input or
// ctx cancellation. An open connection is closed on the way out.
func (c *Client) Run(ctx context.Context) error {
	readLine, restore, err := c.setupConsole()
	if err != nil {
		return err
	}
	defer restore()

	c.println("=== Console Chat Client ===")
	c.print(helpText)
	c.println("")

	lines := make(chan string)
	go readLines(readLine, lines)

	defer c.disconnect()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if c.handleLine(ctx, line) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// setupConsole picks the input source. On a terminal it enters raw mode and
// reads through term.Terminal so broadcasts don't clobber the line being
// typed.
func (c *Client) setupConsole() (readLine func() (string, error), restore func(), err error) {
	if c.stdinFd < 0 {
		c.out = c.stdout
		sc := bufio.NewScanner(c.stdin)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineLen)
		return func() (string, error) {
			if sc.Scan() {
				return sc.Text(), nil
			}
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}, func() {}, nil
	}

	oldState, err := term.MakeRaw(c.stdinFd)
	if err != nil {
		return nil, nil, fmt.Errorf("make raw: %w", err)
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{c.stdin, c.stdout}, prompt)
	if w, _, err := term.GetSize(c.stdinFd); err == nil {
		t.SetSize(w, 0)
	}
	c.out = t
	c.green = string(t.Escape.Green)
	c.reset = string(t.Escape.Reset)
	return t.ReadLine, func() { term.Restore(c.stdinFd, oldState) }, nil
}

// readLines feeds console lines to ch until input ends.
func readLines(readLine func() (string, error), ch chan<- string) {
	defer close(ch)
	for {
		line, err := readLine()
		if err != nil {
			return
		}
		ch <- line
	}
}

// handleLine runs one line of input. It reports true when the client should
// exit.
func (c *Client) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return false
	}
	if strings.HasPrefix(line, "/") {
		return c.handleCommand(ctx, line)
	}

	cc := c.current()
	if cc == nil {
		c.println("Not connected. Use /connect to connect to the server first.")
		return false
	}
	sendCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if err := cc.Send(sendCtx, &protocol.Chat{Text: line}); err != nil {
		c.printf("Failed to send message: %v\n", err)
	}
	return false
}

func (c *Client) handleCommand(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	cmd = strings.ToLower(cmd)

	switch cmd {
	case "/connect":
		c.connect(ctx)
	case "/nick":
		arg = strings.TrimSpace(arg)
		if arg == "" {
			c.println("Please provide a nickname. Usage: /nick <nickname>")
			return false
		}
		c.setNickname(ctx, arg)
	case "/help":
		c.print(helpText)
	case "/exit":
		c.println("Exiting chat application...")
		return true
	default:
		c.printf("Unknown command: %s\n", cmd)
	}
	return false
}

func (c *Client) connect(ctx context.Context) {
	if c.current() != nil {
		c.println("Already connected to the server.")
		return
	}

	c.println("Connecting to chat server...")
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	stream, err := transport.Dial(dialCtx, c.cfg.Transport, c.cfg.Addr)
	if err != nil {
		c.log.Warn("connect failed", "addr", c.cfg.Addr, "err", err)
		c.printf("Failed to connect: %v\n", err)
		return
	}
	c.printf("Connected to %s\n", stream.RemoteAddr())

	cc := conn.New(ctx, stream, conn.Config{
		MaxFrameSize:      c.cfg.MaxFrameSize,
		IdleTimeout:       c.cfg.IdleTimeout,
		KeepaliveInterval: c.cfg.KeepaliveInterval,
		Logger:            c.log,
	})
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = cc
	c.recvDone = done
	c.mu.Unlock()

	go c.receive(cc, done)
}

func (c *Client) setNickname(ctx context.Context, name string) {
	cc := c.current()
	if cc == nil {
		c.println("Not connected to server.")
		return
	}

	c.printf("Setting nickname to '%s'...\n", name)
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	err := cc.SetNickname(reqCtx, name)

	var nak *conn.NakError
	switch {
	case err == nil:
		c.printf("Nickname successfully set to '%s'\n", name)
	case errors.As(err, &nak):
		c.printf("Failed to set nickname: %s\n", nak.Message)
	default:
		c.printf("Failed to set nickname: %v\n", err)
	}
}

// receive prints inbound messages until the connection ends, then marks the
// client disconnected.
func (c *Client) receive(cc *conn.Conn, done chan struct{}) {
	defer close(done)

	for msg := range cc.Messages() {
		switch m := msg.(type) {
		case *protocol.Broadcast:
			c.printf("%s%s:%s %s\n", c.green, m.From, c.reset, m.Text)
		default:
			c.log.Debug("unexpected message", "type", msg.Type().String())
			c.println("Received unknown message type from server.")
		}
	}

	c.mu.Lock()
	if c.conn == cc {
		c.conn = nil
	}
	c.mu.Unlock()

	if err := cc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		c.printf("Connection error: %v\n", err)
	}
	c.println("Disconnected from server.")
}

// disconnect closes the current connection, if any, and waits for its
// receiver to report.
func (c *Client) disconnect() {
	c.mu.Lock()
	cc, done := c.conn, c.recvDone
	c.mu.Unlock()
	if cc == nil {
		return
	}
	cc.Complete()
	<-done
}

func (c *Client) current() *conn.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// --- Output ---

func (c *Client) print(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	io.WriteString(c.out, s)
}

func (c *Client) println(s string) {
	c.print(s + "\n")
}

func (c *Client) printf(format string, args ...any) {
	c.print(fmt.Sprintf(format, args...))
}
