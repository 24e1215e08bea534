package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/chronologos/framechat/internal/client"
	"github.com/chronologos/framechat/internal/config"
	"github.com/chronologos/framechat/internal/logging"
	"github.com/chronologos/framechat/internal/server"
	"github.com/chronologos/framechat/internal/version"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: chat server [flags]")
	fmt.Fprintln(os.Stderr, "       chat client [flags]")
	fmt.Fprintln(os.Stderr, "       chat version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Settings come from the environment (CHAT_*, LOG_*) and an optional .env")
	fmt.Fprintln(os.Stderr, "file; flags override them. Run \"chat server -h\" for the flag list.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "--version":
		fmt.Println(version.String())
	case "server":
		runServer(os.Args[2:])
	case "client":
		runClient(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

// envFileFromArgs finds -env / --env ahead of full flag parsing, since the
// file has to be loaded before flag defaults are known.
func envFileFromArgs(args []string) string {
	for i, arg := range args {
		for _, prefix := range []string{"-env=", "--env="} {
			if v, ok := strings.CutPrefix(arg, prefix); ok {
				return v
			}
		}
		if (arg == "-env" || arg == "--env") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ".env"
}

// loadConfig loads the environment and registers the shared flags on fs
// with the loaded values as defaults.
func loadConfig(fs *flag.FlagSet, args []string) *config.Config {
	cfg, err := config.Load(envFileFromArgs(args))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fs.String("env", ".env", "optional dotenv file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen (server) or dial (client) address")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "tcp, tls, quic or ws")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "drop the peer after this long without a frame (0 = never)")
	fs.DurationVar(&cfg.KeepaliveInterval, "keepalive", cfg.KeepaliveInterval, "keepalive send interval (0 = off)")
	fs.Func("max-frame-size", fmt.Sprintf("largest accepted frame in bytes (default %d)", cfg.MaxFrameSize), func(v string) error {
		var n uint32
		if _, err := fmt.Sscan(v, &n); err != nil {
			return err
		}
		cfg.MaxFrameSize = n
		return nil
	})
	return cfg
}

func mustValidate(fs *flag.FlagSet, cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		fs.Usage()
		os.Exit(1)
	}
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	cfg := loadConfig(fs, args)
	fs.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "chat messages per second per client (0 = unlimited)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "chat burst allowance per client")
	fs.IntVar(&cfg.BroadcastConcurrency, "broadcast-concurrency", cfg.BroadcastConcurrency, "concurrent sends per broadcast")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	fs.Parse(args)
	mustValidate(fs, cfg)

	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	mode, _ := cfg.Mode()

	srv := server.New(server.Config{
		Addr:                 cfg.Addr,
		Transport:            mode,
		MaxFrameSize:         cfg.MaxFrameSize,
		IdleTimeout:          cfg.IdleTimeout,
		KeepaliveInterval:    cfg.KeepaliveInterval,
		RateLimit:            cfg.RateLimit,
		RateBurst:            cfg.RateBurst,
		BroadcastConcurrency: cfg.BroadcastConcurrency,
		Logger:               logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	// Print the bound address once the listener is ready (for scripts).
	g.Go(func() error {
		select {
		case <-srv.Ready:
			fmt.Println(srv.Addr())
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "server exited: %v\n", err)
		os.Exit(1)
	}
}

func runClient(args []string) {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	cfg := loadConfig(fs, args)
	verbose := fs.Bool("v", false, "log connection events to stderr")
	fs.Parse(args)
	mustValidate(fs, cfg)
	mode, _ := cfg.Mode()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		Addr:              cfg.DialAddr(),
		Transport:         mode,
		MaxFrameSize:      cfg.MaxFrameSize,
		IdleTimeout:       cfg.IdleTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		Verbose:           *verbose,
	})
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "client exited: %v\n", err)
		os.Exit(1)
	}
}
