// Package config loads server and client settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/chronologos/framechat/internal/transport"
)

const (
	DefaultAddr              = ":33333"
	DefaultTransport         = "tcp"
	DefaultMaxFrameSize      = 128 * 1024
	DefaultIdleTimeout       = 30 * time.Second
	DefaultKeepaliveInterval = 10 * time.Second
	DefaultRateBurst         = 10
	DefaultBroadcastWorkers  = 32
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// Config holds every setting. Each field is read from the environment
// variable named in Load.
type Config struct {
	// Network
	Addr      string // CHAT_ADDR
	Transport string // CHAT_TRANSPORT

	// Connection
	MaxFrameSize      uint32        // CHAT_MAX_FRAME_SIZE
	IdleTimeout       time.Duration // CHAT_IDLE_TIMEOUT
	KeepaliveInterval time.Duration // CHAT_KEEPALIVE_INTERVAL

	// Server
	RateLimit            float64 // CHAT_RATE_LIMIT, chats per second per connection, 0 = unlimited
	RateBurst            int     // CHAT_RATE_BURST
	BroadcastConcurrency int     // CHAT_BROADCAST_CONCURRENCY

	// Logging
	LogLevel  string // LOG_LEVEL
	LogFormat string // LOG_FORMAT
}

// Default returns the configuration used when no variable is set.
func Default() *Config {
	return &Config{
		Addr:                 DefaultAddr,
		Transport:            DefaultTransport,
		MaxFrameSize:         DefaultMaxFrameSize,
		IdleTimeout:          DefaultIdleTimeout,
		KeepaliveInterval:    DefaultKeepaliveInterval,
		RateBurst:            DefaultRateBurst,
		BroadcastConcurrency: DefaultBroadcastWorkers,
		LogLevel:             DefaultLogLevel,
		LogFormat:            DefaultLogFormat,
	}
}

// Load reads envFile if it exists (variables already set in the process
// environment win), then fills a Config from the environment with defaults.
// An empty envFile skips the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	config := Default()

	loadEnvString(&config.Addr, "CHAT_ADDR")
	loadEnvString(&config.Transport, "CHAT_TRANSPORT")

	if err := loadEnvUint32(&config.MaxFrameSize, "CHAT_MAX_FRAME_SIZE"); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.IdleTimeout, "CHAT_IDLE_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.KeepaliveInterval, "CHAT_KEEPALIVE_INTERVAL"); err != nil {
		return nil, err
	}

	if err := loadEnvFloat(&config.RateLimit, "CHAT_RATE_LIMIT"); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.RateBurst, "CHAT_RATE_BURST"); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.BroadcastConcurrency, "CHAT_BROADCAST_CONCURRENCY"); err != nil {
		return nil, err
	}

	loadEnvString(&config.LogLevel, "LOG_LEVEL")
	loadEnvString(&config.LogFormat, "LOG_FORMAT")

	return config, nil
}

// The loadEnv helpers overwrite target only when key is set and non-empty.

func loadEnvString(target *string, key string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	}
}

func loadEnvInt(target *int, key string) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func loadEnvUint32(target *uint32, key string) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid size value for %s: %w", key, err)
		}
		*target = uint32(parsed)
	}
	return nil
}

func loadEnvFloat(target *float64, key string) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var problems []string

	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		problems = append(problems, fmt.Sprintf("CHAT_ADDR %q is not host:port", c.Addr))
	}
	if _, err := transport.ParseMode(c.Transport); err != nil {
		problems = append(problems, "CHAT_TRANSPORT must be one of: tcp, tls, quic, ws")
	}
	// The largest valid frame declares 65797 bytes.
	if c.MaxFrameSize < 65797 {
		problems = append(problems, "CHAT_MAX_FRAME_SIZE must be at least 65797")
	}
	if c.IdleTimeout < 0 {
		problems = append(problems, "CHAT_IDLE_TIMEOUT must not be negative")
	}
	if c.KeepaliveInterval < 0 {
		problems = append(problems, "CHAT_KEEPALIVE_INTERVAL must not be negative")
	}
	if c.IdleTimeout > 0 && c.KeepaliveInterval > 0 && c.KeepaliveInterval >= c.IdleTimeout {
		problems = append(problems, "CHAT_KEEPALIVE_INTERVAL must be shorter than CHAT_IDLE_TIMEOUT")
	}
	if c.RateLimit < 0 {
		problems = append(problems, "CHAT_RATE_LIMIT must not be negative")
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		problems = append(problems, "CHAT_RATE_BURST must be at least 1 when CHAT_RATE_LIMIT is set")
	}
	if c.BroadcastConcurrency < 1 {
		problems = append(problems, "CHAT_BROADCAST_CONCURRENCY must be at least 1")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, strings.ToLower(c.LogLevel)) {
		problems = append(problems, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}
	validLogFormats := []string{"text", "json"}
	if !slices.Contains(validLogFormats, strings.ToLower(c.LogFormat)) {
		problems = append(problems, fmt.Sprintf("LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Mode returns the parsed transport mode.
func (c *Config) Mode() (transport.Mode, error) {
	return transport.ParseMode(c.Transport)
}

// DialAddr returns Addr with an empty host replaced by the loopback
// address, so the client's default reaches a local server.
func (c *Config) DialAddr() string {
	host, port, err := net.SplitHostPort(c.Addr)
	if err != nil || host != "" {
		return c.Addr
	}
	return net.JoinHostPort("127.0.0.1", port)
}
