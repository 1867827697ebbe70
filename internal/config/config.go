// Package config loads relay configuration from flags and environment
// variables and constructs the process logger.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr        = "PEERLY_RELAY_LISTEN_ADDR"
	envVarLogFormat         = "PEERLY_RELAY_LOG_FORMAT"
	envVarLogLevel          = "PEERLY_RELAY_LOG_LEVEL"
	envVarShutdownTimeout   = "PEERLY_RELAY_SHUTDOWN_TIMEOUT"
	envVarMaxMessageBytes   = "PEERLY_RELAY_MAX_MESSAGE_BYTES"
	envVarMessagesPerSecond = "PEERLY_RELAY_MESSAGES_PER_SECOND"
	envVarAllowedOrigins    = "PEERLY_RELAY_ALLOWED_ORIGINS"
)

const (
	DefaultListenAddr        = ":5000"
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultMaxMessageBytes   = 64 * 1024
	DefaultMessagesPerSecond = 50
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	// ListenAddr is the HTTP listen address for health and signaling.
	ListenAddr string

	LogFormat LogFormat
	LogLevel  slog.Level

	// ShutdownTimeout bounds graceful shutdown after SIGINT/SIGTERM.
	ShutdownTimeout time.Duration

	// MaxSignalingMessageBytes caps a single inbound signaling message.
	MaxSignalingMessageBytes int64

	// MaxSignalingMessagesPerSecond bounds the inbound signaling rate per
	// connection. <= 0 disables rate limiting.
	MaxSignalingMessagesPerSecond int64

	// AllowedOrigins restricts which browser Origins may open the signaling
	// socket. Empty admits every origin; "*" is an explicit wildcard.
	AllowedOrigins []string
}

// Load parses flags with env-var defaults.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")

	shutdownTimeout := DefaultShutdownTimeout
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	maxMessageBytes, err := envInt64OrDefault(lookup, envVarMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	messagesPerSecond, err := envInt64OrDefault(lookup, envVarMessagesPerSecond, DefaultMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	fs := flag.NewFlagSet("peerly-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.Int64Var(&messagesPerSecond, "messages-per-second", messagesPerSecond, "Per-connection inbound signaling rate limit, 0 disables (env "+envVarMessagesPerSecond+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated browser Origins admitted to /ws, empty admits all (env "+envVarAllowedOrigins+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max message bytes must be positive, got %d", maxMessageBytes)
	}

	return Config{
		ListenAddr:                    listenAddr,
		LogFormat:                     logFormat,
		LogLevel:                      logLevel,
		ShutdownTimeout:               shutdownTimeout,
		MaxSignalingMessageBytes:      maxMessageBytes,
		MaxSignalingMessagesPerSecond: messagesPerSecond,
		AllowedOrigins:                splitCommaList(allowedOriginsStr),
	}, nil
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogFormat(s string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(s))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q", s)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", s)
	}
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}
