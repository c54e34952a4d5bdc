// Package config loads the relay's runtime configuration from environment
// variables, with a small set of flag overrides for local development.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "DAREVEL_CALL_LISTEN_ADDR"
	envVarMode            = "DAREVEL_CALL_MODE"
	envVarLogFormat       = "DAREVEL_CALL_LOG_FORMAT"
	envVarLogLevel        = "DAREVEL_CALL_LOG_LEVEL"
	envVarShutdownTimeout = "DAREVEL_CALL_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "DAREVEL_CALL_ALLOWED_ORIGINS"

	// Channel auth.
	envVarAuthMode  = "DAREVEL_CALL_AUTH_MODE"
	envVarAPIKey    = "DAREVEL_CALL_API_KEY"
	envVarJWTSecret = "DAREVEL_CALL_JWT_SECRET"

	// WebSocket signaling hardening.
	envVarWSIdleTimeout        = "DAREVEL_CALL_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "DAREVEL_CALL_WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "DAREVEL_CALL_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "DAREVEL_CALL_MAX_MESSAGES_PER_SECOND"
)

const (
	DefaultListenAddr                = "127.0.0.1:8080"
	DefaultShutdownTimeout           = 15 * time.Second
	DefaultWSIdleTimeout             = 60 * time.Second
	DefaultWSPingInterval            = 20 * time.Second
	DefaultMaxMessageBytes     int64 = 64 * 1024
	DefaultMaxMessagesPerSecond      = 50

	DefaultMode     Mode      = ModeDev
	DefaultAuthMode AuthMode  = AuthModeNone
	DefaultLogLevel           = slog.LevelInfo
	DefaultLogFormat LogFormat = LogFormatText
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr string
	Mode       Mode

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	// AllowedOrigins is the browser Origin allowlist for the signaling
	// endpoint. Empty means no origin check (dev only).
	AllowedOrigins []string

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	env := func(key, fallback string) string {
		if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
			return strings.TrimSpace(raw)
		}
		return fallback
	}

	fs := flag.NewFlagSet("darevel-call-relay", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", env(envVarListenAddr, DefaultListenAddr), "Listen address (env "+envVarListenAddr+")")
	modeStr := fs.String("mode", env(envVarMode, string(DefaultMode)), "Deployment mode: dev or prod (env "+envVarMode+")")
	logFormatStr := fs.String("log-format", env(envVarLogFormat, string(DefaultLogFormat)), "Log format: text or json (env "+envVarLogFormat+")")
	logLevelStr := fs.String("log-level", env(envVarLogLevel, "info"), "Log level: debug, info, warn, or error (env "+envVarLogLevel+")")
	authModeStr := fs.String("auth-mode", env(envVarAuthMode, string(DefaultAuthMode)), "Channel auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:           *listenAddr,
		ShutdownTimeout:      DefaultShutdownTimeout,
		WSIdleTimeout:        DefaultWSIdleTimeout,
		WSPingInterval:       DefaultWSPingInterval,
		MaxMessageBytes:      DefaultMaxMessageBytes,
		MaxMessagesPerSecond: DefaultMaxMessagesPerSecond,
		APIKey:               env(envVarAPIKey, ""),
		JWTSecret:            env(envVarJWTSecret, ""),
	}

	var err error
	if cfg.Mode, err = parseMode(*modeStr); err != nil {
		return Config{}, err
	}
	if cfg.LogFormat, err = parseLogFormat(*logFormatStr); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(*logLevelStr); err != nil {
		return Config{}, err
	}
	if cfg.AuthMode, err = parseAuthMode(*authModeStr); err != nil {
		return Config{}, err
	}
	if cfg.AllowedOrigins, err = parseAllowedOrigins(env(envVarAllowedOrigins, "")); err != nil {
		return Config{}, err
	}

	if raw := env(envVarShutdownTimeout, ""); raw != "" {
		if cfg.ShutdownTimeout, err = parsePositiveDuration(envVarShutdownTimeout, raw); err != nil {
			return Config{}, err
		}
	}
	if raw := env(envVarWSIdleTimeout, ""); raw != "" {
		if cfg.WSIdleTimeout, err = parsePositiveDuration(envVarWSIdleTimeout, raw); err != nil {
			return Config{}, err
		}
	}
	if raw := env(envVarWSPingInterval, ""); raw != "" {
		if cfg.WSPingInterval, err = parsePositiveDuration(envVarWSPingInterval, raw); err != nil {
			return Config{}, err
		}
	}
	if raw := env(envVarMaxMessageBytes, ""); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q", envVarMaxMessageBytes, raw)
		}
		cfg.MaxMessageBytes = n
	}
	if raw := env(envVarMaxMessagesPerSecond, ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q", envVarMaxMessagesPerSecond, raw)
		}
		cfg.MaxMessagesPerSecond = n
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid %s %q: %w", envVarListenAddr, c.ListenAddr, err)
	}
	if c.WSPingInterval >= c.WSIdleTimeout {
		return fmt.Errorf("%s must be shorter than %s", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	switch c.AuthMode {
	case AuthModeAPIKey:
		if c.APIKey == "" {
			return fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
		}
	case AuthModeJWT:
		if c.JWTSecret == "" {
			return fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
		}
	}
	return nil
}

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

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(raw)) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarMode, raw, ModeDev, ModeProd)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(raw)) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarLogFormat, raw, LogFormatText, LogFormatJSON)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envVarLogLevel, raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch AuthMode(strings.ToLower(raw)) {
	case AuthModeNone:
		return AuthModeNone, nil
	case AuthModeAPIKey:
		return AuthModeAPIKey, nil
	case AuthModeJWT:
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		origins = append(origins, p)
	}
	if len(origins) == 0 {
		return nil, fmt.Errorf("invalid %s %q", envVarAllowedOrigins, raw)
	}
	return origins, nil
}

func parsePositiveDuration(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return d, nil
}
