package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	envVarRelayListenAddr        = "AERO_SIGNALING_RELAY_LISTEN_ADDR"
	envVarRelayMode              = "AERO_SIGNALING_RELAY_MODE"
	envVarRelayLogFormat         = "AERO_SIGNALING_RELAY_LOG_FORMAT"
	envVarRelayLogLevel          = "AERO_SIGNALING_RELAY_LOG_LEVEL"
	envVarRelayShutdownTimeout   = "AERO_SIGNALING_RELAY_SHUTDOWN_TIMEOUT"
	envVarRelayAuthMode          = "AERO_SIGNALING_RELAY_AUTH_MODE"
	envVarRelayServerAPIKey      = "AERO_SIGNALING_RELAY_API_KEY"
	envVarRelayMailboxDepth      = "AERO_SIGNALING_RELAY_MAILBOX_DEPTH"
	envVarRelayMessagesPerSecond = "AERO_SIGNALING_RELAY_MESSAGES_PER_SECOND"
	envVarRelayMaxMessageBytes   = "AERO_SIGNALING_RELAY_MAX_MESSAGE_BYTES"
	envVarRelayWSPingInterval    = "AERO_SIGNALING_RELAY_WS_PING_INTERVAL"
)

const (
	DefaultRelayListenAddr        = "127.0.0.1:3000"
	DefaultRelayAuthMode          = AuthModeNone
	DefaultMailboxDepth           = 256
	DefaultRelayMessagesPerSecond = 50
	DefaultRelayMaxMessageBytes   = 256 << 10
	DefaultRelayWSPingInterval    = 20 * time.Second
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

// RelayConfig holds the mailbox relay's settings.
type RelayConfig struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AuthMode AuthMode
	APIKey   string

	// MailboxDepth bounds the messages held per recipient.
	MailboxDepth int
	// MessagesPerSecond limits POSTs per recipient mailbox (0 = unlimited).
	MessagesPerSecond int
	MaxMessageBytes   int64
	WSPingInterval    time.Duration
}

func LoadRelay(args []string) (RelayConfig, error) {
	return loadRelay(os.LookupEnv, args)
}

func loadRelay(lookup lookupFunc, args []string) (RelayConfig, error) {
	listenAddr := envOrDefault(lookup, envVarRelayListenAddr, DefaultRelayListenAddr)
	modeStr := envOrDefault(lookup, envVarRelayMode, string(DefaultMode))
	logFormatStr := envOrDefault(lookup, envVarRelayLogFormat, "")
	logLevelStr := envOrDefault(lookup, envVarRelayLogLevel, "")
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarRelayShutdownTimeout, DefaultShutdown)
	if err != nil {
		return RelayConfig{}, err
	}
	authModeStr := envOrDefault(lookup, envVarRelayAuthMode, string(DefaultRelayAuthMode))
	apiKey := envOrDefault(lookup, envVarRelayServerAPIKey, "")
	depth, err := envIntOrDefault(lookup, envVarRelayMailboxDepth, DefaultMailboxDepth)
	if err != nil {
		return RelayConfig{}, err
	}
	perSecond, err := envIntOrDefault(lookup, envVarRelayMessagesPerSecond, DefaultRelayMessagesPerSecond)
	if err != nil {
		return RelayConfig{}, err
	}
	maxBytes, err := envIntOrDefault(lookup, envVarRelayMaxMessageBytes, DefaultRelayMaxMessageBytes)
	if err != nil {
		return RelayConfig{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarRelayWSPingInterval, DefaultRelayWSPingInterval)
	if err != nil {
		return RelayConfig{}, err
	}

	fs := flag.NewFlagSet("aero-signaling-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (default depends on mode)")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (default depends on mode)")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Mailbox auth mode: none or api_key (env "+envVarRelayAuthMode+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "Expected X-API-Key when auth mode is api_key (env "+envVarRelayServerAPIKey+")")
	fs.IntVar(&depth, "mailbox-depth", depth, "Max queued messages per recipient (env "+envVarRelayMailboxDepth+")")
	fs.IntVar(&perSecond, "messages-per-second", perSecond, "Max messages/sec posted to one recipient (0 = unlimited; env "+envVarRelayMessagesPerSecond+")")
	fs.IntVar(&maxBytes, "max-message-bytes", maxBytes, "Max message body size in bytes (env "+envVarRelayMaxMessageBytes+")")
	fs.DurationVar(&pingInterval, "ws-ping-interval", pingInterval, "Ping interval for push connections (env "+envVarRelayWSPingInterval+")")

	if err := fs.Parse(args); err != nil {
		return RelayConfig{}, err
	}

	mode, logFormat, logLevel, err := logSettings(modeStr, logFormatStr, logLevelStr)
	if err != nil {
		return RelayConfig{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return RelayConfig{}, err
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return RelayConfig{}, fmt.Errorf("%s must be set when auth mode is %s", envVarRelayServerAPIKey, AuthModeAPIKey)
	}
	if depth <= 0 {
		return RelayConfig{}, fmt.Errorf("mailbox depth must be positive, got %d", depth)
	}
	if perSecond < 0 {
		return RelayConfig{}, fmt.Errorf("messages per second must not be negative, got %d", perSecond)
	}
	if maxBytes <= 0 {
		return RelayConfig{}, fmt.Errorf("max message bytes must be positive, got %d", maxBytes)
	}
	if pingInterval <= 0 {
		return RelayConfig{}, fmt.Errorf("ws ping interval must be positive, got %s", pingInterval)
	}

	return RelayConfig{
		ListenAddr:        listenAddr,
		Mode:              mode,
		LogFormat:         logFormat,
		LogLevel:          logLevel,
		ShutdownTimeout:   shutdownTimeout,
		AuthMode:          authMode,
		APIKey:            apiKey,
		MailboxDepth:      depth,
		MessagesPerSecond: perSecond,
		MaxMessageBytes:   int64(maxBytes),
		WSPingInterval:    pingInterval,
	}, nil
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey), "apikey":
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("invalid auth mode %q (expected none or api_key)", raw)
	}
}
