package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.RelayConfig) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AERO_SIGNALING_RELAY_AUTH_MODE=none lets anyone read and write any mailbox",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MessagesPerSecond <= 0 {
		logger.Warn("startup security warning: AERO_SIGNALING_RELAY_MESSAGES_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "messages_per_second_unlimited_in_prod",
			"messages_per_second", cfg.MessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	// Each mailbox holds up to MailboxDepth messages of MaxMessageBytes.
	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: AERO_SIGNALING_RELAY_MAX_MESSAGE_BYTES is very large (SDP blobs are a few KiB; increases per-mailbox memory exposure)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mailbox_depth", cfg.MailboxDepth,
			"mode", cfg.Mode,
		)
	}
}
