package main

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/config"
)

// Large enough that one participant can hold several MiB of another's memory.
const largeSignalingMessageBytes = 1 << 20

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup warning: ALLOWED_ORIGINS contains '*' (any website can join rooms)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxRoomParticipants <= 0 {
		logger.Warn("startup warning: MAX_ROOM_PARTICIPANTS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_room_participants_unlimited_in_prod",
			"max_room_participants", cfg.MaxRoomParticipants,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > largeSignalingMessageBytes {
		logger.Warn("startup warning: MAX_SIGNALING_MESSAGE_BYTES is very large",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && !hasTURNServer(cfg) {
		logger.Warn("startup warning: TURN REST is enabled but no turn:/turns: ICE server is configured",
			"warning_code", "turn_rest_without_turn_servers",
			"ice_servers", len(cfg.ICEServers),
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.Redis.Enabled() && strings.TrimSpace(cfg.Redis.Password) == "" {
		logger.Warn("startup warning: REDIS_PASSWORD is empty while --mode=prod",
			"warning_code", "redis_without_password_in_prod",
			"redis_addr", cfg.Redis.Addr,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz will report unready",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	}
}

func hasTURNServer(cfg config.Config) bool {
	for _, s := range cfg.ICEServers {
		if config.ICEServerHasTURNURL(s) {
			return true
		}
	}
	return false
}
