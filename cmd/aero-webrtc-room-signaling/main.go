package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/presence"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/room"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

const redisStartupTimeout = 5 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
		os.Exit(2)
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-room-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"max_room_participants", cfg.MaxRoomParticipants,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"signaling_send_queue_bytes", cfg.SignalingSendQueueBytes,
		"presence_enabled", cfg.Redis.Enabled(),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	logStartupWarnings(logger, cfg)

	m := metrics.New()

	var opts httpserver.Options
	if cfg.TURNREST.Enabled() {
		issuer, err := turnrest.New(cfg.TURNREST)
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			os.Exit(2)
		}
		opts.TURNREST = issuer
	}

	hubCfg := room.Config{
		Logger:          logger,
		Metrics:         m,
		MaxParticipants: cfg.MaxRoomParticipants,
	}
	var (
		mirror *presence.Mirror
		rdb    *redis.Client
	)
	if cfg.Redis.Enabled() {
		mirror, rdb, err = startPresence(cfg, logger, m)
		if err != nil {
			logger.Error("failed to start presence mirror", "err", err)
			os.Exit(1)
		}
		hubCfg.Observer = mirror
		opts.Checks = append(opts.Checks, httpserver.ReadinessCheck{Name: "redis", Check: mirror.Ping})
	}
	hub := room.NewHub(hubCfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, opts)

	sig := signaling.NewServer(signaling.Config{
		Hub:                  hub,
		Logger:               logger,
		Metrics:              m,
		AllowedOrigins:       cfg.AllowedOrigins,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueBytes:       cfg.SignalingSendQueueBytes,
	})
	srv.Mux().HandleFunc("GET /signal", sig.ServeSignal)
	srv.HandleBrowser("/rooms", http.HandlerFunc(sig.ServeRooms))

	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m,
		metrics.Gauge{Name: "aero_webrtc_room_signaling_rooms", Help: "Rooms with at least one participant.", Value: hub.RoomCount},
		metrics.Gauge{Name: "aero_webrtc_room_signaling_participants", Help: "Joined participants across all rooms.", Value: hub.ParticipantCount},
		metrics.Gauge{Name: "aero_webrtc_room_signaling_connections", Help: "Open signaling WebSocket connections.", Value: sig.ConnectionCount},
	))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		closePresence(logger, mirror, rdb, cfg.ShutdownTimeout)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server, so close
	// them first; the relay then has nothing left to drain.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	closePresence(logger, mirror, rdb, cfg.ShutdownTimeout)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func startPresence(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*presence.Mirror, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	mirror := presence.New(presence.Config{
		Client:    rdb,
		Logger:    logger.With("component", "presence"),
		Metrics:   m,
		KeyPrefix: cfg.PresenceKeyPrefix,
		TTL:       cfg.PresenceTTL,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisStartupTimeout)
	defer cancel()
	if err := mirror.Ping(ctx); err != nil {
		_ = mirror.Close(ctx)
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	if err := mirror.Reset(ctx); err != nil {
		_ = mirror.Close(ctx)
		_ = rdb.Close()
		return nil, nil, err
	}
	logger.Info("presence mirror enabled", "redis_addr", cfg.Redis.Addr, "key_prefix", cfg.PresenceKeyPrefix)
	return mirror, rdb, nil
}

// closePresence flushes the mirror. Leaves from the final connection teardown
// are included.
func closePresence(logger *slog.Logger, mirror *presence.Mirror, rdb *redis.Client, timeout time.Duration) {
	if mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := mirror.Close(ctx); err != nil {
		logger.Warn("presence mirror did not flush", "err", err)
	}
	if err := rdb.Close(); err != nil {
		logger.Debug("close redis client", "err", err)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` / dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
