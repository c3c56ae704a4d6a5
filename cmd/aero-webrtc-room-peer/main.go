package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/client"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/webrtcpeer"
)

const (
	iceFetchTimeout = 5 * time.Second
	leaveTimeout    = 2 * time.Second
)

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
	if cfg.RoomID == "" {
		fmt.Fprintln(os.Stderr, "AERO_ROOM_ID/--room is required")
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("peer exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	origin := ""
	if len(cfg.AllowedOrigins) > 0 && cfg.AllowedOrigins[0] != "*" {
		origin = cfg.AllowedOrigins[0]
	}

	iceServers := resolveICEServers(ctx, cfg, origin, logger)

	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	sig, err := client.Dial(ctx, client.Config{
		URL:           cfg.SignalURL,
		RoomID:        cfg.RoomID,
		ParticipantID: cfg.ParticipantID,
		Origin:        origin,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer sig.Close()

	logger = logger.With("room_id", sig.RoomID(), "participant_id", sig.ParticipantID())
	logger.Info("joined room", "roster", sig.Roster(), "ice_servers", len(iceServers))

	m := metrics.New()
	coord := coordinator.New(coordinator.Config{
		Logger:               logger,
		Metrics:              m,
		RoomID:               sig.RoomID(),
		Signaler:             sig,
		NewNegotiator:        webrtcpeer.NewNegotiatorFactory(api, iceServers, logger),
		Media:                &webrtcpeer.SilenceSource{StreamID: sig.ParticipantID(), Logger: logger},
		NegotiationTimeout:   cfg.NegotiationTimeout,
		MaxPendingCandidates: cfg.MaxPendingCandidates,
		OnRemoteTrack: func(info coordinator.TrackInfo) {
			logger.Info("remote track", "remote_id", info.RemoteID, "kind", info.Kind, "stream_id", info.StreamID, "track_id", info.TrackID)
		},
		OnLinkState: func(remoteID string, state coordinator.State) {
			logger.Info("link state", "remote_id", remoteID, "state", state.String())
		},
	})
	defer coord.Shutdown()

	// Existing members offer to us once they see our join; media must be
	// ready before those offers can be answered.
	if err := coord.StartLocalMedia(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sig.Run(context.Background(), coord.HandleServerMessage)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		// Shutdown sends leave; the relay then closes the socket and Run
		// returns.
		coord.Shutdown()
		select {
		case <-errCh:
		case <-time.After(leaveTimeout):
			logger.Warn("relay did not close the connection after leave")
		}
		err = ctx.Err()
	}
	logger.Info("left room", "counters", m.Snapshot())
	return err
}

// resolveICEServers prefers the relay's /webrtc/ice response so TURN REST
// credentials are picked up. The local configuration is the fallback.
func resolveICEServers(ctx context.Context, cfg config.Config, origin string, logger *slog.Logger) []webrtc.ICEServer {
	iceURL, err := client.ICEServersURL(cfg.SignalURL)
	if err != nil {
		logger.Warn("cannot derive ice endpoint from signal url", "err", err)
		return cfg.PeerConnectionICEServers()
	}
	fetchCtx, cancel := context.WithTimeout(ctx, iceFetchTimeout)
	defer cancel()
	servers, err := client.FetchICEServers(fetchCtx, http.DefaultClient, iceURL, origin)
	if err != nil {
		logger.Warn("falling back to local ice servers", "url", iceURL, "err", err)
		return cfg.PeerConnectionICEServers()
	}
	return servers
}
