// Package webrtcpeer implements coordinator.Negotiator on pion PeerConnections
// and provides a synthetic local audio source.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/config"
)

type options struct {
	net transport.Net
}

type Option func(*options)

// WithNet routes all ICE traffic through n. Tests use a vnet.Net.
func WithNet(n transport.Net) Option {
	return func(o *options) { o.net = n }
}

// NewAPI builds a pion API with the configured network restrictions, the
// default codecs and pion logging routed to logger.
func NewAPI(cfg config.Config, logger *slog.Logger, opts ...Option) (*webrtc.API, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(logger)
	if o.net != nil {
		se.SetNet(o.net)
	}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me)), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.WebRTCNAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.WebRTCNAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, candidateType)
	}

	// pion has no bind-address setting; IPFilter limits both gathering and
	// socket binding.
	if !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
