package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/protocol"
)

// Negotiator wraps one PeerConnection.
type Negotiator struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger
}

var _ coordinator.Negotiator = (*Negotiator)(nil)

// NewNegotiatorFactory returns a factory creating one PeerConnection per
// remote participant. Remote tracks are drained so pion's buffers never fill.
func NewNegotiatorFactory(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger) coordinator.NegotiatorFactory {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(remoteID string, ev coordinator.NegotiatorEvents) (coordinator.Negotiator, error) {
		return NewNegotiator(api, iceServers, logger.With("remote_id", remoteID), remoteID, ev)
	}
}

func NewNegotiator(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger, remoteID string, ev coordinator.NegotiatorEvents) (*Negotiator, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	n := &Negotiator{pc: pc, log: logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering; the relay has no use for it.
		if c == nil || ev.OnICECandidate == nil {
			return
		}
		ev.OnICECandidate(protocol.CandidateFromPion(c.ToJSON()))
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed && ev.OnFailed != nil {
			ev.OnFailed(fmt.Errorf("peer connection %s", state))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info("remote track", "track_id", track.ID(), "stream_id", track.StreamID(), "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if ev.OnTrack != nil {
			ev.OnTrack(coordinator.TrackInfo{
				RemoteID: remoteID,
				TrackID:  track.ID(),
				StreamID: track.StreamID(),
				Kind:     track.Kind().String(),
			})
		}
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})

	return n, nil
}

func (n *Negotiator) AddTracks(tracks []webrtc.TrackLocal) error {
	for _, track := range tracks {
		sender, err := n.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		// RTCP has to be read for interceptors to run.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func (n *Negotiator) CreateOffer() (string, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (n *Negotiator) CreateAnswer() (string, error) {
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (n *Negotiator) SetLocalDescription(kind protocol.SignalType, sdp string) error {
	desc, err := protocol.SessionDescription(kind, sdp)
	if err != nil {
		return err
	}
	return n.pc.SetLocalDescription(desc)
}

func (n *Negotiator) SetRemoteDescription(kind protocol.SignalType, sdp string) error {
	desc, err := protocol.SessionDescription(kind, sdp)
	if err != nil {
		return err
	}
	return n.pc.SetRemoteDescription(desc)
}

func (n *Negotiator) AddICECandidate(c protocol.Candidate) error {
	return n.pc.AddICECandidate(c.ToPion())
}

func (n *Negotiator) Close() error {
	return n.pc.Close()
}
