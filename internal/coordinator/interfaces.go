package coordinator

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/protocol"
)

// Signaler carries negotiation messages to the relay.
type Signaler interface {
	Send(msg protocol.SignalMessage) error
	// Leave tells the relay this participant is departing.
	Leave() error
}

// Negotiator is the media-negotiation capability behind one peer link. Calls
// are made from the link's worker goroutine, one at a time and in order.
type Negotiator interface {
	AddTracks(tracks []webrtc.TrackLocal) error
	CreateOffer() (sdp string, err error)
	CreateAnswer() (sdp string, err error)
	SetLocalDescription(kind protocol.SignalType, sdp string) error
	SetRemoteDescription(kind protocol.SignalType, sdp string) error
	AddICECandidate(c protocol.Candidate) error
	Close() error
}

// TrackInfo describes a remote media track.
type TrackInfo struct {
	RemoteID string
	TrackID  string
	StreamID string
	Kind     string
}

// NegotiatorEvents are the notifications a Negotiator raises. They may be
// called from any goroutine.
type NegotiatorEvents struct {
	OnICECandidate func(c protocol.Candidate)
	OnTrack        func(info TrackInfo)
	// OnFailed reports that the underlying connection is unusable.
	OnFailed func(err error)
}

// NegotiatorFactory builds the Negotiator for a link to remoteID.
type NegotiatorFactory func(remoteID string, ev NegotiatorEvents) (Negotiator, error)

// Media is acquired local media.
type Media interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

type MediaSource interface {
	Acquire(ctx context.Context) (Media, error)
}

// MediaSourceFunc adapts a function to MediaSource.
type MediaSourceFunc func(ctx context.Context) (Media, error)

func (f MediaSourceFunc) Acquire(ctx context.Context) (Media, error) {
	return f(ctx)
}
