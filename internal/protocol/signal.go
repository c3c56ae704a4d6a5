package protocol

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SignalType identifies a SignalMessage variant.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalReady     SignalType = "ready"
	SignalHangup    SignalType = "hangup"
)

// Candidate is the JSON form of an ICE candidate as browsers emit it from
// RTCIceCandidate.toJSON(). An empty Candidate string marks end of
// candidates.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// EndOfCandidates reports whether c is the end-of-candidates marker.
func (c Candidate) EndOfCandidates() bool {
	return c.Candidate == ""
}

// SignalMessage is a negotiation payload relayed between participants.
//
// From is stamped by the relay; values supplied by clients are overwritten.
// A message without Target is delivered to every other room member.
type SignalMessage struct {
	Type      SignalType `json:"type"`
	RoomID    string     `json:"roomId"`
	From      string     `json:"from,omitempty"`
	Target    string     `json:"target,omitempty"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// Broadcast reports whether the message is addressed to the whole room.
func (m SignalMessage) Broadcast() bool {
	return m.Target == ""
}

// SessionDescription builds a pion session description for an offer or
// answer SDP blob.
func SessionDescription(kind SignalType, sdp string) (webrtc.SessionDescription, error) {
	switch kind {
	case SignalOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}, nil
	case SignalAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}, nil
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", kind)
	}
}

func (m SignalMessage) Validate() error {
	if err := ValidateID("roomId", m.RoomID); err != nil {
		return err
	}
	if m.Target != "" {
		if err := ValidateID("target", m.Target); err != nil {
			return err
		}
	}

	switch m.Type {
	case SignalOffer, SignalAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if m.Candidate != nil {
			return fmt.Errorf("%s message has unexpected candidate", m.Type)
		}
	case SignalCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if m.SDP != "" {
			return fmt.Errorf("candidate message has unexpected sdp")
		}
	case SignalReady, SignalHangup:
		if m.SDP != "" || m.Candidate != nil {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	default:
		return fmt.Errorf("unsupported signal type %q", m.Type)
	}
	return nil
}
