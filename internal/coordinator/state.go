package coordinator

import "errors"

// State is the negotiation state of one peer link.
//
// Caller links move Idle → Offering → WaitingAnswer → Connected; callee links
// move Idle → Offered → Connected. Any state may move to Closed, which is
// final.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateWaitingAnswer
	StateOffered
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateWaitingAnswer:
		return "waiting-answer"
	case StateOffered:
		return "offered"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrMediaAcquisitionFailed wraps errors from the MediaSource.
	ErrMediaAcquisitionFailed = errors.New("media acquisition failed")
	ErrShutdown               = errors.New("coordinator is shut down")

	errNegotiationTimeout = errors.New("negotiation timed out")
)
