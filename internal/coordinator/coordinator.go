// Package coordinator drives one participant's peer links.
//
// A Coordinator owns a registry of links keyed by remote participant id. All
// registry access happens on a single event-loop goroutine: relay messages,
// negotiator notifications and step completions are posted to it and handled
// in arrival order. Blocking negotiation steps run on a per-link worker, so a
// slow peer never holds up the loop or another peer.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/queue"
)

const DefaultMaxPendingCandidates = 64

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// RoomID is stamped on outgoing messages.
	RoomID string

	Signaler      Signaler
	NewNegotiator NegotiatorFactory
	Media         MediaSource

	// NegotiationTimeout closes links that have not reached StateConnected in
	// time and sends the remote a hangup. 0 disables it.
	NegotiationTimeout time.Duration
	// MaxPendingCandidates caps buffered remote candidates per remote peer.
	MaxPendingCandidates int

	// OnRemoteTrack and OnLinkState run on the event loop. They must not block
	// or call Shutdown.
	OnRemoteTrack func(info TrackInfo)
	OnLinkState   func(remoteID string, state State)
}

type pendingOffer struct {
	remoteID string
	sdp      string
}

// Coordinator is the peer session coordinator for one local participant.
type Coordinator struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	roomID   string
	signaler Signaler
	newNeg   NegotiatorFactory
	source   MediaSource
	timeout  time.Duration
	maxCands int

	onRemoteTrack func(TrackInfo)
	onLinkState   func(string, State)

	events *queue.Queue[func()]
	done   chan struct{}

	mediaMu      sync.Mutex
	shutdownOnce sync.Once

	// Loop-owned.
	links         map[string]*link
	media         Media
	closed        bool
	pendingJoins  []string
	pendingOffers []pendingOffer
	pendingCands  map[string][]protocol.Candidate
}

func New(cfg Config) *Coordinator {
	c := &Coordinator{
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		roomID:        cfg.RoomID,
		signaler:      cfg.Signaler,
		newNeg:        cfg.NewNegotiator,
		source:        cfg.Media,
		timeout:       cfg.NegotiationTimeout,
		maxCands:      cfg.MaxPendingCandidates,
		onRemoteTrack: cfg.OnRemoteTrack,
		onLinkState:   cfg.OnLinkState,
		events:        queue.New[func()](0, nil),
		done:          make(chan struct{}),
		links:         make(map[string]*link),
		pendingCands:  make(map[string][]protocol.Candidate),
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.maxCands <= 0 {
		c.maxCands = DefaultMaxPendingCandidates
	}
	go c.run()
	return c
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		fn, ok := c.events.Dequeue()
		if !ok {
			return
		}
		fn()
	}
}

// post schedules fn on the event loop. It reports false after shutdown.
func (c *Coordinator) post(fn func()) bool {
	return c.events.Enqueue(fn)
}

func query[T any](c *Coordinator, fn func() T) (T, bool) {
	ch := make(chan T, 1)
	var zero T
	if !c.post(func() { ch <- fn() }) {
		return zero, false
	}
	select {
	case v := <-ch:
		return v, true
	case <-c.done:
		// fn may have run just before the loop exited.
		select {
		case v := <-ch:
			return v, true
		default:
			return zero, false
		}
	}
}

// Done is closed once the coordinator has shut down.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// LinkState reports the state of the link to remoteID.
func (c *Coordinator) LinkState(remoteID string) (State, bool) {
	type result struct {
		state State
		ok    bool
	}
	r, _ := query(c, func() result {
		l := c.links[remoteID]
		if l == nil {
			return result{}
		}
		return result{state: l.state, ok: true}
	})
	return r.state, r.ok
}

// Links snapshots every live link's state.
func (c *Coordinator) Links() map[string]State {
	out, _ := query(c, func() map[string]State {
		m := make(map[string]State, len(c.links))
		for id, l := range c.links {
			m[id] = l.state
		}
		return m
	})
	return out
}

// StartLocalMedia acquires local media and then opens links for peers that
// were waiting on it. Calling it again after success is a no-op. On failure
// the returned error matches ErrMediaAcquisitionFailed and waiting peers
// stay queued for the next attempt.
func (c *Coordinator) StartLocalMedia(ctx context.Context) error {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	have, ok := query(c, func() bool { return c.media != nil })
	if !ok {
		return ErrShutdown
	}
	if have {
		return nil
	}

	m, err := c.source.Acquire(ctx)
	if err != nil {
		c.metrics.Inc(metrics.MediaAcquireFailure)
		c.log.Warn("local media unavailable", "err", err)
		return fmt.Errorf("%w: %w", ErrMediaAcquisitionFailed, err)
	}

	accepted, ok := query(c, func() bool {
		if c.closed {
			return false
		}
		c.media = m
		c.mediaReady()
		return true
	})
	if !ok || !accepted {
		m.Stop()
		return ErrShutdown
	}
	return nil
}

func (c *Coordinator) mediaReady() {
	c.log.Info("local media ready", "pending_offers", len(c.pendingOffers), "pending_joins", len(c.pendingJoins))

	offers := c.pendingOffers
	joins := c.pendingJoins
	c.pendingOffers = nil
	c.pendingJoins = nil
	for _, o := range offers {
		c.offerReceived(o.remoteID, o.sdp)
	}
	for _, id := range joins {
		c.peerJoined(id)
	}
}

// OnPeerJoined starts an outgoing negotiation with remoteID. Before local
// media is ready the peer is remembered and contacted once it is.
func (c *Coordinator) OnPeerJoined(remoteID string) {
	c.post(func() { c.peerJoined(remoteID) })
}

// OnReady handles a "ready" announcement, which is treated as a join.
func (c *Coordinator) OnReady(remoteID string) {
	c.OnPeerJoined(remoteID)
}

func (c *Coordinator) peerJoined(remoteID string) {
	if c.closed {
		return
	}
	if c.links[remoteID] != nil {
		c.log.Debug("peer already linked", "remote_id", remoteID)
		return
	}
	if c.media == nil {
		if !slices.Contains(c.pendingJoins, remoteID) && !c.hasPendingOffer(remoteID) {
			c.pendingJoins = append(c.pendingJoins, remoteID)
		}
		c.log.Debug("local media not ready; deferring offer", "remote_id", remoteID)
		return
	}
	c.openCaller(remoteID)
}

// OnOfferReceived answers an offer from remoteID. If a link to remoteID
// already exists it wins and the offer is dropped.
func (c *Coordinator) OnOfferReceived(remoteID, sdp string) {
	c.post(func() { c.offerReceived(remoteID, sdp) })
}

func (c *Coordinator) offerReceived(remoteID, sdp string) {
	if c.closed {
		return
	}
	if l := c.links[remoteID]; l != nil {
		c.metrics.Inc(metrics.OfferRejectedGlare)
		c.log.Warn("rejecting offer; link already exists", "remote_id", remoteID, "state", l.state)
		return
	}
	if c.media == nil {
		c.pendingJoins = slices.DeleteFunc(c.pendingJoins, func(id string) bool { return id == remoteID })
		for i := range c.pendingOffers {
			if c.pendingOffers[i].remoteID == remoteID {
				c.pendingOffers[i].sdp = sdp
				return
			}
		}
		c.pendingOffers = append(c.pendingOffers, pendingOffer{remoteID: remoteID, sdp: sdp})
		c.log.Debug("local media not ready; deferring answer", "remote_id", remoteID)
		return
	}
	c.openCallee(remoteID, sdp)
}

func (c *Coordinator) hasPendingOffer(remoteID string) bool {
	for _, o := range c.pendingOffers {
		if o.remoteID == remoteID {
			return true
		}
	}
	return false
}

// OnAnswerReceived completes an outgoing negotiation. Answers for links not
// waiting on one are discarded.
func (c *Coordinator) OnAnswerReceived(remoteID, sdp string) {
	c.post(func() { c.answerReceived(remoteID, sdp) })
}

func (c *Coordinator) answerReceived(remoteID, sdp string) {
	l := c.links[remoteID]
	if l == nil || l.state != StateWaitingAnswer {
		c.metrics.Inc(metrics.AnswerDiscarded)
		state := "none"
		if l != nil {
			state = l.state.String()
		}
		c.log.Warn("discarding unexpected answer", "remote_id", remoteID, "state", state)
		return
	}
	c.setState(l, StateConnected)
	c.step(l, "apply answer", func() error {
		return l.neg.SetRemoteDescription(protocol.SignalAnswer, sdp)
	}, func() {
		c.remoteDescriptionSet(l)
	})
}

// OnCandidateReceived applies a remote ICE candidate, or buffers it until the
// link to remoteID has a remote description. Candidates for remotes with no
// link and no deferred offer are discarded.
func (c *Coordinator) OnCandidateReceived(remoteID string, cand protocol.Candidate) {
	c.post(func() { c.candidateReceived(remoteID, cand) })
}

func (c *Coordinator) candidateReceived(remoteID string, cand protocol.Candidate) {
	if c.closed {
		return
	}
	if cand.EndOfCandidates() {
		return
	}
	l := c.links[remoteID]
	if l != nil && l.remoteDescSet {
		c.addRemoteCandidate(l, cand)
		return
	}
	// The relay preserves per-sender order, so a session's offer always
	// precedes its candidates. With neither a link nor a deferred offer the
	// candidate belongs to a session that is already gone.
	if l == nil && !c.hasPendingOffer(remoteID) {
		c.metrics.Inc(metrics.CandidateStale)
		c.log.Debug("discarding remote candidate; no session", "remote_id", remoteID)
		return
	}

	var buf []protocol.Candidate
	if l != nil {
		buf = l.remoteCands
	} else {
		buf = c.pendingCands[remoteID]
	}
	if len(buf) >= c.maxCands {
		c.metrics.Inc(metrics.CandidateDropped)
		c.log.Warn("dropping remote candidate; buffer full", "remote_id", remoteID, "buffered", len(buf))
		return
	}
	buf = append(buf, cand)
	if l != nil {
		l.remoteCands = buf
	} else {
		c.pendingCands[remoteID] = buf
	}
	c.metrics.Inc(metrics.CandidateBuffered)
}

// OnPeerLeft tears down everything held for remoteID. Repeated calls are
// no-ops.
func (c *Coordinator) OnPeerLeft(remoteID string) {
	c.post(func() { c.forget(remoteID, "peer left") })
}

// OnHangup handles a hangup from remoteID the same way as a departure.
func (c *Coordinator) OnHangup(remoteID string) {
	c.post(func() { c.forget(remoteID, "remote hangup") })
}

// Hangup closes the link to remoteID and tells the remote side.
func (c *Coordinator) Hangup(remoteID string) {
	c.post(func() {
		if c.links[remoteID] != nil {
			c.send(protocol.SignalMessage{Type: protocol.SignalHangup, Target: remoteID})
		}
		c.forget(remoteID, "local hangup")
	})
}

func (c *Coordinator) forget(remoteID, reason string) {
	c.pendingJoins = slices.DeleteFunc(c.pendingJoins, func(id string) bool { return id == remoteID })
	c.pendingOffers = slices.DeleteFunc(c.pendingOffers, func(o pendingOffer) bool { return o.remoteID == remoteID })
	delete(c.pendingCands, remoteID)
	if l := c.links[remoteID]; l != nil {
		c.closeLink(l, reason)
	}
}

// HandleServerMessage dispatches one relay envelope.
func (c *Coordinator) HandleServerMessage(msg protocol.ServerMessage) {
	switch msg.Type {
	case protocol.ServerJoined:
		// Existing members call newcomers, so the roster is informational.
		c.log.Debug("joined room", "room_id", msg.RoomID, "participant_id", msg.ParticipantID, "others", msg.Participants)
	case protocol.ServerUserConnected:
		c.OnPeerJoined(msg.ParticipantID)
	case protocol.ServerUserDisconnected:
		c.OnPeerLeft(msg.ParticipantID)
	case protocol.ServerSignal:
		if msg.Message == nil {
			return
		}
		m := msg.Message
		switch m.Type {
		case protocol.SignalOffer:
			c.OnOfferReceived(m.From, m.SDP)
		case protocol.SignalAnswer:
			c.OnAnswerReceived(m.From, m.SDP)
		case protocol.SignalCandidate:
			if m.Candidate != nil {
				c.OnCandidateReceived(m.From, *m.Candidate)
			}
		case protocol.SignalReady:
			c.OnReady(m.From)
		case protocol.SignalHangup:
			c.OnHangup(m.From)
		}
	case protocol.ServerError:
		c.log.Warn("relay reported error", "code", msg.Code, "detail", msg.Detail)
	}
}

// Shutdown closes every link, stops local media and leaves the room. It is
// safe to call more than once and from any goroutine except the event loop.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		// Events posted before this one still run; anything after is dropped.
		c.post(func() {
			c.teardown()
			c.events.Close()
		})
		<-c.done
		if err := c.signaler.Leave(); err != nil {
			c.log.Debug("leave failed", "err", err)
		}
	})
	<-c.done
}

func (c *Coordinator) teardown() {
	c.closed = true
	for _, l := range c.links {
		c.closeLink(l, "shutdown")
	}
	c.pendingJoins = nil
	c.pendingOffers = nil
	clear(c.pendingCands)
	if c.media != nil {
		c.media.Stop()
		c.media = nil
	}
}

func (c *Coordinator) send(msg protocol.SignalMessage) {
	msg.RoomID = c.roomID
	if err := c.signaler.Send(msg); err != nil {
		c.log.Warn("failed to send signaling message", "type", msg.Type, "target", msg.Target, "err", err)
	}
}

func (c *Coordinator) setState(l *link, s State) {
	if l.state == s {
		return
	}
	c.log.Debug("link state", "remote_id", l.remoteID, "from", l.state, "to", s)
	l.state = s
	if c.onLinkState != nil {
		c.onLinkState(l.remoteID, s)
	}
}
