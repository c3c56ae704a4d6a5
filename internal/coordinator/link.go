package coordinator

import (
	"fmt"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/queue"
)

// link is the coordinator's state for one remote participant. Every field
// except neg and ops is owned by the event loop.
type link struct {
	remoteID string
	state    State
	neg      Negotiator

	// ops runs negotiator calls in order on the link's worker goroutine.
	ops *queue.Queue[func()]

	remoteDescSet bool
	remoteCands   []protocol.Candidate

	// Local candidates are held until our description has been sent so the
	// remote never sees a candidate before the offer or answer it belongs to.
	localDescSent bool
	localCands    []protocol.Candidate

	timer *time.Timer
}

// current reports whether l is still the registered, open link for its peer.
// Completions for links that fail this check are ignored.
func (c *Coordinator) current(l *link) bool {
	return c.links[l.remoteID] == l && l.state != StateClosed
}

func (c *Coordinator) newLink(remoteID string) (*link, error) {
	l := &link{
		remoteID: remoteID,
		state:    StateIdle,
		ops:      queue.New[func()](0, nil),
	}

	neg, err := c.newNeg(remoteID, NegotiatorEvents{
		OnICECandidate: func(cand protocol.Candidate) {
			c.post(func() { c.localCandidate(l, cand) })
		},
		OnTrack: func(info TrackInfo) {
			c.post(func() {
				if c.current(l) && c.onRemoteTrack != nil {
					c.onRemoteTrack(info)
				}
			})
		},
		OnFailed: func(err error) {
			c.post(func() {
				if c.current(l) {
					c.failLink(l, err)
				}
			})
		},
	})
	if err != nil {
		c.metrics.Inc(metrics.LinkFailed)
		return nil, err
	}
	l.neg = neg

	c.links[remoteID] = l
	if buf := c.pendingCands[remoteID]; len(buf) > 0 {
		l.remoteCands = buf
		delete(c.pendingCands, remoteID)
	}
	go func() {
		for {
			op, ok := l.ops.Dequeue()
			if !ok {
				return
			}
			op()
		}
	}()
	if c.timeout > 0 {
		l.timer = time.AfterFunc(c.timeout, func() {
			c.post(func() { c.negotiationTimedOut(l) })
		})
	}
	c.metrics.Inc(metrics.LinkOpened)
	return l, nil
}

// step runs fn on l's worker, then reports back on the loop. A failed step
// fails the link; then runs only while l is still current.
func (c *Coordinator) step(l *link, name string, fn func() error, then func()) {
	l.ops.Enqueue(func() {
		err := fn()
		c.post(func() {
			if !c.current(l) {
				return
			}
			if err != nil {
				c.failLink(l, fmt.Errorf("%s: %w", name, err))
				return
			}
			if then != nil {
				then()
			}
		})
	})
}

func (c *Coordinator) openCaller(remoteID string) {
	l, err := c.newLink(remoteID)
	if err != nil {
		c.log.Error("failed to create peer link", "remote_id", remoteID, "err", err)
		return
	}
	c.setState(l, StateOffering)

	tracks := c.media.Tracks()
	var sdp string
	c.step(l, "create offer", func() error {
		if err := l.neg.AddTracks(tracks); err != nil {
			return err
		}
		offer, err := l.neg.CreateOffer()
		if err != nil {
			return err
		}
		if err := l.neg.SetLocalDescription(protocol.SignalOffer, offer); err != nil {
			return err
		}
		sdp = offer
		return nil
	}, func() {
		c.send(protocol.SignalMessage{Type: protocol.SignalOffer, Target: remoteID, SDP: sdp})
		c.setState(l, StateWaitingAnswer)
		c.localDescriptionSent(l)
	})
}

func (c *Coordinator) openCallee(remoteID, offer string) {
	l, err := c.newLink(remoteID)
	if err != nil {
		c.log.Error("failed to create peer link", "remote_id", remoteID, "err", err)
		return
	}

	tracks := c.media.Tracks()
	c.step(l, "apply offer", func() error {
		if err := l.neg.AddTracks(tracks); err != nil {
			return err
		}
		return l.neg.SetRemoteDescription(protocol.SignalOffer, offer)
	}, func() {
		c.setState(l, StateOffered)
		c.remoteDescriptionSet(l)
	})

	var answer string
	c.step(l, "create answer", func() error {
		sdp, err := l.neg.CreateAnswer()
		if err != nil {
			return err
		}
		if err := l.neg.SetLocalDescription(protocol.SignalAnswer, sdp); err != nil {
			return err
		}
		answer = sdp
		return nil
	}, func() {
		c.send(protocol.SignalMessage{Type: protocol.SignalAnswer, Target: remoteID, SDP: answer})
		c.setState(l, StateConnected)
		c.localDescriptionSent(l)
	})
}

// remoteDescriptionSet releases candidates buffered for l, in arrival order.
func (c *Coordinator) remoteDescriptionSet(l *link) {
	l.remoteDescSet = true
	buf := l.remoteCands
	l.remoteCands = nil
	for _, cand := range buf {
		c.addRemoteCandidate(l, cand)
	}
}

func (c *Coordinator) addRemoteCandidate(l *link, cand protocol.Candidate) {
	l.ops.Enqueue(func() {
		if err := l.neg.AddICECandidate(cand); err != nil {
			c.log.Warn("failed to add remote candidate", "remote_id", l.remoteID, "err", err)
		}
	})
}

func (c *Coordinator) localCandidate(l *link, cand protocol.Candidate) {
	if !c.current(l) {
		return
	}
	if !l.localDescSent {
		l.localCands = append(l.localCands, cand)
		return
	}
	c.sendCandidate(l, cand)
}

func (c *Coordinator) localDescriptionSent(l *link) {
	l.localDescSent = true
	buf := l.localCands
	l.localCands = nil
	for _, cand := range buf {
		c.sendCandidate(l, cand)
	}
}

func (c *Coordinator) sendCandidate(l *link, cand protocol.Candidate) {
	c.send(protocol.SignalMessage{Type: protocol.SignalCandidate, Target: l.remoteID, Candidate: &cand})
}

func (c *Coordinator) negotiationTimedOut(l *link) {
	if !c.current(l) || l.state == StateConnected {
		return
	}
	c.metrics.Inc(metrics.NegotiationTimeout)
	c.failLink(l, fmt.Errorf("%w after %s in state %s", errNegotiationTimeout, c.timeout, l.state))
}

// failLink closes l and tells the remote to do the same.
func (c *Coordinator) failLink(l *link, err error) {
	c.metrics.Inc(metrics.LinkFailed)
	c.log.Warn("peer link failed", "remote_id", l.remoteID, "state", l.state, "err", err)
	c.send(protocol.SignalMessage{Type: protocol.SignalHangup, Target: l.remoteID})
	c.closeLink(l, "failed")
}

func (c *Coordinator) closeLink(l *link, reason string) {
	if l.state == StateClosed {
		return
	}
	c.setState(l, StateClosed)
	if c.links[l.remoteID] == l {
		delete(c.links, l.remoteID)
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	// Dropping queued steps cancels them; a step already running finishes
	// and its completion is ignored.
	l.ops.Close()
	l.remoteCands = nil
	l.localCands = nil
	neg := l.neg
	go func() {
		_ = neg.Close()
	}()
	c.metrics.Inc(metrics.LinkClosed)
	c.log.Info("peer link closed", "remote_id", l.remoteID, "reason", reason)
}
