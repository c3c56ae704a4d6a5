package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/protocol"
)

const waitTimeout = 2 * time.Second

type fakeSignaler struct {
	sent   chan protocol.SignalMessage
	leaves atomic.Int32
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{sent: make(chan protocol.SignalMessage, 256)}
}

func (s *fakeSignaler) Send(msg protocol.SignalMessage) error {
	s.sent <- msg
	return nil
}

func (s *fakeSignaler) Leave() error {
	s.leaves.Add(1)
	return nil
}

func (s *fakeSignaler) expect(t *testing.T, typ protocol.SignalType, target string) protocol.SignalMessage {
	t.Helper()
	select {
	case msg := <-s.sent:
		if msg.Type != typ || msg.Target != target {
			t.Fatalf("sent %s->%q, want %s->%q", msg.Type, msg.Target, typ, target)
		}
		return msg
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s to %q", typ, target)
	}
	return protocol.SignalMessage{}
}

func (s *fakeSignaler) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-s.sent:
		t.Fatalf("unexpected message %s->%q", msg.Type, msg.Target)
	case <-time.After(d):
	}
}

// fakeNegotiator records calls. A step blocks while gates holds an open
// channel under its name or under "<remote>:<step>"; steps named in fail
// return an error.
type fakeNegotiator struct {
	remoteID string
	ev       NegotiatorEvents

	gates map[string]chan struct{}
	fail  map[string]error
	// emitDuring raises a local candidate from inside the named step.
	emitDuring string

	mu     sync.Mutex
	calls  []string
	closes int
	closed chan struct{}
}

func (n *fakeNegotiator) record(call string) {
	n.mu.Lock()
	n.calls = append(n.calls, call)
	n.mu.Unlock()
}

func (n *fakeNegotiator) enter(step string) error {
	if g := n.gates[step]; g != nil {
		<-g
	}
	if g := n.gates[n.remoteID+":"+step]; g != nil {
		<-g
	}
	if n.emitDuring == step && n.ev.OnICECandidate != nil {
		n.ev.OnICECandidate(protocol.Candidate{Candidate: "candidate:local-" + step})
	}
	return n.fail[step]
}

func (n *fakeNegotiator) AddTracks(tracks []webrtc.TrackLocal) error {
	n.record(fmt.Sprintf("add-tracks %d", len(tracks)))
	return n.enter("add-tracks")
}

func (n *fakeNegotiator) CreateOffer() (string, error) {
	n.record("create-offer")
	if err := n.enter("create-offer"); err != nil {
		return "", err
	}
	return "offer-sdp-for-" + n.remoteID, nil
}

func (n *fakeNegotiator) CreateAnswer() (string, error) {
	n.record("create-answer")
	if err := n.enter("create-answer"); err != nil {
		return "", err
	}
	return "answer-sdp-for-" + n.remoteID, nil
}

func (n *fakeNegotiator) SetLocalDescription(kind protocol.SignalType, sdp string) error {
	n.record("set-local " + string(kind))
	return n.enter("set-local")
}

func (n *fakeNegotiator) SetRemoteDescription(kind protocol.SignalType, sdp string) error {
	n.record("set-remote " + string(kind) + " " + sdp)
	return n.enter("set-remote")
}

func (n *fakeNegotiator) AddICECandidate(c protocol.Candidate) error {
	n.record("add-candidate " + c.Candidate)
	return nil
}

func (n *fakeNegotiator) Close() error {
	n.mu.Lock()
	n.closes++
	first := n.closes == 1
	n.mu.Unlock()
	if first {
		close(n.closed)
	}
	return nil
}

func (n *fakeNegotiator) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func (n *fakeNegotiator) Closes() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closes
}

func (n *fakeNegotiator) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-n.closed:
	case <-time.After(waitTimeout):
		t.Fatalf("negotiator for %s was not closed", n.remoteID)
	}
}

// negotiators hands out fakeNegotiators and remembers them by remote id.
type negotiators struct {
	mu         sync.Mutex
	byRemote   map[string]*fakeNegotiator
	gates      map[string]chan struct{}
	fail       map[string]error
	emitDuring string
	factoryErr error
}

func newNegotiators() *negotiators {
	return &negotiators{
		byRemote: make(map[string]*fakeNegotiator),
		gates:    make(map[string]chan struct{}),
		fail:     make(map[string]error),
	}
}

func (f *negotiators) factory(remoteID string, ev NegotiatorEvents) (Negotiator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.factoryErr != nil {
		return nil, f.factoryErr
	}
	n := &fakeNegotiator{
		remoteID:   remoteID,
		ev:         ev,
		gates:      f.gates,
		fail:       f.fail,
		emitDuring: f.emitDuring,
		closed:     make(chan struct{}),
	}
	f.byRemote[remoteID] = n
	return n, nil
}

func (f *negotiators) get(t *testing.T, remoteID string) *fakeNegotiator {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := f.byRemote[remoteID]
		f.mu.Unlock()
		if n != nil {
			return n
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no negotiator created for %s", remoteID)
	return nil
}

func (f *negotiators) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byRemote)
}

type fakeMedia struct {
	stops atomic.Int32
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	if err != nil {
		panic(err)
	}
	return []webrtc.TrackLocal{track}
}

func (m *fakeMedia) Stop() { m.stops.Add(1) }

var errNoDevice = errors.New("no capture device")

// mediaSource fails while failing is set.
type mediaSource struct {
	media   *fakeMedia
	failing atomic.Bool
}

func (s *mediaSource) Acquire(ctx context.Context) (Media, error) {
	if s.failing.Load() {
		return nil, errNoDevice
	}
	return s.media, nil
}

type harness struct {
	c      *Coordinator
	sig    *fakeSignaler
	negs   *negotiators
	source *mediaSource

	mu     sync.Mutex
	states map[string][]State
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		sig:    newFakeSignaler(),
		negs:   newNegotiators(),
		source: &mediaSource{media: &fakeMedia{}},
		states: make(map[string][]State),
	}
	cfg := Config{
		RoomID:        "r1",
		Signaler:      h.sig,
		NewNegotiator: h.negs.factory,
		Media:         h.source,
		OnLinkState: func(remoteID string, s State) {
			h.mu.Lock()
			h.states[remoteID] = append(h.states[remoteID], s)
			h.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.c = New(cfg)
	t.Cleanup(h.c.Shutdown)
	return h
}

func (h *harness) startMedia(t *testing.T) {
	t.Helper()
	if err := h.c.StartLocalMedia(context.Background()); err != nil {
		t.Fatalf("StartLocalMedia: %v", err)
	}
}

func (h *harness) history(remoteID string) []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states[remoteID]...)
}

func (h *harness) waitState(t *testing.T, remoteID string, want State) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		got, ok := h.c.LinkState(remoteID)
		if want == StateClosed && !ok {
			return
		}
		if ok && got == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	got, ok := h.c.LinkState(remoteID)
	t.Fatalf("link %s state=%v (exists=%v), want %v", remoteID, got, ok, want)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
