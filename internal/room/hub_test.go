package room

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
	msgs   []protocol.ServerMessage
}

func (c *fakeConn) Deliver(msg protocol.ServerMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *fakeConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) take() []protocol.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.msgs
	c.msgs = nil
	return out
}

func (c *fakeConn) ofType(typ protocol.ServerMessageType) []protocol.ServerMessage {
	var out []protocol.ServerMessage
	for _, m := range c.take() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) ParticipantJoined(roomID, participantID string) {
	o.mu.Lock()
	o.events = append(o.events, "join "+roomID+"/"+participantID)
	o.mu.Unlock()
}

func (o *recordingObserver) ParticipantLeft(roomID, participantID string) {
	o.mu.Lock()
	o.events = append(o.events, "leave "+roomID+"/"+participantID)
	o.mu.Unlock()
}

func mustJoin(t *testing.T, h *Hub, c Conn, roomID, id string) JoinResult {
	t.Helper()
	res, err := h.Join(c, roomID, id)
	if err != nil {
		t.Fatalf("Join(%s, %s): %v", roomID, id, err)
	}
	return res
}

func TestJoin_NotifiesExistingMembersAndReturnsRoster(t *testing.T) {
	h := NewHub(Config{})
	a, b := &fakeConn{}, &fakeConn{}

	res := mustJoin(t, h, a, "r1", "A")
	if len(res.Others) != 0 {
		t.Fatalf("Others=%v, want empty", res.Others)
	}
	if got := a.take(); len(got) != 1 || got[0].Type != protocol.ServerJoined || got[0].ParticipantID != "A" {
		t.Fatalf("A got %+v, want joined", got)
	}

	res = mustJoin(t, h, b, "r1", "B")
	if !reflect.DeepEqual(res.Others, []string{"A"}) {
		t.Fatalf("Others=%v, want [A]", res.Others)
	}
	joined := b.take()
	if len(joined) != 1 || joined[0].Type != protocol.ServerJoined || !reflect.DeepEqual(joined[0].Participants, []string{"A"}) {
		t.Fatalf("B got %+v, want joined with roster [A]", joined)
	}
	connected := a.take()
	if len(connected) != 1 || connected[0].Type != protocol.ServerUserConnected || connected[0].ParticipantID != "B" || connected[0].RoomID != "r1" {
		t.Fatalf("A got %+v, want user-connected(B)", connected)
	}
}

func TestJoin_Rejections(t *testing.T) {
	m := metrics.New()
	h := NewHub(Config{Metrics: m, MaxParticipants: 2})
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}

	mustJoin(t, h, a, "r1", "A")
	if _, err := h.Join(a, "r2", "A2"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second join err=%v, want ErrAlreadyJoined", err)
	}
	if _, err := h.Join(b, "r1", "A"); !errors.Is(err, ErrParticipantExists) {
		t.Fatalf("duplicate id err=%v, want ErrParticipantExists", err)
	}
	mustJoin(t, h, b, "r1", "B")
	if _, err := h.Join(c, "r1", "C"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("full room err=%v, want ErrRoomFull", err)
	}
	if _, err := h.Join(c, "", "C"); err == nil {
		t.Fatalf("expected error for empty room id")
	}
	if got := m.Get(metrics.RoomJoinRejected); got != 3 {
		t.Fatalf("RoomJoinRejected=%d, want 3", got)
	}
	// The failed second join must not leave r2 behind.
	if got := h.RoomCount(); got != 1 {
		t.Fatalf("RoomCount=%d, want 1", got)
	}
}

func TestRelay_TargetedDeliveredOnlyToTarget(t *testing.T) {
	h := NewHub(Config{})
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	mustJoin(t, h, a, "r1", "A")
	mustJoin(t, h, b, "r1", "B")
	mustJoin(t, h, c, "r1", "C")
	a.take()
	b.take()
	c.take()

	n, err := h.Relay(a, protocol.SignalMessage{
		Type:      protocol.SignalCandidate,
		RoomID:    "r1",
		From:      "spoofed",
		Target:    "B",
		Candidate: &protocol.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"},
	})
	if err != nil || n != 1 {
		t.Fatalf("Relay n=%d err=%v, want 1, nil", n, err)
	}

	got := b.take()
	if len(got) != 1 || got[0].Type != protocol.ServerSignal {
		t.Fatalf("B got %+v, want one message", got)
	}
	if got[0].Message.From != "A" {
		t.Fatalf("From=%q, want A", got[0].Message.From)
	}
	if got := c.take(); len(got) != 0 {
		t.Fatalf("C got %+v, want nothing", got)
	}
	if got := a.take(); len(got) != 0 {
		t.Fatalf("A got %+v, want nothing", got)
	}
}

func TestRelay_BroadcastSkipsSender(t *testing.T) {
	h := NewHub(Config{})
	conns := map[string]*fakeConn{"A": {}, "B": {}, "C": {}}
	for _, id := range []string{"A", "B", "C"} {
		mustJoin(t, h, conns[id], "r1", id)
	}
	for _, c := range conns {
		c.take()
	}

	n, err := h.Relay(conns["B"], protocol.SignalMessage{Type: protocol.SignalReady, RoomID: "r1"})
	if err != nil || n != 2 {
		t.Fatalf("Relay n=%d err=%v, want 2, nil", n, err)
	}
	for id, c := range conns {
		got := c.ofType(protocol.ServerSignal)
		switch id {
		case "B":
			if len(got) != 0 {
				t.Fatalf("sender got %+v", got)
			}
		default:
			if len(got) != 1 || got[0].Message.From != "B" {
				t.Fatalf("%s got %+v, want ready from B", id, got)
			}
		}
	}
}

func TestRelay_Errors(t *testing.T) {
	m := metrics.New()
	h := NewHub(Config{Metrics: m})
	a, b, stranger := &fakeConn{}, &fakeConn{}, &fakeConn{}
	mustJoin(t, h, a, "r1", "A")
	mustJoin(t, h, b, "r2", "B")

	msg := protocol.SignalMessage{Type: protocol.SignalHangup, RoomID: "r1", Target: "B"}
	if _, err := h.Relay(stranger, msg); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("err=%v, want ErrNotJoined", err)
	}
	if _, err := h.Relay(a, msg); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("cross-room target err=%v, want ErrUnknownTarget", err)
	}
	msg.RoomID = "r2"
	if _, err := h.Relay(a, msg); !errors.Is(err, ErrRoomMismatch) {
		t.Fatalf("err=%v, want ErrRoomMismatch", err)
	}
	if got := b.ofType(protocol.ServerSignal); len(got) != 0 {
		t.Fatalf("B got %+v across rooms", got)
	}
	if got := m.Get(metrics.MessageDroppedTarget); got != 1 {
		t.Fatalf("MessageDroppedTarget=%d, want 1", got)
	}
}

func TestRelay_ClosedConnectionIsSilentNoop(t *testing.T) {
	h := NewHub(Config{})
	a, b := &fakeConn{}, &fakeConn{}
	mustJoin(t, h, a, "r1", "A")
	mustJoin(t, h, b, "r1", "B")
	b.close()

	n, err := h.Relay(a, protocol.SignalMessage{Type: protocol.SignalOffer, RoomID: "r1", Target: "B", SDP: "v=0"})
	if err != nil || n != 0 {
		t.Fatalf("Relay n=%d err=%v, want 0, nil", n, err)
	}
}

func TestRelay_PreservesSenderOrder(t *testing.T) {
	h := NewHub(Config{})
	a, b := &fakeConn{}, &fakeConn{}
	mustJoin(t, h, a, "r1", "A")
	mustJoin(t, h, b, "r1", "B")
	b.take()

	for i := 0; i < 50; i++ {
		cand := fmt.Sprintf("candidate:%d", i)
		if _, err := h.Relay(a, protocol.SignalMessage{Type: protocol.SignalCandidate, RoomID: "r1", Target: "B", Candidate: &protocol.Candidate{Candidate: cand}}); err != nil {
			t.Fatalf("Relay: %v", err)
		}
	}
	got := b.take()
	if len(got) != 50 {
		t.Fatalf("got %d messages, want 50", len(got))
	}
	for i, m := range got {
		if want := fmt.Sprintf("candidate:%d", i); m.Message.Candidate.Candidate != want {
			t.Fatalf("message %d = %q, want %q", i, m.Message.Candidate.Candidate, want)
		}
	}
}

func TestLeave_IsIdempotentAndReleasesRoom(t *testing.T) {
	m := metrics.New()
	obs := &recordingObserver{}
	h := NewHub(Config{Metrics: m, Observer: obs})
	a, b := &fakeConn{}, &fakeConn{}
	mustJoin(t, h, a, "r1", "A")
	mustJoin(t, h, b, "r1", "B")
	a.take()

	if !h.Leave(b) {
		t.Fatalf("first Leave returned false")
	}
	if h.Leave(b) {
		t.Fatalf("second Leave returned true")
	}
	got := a.ofType(protocol.ServerUserDisconnected)
	if len(got) != 1 || got[0].ParticipantID != "B" {
		t.Fatalf("A got %+v, want exactly one user-disconnected(B)", got)
	}

	if !h.Leave(a) {
		t.Fatalf("Leave(A) returned false")
	}
	if got := h.RoomCount(); got != 0 {
		t.Fatalf("RoomCount=%d, want 0", got)
	}
	if got := m.Get(metrics.RoomReleased); got != 1 {
		t.Fatalf("RoomReleased=%d, want 1", got)
	}
	want := []string{"join r1/A", "join r1/B", "leave r1/B", "leave r1/A"}
	if !reflect.DeepEqual(obs.events, want) {
		t.Fatalf("observer events=%v, want %v", obs.events, want)
	}

	// The id is free again once its holder has left.
	c := &fakeConn{}
	mustJoin(t, h, c, "r1", "B")
}

func TestMembershipMatchesJoinLeaveModel(t *testing.T) {
	h := NewHub(Config{})
	rng := rand.New(rand.NewSource(1))
	rooms := []string{"r1", "r2", "r3"}

	conns := make([]*fakeConn, 20)
	for i := range conns {
		conns[i] = &fakeConn{}
	}
	model := map[string]map[string]bool{}
	where := map[int]string{}

	for step := 0; step < 2000; step++ {
		i := rng.Intn(len(conns))
		id := fmt.Sprintf("p%d", i)
		if roomID, ok := where[i]; ok && rng.Intn(2) == 0 {
			if !h.Leave(conns[i]) {
				t.Fatalf("step %d: Leave(%s) returned false", step, id)
			}
			delete(model[roomID], id)
			delete(where, i)
			continue
		}
		roomID := rooms[rng.Intn(len(rooms))]
		_, err := h.Join(conns[i], roomID, id)
		if _, ok := where[i]; ok {
			if !errors.Is(err, ErrAlreadyJoined) {
				t.Fatalf("step %d: err=%v, want ErrAlreadyJoined", step, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("step %d: Join: %v", step, err)
		}
		if model[roomID] == nil {
			model[roomID] = map[string]bool{}
		}
		model[roomID][id] = true
		where[i] = roomID
	}

	for _, roomID := range rooms {
		var want []string
		for id := range model[roomID] {
			want = append(want, id)
		}
		sort.Strings(want)
		got := h.Members(roomID)
		if len(want) == 0 && len(got) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("room %s members=%v, want %v", roomID, got, want)
		}
	}
	if got := h.ParticipantCount(); got != len(where) {
		t.Fatalf("ParticipantCount=%d, want %d", got, len(where))
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	h := NewHub(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &fakeConn{}
			id := fmt.Sprintf("p%d", i)
			for j := 0; j < 100; j++ {
				if _, err := h.Join(c, "shared", id); err != nil {
					t.Errorf("Join: %v", err)
					return
				}
				h.Relay(c, protocol.SignalMessage{Type: protocol.SignalReady, RoomID: "shared"})
				h.Leave(c)
			}
		}(i)
	}
	wg.Wait()

	if got := h.Members("shared"); len(got) != 0 {
		t.Fatalf("members=%v, want empty", got)
	}
	if got := h.RoomCount(); got != 0 {
		t.Fatalf("RoomCount=%d, want 0", got)
	}
}

func TestRooms(t *testing.T) {
	h := NewHub(Config{})
	mustJoin(t, h, &fakeConn{}, "b", "1")
	mustJoin(t, h, &fakeConn{}, "a", "1")
	mustJoin(t, h, &fakeConn{}, "a", "2")

	want := []Info{{RoomID: "a", Participants: 2}, {RoomID: "b", Participants: 1}}
	if got := h.Rooms(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Rooms=%+v, want %+v", got, want)
	}
}
