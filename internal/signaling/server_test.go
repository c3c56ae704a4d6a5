package signaling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/room"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(cfg)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func read(t *testing.T, c *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		t.Fatalf("ParseServerMessage(%s): %v", data, err)
	}
	return msg
}

func readCloseError(t *testing.T, c *websocket.Conn) error {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return err
		}
	}
}

func join(t *testing.T, c *websocket.Conn, roomID, id string) protocol.ServerMessage {
	t.Helper()
	send(t, c, protocol.ClientMessage{Type: protocol.ClientJoinRoom, RoomID: roomID, ParticipantID: id})
	msg := read(t, c)
	if msg.Type != protocol.ServerJoined {
		t.Fatalf("join reply=%+v, want joined", msg)
	}
	return msg
}

func signal(msg protocol.SignalMessage) protocol.ClientMessage {
	return protocol.ClientMessage{Type: protocol.ClientSignal, Message: &msg}
}

func TestSignal_TwoPartyOfferAnswer(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	a := dial(t, ts)
	b := dial(t, ts)

	join(t, a, "r1", "A")
	joined := join(t, b, "r1", "B")
	if len(joined.Participants) != 1 || joined.Participants[0] != "A" {
		t.Fatalf("roster=%v, want [A]", joined.Participants)
	}
	if got := read(t, a); got.Type != protocol.ServerUserConnected || got.ParticipantID != "B" {
		t.Fatalf("A got %+v, want user-connected(B)", got)
	}

	send(t, a, signal(protocol.SignalMessage{Type: protocol.SignalOffer, RoomID: "r1", Target: "B", SDP: "v=0 offer"}))
	got := read(t, b)
	if got.Type != protocol.ServerSignal || got.Message.Type != protocol.SignalOffer || got.Message.From != "A" || got.Message.SDP != "v=0 offer" {
		t.Fatalf("B got %+v, want offer from A", got)
	}

	send(t, b, signal(protocol.SignalMessage{Type: protocol.SignalAnswer, RoomID: "r1", From: "forged", Target: "A", SDP: "v=0 answer"}))
	got = read(t, a)
	if got.Message == nil || got.Message.Type != protocol.SignalAnswer || got.Message.From != "B" {
		t.Fatalf("A got %+v, want answer from B", got)
	}
}

func TestSignal_ThreePartyTargetedCandidateIsolation(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	a, b, c := dial(t, ts), dial(t, ts), dial(t, ts)
	join(t, a, "r1", "A")
	join(t, b, "r1", "B")
	read(t, a) // user-connected(B)
	join(t, c, "r1", "C")
	read(t, a) // user-connected(C)
	read(t, b) // user-connected(C)

	send(t, a, signal(protocol.SignalMessage{
		Type:      protocol.SignalCandidate,
		RoomID:    "r1",
		Target:    "B",
		Candidate: &protocol.Candidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 50000 typ host"},
	}))
	send(t, a, signal(protocol.SignalMessage{Type: protocol.SignalReady, RoomID: "r1"}))

	if got := read(t, b); got.Message == nil || got.Message.Type != protocol.SignalCandidate {
		t.Fatalf("B got %+v, want candidate", got)
	}
	if got := read(t, b); got.Message == nil || got.Message.Type != protocol.SignalReady {
		t.Fatalf("B got %+v, want ready", got)
	}
	// Per-sender order is preserved, so C's first message after the roster
	// changes is the broadcast, never the candidate.
	if got := read(t, c); got.Message == nil || got.Message.Type != protocol.SignalReady || got.Message.From != "A" {
		t.Fatalf("C got %+v, want ready from A", got)
	}
}

func TestSignal_DisconnectNotifiesOnce(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	a, b := dial(t, ts), dial(t, ts)
	join(t, a, "r1", "A")
	join(t, b, "r1", "B")
	read(t, a)

	_ = b.Close()
	got := read(t, a)
	if got.Type != protocol.ServerUserDisconnected || got.ParticipantID != "B" {
		t.Fatalf("A got %+v, want user-disconnected(B)", got)
	}

	send(t, a, signal(protocol.SignalMessage{Type: protocol.SignalReady, RoomID: "r1"}))
	send(t, a, protocol.ClientMessage{Type: protocol.ClientJoinRoom, RoomID: "r1", ParticipantID: "A"})
	if got := read(t, a); got.Type != protocol.ServerError || got.Code != codeAlreadyJoined {
		t.Fatalf("A got %+v, want already_joined error (and no second disconnect)", got)
	}
	if members := srv.Hub().Members("r1"); len(members) != 1 || members[0] != "A" {
		t.Fatalf("members=%v, want [A]", members)
	}
}

func TestSignal_LeaveClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	a, b := dial(t, ts), dial(t, ts)
	join(t, a, "r1", "A")
	join(t, b, "r1", "B")
	read(t, a)

	send(t, b, protocol.ClientMessage{Type: protocol.ClientLeave})
	if err := readCloseError(t, b); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("err=%v, want normal closure", err)
	}
	if got := read(t, a); got.Type != protocol.ServerUserDisconnected || got.ParticipantID != "B" {
		t.Fatalf("A got %+v, want user-disconnected(B)", got)
	}
}

func TestSignal_ProtocolErrorsKeepConnectionOpen(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m})
	c := dial(t, ts)

	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"join-room","roomId":"r1","extra":true}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if got := read(t, c); got.Type != protocol.ServerError || got.Code != codeBadMessage {
		t.Fatalf("got %+v, want bad_message error", got)
	}

	send(t, c, signal(protocol.SignalMessage{Type: protocol.SignalReady, RoomID: "r1"}))
	if got := read(t, c); got.Type != protocol.ServerError || got.Code != codeNotJoined {
		t.Fatalf("got %+v, want not_joined error", got)
	}

	join(t, c, "r1", "A")
	send(t, c, signal(protocol.SignalMessage{Type: protocol.SignalReady, RoomID: "other"}))
	if got := read(t, c); got.Type != protocol.ServerError || got.Code != codeRoomMismatch {
		t.Fatalf("got %+v, want room_mismatch error", got)
	}
	if got := m.Get(metrics.ProtocolError); got != 3 {
		t.Fatalf("ProtocolError=%d, want 3", got)
	}
}

func TestSignal_UnknownTargetIsDroppedQuietly(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	a := dial(t, ts)
	join(t, a, "r1", "A")

	send(t, a, signal(protocol.SignalMessage{Type: protocol.SignalHangup, RoomID: "r1", Target: "gone"}))
	send(t, a, protocol.ClientMessage{Type: protocol.ClientJoinRoom, RoomID: "r1"})
	if got := read(t, a); got.Type != protocol.ServerError || got.Code != codeAlreadyJoined {
		t.Fatalf("got %+v, want the already_joined reply with nothing before it", got)
	}
}

func TestSignal_AssignsParticipantID(t *testing.T) {
	var n atomic.Int64
	_, ts := newTestServer(t, Config{NewParticipantID: func() string {
		return fmt.Sprintf("gen-%d", n.Add(1))
	}})
	c := dial(t, ts)

	send(t, c, protocol.ClientMessage{Type: protocol.ClientJoinRoom, RoomID: "r1"})
	if got := read(t, c); got.Type != protocol.ServerJoined || got.ParticipantID != "gen-1" {
		t.Fatalf("got %+v, want joined as gen-1", got)
	}
}

func TestSignal_RoomFull(t *testing.T) {
	hub := room.NewHub(room.Config{MaxParticipants: 1})
	_, ts := newTestServer(t, Config{Hub: hub})
	a, b := dial(t, ts), dial(t, ts)
	join(t, a, "r1", "A")

	send(t, b, protocol.ClientMessage{Type: protocol.ClientJoinRoom, RoomID: "r1", ParticipantID: "B"})
	if got := read(t, b); got.Type != protocol.ServerError || got.Code != codeRoomFull {
		t.Fatalf("got %+v, want room_full error", got)
	}
}

func TestSignal_OversizedMessageIsRejected(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m, MaxMessageBytes: 64})
	c := dial(t, ts)

	oversized := `{"type":"join-room","roomId":"` + strings.Repeat("a", 128) + `"}`
	if err := c.WriteMessage(websocket.TextMessage, []byte(oversized)); err != nil {
		t.Fatalf("WriteMessage oversized: %v", err)
	}
	if err := readCloseError(t, c); !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("expected message too big close; got %v", err)
	}
}

func TestSignal_RateLimitClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxMessagesPerSecond: 1})
	c := dial(t, ts)

	send(t, c, protocol.ClientMessage{Type: protocol.ClientJoinRoom, RoomID: "r1", ParticipantID: "A"})
	send(t, c, protocol.ClientMessage{Type: protocol.ClientJoinRoom, RoomID: "r1", ParticipantID: "A"})

	if got := read(t, c); got.Type != protocol.ServerJoined {
		t.Fatalf("got %+v, want joined", got)
	}
	if got := read(t, c); got.Type != protocol.ServerError || got.Code != codeRateLimited {
		t.Fatalf("got %+v, want rate_limited error", got)
	}
	if err := readCloseError(t, c); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close; got %v", err)
	}
}

func TestSignal_BinaryFrameRejected(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	c := dial(t, ts)

	if err := c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if got := read(t, c); got.Type != protocol.ServerError || got.Code != codeBadMessage {
		t.Fatalf("got %+v, want bad_message error", got)
	}
	if err := readCloseError(t, c); !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("expected unsupported data close; got %v", err)
	}
}

func TestSignal_OriginPolicy(t *testing.T) {
	_, ts := newTestServer(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	h := http.Header{}
	h.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), h)
	if err == nil {
		t.Fatalf("expected handshake to fail for disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}

	h.Set("Origin", "https://app.example.com")
	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts), h)
	if err != nil {
		t.Fatalf("dial allowed origin: %v", err)
	}
	_ = c.Close()
}

func TestRooms(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	a, b := dial(t, ts), dial(t, ts)
	join(t, a, "lobby", "A")
	join(t, b, "lobby", "B")

	resp, err := http.Get(ts.URL + "/rooms")
	if err != nil {
		t.Fatalf("GET /rooms: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Rooms []room.Info `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Rooms) != 1 || body.Rooms[0].RoomID != "lobby" || body.Rooms[0].Participants != 2 {
		t.Fatalf("rooms=%+v", body.Rooms)
	}
}

func TestClose_SendsGoingAway(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	c := dial(t, ts)
	join(t, c, "r1", "A")

	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()
	if err := readCloseError(t, c); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going away close; got %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return")
	}
	if got := srv.Hub().ParticipantCount(); got != 0 {
		t.Fatalf("ParticipantCount=%d, want 0", got)
	}
}

func TestSignal_SlowConsumerClosed(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m, SendQueueBytes: 8})
	c := dial(t, ts)

	send(t, c, protocol.ClientMessage{Type: protocol.ClientJoinRoom, RoomID: "r1", ParticipantID: "A"})
	if err := readCloseError(t, c); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close; got %v", err)
	}
	if got := m.Get(metrics.SlowConsumerClosed); got != 1 {
		t.Fatalf("SlowConsumerClosed=%d, want 1", got)
	}
}
