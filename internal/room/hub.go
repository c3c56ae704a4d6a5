// Package room implements the relay's room registry and message routing.
package room

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/protocol"
)

var (
	ErrAlreadyJoined     = errors.New("connection already joined a room")
	ErrParticipantExists = errors.New("participant id already in room")
	ErrRoomFull          = errors.New("room is full")
	ErrNotJoined         = errors.New("connection has not joined a room")
	ErrUnknownTarget     = errors.New("target participant not in room")
	ErrRoomMismatch      = errors.New("message roomId does not match joined room")
)

// Conn is the relay's view of one participant transport. Deliver must not
// block; it reports false when the message could not be queued (for example
// because the connection already closed).
type Conn interface {
	Deliver(msg protocol.ServerMessage) bool
}

// Observer receives membership changes. Calls are made while the room is
// locked, so implementations must not block or call back into the Hub.
type Observer interface {
	ParticipantJoined(roomID, participantID string)
	ParticipantLeft(roomID, participantID string)
}

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// MaxParticipants caps room size. 0 means unlimited.
	MaxParticipants int
	Observer        Observer
}

// JoinResult describes a successful join.
type JoinResult struct {
	RoomID        string
	ParticipantID string
	// Others lists the members present before the join, sorted.
	Others []string
}

// Info summarizes one live room.
type Info struct {
	RoomID       string `json:"roomId"`
	Participants int    `json:"participants"`
}

type member struct {
	id   string
	conn Conn
	room *room
}

type room struct {
	id string

	mu           sync.RWMutex
	participants map[string]*member
	// closed is set once the room is released; a joiner that raced with the
	// release retries against a fresh room.
	closed bool
}

// Hub tracks rooms and routes signaling messages between their members.
//
// Lock order is room.mu before Hub.mu. Membership changes and the
// notifications they cause happen under the room lock, so every member
// observes the same sequence of joins, leaves and relayed messages.
type Hub struct {
	log             *slog.Logger
	metrics         *metrics.Metrics
	maxParticipants int
	observer        Observer

	mu      sync.RWMutex
	rooms   map[string]*room
	members map[Conn]*member
}

func NewHub(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:             logger,
		metrics:         cfg.Metrics,
		maxParticipants: cfg.MaxParticipants,
		observer:        cfg.Observer,
		rooms:           make(map[string]*room),
		members:         make(map[Conn]*member),
	}
}

// Join adds participantID to roomID, creating the room if needed. The joiner
// receives a "joined" envelope listing the existing members and every
// existing member receives "user-connected".
func (h *Hub) Join(conn Conn, roomID, participantID string) (JoinResult, error) {
	if err := protocol.ValidateID("roomId", roomID); err != nil {
		return JoinResult{}, err
	}
	if err := protocol.ValidateID("participantId", participantID); err != nil {
		return JoinResult{}, err
	}

	for {
		h.mu.RLock()
		_, joined := h.members[conn]
		h.mu.RUnlock()
		if joined {
			h.metrics.Inc(metrics.RoomJoinRejected)
			return JoinResult{}, ErrAlreadyJoined
		}

		r := h.roomFor(roomID)
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		res, err := h.joinLocked(r, conn, participantID)
		r.mu.Unlock()
		return res, err
	}
}

func (h *Hub) joinLocked(r *room, conn Conn, participantID string) (JoinResult, error) {
	reject := func(err error) (JoinResult, error) {
		h.metrics.Inc(metrics.RoomJoinRejected)
		if len(r.participants) == 0 {
			h.releaseLocked(r)
		}
		return JoinResult{}, err
	}

	if _, exists := r.participants[participantID]; exists {
		return reject(ErrParticipantExists)
	}
	if h.maxParticipants > 0 && len(r.participants) >= h.maxParticipants {
		return reject(fmt.Errorf("%w (max %d)", ErrRoomFull, h.maxParticipants))
	}

	m := &member{id: participantID, conn: conn, room: r}
	h.mu.Lock()
	if _, joined := h.members[conn]; joined {
		h.mu.Unlock()
		return reject(ErrAlreadyJoined)
	}
	h.members[conn] = m
	h.mu.Unlock()

	others := make([]string, 0, len(r.participants))
	for id := range r.participants {
		others = append(others, id)
	}
	sort.Strings(others)
	r.participants[participantID] = m

	conn.Deliver(protocol.Joined(r.id, participantID, others))
	notice := protocol.UserConnected(r.id, participantID)
	for _, other := range r.participants {
		if other != m {
			other.conn.Deliver(notice)
		}
	}
	if h.observer != nil {
		h.observer.ParticipantJoined(r.id, participantID)
	}
	h.metrics.Inc(metrics.RoomJoin)
	h.log.Debug("participant joined", "room_id", r.id, "participant_id", participantID, "participants", len(r.participants))

	return JoinResult{RoomID: r.id, ParticipantID: participantID, Others: others}, nil
}

// roomFor returns the live room for id, creating it if absent.
func (h *Hub) roomFor(id string) *room {
	h.mu.RLock()
	r := h.rooms[id]
	h.mu.RUnlock()
	if r != nil {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r := h.rooms[id]; r != nil {
		return r
	}
	r = &room{id: id, participants: make(map[string]*member)}
	h.rooms[id] = r
	h.metrics.Inc(metrics.RoomCreated)
	return r
}

// releaseLocked drops an empty room. r.mu must be held.
func (h *Hub) releaseLocked(r *room) {
	r.closed = true
	h.mu.Lock()
	if h.rooms[r.id] == r {
		delete(h.rooms, r.id)
	}
	h.mu.Unlock()
	h.metrics.Inc(metrics.RoomReleased)
}

// Relay routes msg from sender's participant. The relay stamps From with the
// sender's id. A targeted message is delivered only to the target; otherwise
// every other member receives it. It returns the number of connections the
// message was queued on.
//
// ErrUnknownTarget means the target is not (or no longer) in the room; the
// message is dropped.
func (h *Hub) Relay(sender Conn, msg protocol.SignalMessage) (int, error) {
	h.mu.RLock()
	m := h.members[sender]
	h.mu.RUnlock()
	if m == nil {
		return 0, ErrNotJoined
	}
	if msg.RoomID != m.room.id {
		return 0, ErrRoomMismatch
	}
	msg.From = m.id

	r := m.room
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.participants[m.id] != m {
		return 0, ErrNotJoined
	}
	h.metrics.Inc(metrics.MessageRelayed)

	out := protocol.Relayed(msg)
	if !msg.Broadcast() {
		target := r.participants[msg.Target]
		if target == nil || target == m {
			h.metrics.Inc(metrics.MessageDroppedTarget)
			return 0, ErrUnknownTarget
		}
		if !target.conn.Deliver(out) {
			return 0, nil
		}
		h.metrics.Inc(metrics.MessageDelivered)
		return 1, nil
	}

	delivered := 0
	for _, other := range r.participants {
		if other == m {
			continue
		}
		if other.conn.Deliver(out) {
			delivered++
		}
	}
	h.metrics.Add(metrics.MessageDelivered, uint64(delivered))
	return delivered, nil
}

// Leave removes conn's participant from its room and notifies the remaining
// members. It reports whether anything was removed; repeated calls are
// no-ops.
func (h *Hub) Leave(conn Conn) bool {
	h.mu.RLock()
	m := h.members[conn]
	h.mu.RUnlock()
	if m == nil {
		return false
	}

	r := m.room
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.participants[m.id] != m {
		return false
	}
	delete(r.participants, m.id)
	h.mu.Lock()
	delete(h.members, conn)
	h.mu.Unlock()

	notice := protocol.UserDisconnected(r.id, m.id)
	for _, other := range r.participants {
		other.conn.Deliver(notice)
	}
	if h.observer != nil {
		h.observer.ParticipantLeft(r.id, m.id)
	}
	h.metrics.Inc(metrics.RoomLeave)
	h.log.Debug("participant left", "room_id", r.id, "participant_id", m.id, "participants", len(r.participants))

	if len(r.participants) == 0 {
		h.releaseLocked(r)
	}
	return true
}

// Participant returns the room and participant id bound to conn.
func (h *Hub) Participant(conn Conn) (roomID, participantID string, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m := h.members[conn]
	if m == nil {
		return "", "", false
	}
	return m.room.id, m.id, true
}

// Members returns the sorted participant ids of roomID.
func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	r := h.rooms[roomID]
	h.mu.RUnlock()
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.participants))
	for id := range r.participants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Rooms lists live rooms sorted by id.
func (h *Hub) Rooms() []Info {
	h.mu.RLock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	out := make([]Info, 0, len(rooms))
	for _, r := range rooms {
		r.mu.RLock()
		n := len(r.participants)
		r.mu.RUnlock()
		if n == 0 {
			continue
		}
		out = append(out, Info{RoomID: r.id, Participants: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) ParticipantCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}
