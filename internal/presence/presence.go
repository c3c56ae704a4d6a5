// Package presence mirrors room membership into Redis so operators and other
// tools can see who is connected. The relay never reads it back; room state
// lives in memory.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/queue"
)

const (
	defaultKeyPrefix = "aero:signaling"
	defaultTTL       = 24 * time.Hour
	defaultQueueSize = 4096
	opTimeout        = 2 * time.Second
)

type Config struct {
	Client  redis.UniversalClient
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	KeyPrefix string
	// TTL is refreshed on every join so keys of a crashed relay age out.
	TTL time.Duration
	// QueueSize bounds pending updates. Updates beyond it are dropped and
	// counted.
	QueueSize int
}

type opKind int

const (
	opJoin opKind = iota
	opLeave
	opStop
)

type op struct {
	kind          opKind
	roomID        string
	participantID string
}

// Mirror implements room.Observer. Updates are applied in order by a single
// worker goroutine so the hub never waits on Redis.
type Mirror struct {
	rdb     redis.UniversalClient
	log     *slog.Logger
	metrics *metrics.Metrics
	prefix  string
	ttl     time.Duration

	ops  *queue.Queue[op]
	done chan struct{}
}

func New(cfg Config) *Mirror {
	m := &Mirror{
		rdb:     cfg.Client,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		prefix:  cfg.KeyPrefix,
		ttl:     cfg.TTL,
		done:    make(chan struct{}),
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.prefix == "" {
		m.prefix = defaultKeyPrefix
	}
	if m.ttl <= 0 {
		m.ttl = defaultTTL
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	m.ops = queue.New[op](size, nil)
	go m.run()
	return m
}

// RoomsKey is the set of rooms with at least one participant.
func (m *Mirror) RoomsKey() string {
	return m.prefix + ":rooms"
}

// ParticipantsKey is the set of participant ids in roomID.
func (m *Mirror) ParticipantsKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:participants", m.prefix, roomID)
}

func (m *Mirror) ParticipantJoined(roomID, participantID string) {
	m.enqueue(op{kind: opJoin, roomID: roomID, participantID: participantID})
}

func (m *Mirror) ParticipantLeft(roomID, participantID string) {
	m.enqueue(op{kind: opLeave, roomID: roomID, participantID: participantID})
}

func (m *Mirror) enqueue(o op) {
	if !m.ops.Enqueue(o) {
		m.metrics.Inc(metrics.PresenceError)
	}
}

// Ping checks connectivity.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// Reset removes entries left behind by a previous relay process. Room state
// does not survive restarts, so neither should its mirror.
func (m *Mirror) Reset(ctx context.Context) error {
	rooms, err := m.rdb.SMembers(ctx, m.RoomsKey()).Result()
	if err != nil {
		return fmt.Errorf("list mirrored rooms: %w", err)
	}
	keys := make([]string, 0, len(rooms)+1)
	for _, id := range rooms {
		keys = append(keys, m.ParticipantsKey(id))
	}
	keys = append(keys, m.RoomsKey())
	if err := m.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear mirrored rooms: %w", err)
	}
	return nil
}

// Members reads back the mirrored participant set of roomID.
func (m *Mirror) Members(ctx context.Context, roomID string) ([]string, error) {
	return m.rdb.SMembers(ctx, m.ParticipantsKey(roomID)).Result()
}

// Close applies queued updates and stops the worker. It returns ctx.Err() if
// ctx ends first.
func (m *Mirror) Close(ctx context.Context) error {
	if !m.ops.Enqueue(op{kind: opStop}) {
		m.ops.Close()
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		m.ops.Close()
		return ctx.Err()
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for {
		o, ok := m.ops.Dequeue()
		if !ok || o.kind == opStop {
			m.ops.Close()
			return
		}
		if err := m.apply(o); err != nil {
			m.metrics.Inc(metrics.PresenceError)
			m.log.Warn("presence update failed", "room_id", o.roomID, "participant_id", o.participantID, "err", err)
		}
	}
}

func (m *Mirror) apply(o op) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	key := m.ParticipantsKey(o.roomID)
	switch o.kind {
	case opJoin:
		_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, key, o.participantID)
			pipe.Expire(ctx, key, m.ttl)
			pipe.SAdd(ctx, m.RoomsKey(), o.roomID)
			pipe.Expire(ctx, m.RoomsKey(), m.ttl)
			return nil
		})
		return err
	case opLeave:
		if err := m.rdb.SRem(ctx, key, o.participantID).Err(); err != nil {
			return err
		}
		n, err := m.rdb.SCard(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, m.RoomsKey(), o.roomID)
			return nil
		})
		return err
	}
	return nil
}
