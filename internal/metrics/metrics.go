package metrics

import "sync"

// Event names. Counters are exported through PrometheusHandler as a single
// metric with an `event` label.
const (
	RoomCreated      = "room_created"
	RoomReleased     = "room_released"
	RoomJoin         = "room_join"
	RoomLeave        = "room_leave"
	RoomJoinRejected = "room_join_rejected"

	MessageRelayed       = "message_relayed"
	MessageDelivered     = "message_delivered"
	MessageDroppedTarget = "message_dropped_unknown_target"
	ProtocolError        = "protocol_error"
	SlowConsumerClosed   = "slow_consumer_closed"

	DropReasonRateLimited = "rate_limited"
	DropReasonTooLarge    = "message_too_large"

	PresenceError = "presence_error"

	LinkOpened          = "link_opened"
	LinkClosed          = "link_closed"
	LinkFailed          = "link_failed"
	OfferRejectedGlare  = "offer_rejected_glare"
	AnswerDiscarded     = "answer_discarded"
	CandidateBuffered   = "candidate_buffered"
	CandidateDropped    = "candidate_dropped"
	CandidateStale      = "candidate_stale"
	NegotiationTimeout  = "negotiation_timeout"
	MediaAcquireFailure = "media_acquire_failure"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is safe on a nil receiver so components can treat metrics as optional.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
