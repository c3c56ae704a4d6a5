package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/coordinator"
)

const opusFrameDuration = 20 * time.Millisecond

// opusSilence is a single Opus frame encoding 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceSource produces an Opus audio track carrying silence. It stands in
// for a capture device in headless participants.
type SilenceSource struct {
	// StreamID defaults to a random UUID.
	StreamID string
	Logger   *slog.Logger
}

var _ coordinator.MediaSource = (*SilenceSource)(nil)

func (s *SilenceSource) Acquire(ctx context.Context) (coordinator.Media, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := s.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	m := &silence{
		track: track,
		log:   logger.With("stream_id", streamID),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go m.run()
	return m, nil
}

type silence struct {
	track *webrtc.TrackLocalStaticSample
	log   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func (m *silence) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{m.track}
}

// Stop ends sample generation and waits for the writer to exit.
func (m *silence) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *silence) run() {
	defer close(m.done)
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			// Writes before the track is bound to a connection are dropped.
			if err := m.track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration}); err != nil {
				m.log.Debug("write audio sample failed", "err", err)
			}
		}
	}
}
