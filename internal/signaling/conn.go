package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/queue"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/room"
)

const wsWriteWait = 1 * time.Second

// Error codes carried in "error" envelopes.
const (
	codeBadMessage        = "bad_message"
	codeRateLimited       = "rate_limited"
	codeAlreadyJoined     = "already_joined"
	codeParticipantExists = "participant_exists"
	codeRoomFull          = "room_full"
	codeNotJoined         = "not_joined"
	codeRoomMismatch      = "room_mismatch"
)

// outbound is one queued write. A non-zero closeCode marks a close frame; the
// write pump stops after sending it.
type outbound struct {
	data        []byte
	closeCode   int
	closeReason string
}

func outboundCost(o outbound) int { return len(o.data) }

// wsConn is one participant connection. It implements room.Conn.
type wsConn struct {
	srv     *Server
	conn    *websocket.Conn
	log     *slog.Logger
	limiter *ratelimit.TokenBucket

	// roomLog carries room and participant attributes once joined. Only the
	// read loop touches it.
	roomLog *slog.Logger

	out      *queue.Queue[outbound]
	pumpDone chan struct{}
	overflow atomic.Bool

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

var _ room.Conn = (*wsConn)(nil)

// Deliver queues msg for the write pump. A connection whose queue overflows
// is closed; the room learns about it through the normal leave path.
func (c *wsConn) Deliver(msg protocol.ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to encode signaling message", "type", msg.Type, "err", err)
		return false
	}
	if c.out.Enqueue(outbound{data: data}) {
		return true
	}

	select {
	case <-c.done:
	default:
		if !c.overflow.CompareAndSwap(false, true) {
			return false
		}
		c.srv.metrics.Inc(metrics.SlowConsumerClosed)
		c.log.Warn("closing slow signaling connection", "queued", c.out.Len())
		go func() {
			c.closeWith(websocket.ClosePolicyViolation, "send queue overflow")
			c.shutdown()
		}()
	}
	return false
}

func (c *wsConn) run() {
	defer func() {
		c.srv.hub.Leave(c)
		c.shutdown()
	}()

	c.conn.SetReadLimit(c.srv.maxMessageBytes)
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	go c.writePump()
	go c.pingLoop()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent a message-too-big close frame.
				c.srv.metrics.Inc(metrics.DropReasonTooLarge)
			case isTimeout(err):
				c.roomLog.Debug("signaling connection idle")
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		c.extendReadDeadline()

		// Rate limiting happens after the read so the close frame is not lost
		// to an abortive close on unread data.
		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.DropReasonRateLimited)
			c.fail(codeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.fail(codeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.protocolError(codeBadMessage, err.Error())
			continue
		}
		if !c.handle(msg) {
			return
		}
	}
}

// handle processes one client envelope. It returns false when the
// connection should end.
func (c *wsConn) handle(msg protocol.ClientMessage) bool {
	switch msg.Type {
	case protocol.ClientJoinRoom:
		participantID := msg.ParticipantID
		if participantID == "" {
			participantID = c.srv.newParticipantID()
		}
		res, err := c.srv.hub.Join(c, msg.RoomID, participantID)
		if err != nil {
			c.protocolError(joinErrorCode(err), err.Error())
			return true
		}
		c.roomLog = c.log.With("room_id", res.RoomID, "participant_id", res.ParticipantID)
		c.roomLog.Info("participant joined room", "others", len(res.Others))
	case protocol.ClientSignal:
		_, err := c.srv.hub.Relay(c, *msg.Message)
		switch {
		case err == nil:
		case errors.Is(err, room.ErrUnknownTarget):
			// The departure notification is authoritative; a late message for a
			// peer that already left is dropped quietly.
			c.roomLog.Debug("dropping message for unknown target", "type", msg.Message.Type, "target", msg.Message.Target)
		case errors.Is(err, room.ErrNotJoined):
			c.protocolError(codeNotJoined, "join a room before sending messages")
		case errors.Is(err, room.ErrRoomMismatch):
			c.protocolError(codeRoomMismatch, err.Error())
		default:
			c.protocolError(codeBadMessage, err.Error())
		}
	case protocol.ClientLeave:
		c.srv.hub.Leave(c)
		c.closeWith(websocket.CloseNormalClosure, "left")
		return false
	}
	return true
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrAlreadyJoined):
		return codeAlreadyJoined
	case errors.Is(err, room.ErrParticipantExists):
		return codeParticipantExists
	case errors.Is(err, room.ErrRoomFull):
		return codeRoomFull
	default:
		return codeBadMessage
	}
}

// protocolError reports a recoverable client mistake; the connection stays
// open.
func (c *wsConn) protocolError(code, detail string) {
	c.srv.metrics.Inc(metrics.ProtocolError)
	c.roomLog.Debug("signaling protocol error", "code", code, "detail", detail)
	c.Deliver(protocol.Error(code, detail))
}

func (c *wsConn) writePump() {
	defer close(c.pumpDone)
	for {
		item, ok := c.out.Dequeue()
		if !ok {
			return
		}
		if item.closeCode != 0 {
			c.closeWith(item.closeCode, item.closeReason)
			return
		}
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err := c.conn.WriteMessage(websocket.TextMessage, item.data)
		c.writeMu.Unlock()
		if err != nil {
			c.shutdown()
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) extendReadDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
}

// fail queues an error envelope followed by a close frame and waits briefly
// for the write pump to flush both.
func (c *wsConn) fail(code, detail string, closeCode int, closeReason string) {
	c.Deliver(protocol.Error(code, detail))
	if !c.out.Enqueue(outbound{closeCode: closeCode, closeReason: closeReason}) {
		c.closeWith(closeCode, closeReason)
		return
	}
	timer := time.NewTimer(2 * wsWriteWait)
	defer timer.Stop()
	select {
	case <-c.pumpDone:
	case <-timer.C:
	}
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.out.Close()
		_ = c.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
