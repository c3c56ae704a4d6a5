// Package client is the participant side of the relay's WebSocket protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-signaling/internal/protocol"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
	joinTimeout  = 5 * time.Second
)

var (
	// ErrJoinRejected is returned by Dial when the relay answers the join with
	// an error envelope.
	ErrJoinRejected = errors.New("join rejected")
	ErrClosed       = errors.New("client closed")
)

type Config struct {
	// URL is the relay's ws:// or wss:// signaling endpoint.
	URL           string
	RoomID        string
	ParticipantID string
	// Origin, when set, is sent on the handshake.
	Origin string
	Logger *slog.Logger
	Dialer *websocket.Dialer
}

// Client is a joined room membership. It implements coordinator.Signaler.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	roomID        string
	participantID string
	roster        []string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

var _ coordinator.Signaler = (*Client)(nil)

// Dial connects to the relay and joins cfg.RoomID. It returns once the relay
// has confirmed the join.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if err := protocol.ValidateID("roomId", cfg.RoomID); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout}
	}

	header := http.Header{}
	if cfg.Origin != "" {
		header.Set("Origin", cfg.Origin)
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		conn:   conn,
		log:    logger,
		roomID: cfg.RoomID,
		closed: make(chan struct{}),
	}
	if err := c.join(ctx, cfg.ParticipantID); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.log = logger.With("room_id", c.roomID, "participant_id", c.participantID)
	return c, nil
}

func (c *Client) join(ctx context.Context, participantID string) error {
	if err := c.write(protocol.ClientMessage{
		Type:          protocol.ClientJoinRoom,
		RoomID:        c.roomID,
		ParticipantID: participantID,
	}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	deadline := time.Now().Add(joinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await join: %w", err)
	}
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		return fmt.Errorf("await join: %w", err)
	}
	switch msg.Type {
	case protocol.ServerJoined:
		c.participantID = msg.ParticipantID
		c.roster = msg.Participants
		return nil
	case protocol.ServerError:
		return fmt.Errorf("%w: %s: %s", ErrJoinRejected, msg.Code, msg.Detail)
	default:
		return fmt.Errorf("await join: unexpected %q envelope", msg.Type)
	}
}

// ParticipantID is the id the relay confirmed, which may have been assigned.
func (c *Client) ParticipantID() string {
	return c.participantID
}

func (c *Client) RoomID() string {
	return c.roomID
}

// Roster lists the members already present when this client joined.
func (c *Client) Roster() []string {
	return append([]string(nil), c.roster...)
}

// Send relays msg. RoomID is filled in; From is stamped by the relay.
func (c *Client) Send(msg protocol.SignalMessage) error {
	msg.RoomID = c.roomID
	msg.From = ""
	return c.write(protocol.ClientMessage{Type: protocol.ClientSignal, Message: &msg})
}

// Leave announces departure. The relay then closes the connection.
func (c *Client) Leave() error {
	return c.write(protocol.ClientMessage{Type: protocol.ClientLeave})
}

func (c *Client) write(msg protocol.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Run reads relay envelopes and passes them to handle until the connection
// ends or ctx is canceled. A normal close by the relay returns nil.
func (c *Client) Run(ctx context.Context, handle func(protocol.ServerMessage)) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-c.closed:
				return ErrClosed
			default:
			}
			return err
		}
		if typ != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.log.Warn("ignoring malformed relay message", "err", err)
			continue
		}
		if msg.Type == protocol.ServerError {
			c.log.Warn("relay error", "code", msg.Code, "detail", msg.Detail)
		}
		handle(msg)
	}
}

// Close sends a close frame and drops the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// ICEServersURL derives the relay's /webrtc/ice URL from its signaling URL.
func ICEServersURL(signalURL string) (string, error) {
	u, err := url.Parse(signalURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported signaling url scheme %q", u.Scheme)
	}
	u.Path = "/webrtc/ice"
	u.RawQuery = ""
	return u.String(), nil
}

// FetchICEServers reads the relay's ICE server list.
func FetchICEServers(ctx context.Context, httpClient *http.Client, iceURL, origin string) ([]webrtc.ICEServer, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iceURL, nil)
	if err != nil {
		return nil, err
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", iceURL, resp.StatusCode)
	}
	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return body.ICEServers, nil
}
