package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultHandshakeTimeout bounds the wait for the relay's connected ack.
const DefaultHandshakeTimeout = 10 * time.Second

var (
	// ErrHandshakeTimeout means the relay never acknowledged the join.
	ErrHandshakeTimeout = errors.New("signaling: handshake timed out")
	// ErrClientClosed means the client socket is gone.
	ErrClientClosed = errors.New("signaling: client is closed")
)

// ClientOptions configures a relay client.
type ClientOptions struct {
	ServerURL        string
	Room             string
	DeviceName       string
	Logger           *zap.Logger
	HandshakeTimeout time.Duration
}

func (o ClientOptions) withDefaults() (ClientOptions, error) {
	if strings.TrimSpace(o.ServerURL) == "" {
		return o, errors.New("signaling: server URL is required")
	}
	if strings.TrimSpace(o.Room) == "" {
		return o, errors.New("signaling: room is required")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return o, nil
}

// Client is one device's connection to the relay.
type Client struct {
	opts   ClientOptions
	logger *zap.Logger
	conn   *websocket.Conn

	deviceID string
	roster   []DeviceInfo

	writeMu sync.Mutex

	messages chan Message

	closeOnce sync.Once
	done      chan struct{}

	errMu   sync.Mutex
	lastErr error
}

// Dial joins a room and waits for the relay's connected ack. The handshake
// deadline is the shorter of ctx and HandshakeTimeout; on timeout the socket
// is closed and an error returned.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	endpoint, err := buildWebSocketURL(opts.ServerURL, opts.Room, opts.DeviceName)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: dial %s: %w", endpoint, err)
	}

	client := &Client{
		opts:     opts,
		logger:   opts.Logger,
		conn:     conn,
		messages: make(chan Message, 64),
		done:     make(chan struct{}),
	}

	if err := client.awaitConnected(dialCtx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go client.readLoop()
	return client, nil
}

// DeviceID returns the relay-assigned id for this session.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// Roster returns the room members present when this client joined.
func (c *Client) Roster() []DeviceInfo {
	out := make([]DeviceInfo, len(c.roster))
	copy(out, c.roster)
	return out
}

// Messages delivers relay traffic until the socket closes.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Done is closed when the socket is gone, for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// LastError reports why the read loop stopped, if it stopped on an error.
func (c *Client) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// Send writes one envelope to the relay. Safe for concurrent use.
func (c *Client) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	raw, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout)); err != nil {
		return fmt.Errorf("signaling: set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("signaling: write %s message: %w", msg.Type, err)
	}
	return nil
}

// Close drops the relay connection.
func (c *Client) Close() {
	c.shutdown(nil)
}

func (c *Client) awaitConnected(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.HandshakeTimeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("signaling: set handshake deadline: %w", err)
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrHandshakeTimeout
			}
			return fmt.Errorf("signaling: handshake read: %w", err)
		}

		msg, err := DecodeMessage(raw)
		if err != nil {
			c.logger.Warn("discarding malformed handshake frame", zap.Error(err))
			continue
		}
		if msg.Type != TypeConnected {
			// The relay may interleave room traffic before the ack reaches
			// us; anything else at this stage is dropped.
			c.logger.Debug("ignoring pre-ack message", zap.String("type", msg.Type))
			continue
		}

		c.deviceID = msg.Target
		c.roster = msg.Devices
		return c.conn.SetReadDeadline(time.Time{})
	}
}

func (c *Client) readLoop() {
	defer close(c.messages)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		msg, err := DecodeMessage(raw)
		if err != nil {
			c.logger.Warn("discarding malformed relay frame", zap.Error(err))
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.errMu.Lock()
			c.lastErr = err
			c.errMu.Unlock()
		}
		close(c.done)
		_ = c.conn.Close()
	})
}

// buildWebSocketURL normalizes http(s) schemes to ws(s) and attaches the
// join query parameters.
func buildWebSocketURL(serverURL, room, name string) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("signaling: parse server URL: %w", err)
	}

	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("signaling: unsupported scheme %q", parsed.Scheme)
	}

	query := parsed.Query()
	query.Set("room", room)
	if name != "" {
		query.Set("name", name)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
