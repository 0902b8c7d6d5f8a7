package signaling

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// DefaultRateWindow is the sliding window for the message budget.
	DefaultRateWindow = 10 * time.Second
	// DefaultMaxMessagesPerWindow is the per-client budget inside one window.
	DefaultMaxMessagesPerWindow = 200
	// DefaultIdleTimeout closes sessions with no inbound messages.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultMaxSessionAge closes sessions regardless of activity.
	DefaultMaxSessionAge = 2 * time.Hour
	// DefaultWriteTimeout bounds a single frame write to a client.
	DefaultWriteTimeout = 10 * time.Second

	maxFrameBytes = 64 * 1024
)

// ServerOptions configures the relay.
type ServerOptions struct {
	Logger               *zap.Logger
	RateWindow           time.Duration
	MaxMessagesPerWindow int
	IdleTimeout          time.Duration
	MaxSessionAge        time.Duration
	WriteTimeout         time.Duration
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.RateWindow <= 0 {
		o.RateWindow = DefaultRateWindow
	}
	if o.MaxMessagesPerWindow <= 0 {
		o.MaxMessagesPerWindow = DefaultMaxMessagesPerWindow
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.MaxSessionAge <= 0 {
		o.MaxSessionAge = DefaultMaxSessionAge
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Server is a room-scoped WebSocket relay. It never inspects SDP or ICE
// payloads; it only routes envelopes between room members.
type Server struct {
	opts     ServerOptions
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[string]*serverClient

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

type serverClient struct {
	id       string
	name     string
	room     string
	conn     *websocket.Conn
	joinedAt time.Time

	writeMu sync.Mutex

	windowStart time.Time
	windowCount int

	closeOnce sync.Once
}

// NewServer creates a relay with defaults applied.
func NewServer(opts ServerOptions) *Server {
	opts = opts.withDefaults()
	return &Server{
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms:  make(map[string]map[string]*serverClient),
		closed: make(chan struct{}),
	}
}

// ServeHTTP upgrades a join request. Query params: room (required), name.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closed:
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	room := strings.TrimSpace(r.URL.Query().Get("room"))
	if room == "" {
		http.Error(w, "room query parameter is required", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = "anonymous"
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &serverClient{
		id:          uuid.NewString(),
		name:        name,
		room:        room,
		conn:        conn,
		joinedAt:    time.Now(),
		windowStart: time.Now(),
	}

	roster := s.join(client)

	ack := NewMessage(TypeConnected)
	ack.Target = client.id
	ack.Devices = roster
	if err := s.writeTo(client, ack); err != nil {
		s.leave(client, "ack write failed")
		return
	}

	discovered := NewMessage(TypeDeviceDiscovered)
	discovered.From = client.id
	discovered.DeviceName = client.name
	s.broadcast(client.room, client.id, discovered)

	s.logger.Info("device joined",
		zap.String("room", room),
		zap.String("device_id", client.id),
		zap.String("device_name", name))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(client)
	}()
}

// Close force-closes every session and stops accepting joins.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		var clients []*serverClient
		for _, room := range s.rooms {
			for _, client := range room {
				clients = append(clients, client)
			}
		}
		s.mu.Unlock()

		for _, client := range clients {
			s.forceClose(client, ErrorCodeSessionExpired, "relay shutting down")
		}
		s.wg.Wait()
	})
}

// RoomSize reports current membership of a room.
func (s *Server) RoomSize(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[room])
}

func (s *Server) join(client *serverClient) []DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.rooms[client.room]
	if members == nil {
		members = make(map[string]*serverClient)
		s.rooms[client.room] = members
	}

	roster := make([]DeviceInfo, 0, len(members))
	for _, member := range members {
		roster = append(roster, DeviceInfo{DeviceID: member.id, DeviceName: member.name})
	}
	members[client.id] = client
	return roster
}

func (s *Server) leave(client *serverClient, reason string) {
	s.mu.Lock()
	members := s.rooms[client.room]
	if members == nil || members[client.id] != client {
		s.mu.Unlock()
		client.close()
		return
	}
	delete(members, client.id)
	if len(members) == 0 {
		delete(s.rooms, client.room)
	}
	s.mu.Unlock()

	client.close()

	gone := NewMessage(TypeDeviceDisconnected)
	gone.From = client.id
	gone.DeviceName = client.name
	s.broadcast(client.room, client.id, gone)

	s.logger.Info("device left",
		zap.String("room", client.room),
		zap.String("device_id", client.id),
		zap.String("reason", reason))
}

func (s *Server) readLoop(client *serverClient) {
	defer s.leave(client, "socket closed")

	client.conn.SetReadLimit(maxFrameBytes)

	for {
		if err := client.conn.SetReadDeadline(s.nextDeadline(client)); err != nil {
			return
		}

		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.forceClose(client, ErrorCodeSessionExpired, "session expired")
			}
			return
		}

		if !client.allowMessage(s.opts.RateWindow, s.opts.MaxMessagesPerWindow) {
			s.forceClose(client, ErrorCodeRateLimited, "message rate limit exceeded")
			return
		}

		msg, err := DecodeMessage(raw)
		if err != nil {
			// A malformed frame from one client must not disturb the room.
			s.logger.Warn("discarding malformed message",
				zap.String("device_id", client.id),
				zap.Error(err))
			continue
		}

		s.dispatch(client, msg)
	}
}

func (s *Server) dispatch(client *serverClient, msg Message) {
	if !Directed(msg.Type) {
		s.logger.Warn("discarding non-forwardable message",
			zap.String("device_id", client.id),
			zap.String("type", msg.Type))
		return
	}

	// Stamp the verified sender; clients cannot spoof each other.
	msg.From = client.id
	if msg.DeviceName == "" {
		msg.DeviceName = client.name
	}

	target := s.lookup(client.room, msg.Target)
	if target == nil {
		errMsg := NewMessage(TypeError)
		errMsg.Code = ErrorCodeUnknownTarget
		errMsg.Reason = "no device " + msg.Target + " in room"
		if err := s.writeTo(client, errMsg); err != nil {
			s.logger.Warn("error reply write failed", zap.String("device_id", client.id), zap.Error(err))
		}
		return
	}

	if err := s.writeTo(target, msg); err != nil {
		s.logger.Warn("relay write failed",
			zap.String("from", client.id),
			zap.String("target", target.id),
			zap.Error(err))
		s.leave(target, "write failed")
	}
}

func (s *Server) lookup(room, deviceID string) *serverClient {
	if deviceID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.rooms[room]
	if members == nil {
		return nil
	}
	return members[deviceID]
}

func (s *Server) broadcast(room, exceptID string, msg Message) {
	s.mu.Lock()
	members := s.rooms[room]
	targets := make([]*serverClient, 0, len(members))
	for id, member := range members {
		if id == exceptID {
			continue
		}
		targets = append(targets, member)
	}
	s.mu.Unlock()

	for _, target := range targets {
		if err := s.writeTo(target, msg); err != nil {
			s.logger.Warn("broadcast write failed",
				zap.String("target", target.id),
				zap.Error(err))
		}
	}
}

func (s *Server) writeTo(client *serverClient, msg Message) error {
	raw, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	if err := client.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return client.conn.WriteMessage(websocket.TextMessage, raw)
}

// forceClose tells the client why and drops the socket. Peers only see the
// usual device-disconnected broadcast.
func (s *Server) forceClose(client *serverClient, code, reason string) {
	errMsg := NewMessage(TypeError)
	errMsg.Code = code
	errMsg.Reason = reason
	_ = s.writeTo(client, errMsg)

	s.logger.Info("force closing session",
		zap.String("device_id", client.id),
		zap.String("code", code))
	s.leave(client, reason)
}

func (s *Server) nextDeadline(client *serverClient) time.Time {
	idle := time.Now().Add(s.opts.IdleTimeout)
	age := client.joinedAt.Add(s.opts.MaxSessionAge)
	if age.Before(idle) {
		return age
	}
	return idle
}

func (c *serverClient) allowMessage(window time.Duration, budget int) bool {
	now := time.Now()
	if now.Sub(c.windowStart) > window {
		c.windowStart = now
		c.windowCount = 0
	}
	c.windowCount++
	return c.windowCount <= budget
}

func (c *serverClient) close() {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
}
