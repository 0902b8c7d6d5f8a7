package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pavana05/nearby-transfer/config"
	"github.com/pavana05/nearby-transfer/models"
	"github.com/pavana05/nearby-transfer/signaling"
	"github.com/pavana05/nearby-transfer/storage"
)

// SessionOptions configures one device's room session.
type SessionOptions struct {
	DeviceName   string
	STUNServers  []string
	ChunkSize    int
	DownloadsDir string
	Store        *storage.Store
	Logger       *zap.Logger

	// OnDeviceFound fires when a device appears or its status improves.
	OnDeviceFound func(models.Device)
	// OnDeviceLost fires when a device leaves the room or its link dies.
	OnDeviceLost func(models.Device)
	// OnTransferUpdate observes every accepted transfer snapshot.
	OnTransferUpdate func(models.Transfer)
	// OnFileReceived fires after an inbound file is fully written to disk.
	OnFileReceived func(models.ReceivedFile)
}

func (o SessionOptions) withDefaults() (SessionOptions, error) {
	if strings.TrimSpace(o.DeviceName) == "" {
		return o, errors.New("session: device name is required")
	}
	if strings.TrimSpace(o.DownloadsDir) == "" {
		return o, errors.New("session: downloads directory is required")
	}
	if len(o.STUNServers) == 0 {
		o.STUNServers = append([]string(nil), config.DefaultSTUNServers...)
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = config.DefaultChunkSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o, nil
}

// Session is one device's aggregate: the signaling client, the peer links,
// the transfer engine state and the progress tracker all hang off it. Two
// sessions in one process never share state.
type Session struct {
	opts    SessionOptions
	logger  *zap.Logger
	tracker *Tracker

	client  *signaling.Client
	localID string
	room    string

	mu      sync.Mutex
	devices map[string]*models.Device
	links   map[string]*peerLink

	// Indirections for the parts that touch the network; tests swap them.
	sendSignal func(signaling.Message) error
	connectFn  func(deviceID string)

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSession creates a session with defaults applied. Join must be called
// before any transfer can start.
func NewSession(opts SessionOptions) (*Session, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:    opts,
		logger:  opts.Logger,
		devices: make(map[string]*models.Device),
		links:   make(map[string]*peerLink),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.tracker = NewTracker(opts.Store, opts.Logger, opts.OnTransferUpdate)
	s.sendSignal = s.sendSignalDefault
	s.connectFn = s.connectTo
	return s, nil
}

// Join connects to the signaling relay and starts the dispatch loop. The
// relay assigns this session's device id.
func (s *Session) Join(ctx context.Context, serverURL, room string) error {
	if s.client != nil {
		return errors.New("session: already joined a room")
	}

	client, err := signaling.Dial(ctx, signaling.ClientOptions{
		ServerURL:  serverURL,
		Room:       room,
		DeviceName: s.opts.DeviceName,
		Logger:     s.logger,
	})
	if err != nil {
		return err
	}

	s.client = client
	s.localID = client.DeviceID()
	s.room = room

	s.logger.Info("joined room",
		zap.String("room", room),
		zap.String("device_id", s.localID))

	for _, member := range client.Roster() {
		s.upsertDevice(member.DeviceID, member.DeviceName, models.DeviceStatusAvailable)
		s.sendReady(member.DeviceID, signaling.TypeReady)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatchLoop()
	}()
	return nil
}

// LocalID returns the relay-assigned device id, empty before Join.
func (s *Session) LocalID() string {
	return s.localID
}

// Devices returns a snapshot of the known room members.
func (s *Session) Devices() []models.Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Device, 0, len(s.devices))
	for _, device := range s.devices {
		out = append(out, *device)
	}
	return out
}

// Transfers returns tracker snapshots, oldest first.
func (s *Session) Transfers() []models.Transfer {
	return s.tracker.List()
}

// Transfer returns one tracker snapshot.
func (s *Session) Transfer(transferID string) (models.Transfer, bool) {
	return s.tracker.Get(transferID)
}

// Disconnect tears down the peer link for one device, if any.
func (s *Session) Disconnect(deviceID string) {
	s.mu.Lock()
	link := s.links[deviceID]
	delete(s.links, deviceID)
	s.mu.Unlock()

	if link == nil {
		return
	}
	s.teardownLink(link, "disconnect requested")
}

// Close tears down every link and the signaling connection.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		links := make([]*peerLink, 0, len(s.links))
		for _, link := range s.links {
			links = append(links, link)
		}
		s.links = make(map[string]*peerLink)
		s.mu.Unlock()

		for _, link := range links {
			s.teardownLink(link, "session closed")
		}
		if s.client != nil {
			s.client.Close()
		}
		s.wg.Wait()
	})
}

// dispatchLoop routes relay traffic until the signaling socket dies. Losing
// signaling never interrupts running transfers; data channels stand on their
// own once open.
func (s *Session) dispatchLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.client.Messages():
			if !ok {
				if err := s.client.LastError(); err != nil {
					s.logger.Warn("signaling connection lost", zap.Error(err))
				} else {
					s.logger.Info("signaling connection closed")
				}
				s.clearRoster()
				return
			}
			s.handleSignal(msg)
		}
	}
}

func (s *Session) handleSignal(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeDeviceDiscovered:
		s.handleDeviceDiscovered(msg)
	case signaling.TypeDeviceDisconnected:
		s.handleDeviceDisconnected(msg)
	case signaling.TypeReady:
		s.handleReady(msg)
	case signaling.TypeReadyAck:
		s.handleReadyAck(msg)
	case signaling.TypeOffer:
		s.handleOffer(msg)
	case signaling.TypeAnswer:
		s.handleAnswer(msg)
	case signaling.TypeICECandidate:
		s.handleRemoteCandidate(msg)
	case signaling.TypeError:
		s.logger.Warn("relay error",
			zap.String("code", msg.Code),
			zap.String("reason", msg.Reason))
	default:
		// Protocol errors are logged and dropped, never fatal.
		s.logger.Warn("ignoring unexpected signal", zap.String("type", msg.Type))
	}
}

func (s *Session) handleDeviceDiscovered(msg signaling.Message) {
	if msg.From == "" || msg.From == s.localID {
		return
	}
	s.upsertDevice(msg.From, msg.DeviceName, models.DeviceStatusAvailable)
	s.sendReady(msg.From, signaling.TypeReady)
}

func (s *Session) handleDeviceDisconnected(msg signaling.Message) {
	if msg.From == "" {
		return
	}

	s.mu.Lock()
	link := s.links[msg.From]
	device := s.devices[msg.From]
	channelOpen := link != nil && link.channelReady()
	s.mu.Unlock()

	// A relay departure with a live data channel is only a signaling event;
	// the transfer path keeps running.
	if channelOpen {
		s.logger.Info("device left signaling, data channel stays up",
			zap.String("device_id", msg.From))
		return
	}

	s.mu.Lock()
	delete(s.links, msg.From)
	s.mu.Unlock()
	if link != nil {
		s.teardownLink(link, "device disconnected")
	}

	s.setDeviceStatus(msg.From, models.DeviceStatusUnavailable)
	if device != nil && s.opts.OnDeviceLost != nil {
		lost := *device
		lost.Status = models.DeviceStatusUnavailable
		s.opts.OnDeviceLost(lost)
	}
}

// Ready handshake: both sides announce readiness, the lexically lower device
// id initiates the WebRTC offer. No timers involved.
func (s *Session) handleReady(msg signaling.Message) {
	if msg.From == "" {
		return
	}
	s.upsertDevice(msg.From, msg.DeviceName, models.DeviceStatusAvailable)
	s.sendReady(msg.From, signaling.TypeReadyAck)
	s.maybeInitiate(msg.From)
}

func (s *Session) handleReadyAck(msg signaling.Message) {
	if msg.From == "" {
		return
	}
	s.maybeInitiate(msg.From)
}

func (s *Session) maybeInitiate(deviceID string) {
	if s.localID >= deviceID {
		return
	}

	s.mu.Lock()
	_, exists := s.links[deviceID]
	s.mu.Unlock()
	if exists {
		return
	}
	s.connectFn(deviceID)
}

func (s *Session) sendReady(deviceID, msgType string) {
	msg := signaling.NewMessage(msgType)
	msg.From = s.localID
	msg.Target = deviceID
	msg.DeviceName = s.opts.DeviceName
	if err := s.sendSignal(msg); err != nil {
		s.logger.Warn("send ready failed",
			zap.String("target", deviceID),
			zap.Error(err))
	}
}

func (s *Session) sendSignalDefault(msg signaling.Message) error {
	if s.client == nil {
		return errors.New("session: not joined")
	}
	return s.client.Send(msg)
}

func (s *Session) upsertDevice(deviceID, deviceName, status string) {
	if deviceName == "" {
		deviceName = deviceID
	}

	s.mu.Lock()
	device, exists := s.devices[deviceID]
	now := nowUnixMilli()
	if !exists {
		device = &models.Device{
			DeviceID:   deviceID,
			DeviceName: deviceName,
			Room:       s.room,
			Status:     status,
			FirstSeen:  now,
			LastSeen:   now,
		}
		s.devices[deviceID] = device
	} else {
		device.DeviceName = deviceName
		device.Status = status
		device.LastSeen = now
	}
	snapshot := *device
	s.mu.Unlock()

	s.persistDevice(snapshot)
	if !exists && s.opts.OnDeviceFound != nil {
		s.opts.OnDeviceFound(snapshot)
	}
}

func (s *Session) setDeviceStatus(deviceID, status string) {
	s.mu.Lock()
	device, exists := s.devices[deviceID]
	if !exists {
		s.mu.Unlock()
		return
	}
	device.Status = status
	device.LastSeen = nowUnixMilli()
	snapshot := *device
	s.mu.Unlock()

	s.persistDevice(snapshot)
}

func (s *Session) persistDevice(device models.Device) {
	if s.opts.Store == nil {
		return
	}
	record := &storage.Device{
		DeviceID:   device.DeviceID,
		DeviceName: device.DeviceName,
		Room:       device.Room,
		Status:     device.Status,
		FirstSeen:  device.FirstSeen,
		LastSeen:   device.LastSeen,
	}
	if err := s.opts.Store.UpsertDevice(record); err != nil {
		s.logger.Warn("persist device failed",
			zap.String("device_id", device.DeviceID),
			zap.Error(err))
	}
}

// clearRoster drops roster entries once the relay connection is gone. The
// relay is the sole source of truth for room membership; devices with an
// open data channel stay until their link dies.
func (s *Session) clearRoster() {
	s.mu.Lock()
	lost := make([]models.Device, 0, len(s.devices))
	for id, device := range s.devices {
		link := s.links[id]
		if link != nil && link.channelReady() {
			continue
		}
		delete(s.devices, id)
		snapshot := *device
		snapshot.Status = models.DeviceStatusUnavailable
		snapshot.LastSeen = nowUnixMilli()
		lost = append(lost, snapshot)
	}
	s.mu.Unlock()

	for _, device := range lost {
		s.persistDevice(device)
		if s.opts.OnDeviceLost != nil {
			s.opts.OnDeviceLost(device)
		}
	}
}

func (s *Session) link(deviceID string) *peerLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[deviceID]
}

// replaceLink installs a link for a device, closing any previous one. At
// most one link per remote device exists at a time.
func (s *Session) replaceLink(link *peerLink) {
	s.mu.Lock()
	previous := s.links[link.deviceID]
	s.links[link.deviceID] = link
	s.mu.Unlock()

	if previous != nil && previous != link {
		s.teardownLink(previous, "replaced by new connection")
	}
}

func (s *Session) dropLink(link *peerLink, reason string) {
	s.mu.Lock()
	if s.links[link.deviceID] == link {
		delete(s.links, link.deviceID)
	}
	s.mu.Unlock()
	s.teardownLink(link, reason)
}

func noActiveChannelError(deviceID string) error {
	return fmt.Errorf("session: no active data channel with device %s", deviceID)
}
