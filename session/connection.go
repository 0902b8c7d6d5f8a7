package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/pavana05/nearby-transfer/models"
	"github.com/pavana05/nearby-transfer/signaling"
)

const dataChannelLabel = "file-transfer"

// dataChannelMaxRetransmits bounds SCTP retransmission attempts per chunk.
const dataChannelMaxRetransmits uint16 = 3

// peerLink is the per-device connection state: one peer connection, at most
// one data channel, and the live transfer bookkeeping for that device.
type peerLink struct {
	deviceID string

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	channel  dataChannel
	open     bool
	outbound map[string]struct{}
	inbound  map[string]*inboundTransfer
	// currentInbound names the transfer raw binary frames belong to; the
	// chunk stream carries no ids of its own.
	currentInbound string

	closeOnce sync.Once
}

func newPeerLink(deviceID string) *peerLink {
	return &peerLink{
		deviceID: deviceID,
		outbound: make(map[string]struct{}),
		inbound:  make(map[string]*inboundTransfer),
	}
}

func (l *peerLink) attachChannel(channel dataChannel) {
	l.mu.Lock()
	l.channel = channel
	l.mu.Unlock()
}

func (l *peerLink) markOpen(open bool) {
	l.mu.Lock()
	l.open = open
	l.mu.Unlock()
}

func (l *peerLink) channelReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channel != nil && l.open
}

func (l *peerLink) activeChannel() dataChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return nil
	}
	return l.channel
}

// transferIDs snapshots every transfer currently bound to this link.
func (l *peerLink) transferIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.outbound)+len(l.inbound))
	for id := range l.outbound {
		ids = append(ids, id)
	}
	for id := range l.inbound {
		ids = append(ids, id)
	}
	return ids
}

// connectTo builds the initiator side: peer connection, data channel, offer.
func (s *Session) connectTo(deviceID string) {
	s.setDeviceStatus(deviceID, models.DeviceStatusConnecting)

	link := newPeerLink(deviceID)
	pc, err := s.newPeerConnection(link)
	if err != nil {
		s.logger.Error("create peer connection failed",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return
	}
	link.pc = pc
	s.replaceLink(link)

	ordered := true
	maxRetransmits := dataChannelMaxRetransmits
	channel, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		s.logger.Error("create data channel failed",
			zap.String("device_id", deviceID),
			zap.Error(err))
		s.dropLink(link, "data channel setup failed")
		return
	}
	s.setupDataChannel(link, channel)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.logger.Error("create offer failed", zap.String("device_id", deviceID), zap.Error(err))
		s.dropLink(link, "offer failed")
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.logger.Error("set local description failed", zap.String("device_id", deviceID), zap.Error(err))
		s.dropLink(link, "offer failed")
		return
	}

	msg := signaling.NewMessage(signaling.TypeOffer)
	msg.From = s.localID
	msg.Target = deviceID
	msg.SDP = pc.LocalDescription()
	if err := s.sendSignal(msg); err != nil {
		s.logger.Error("send offer failed", zap.String("device_id", deviceID), zap.Error(err))
		s.dropLink(link, "offer failed")
	}
}

// handleOffer builds the answerer side. A fresh offer replaces any existing
// link for the same device.
func (s *Session) handleOffer(msg signaling.Message) {
	if msg.From == "" || msg.SDP == nil {
		s.logger.Warn("discarding malformed offer", zap.String("from", msg.From))
		return
	}

	s.upsertDevice(msg.From, msg.DeviceName, models.DeviceStatusConnecting)

	link := newPeerLink(msg.From)
	pc, err := s.newPeerConnection(link)
	if err != nil {
		s.logger.Error("create peer connection failed",
			zap.String("device_id", msg.From),
			zap.Error(err))
		return
	}
	link.pc = pc
	s.replaceLink(link)

	if err := pc.SetRemoteDescription(*msg.SDP); err != nil {
		s.logger.Warn("set remote offer failed",
			zap.String("device_id", msg.From),
			zap.Error(err))
		s.dropLink(link, "bad offer")
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.logger.Error("create answer failed", zap.String("device_id", msg.From), zap.Error(err))
		s.dropLink(link, "answer failed")
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.logger.Error("set local answer failed", zap.String("device_id", msg.From), zap.Error(err))
		s.dropLink(link, "answer failed")
		return
	}

	reply := signaling.NewMessage(signaling.TypeAnswer)
	reply.From = s.localID
	reply.Target = msg.From
	reply.SDP = pc.LocalDescription()
	if err := s.sendSignal(reply); err != nil {
		s.logger.Error("send answer failed", zap.String("device_id", msg.From), zap.Error(err))
		s.dropLink(link, "answer failed")
	}
}

func (s *Session) handleAnswer(msg signaling.Message) {
	link := s.link(msg.From)
	if link == nil || link.pc == nil || msg.SDP == nil {
		s.logger.Warn("discarding answer without pending offer", zap.String("from", msg.From))
		return
	}
	if link.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		s.logger.Warn("discarding stale answer",
			zap.String("from", msg.From),
			zap.String("state", link.pc.SignalingState().String()))
		return
	}
	if err := link.pc.SetRemoteDescription(*msg.SDP); err != nil {
		s.logger.Warn("set remote answer failed", zap.String("from", msg.From), zap.Error(err))
	}
}

// handleRemoteCandidate applies a trickled candidate. Candidates that arrive
// before the remote description are dropped, not queued; the peer keeps
// trickling and later candidates land normally.
func (s *Session) handleRemoteCandidate(msg signaling.Message) {
	link := s.link(msg.From)
	if link == nil || link.pc == nil || msg.Candidate == nil {
		s.logger.Warn("discarding candidate without connection", zap.String("from", msg.From))
		return
	}
	if link.pc.RemoteDescription() == nil {
		s.logger.Warn("discarding early candidate", zap.String("from", msg.From))
		return
	}
	if err := link.pc.AddICECandidate(*msg.Candidate); err != nil {
		s.logger.Warn("add candidate failed", zap.String("from", msg.From), zap.Error(err))
	}
}

func (s *Session) newPeerConnection(link *peerLink) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: s.opts.STUNServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("session: new peer connection: %w", err)
	}

	deviceID := link.deviceID

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		msg := signaling.NewMessage(signaling.TypeICECandidate)
		msg.From = s.localID
		msg.Target = deviceID
		msg.Candidate = &init
		if err := s.sendSignal(msg); err != nil {
			s.logger.Warn("send candidate failed", zap.String("device_id", deviceID), zap.Error(err))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.setDeviceStatus(deviceID, models.DeviceStatusConnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.handleLinkFailure(link, state.String())
		}
	})

	pc.OnDataChannel(func(channel *webrtc.DataChannel) {
		if channel.Label() != dataChannelLabel {
			s.logger.Warn("ignoring unexpected data channel",
				zap.String("device_id", deviceID),
				zap.String("label", channel.Label()))
			return
		}
		s.setupDataChannel(link, channel)
	})

	return pc, nil
}

func (s *Session) setupDataChannel(link *peerLink, channel *webrtc.DataChannel) {
	link.attachChannel(channel)

	channel.OnOpen(func() {
		link.markOpen(true)
		s.setDeviceStatus(link.deviceID, models.DeviceStatusConnected)
		s.logger.Info("data channel open", zap.String("device_id", link.deviceID))
	})

	channel.OnClose(func() {
		link.markOpen(false)
		s.handleLinkFailure(link, "data channel closed")
	})

	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.handleChannelMessage(link, msg.IsString, msg.Data)
	})
}

func (s *Session) handleLinkFailure(link *peerLink, reason string) {
	s.mu.Lock()
	current := s.links[link.deviceID] == link
	s.mu.Unlock()
	if !current {
		return
	}

	s.logger.Info("peer link down",
		zap.String("device_id", link.deviceID),
		zap.String("reason", reason))

	s.mu.Lock()
	delete(s.links, link.deviceID)
	device := s.devices[link.deviceID]
	s.mu.Unlock()

	s.teardownLink(link, reason)
	s.setDeviceStatus(link.deviceID, models.DeviceStatusUnavailable)
	if device != nil && s.opts.OnDeviceLost != nil {
		lost := *device
		lost.Status = models.DeviceStatusUnavailable
		s.opts.OnDeviceLost(lost)
	}
}

// teardownLink closes the transport and fails every non-terminal transfer
// bound to the link.
func (s *Session) teardownLink(link *peerLink, reason string) {
	transferIDs := link.transferIDs()

	link.closeOnce.Do(func() {
		link.mu.Lock()
		channel := link.channel
		pc := link.pc
		link.open = false
		link.channel = nil
		link.currentInbound = ""
		link.inbound = make(map[string]*inboundTransfer)
		link.mu.Unlock()

		if channel != nil {
			_ = channel.Close()
		}
		if pc != nil {
			_ = pc.Close()
		}
	})

	for _, transferID := range transferIDs {
		if _, _, err := s.tracker.Update(transferID, models.TransferStatusFailed, 0, "connection lost"); err != nil {
			s.logger.Warn("fail transfer on teardown",
				zap.String("transfer_id", transferID),
				zap.Error(err))
		}
	}
	s.logger.Debug("link torn down",
		zap.String("device_id", link.deviceID),
		zap.String("reason", reason))
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
