package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const (
	// TypeConnected acknowledges a join and carries the assigned device id.
	TypeConnected = "connected"
	// TypeDeviceDiscovered announces a new room member to existing members.
	TypeDeviceDiscovered = "device-discovered"
	// TypeDeviceDisconnected announces a member leaving for any reason.
	TypeDeviceDisconnected = "device-disconnected"
	// TypeReady signals the sender is prepared to accept a WebRTC offer.
	TypeReady = "ready"
	// TypeReadyAck answers a ready message.
	TypeReadyAck = "ready-ack"
	// TypeOffer carries an SDP offer to a target device.
	TypeOffer = "offer"
	// TypeAnswer carries an SDP answer to a target device.
	TypeAnswer = "answer"
	// TypeICECandidate carries one trickled ICE candidate to a target device.
	TypeICECandidate = "ice-candidate"
	// TypeError reports a relay-side problem to one client.
	TypeError = "error"
)

const (
	// ErrorCodeUnknownTarget means the target device is not in the room.
	ErrorCodeUnknownTarget = "unknown-target"
	// ErrorCodeRateLimited means the sender exceeded the relay message budget.
	ErrorCodeRateLimited = "rate-limited"
	// ErrorCodeSessionExpired means the relay closed an idle or aged session.
	ErrorCodeSessionExpired = "session-expired"
)

var (
	// ErrInvalidMessage indicates a frame that does not decode to a message.
	ErrInvalidMessage = errors.New("signaling: invalid message")
	// ErrUnknownType indicates a message with an unrecognized type.
	ErrUnknownType = errors.New("signaling: unknown message type")
)

// DeviceInfo names one room member in roster and discovery messages.
type DeviceInfo struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

// Message is the relay envelope. One flat struct covers every type; unused
// fields stay empty and are omitted on the wire.
type Message struct {
	Type       string                     `json:"type"`
	MessageID  string                     `json:"messageId,omitempty"`
	From       string                     `json:"from,omitempty"`
	Target     string                     `json:"target,omitempty"`
	DeviceName string                     `json:"deviceName,omitempty"`
	Devices    []DeviceInfo               `json:"devices,omitempty"`
	SDP        *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate  *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Code       string                     `json:"code,omitempty"`
	Reason     string                     `json:"reason,omitempty"`
	Timestamp  int64                      `json:"timestamp,omitempty"`
}

// NewMessage builds an envelope with a fresh message id and timestamp.
func NewMessage(msgType string) Message {
	return Message{
		Type:      msgType,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
	}
}

// EncodeMessage marshals an envelope for the wire.
func EncodeMessage(msg Message) ([]byte, error) {
	if strings.TrimSpace(msg.Type) == "" {
		return nil, fmt.Errorf("%w: empty type", ErrInvalidMessage)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("signaling: encode %s message: %w", msg.Type, err)
	}
	return raw, nil
}

// DecodeMessage unmarshals and validates one wire frame.
func DecodeMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !knownType(msg.Type) {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

// Directed reports whether the message type is relayed to a single target.
func Directed(msgType string) bool {
	switch msgType {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeReady, TypeReadyAck:
		return true
	default:
		return false
	}
}

func knownType(msgType string) bool {
	switch msgType {
	case TypeConnected, TypeDeviceDiscovered, TypeDeviceDisconnected,
		TypeReady, TypeReadyAck, TypeOffer, TypeAnswer, TypeICECandidate,
		TypeError:
		return true
	default:
		return false
	}
}
