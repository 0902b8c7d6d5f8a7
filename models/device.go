package models

const (
	// DeviceStatusAvailable means the device is visible in the room but has
	// no open peer connection yet.
	DeviceStatusAvailable = "available"
	// DeviceStatusConnecting means a WebRTC handshake is in flight.
	DeviceStatusConnecting = "connecting"
	// DeviceStatusConnected means an open data channel exists.
	DeviceStatusConnected = "connected"
	// DeviceStatusUnavailable means the device left the room or its connection died.
	DeviceStatusUnavailable = "unavailable"
)

// Device represents a remote device seen through signaling or LAN discovery.
type Device struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Room       string `json:"room"`
	Status     string `json:"status"`
	FirstSeen  int64  `json:"first_seen"`
	LastSeen   int64  `json:"last_seen"`
}
