package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Data-channel control frames. Control frames travel as JSON text messages;
// file payload travels as raw binary messages between file-offer and
// file-complete.
const (
	// TypeFileOffer opens an inbound transfer on the receiving side.
	TypeFileOffer = "file-offer"
	// TypeFileComplete marks the end of a transfer's chunk stream.
	TypeFileComplete = "file-complete"
	// TypeFileCancel aborts a transfer from either side.
	TypeFileCancel = "file-cancel"
)

// ErrInvalidControlFrame indicates a text frame that is not a valid control
// message.
var ErrInvalidControlFrame = errors.New("session: invalid control frame")

// ControlFrame is the tagged union for data-channel control traffic.
type ControlFrame struct {
	Type        string `json:"type"`
	TransferID  string `json:"transferId"`
	FileName    string `json:"fileName,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// EncodeControlFrame marshals one control frame for the channel.
func EncodeControlFrame(frame ControlFrame) (string, error) {
	if strings.TrimSpace(frame.Type) == "" {
		return "", fmt.Errorf("%w: empty type", ErrInvalidControlFrame)
	}
	if strings.TrimSpace(frame.TransferID) == "" {
		return "", fmt.Errorf("%w: empty transfer id", ErrInvalidControlFrame)
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("session: encode %s frame: %w", frame.Type, err)
	}
	return string(raw), nil
}

// DecodeControlFrame unmarshals and validates one text frame.
func DecodeControlFrame(raw []byte) (ControlFrame, error) {
	var frame ControlFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return ControlFrame{}, fmt.Errorf("%w: %v", ErrInvalidControlFrame, err)
	}

	switch frame.Type {
	case TypeFileOffer, TypeFileComplete, TypeFileCancel:
	default:
		return ControlFrame{}, fmt.Errorf("%w: unknown type %q", ErrInvalidControlFrame, frame.Type)
	}
	if strings.TrimSpace(frame.TransferID) == "" {
		return ControlFrame{}, fmt.Errorf("%w: missing transfer id", ErrInvalidControlFrame)
	}
	if frame.Type == TypeFileOffer {
		if frame.FileSize < 0 {
			return ControlFrame{}, fmt.Errorf("%w: negative file size", ErrInvalidControlFrame)
		}
		if strings.TrimSpace(frame.FileName) == "" {
			return ControlFrame{}, fmt.Errorf("%w: missing file name", ErrInvalidControlFrame)
		}
	}
	return frame, nil
}

// chunkCount returns how many chunks a payload of the given size needs.
func chunkCount(fileSize int64, chunkSize int) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	count := fileSize / int64(chunkSize)
	if fileSize%int64(chunkSize) != 0 {
		count++
	}
	return int(count)
}
