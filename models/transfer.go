package models

const (
	// TransferDirectionSend marks a locally initiated outbound transfer.
	TransferDirectionSend = "send"
	// TransferDirectionReceive marks an inbound transfer.
	TransferDirectionReceive = "receive"
)

const (
	// TransferStatusPending means the transfer is registered but no chunk
	// has moved yet.
	TransferStatusPending = "pending"
	// TransferStatusActive means chunks are flowing.
	TransferStatusActive = "active"
	// TransferStatusCompleted is terminal: every byte arrived.
	TransferStatusCompleted = "completed"
	// TransferStatusFailed is terminal: the transfer broke and will not resume.
	TransferStatusFailed = "failed"
	// TransferStatusCancelled is terminal: one side sent a cancel frame.
	TransferStatusCancelled = "cancelled"
)

// Transfer is one snapshot of a file transfer's observable state.
type Transfer struct {
	TransferID string `json:"transfer_id"`
	DeviceID   string `json:"device_id"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	Direction  string `json:"direction"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	Reason     string `json:"reason,omitempty"`
	StartedAt  int64  `json:"started_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Terminal reports whether the snapshot is in a final state.
func (t Transfer) Terminal() bool {
	return TransferStatusTerminal(t.Status)
}

// TransferStatusTerminal reports whether a status admits no further updates.
func TransferStatusTerminal(status string) bool {
	switch status {
	case TransferStatusCompleted, TransferStatusFailed, TransferStatusCancelled:
		return true
	default:
		return false
	}
}

// ReceivedFile describes a fully reassembled inbound file written to disk.
type ReceivedFile struct {
	TransferID string `json:"transfer_id"`
	DeviceID   string `json:"device_id"`
	FileName   string `json:"file_name"`
	Size       int64  `json:"size"`
	StoredPath string `json:"stored_path"`
}
