package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavana05/nearby-transfer/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// Device is the SQLite representation of a seen remote device.
type Device struct {
	DeviceID   string
	DeviceName string
	Room       string
	Status     string
	FirstSeen  int64
	LastSeen   int64
}

// Transfer is the SQLite representation of one file transfer record.
type Transfer struct {
	TransferID  string
	DeviceID    string
	FileName    string
	FileSize    int64
	Direction   string
	Status      string
	Progress    int
	Reason      string
	StartedAt   int64
	CompletedAt *int64
}

func validateDeviceStatus(status string) error {
	switch status {
	case models.DeviceStatusAvailable, models.DeviceStatusConnecting,
		models.DeviceStatusConnected, models.DeviceStatusUnavailable:
		return nil
	default:
		return fmt.Errorf("invalid device status %q", status)
	}
}

func validateDirection(direction string) error {
	switch direction {
	case models.TransferDirectionSend, models.TransferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case models.TransferStatusPending, models.TransferStatusActive,
		models.TransferStatusCompleted, models.TransferStatusFailed,
		models.TransferStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateProgress(progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("invalid progress %d", progress)
	}
	return nil
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
