package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pavana05/nearby-transfer/models"
)

// SaveTransfer inserts a transfer record when the transfer is registered.
func (s *Store) SaveTransfer(transfer *Transfer) error {
	if transfer == nil {
		return errors.New("transfer is nil")
	}
	if strings.TrimSpace(transfer.TransferID) == "" {
		return errors.New("transfer ID is required")
	}
	if strings.TrimSpace(transfer.DeviceID) == "" {
		return errors.New("device ID is required")
	}
	if strings.TrimSpace(transfer.FileName) == "" {
		return errors.New("file name is required")
	}
	if transfer.FileSize < 0 {
		return fmt.Errorf("invalid file size %d", transfer.FileSize)
	}
	if err := validateDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.Status == "" {
		transfer.Status = models.TransferStatusPending
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if err := validateProgress(transfer.Progress); err != nil {
		return err
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(`
INSERT INTO transfers (transfer_id, device_id, file_name, file_size, direction, status, progress, reason, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		transfer.TransferID, transfer.DeviceID, transfer.FileName, transfer.FileSize,
		transfer.Direction, transfer.Status, transfer.Progress, transfer.Reason,
		transfer.StartedAt, nullInt64(transfer.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save transfer: %w", err)
	}
	return nil
}

// UpdateTransferProgress records a progress value for a live transfer.
func (s *Store) UpdateTransferProgress(transferID string, progress int) error {
	if strings.TrimSpace(transferID) == "" {
		return errors.New("transfer ID is required")
	}
	if err := validateProgress(progress); err != nil {
		return err
	}

	result, err := s.db.Exec(
		"UPDATE transfers SET progress = ? WHERE transfer_id = ?;",
		progress, transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer progress: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transfer progress rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeTransfer records the terminal status for a transfer.
func (s *Store) FinalizeTransfer(transferID, status, reason string, progress int) error {
	if strings.TrimSpace(transferID) == "" {
		return errors.New("transfer ID is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}
	if !models.TransferStatusTerminal(status) {
		return fmt.Errorf("status %q is not terminal", status)
	}
	if err := validateProgress(progress); err != nil {
		return err
	}

	completedAt := nowUnixMilli()
	result, err := s.db.Exec(`
UPDATE transfers SET status = ?, reason = ?, progress = ?, completed_at = ?
WHERE transfer_id = ?;
`, status, reason, progress, completedAt, transferID)
	if err != nil {
		return fmt.Errorf("finalize transfer: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize transfer rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransfer loads one transfer record by id.
func (s *Store) GetTransfer(transferID string) (*Transfer, error) {
	if strings.TrimSpace(transferID) == "" {
		return nil, errors.New("transfer ID is required")
	}

	row := s.db.QueryRow(`
SELECT transfer_id, device_id, file_name, file_size, direction, status, progress, reason, started_at, completed_at
FROM transfers WHERE transfer_id = ?;
`, transferID)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return transfer, nil
}

// ListTransfers returns transfer history for one device, newest first.
// An empty device id lists every transfer.
func (s *Store) ListTransfers(deviceID string, limit int) ([]*Transfer, error) {
	query := `
SELECT transfer_id, device_id, file_name, file_size, direction, status, progress, reason, started_at, completed_at
FROM transfers
`
	args := []any{}
	if deviceID != "" {
		query += "WHERE device_id = ?\n"
		args = append(args, deviceID)
	}
	query += "ORDER BY started_at DESC, transfer_id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	query += ";"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		transfers = append(transfers, transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return transfers, nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var (
		transfer    Transfer
		completedAt sql.NullInt64
	)
	if err := row.Scan(
		&transfer.TransferID,
		&transfer.DeviceID,
		&transfer.FileName,
		&transfer.FileSize,
		&transfer.Direction,
		&transfer.Status,
		&transfer.Progress,
		&transfer.Reason,
		&transfer.StartedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	transfer.CompletedAt = int64Ptr(completedAt)
	return &transfer, nil
}
