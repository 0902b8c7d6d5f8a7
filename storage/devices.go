package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type scanner interface {
	Scan(dest ...any) error
}

// UpsertDevice inserts a device row or refreshes name/room/status/last_seen.
func (s *Store) UpsertDevice(device *Device) error {
	if device == nil {
		return errors.New("device is nil")
	}
	if strings.TrimSpace(device.DeviceID) == "" {
		return errors.New("device ID is required")
	}
	if strings.TrimSpace(device.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if err := validateDeviceStatus(device.Status); err != nil {
		return err
	}

	now := nowUnixMilli()
	if device.FirstSeen == 0 {
		device.FirstSeen = now
	}
	if device.LastSeen == 0 {
		device.LastSeen = now
	}

	_, err := s.db.Exec(`
INSERT INTO devices (device_id, device_name, room, status, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
  device_name = excluded.device_name,
  room        = excluded.room,
  status      = excluded.status,
  last_seen   = excluded.last_seen;
`, device.DeviceID, device.DeviceName, device.Room, device.Status, device.FirstSeen, device.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// UpdateDeviceStatus transitions one device row and refreshes last_seen.
func (s *Store) UpdateDeviceStatus(deviceID, status string) error {
	if strings.TrimSpace(deviceID) == "" {
		return errors.New("device ID is required")
	}
	if err := validateDeviceStatus(status); err != nil {
		return err
	}

	result, err := s.db.Exec(
		"UPDATE devices SET status = ?, last_seen = ? WHERE device_id = ?;",
		status, nowUnixMilli(), deviceID,
	)
	if err != nil {
		return fmt.Errorf("update device status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update device status rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDevice loads one device row by id.
func (s *Store) GetDevice(deviceID string) (*Device, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, errors.New("device ID is required")
	}

	row := s.db.QueryRow(`
SELECT device_id, device_name, room, status, first_seen, last_seen
FROM devices WHERE device_id = ?;
`, deviceID)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}

// ListDevices returns devices seen in a room, most recent first.
// An empty room lists every known device.
func (s *Store) ListDevices(room string) ([]*Device, error) {
	query := `
SELECT device_id, device_name, room, status, first_seen, last_seen
FROM devices
`
	args := []any{}
	if room != "" {
		query += "WHERE room = ?\n"
		args = append(args, room)
	}
	query += "ORDER BY last_seen DESC, device_id;"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

func scanDevice(row scanner) (*Device, error) {
	var device Device
	if err := row.Scan(
		&device.DeviceID,
		&device.DeviceName,
		&device.Room,
		&device.Status,
		&device.FirstSeen,
		&device.LastSeen,
	); err != nil {
		return nil, err
	}
	return &device, nil
}
