package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/pavana05/nearby-transfer/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenPath(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return store
}

func TestUpsertDeviceAndStatusTransitions(t *testing.T) {
	store := newTestStore(t)

	device := &Device{
		DeviceID:   "device-a",
		DeviceName: "Laptop",
		Room:       "kitchen",
		Status:     models.DeviceStatusAvailable,
	}
	if err := store.UpsertDevice(device); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}
	if device.FirstSeen == 0 || device.LastSeen == 0 {
		t.Fatalf("expected timestamps to be filled, got first=%d last=%d", device.FirstSeen, device.LastSeen)
	}

	if err := store.UpdateDeviceStatus("device-a", models.DeviceStatusConnected); err != nil {
		t.Fatalf("UpdateDeviceStatus failed: %v", err)
	}

	got, err := store.GetDevice("device-a")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.Status != models.DeviceStatusConnected {
		t.Fatalf("expected status %q, got %q", models.DeviceStatusConnected, got.Status)
	}

	// Upsert with a new name keeps first_seen but refreshes the rest.
	renamed := &Device{
		DeviceID:   "device-a",
		DeviceName: "Laptop (renamed)",
		Room:       "kitchen",
		Status:     models.DeviceStatusAvailable,
		FirstSeen:  got.FirstSeen,
	}
	if err := store.UpsertDevice(renamed); err != nil {
		t.Fatalf("second UpsertDevice failed: %v", err)
	}
	got, err = store.GetDevice("device-a")
	if err != nil {
		t.Fatalf("GetDevice after rename failed: %v", err)
	}
	if got.DeviceName != "Laptop (renamed)" {
		t.Fatalf("expected renamed device, got %q", got.DeviceName)
	}
}

func TestUpdateDeviceStatusUnknownDevice(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateDeviceStatus("missing", models.DeviceStatusUnavailable)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListDevicesFiltersByRoom(t *testing.T) {
	store := newTestStore(t)

	for _, d := range []*Device{
		{DeviceID: "a", DeviceName: "A", Room: "kitchen", Status: models.DeviceStatusAvailable},
		{DeviceID: "b", DeviceName: "B", Room: "kitchen", Status: models.DeviceStatusConnected},
		{DeviceID: "c", DeviceName: "C", Room: "garage", Status: models.DeviceStatusAvailable},
	} {
		if err := store.UpsertDevice(d); err != nil {
			t.Fatalf("UpsertDevice %q failed: %v", d.DeviceID, err)
		}
	}

	kitchen, err := store.ListDevices("kitchen")
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(kitchen) != 2 {
		t.Fatalf("expected 2 kitchen devices, got %d", len(kitchen))
	}

	all, err := store.ListDevices("")
	if err != nil {
		t.Fatalf("ListDevices all failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(all))
	}
}

func TestTransferLifecycle(t *testing.T) {
	store := newTestStore(t)

	transfer := &Transfer{
		TransferID: "xfer-1",
		DeviceID:   "device-a",
		FileName:   "photo.jpg",
		FileSize:   50 * 1024,
		Direction:  models.TransferDirectionSend,
	}
	if err := store.SaveTransfer(transfer); err != nil {
		t.Fatalf("SaveTransfer failed: %v", err)
	}
	if transfer.Status != models.TransferStatusPending {
		t.Fatalf("expected default pending status, got %q", transfer.Status)
	}

	if err := store.UpdateTransferProgress("xfer-1", 40); err != nil {
		t.Fatalf("UpdateTransferProgress failed: %v", err)
	}
	if err := store.FinalizeTransfer("xfer-1", models.TransferStatusCompleted, "", 100); err != nil {
		t.Fatalf("FinalizeTransfer failed: %v", err)
	}

	got, err := store.GetTransfer("xfer-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Status != models.TransferStatusCompleted {
		t.Fatalf("expected completed, got %q", got.Status)
	}
	if got.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", got.Progress)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
}

func TestFinalizeTransferRejectsNonTerminalStatus(t *testing.T) {
	store := newTestStore(t)

	transfer := &Transfer{
		TransferID: "xfer-2",
		DeviceID:   "device-a",
		FileName:   "doc.pdf",
		FileSize:   1024,
		Direction:  models.TransferDirectionReceive,
	}
	if err := store.SaveTransfer(transfer); err != nil {
		t.Fatalf("SaveTransfer failed: %v", err)
	}

	if err := store.FinalizeTransfer("xfer-2", models.TransferStatusActive, "", 10); err == nil {
		t.Fatalf("expected error finalizing with non-terminal status")
	}
}

func TestListTransfersNewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)

	for i, id := range []string{"t1", "t2", "t3"} {
		transfer := &Transfer{
			TransferID: id,
			DeviceID:   "device-a",
			FileName:   "f.bin",
			FileSize:   1,
			Direction:  models.TransferDirectionSend,
			StartedAt:  int64(1000 + i),
		}
		if err := store.SaveTransfer(transfer); err != nil {
			t.Fatalf("SaveTransfer %q failed: %v", id, err)
		}
	}

	transfers, err := store.ListTransfers("device-a", 2)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(transfers))
	}
	if transfers[0].TransferID != "t3" {
		t.Fatalf("expected newest transfer first, got %q", transfers[0].TransferID)
	}
}
