package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pavana05/nearby-transfer/models"
)

func registerTestTransfer(t *testing.T, tracker *Tracker, transferID string) {
	t.Helper()
	err := tracker.Register(models.Transfer{
		TransferID: transferID,
		DeviceID:   "device-a",
		FileName:   "f.bin",
		FileSize:   1024,
		Direction:  models.TransferDirectionSend,
	})
	require.NoError(t, err)
}

func TestTrackerProgressNeverMovesBackwards(t *testing.T) {
	tracker := NewTracker(nil, nil, nil)
	registerTestTransfer(t, tracker, "xfer")

	_, changed, err := tracker.Update("xfer", models.TransferStatusActive, 40, "")
	require.NoError(t, err)
	require.True(t, changed)

	// A lower progress value is absorbed, not applied.
	snapshot, changed, err := tracker.Update("xfer", models.TransferStatusActive, 10, "")
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 40, snapshot.Progress)

	snapshot, _, err = tracker.Update("xfer", models.TransferStatusActive, 90, "")
	require.NoError(t, err)
	require.Equal(t, 90, snapshot.Progress)
}

func TestTrackerTerminalStatesAreImmutable(t *testing.T) {
	tracker := NewTracker(nil, nil, nil)
	registerTestTransfer(t, tracker, "xfer")

	snapshot, _, err := tracker.Update("xfer", models.TransferStatusCompleted, 0, "")
	require.NoError(t, err)
	require.Equal(t, models.TransferStatusCompleted, snapshot.Status)
	require.Equal(t, 100, snapshot.Progress, "completed implies 100")

	// Any further transition is a no-op.
	snapshot, changed, err := tracker.Update("xfer", models.TransferStatusFailed, 0, "late failure")
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, models.TransferStatusCompleted, snapshot.Status)
	require.Empty(t, snapshot.Reason)
}

func TestTrackerRejectsDuplicateRegistration(t *testing.T) {
	tracker := NewTracker(nil, nil, nil)
	registerTestTransfer(t, tracker, "xfer")

	err := tracker.Register(models.Transfer{
		TransferID: "xfer",
		DeviceID:   "device-b",
		FileName:   "other.bin",
		Direction:  models.TransferDirectionReceive,
	})
	require.Error(t, err)
}

func TestTrackerUnknownTransfer(t *testing.T) {
	tracker := NewTracker(nil, nil, nil)

	_, _, err := tracker.Update("missing", models.TransferStatusActive, 10, "")
	require.ErrorIs(t, err, errUnknownTransfer)
}

func TestTrackerObserverSeesMonotonicSnapshots(t *testing.T) {
	var (
		mu        sync.Mutex
		snapshots []models.Transfer
	)
	tracker := NewTracker(nil, nil, func(transfer models.Transfer) {
		mu.Lock()
		snapshots = append(snapshots, transfer)
		mu.Unlock()
	})
	registerTestTransfer(t, tracker, "xfer")

	for _, progress := range []int{5, 3, 20, 20, 55, 100} {
		_, _, err := tracker.Update("xfer", models.TransferStatusActive, progress, "")
		require.NoError(t, err)
	}
	_, _, err := tracker.Update("xfer", models.TransferStatusCompleted, 100, "")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snapshots)
	last := -1
	for _, snapshot := range snapshots {
		require.GreaterOrEqual(t, snapshot.Progress, last, "observer saw progress move backwards")
		last = snapshot.Progress
	}
	require.Equal(t, models.TransferStatusCompleted, snapshots[len(snapshots)-1].Status)
	require.Equal(t, 100, snapshots[len(snapshots)-1].Progress)
}

func TestChunkProgressFormula(t *testing.T) {
	require.Equal(t, 33, chunkProgress(0, 3))
	require.Equal(t, 67, chunkProgress(1, 3))
	require.Equal(t, 100, chunkProgress(2, 3))
	require.Equal(t, 100, chunkProgress(0, 1))
	// Empty payloads have no chunks; completion is 100 by definition.
	require.Equal(t, 100, chunkProgress(0, 0))
}

func TestChunkCount(t *testing.T) {
	require.Equal(t, 0, chunkCount(0, 16384))
	require.Equal(t, 1, chunkCount(1, 16384))
	require.Equal(t, 1, chunkCount(16384, 16384))
	require.Equal(t, 2, chunkCount(16385, 16384))
	require.Equal(t, 611, chunkCount(10_000_000, 16384))
}
