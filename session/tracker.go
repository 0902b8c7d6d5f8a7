package session

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pavana05/nearby-transfer/models"
	"github.com/pavana05/nearby-transfer/storage"
)

// Observer receives a snapshot after every accepted tracker update.
type Observer func(models.Transfer)

var errUnknownTransfer = errors.New("session: unknown transfer")

// Tracker keeps the authoritative per-transfer snapshots. Progress never
// moves backwards and terminal states never change again; updates that would
// violate either rule are absorbed, not errored.
type Tracker struct {
	logger   *zap.Logger
	store    *storage.Store
	observer Observer

	mu        sync.Mutex
	transfers map[string]models.Transfer
}

// NewTracker creates a tracker. Store and observer may be nil.
func NewTracker(store *storage.Store, logger *zap.Logger, observer Observer) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		logger:    logger,
		store:     store,
		observer:  observer,
		transfers: make(map[string]models.Transfer),
	}
}

// Register adds a new pending transfer and notifies the observer.
func (t *Tracker) Register(transfer models.Transfer) error {
	if strings.TrimSpace(transfer.TransferID) == "" {
		return errors.New("session: transfer ID is required")
	}
	if transfer.Direction != models.TransferDirectionSend && transfer.Direction != models.TransferDirectionReceive {
		return fmt.Errorf("session: invalid transfer direction %q", transfer.Direction)
	}

	now := time.Now().UnixMilli()
	transfer.Status = models.TransferStatusPending
	transfer.Progress = 0
	transfer.StartedAt = now
	transfer.UpdatedAt = now

	t.mu.Lock()
	if _, exists := t.transfers[transfer.TransferID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("session: transfer %s already registered", transfer.TransferID)
	}
	t.transfers[transfer.TransferID] = transfer
	t.mu.Unlock()

	t.persistNew(transfer)
	t.notify(transfer)
	return nil
}

// Update applies a status/progress transition. Returns the resulting
// snapshot and whether anything changed.
func (t *Tracker) Update(transferID, status string, progress int, reason string) (models.Transfer, bool, error) {
	t.mu.Lock()
	current, exists := t.transfers[transferID]
	if !exists {
		t.mu.Unlock()
		return models.Transfer{}, false, errUnknownTransfer
	}

	if current.Terminal() {
		// Terminal snapshots are immutable; duplicate transitions are noise.
		t.mu.Unlock()
		return current, false, nil
	}

	next := current
	next.Status = status
	if reason != "" {
		next.Reason = reason
	}

	if progress > next.Progress {
		next.Progress = progress
	}
	if next.Progress > 100 {
		next.Progress = 100
	}
	if status == models.TransferStatusCompleted {
		next.Progress = 100
	}

	if next.Status == current.Status && next.Progress == current.Progress && next.Reason == current.Reason {
		t.mu.Unlock()
		return current, false, nil
	}

	next.UpdatedAt = time.Now().UnixMilli()
	t.transfers[transferID] = next
	t.mu.Unlock()

	t.persistUpdate(next)
	t.notify(next)
	return next, true, nil
}

// Get returns the snapshot for one transfer.
func (t *Tracker) Get(transferID string) (models.Transfer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	transfer, exists := t.transfers[transferID]
	return transfer, exists
}

// List returns every snapshot, oldest first.
func (t *Tracker) List() []models.Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.Transfer, 0, len(t.transfers))
	for _, transfer := range t.transfers {
		out = append(out, transfer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt == out[j].StartedAt {
			return out[i].TransferID < out[j].TransferID
		}
		return out[i].StartedAt < out[j].StartedAt
	})
	return out
}

func (t *Tracker) notify(transfer models.Transfer) {
	if t.observer == nil {
		return
	}
	t.observer(transfer)
}

func (t *Tracker) persistNew(transfer models.Transfer) {
	if t.store == nil {
		return
	}
	record := &storage.Transfer{
		TransferID: transfer.TransferID,
		DeviceID:   transfer.DeviceID,
		FileName:   transfer.FileName,
		FileSize:   transfer.FileSize,
		Direction:  transfer.Direction,
		Status:     transfer.Status,
		Progress:   transfer.Progress,
		StartedAt:  transfer.StartedAt,
	}
	if err := t.store.SaveTransfer(record); err != nil {
		t.logger.Warn("persist transfer failed",
			zap.String("transfer_id", transfer.TransferID),
			zap.Error(err))
	}
}

func (t *Tracker) persistUpdate(transfer models.Transfer) {
	if t.store == nil {
		return
	}

	var err error
	if transfer.Terminal() {
		err = t.store.FinalizeTransfer(transfer.TransferID, transfer.Status, transfer.Reason, transfer.Progress)
	} else {
		err = t.store.UpdateTransferProgress(transfer.TransferID, transfer.Progress)
	}
	if err != nil {
		t.logger.Warn("persist transfer update failed",
			zap.String("transfer_id", transfer.TransferID),
			zap.Error(err))
	}
}

// chunkProgress maps a completed chunk index to a whole percentage.
func chunkProgress(chunkIndex, totalChunks int) int {
	if totalChunks <= 0 {
		return 100
	}
	return int(math.Round(float64(chunkIndex+1) / float64(totalChunks) * 100))
}
