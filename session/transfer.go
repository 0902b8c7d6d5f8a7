package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pavana05/nearby-transfer/models"
)

const (
	// bufferedAmountFactor caps the channel's send queue at this many chunks.
	bufferedAmountFactor = 10
	// backpressureDelay is the wait while the send queue is above the cap.
	backpressureDelay = 10 * time.Millisecond
	// chunkYieldInterval is how many chunks go out between scheduler yields.
	chunkYieldInterval = 100
	// chunkYieldDelay is the pause at each yield point.
	chunkYieldDelay = time.Millisecond
	// inboundPreallocLimit caps the reassembly buffer's initial allocation.
	// Announced file sizes are remote input; the buffer grows past this only
	// as real bytes arrive, bounded by the overrun check in handleChunk.
	inboundPreallocLimit = 4 << 20
)

// dataChannel is the slice of *webrtc.DataChannel the engine needs. Tests
// substitute an in-memory implementation with a controllable send queue.
type dataChannel interface {
	Label() string
	Send(data []byte) error
	SendText(text string) error
	BufferedAmount() uint64
	Close() error
}

// inboundTransfer is the reassembly state for one incoming file.
type inboundTransfer struct {
	transferID     string
	fileName       string
	fileSize       int64
	totalChunks    int
	buf            []byte
	chunksReceived int
}

// SendFile streams one file to a connected device. It returns the transfer
// id immediately; progress and completion arrive through the tracker
// observer. One outbound transfer per device at a time, because the chunk
// stream itself carries no transfer ids.
func (s *Session) SendFile(deviceID, sourcePath string) (string, error) {
	link := s.link(deviceID)
	if link == nil {
		return "", noActiveChannelError(deviceID)
	}
	channel := link.activeChannel()
	if channel == nil {
		return "", noActiveChannelError(deviceID)
	}

	info, err := os.Stat(sourcePath)
	if err != nil {
		return "", fmt.Errorf("session: stat source file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("session: %s is not a regular file", sourcePath)
	}

	link.mu.Lock()
	if len(link.outbound) > 0 {
		link.mu.Unlock()
		return "", fmt.Errorf("session: transfer already in progress with device %s", deviceID)
	}
	transferID := uuid.NewString()
	link.outbound[transferID] = struct{}{}
	link.mu.Unlock()

	transfer := models.Transfer{
		TransferID: transferID,
		DeviceID:   deviceID,
		FileName:   filepath.Base(sourcePath),
		FileSize:   info.Size(),
		Direction:  models.TransferDirectionSend,
	}
	if err := s.tracker.Register(transfer); err != nil {
		link.mu.Lock()
		delete(link.outbound, transferID)
		link.mu.Unlock()
		return "", err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOutboundTransfer(link, channel, transferID, sourcePath, transfer.FileName, info.Size())
	}()

	return transferID, nil
}

// Cancel aborts one transfer. The remote side is told when the channel is
// still up; either way the local snapshot goes terminal.
func (s *Session) Cancel(deviceID, transferID string) error {
	transfer, exists := s.tracker.Get(transferID)
	if !exists {
		return fmt.Errorf("session: unknown transfer %s", transferID)
	}
	if transfer.DeviceID != deviceID {
		return fmt.Errorf("session: transfer %s does not belong to device %s", transferID, deviceID)
	}
	if transfer.Terminal() {
		return nil
	}

	link := s.link(deviceID)
	if link != nil {
		if channel := link.activeChannel(); channel != nil {
			frame := ControlFrame{Type: TypeFileCancel, TransferID: transferID, Reason: "cancelled by peer"}
			if raw, err := EncodeControlFrame(frame); err == nil {
				if err := channel.SendText(raw); err != nil {
					s.logger.Warn("send cancel frame failed",
						zap.String("transfer_id", transferID),
						zap.Error(err))
				}
			}
		}
		s.releaseInbound(link, transferID)
	}

	_, _, err := s.tracker.Update(transferID, models.TransferStatusCancelled, 0, "cancelled by local device")
	return err
}

func (s *Session) runOutboundTransfer(link *peerLink, channel dataChannel, transferID, sourcePath, fileName string, fileSize int64) {
	defer func() {
		link.mu.Lock()
		delete(link.outbound, transferID)
		link.mu.Unlock()
	}()

	file, err := os.Open(sourcePath)
	if err != nil {
		s.failTransfer(transferID, fmt.Sprintf("open source file: %v", err))
		return
	}
	defer file.Close()

	totalChunks := chunkCount(fileSize, s.opts.ChunkSize)
	offerFrame := ControlFrame{
		Type:        TypeFileOffer,
		TransferID:  transferID,
		FileName:    fileName,
		FileSize:    fileSize,
		TotalChunks: totalChunks,
	}
	raw, err := EncodeControlFrame(offerFrame)
	if err != nil {
		s.failTransfer(transferID, err.Error())
		return
	}
	if err := channel.SendText(raw); err != nil {
		s.failTransfer(transferID, fmt.Sprintf("send file offer: %v", err))
		return
	}

	if _, _, err := s.tracker.Update(transferID, models.TransferStatusActive, 0, ""); err != nil {
		return
	}

	highWater := uint64(bufferedAmountFactor * s.opts.ChunkSize)
	buf := make([]byte, s.opts.ChunkSize)

	for chunkIndex := 0; chunkIndex < totalChunks; chunkIndex++ {
		if s.transferStopped(transferID) {
			return
		}

		// Never enqueue past the high-water mark; wait for SCTP to drain.
		for channel.BufferedAmount() > highWater {
			if s.transferStopped(transferID) {
				return
			}
			time.Sleep(backpressureDelay)
		}

		offset := int64(chunkIndex) * int64(s.opts.ChunkSize)
		n, err := file.ReadAt(buf, offset)
		if err != nil && !errors.Is(err, io.EOF) {
			s.failTransfer(transferID, fmt.Sprintf("read chunk %d: %v", chunkIndex, err))
			return
		}
		if n == 0 {
			s.failTransfer(transferID, fmt.Sprintf("read chunk %d: empty read", chunkIndex))
			return
		}

		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		if err := channel.Send(chunk); err != nil {
			s.failTransfer(transferID, fmt.Sprintf("send chunk %d: %v", chunkIndex, err))
			return
		}

		progress := chunkProgress(chunkIndex, totalChunks)
		if _, _, err := s.tracker.Update(transferID, models.TransferStatusActive, progress, ""); err != nil {
			return
		}

		// Brief yield so a long transfer cannot starve the event loops.
		if (chunkIndex+1)%chunkYieldInterval == 0 {
			time.Sleep(chunkYieldDelay)
		}
	}

	if s.transferStopped(transferID) {
		return
	}

	completeFrame := ControlFrame{Type: TypeFileComplete, TransferID: transferID}
	raw, err = EncodeControlFrame(completeFrame)
	if err != nil {
		s.failTransfer(transferID, err.Error())
		return
	}
	if err := channel.SendText(raw); err != nil {
		s.failTransfer(transferID, fmt.Sprintf("send file complete: %v", err))
		return
	}

	if _, _, err := s.tracker.Update(transferID, models.TransferStatusCompleted, 100, ""); err != nil {
		s.logger.Warn("complete transfer update failed",
			zap.String("transfer_id", transferID),
			zap.Error(err))
	}
}

// transferStopped reports whether the session is closing or the transfer
// reached a terminal state (cancel, link teardown) under our feet.
func (s *Session) transferStopped(transferID string) bool {
	select {
	case <-s.ctx.Done():
		s.failTransfer(transferID, "session closed")
		return true
	default:
	}

	transfer, exists := s.tracker.Get(transferID)
	return !exists || transfer.Terminal()
}

func (s *Session) failTransfer(transferID, reason string) {
	if _, _, err := s.tracker.Update(transferID, models.TransferStatusFailed, 0, reason); err != nil {
		s.logger.Warn("fail transfer update failed",
			zap.String("transfer_id", transferID),
			zap.Error(err))
	}
}

// handleChannelMessage routes one data-channel frame: JSON text frames are
// control traffic, binary frames are file chunks. Malformed frames are
// logged and dropped; they never disturb other devices or transfers.
func (s *Session) handleChannelMessage(link *peerLink, isString bool, data []byte) {
	if !isString {
		s.handleChunk(link, data)
		return
	}

	frame, err := DecodeControlFrame(data)
	if err != nil {
		s.logger.Warn("discarding malformed control frame",
			zap.String("device_id", link.deviceID),
			zap.Error(err))
		return
	}

	switch frame.Type {
	case TypeFileOffer:
		s.handleFileOffer(link, frame)
	case TypeFileComplete:
		s.handleFileComplete(link, frame)
	case TypeFileCancel:
		s.handleFileCancel(link, frame)
	}
}

func (s *Session) handleFileOffer(link *peerLink, frame ControlFrame) {
	totalChunks := frame.TotalChunks
	if totalChunks <= 0 && frame.FileSize > 0 {
		totalChunks = chunkCount(frame.FileSize, s.opts.ChunkSize)
	}

	prealloc := frame.FileSize
	if prealloc > inboundPreallocLimit {
		prealloc = inboundPreallocLimit
	}
	inbound := &inboundTransfer{
		transferID:  frame.TransferID,
		fileName:    frame.FileName,
		fileSize:    frame.FileSize,
		totalChunks: totalChunks,
		buf:         make([]byte, 0, prealloc),
	}

	link.mu.Lock()
	if link.currentInbound != "" {
		current := link.currentInbound
		link.mu.Unlock()
		s.logger.Warn("discarding file offer while another transfer is receiving",
			zap.String("device_id", link.deviceID),
			zap.String("active_transfer_id", current),
			zap.String("offered_transfer_id", frame.TransferID))
		return
	}
	link.inbound[frame.TransferID] = inbound
	link.currentInbound = frame.TransferID
	link.mu.Unlock()

	transfer := models.Transfer{
		TransferID: frame.TransferID,
		DeviceID:   link.deviceID,
		FileName:   frame.FileName,
		FileSize:   frame.FileSize,
		Direction:  models.TransferDirectionReceive,
	}
	if err := s.tracker.Register(transfer); err != nil {
		s.releaseInbound(link, frame.TransferID)
		s.logger.Warn("discarding replayed file offer",
			zap.String("transfer_id", frame.TransferID),
			zap.Error(err))
		return
	}
	if _, _, err := s.tracker.Update(frame.TransferID, models.TransferStatusActive, 0, ""); err != nil {
		s.logger.Warn("activate inbound transfer failed",
			zap.String("transfer_id", frame.TransferID),
			zap.Error(err))
	}
}

func (s *Session) handleChunk(link *peerLink, data []byte) {
	link.mu.Lock()
	inbound := link.inbound[link.currentInbound]
	if inbound == nil {
		link.mu.Unlock()
		s.logger.Warn("discarding chunk without an open transfer",
			zap.String("device_id", link.deviceID),
			zap.Int("bytes", len(data)))
		return
	}

	if int64(len(inbound.buf))+int64(len(data)) > inbound.fileSize {
		transferID := inbound.transferID
		delete(link.inbound, transferID)
		link.currentInbound = ""
		link.mu.Unlock()
		s.failTransfer(transferID, "received more data than announced")
		return
	}

	inbound.buf = append(inbound.buf, data...)
	inbound.chunksReceived++
	transferID := inbound.transferID
	progress := chunkProgress(inbound.chunksReceived-1, inbound.totalChunks)
	link.mu.Unlock()

	if _, _, err := s.tracker.Update(transferID, models.TransferStatusActive, progress, ""); err != nil {
		s.logger.Warn("inbound progress update failed",
			zap.String("transfer_id", transferID),
			zap.Error(err))
	}
}

func (s *Session) handleFileComplete(link *peerLink, frame ControlFrame) {
	link.mu.Lock()
	inbound := link.inbound[frame.TransferID]
	delete(link.inbound, frame.TransferID)
	if link.currentInbound == frame.TransferID {
		link.currentInbound = ""
	}
	link.mu.Unlock()

	if inbound == nil {
		s.logger.Warn("discarding completion for unknown transfer",
			zap.String("device_id", link.deviceID),
			zap.String("transfer_id", frame.TransferID))
		return
	}

	if int64(len(inbound.buf)) != inbound.fileSize {
		s.failTransfer(frame.TransferID, fmt.Sprintf(
			"incomplete file data: got %d of %d bytes", len(inbound.buf), inbound.fileSize))
		return
	}

	storedPath, err := s.writeReceivedFile(inbound.fileName, inbound.buf)
	if err != nil {
		s.failTransfer(frame.TransferID, fmt.Sprintf("store received file: %v", err))
		return
	}

	if _, _, err := s.tracker.Update(frame.TransferID, models.TransferStatusCompleted, 100, ""); err != nil {
		s.logger.Warn("complete inbound transfer failed",
			zap.String("transfer_id", frame.TransferID),
			zap.Error(err))
	}

	if s.opts.OnFileReceived != nil {
		s.opts.OnFileReceived(models.ReceivedFile{
			TransferID: frame.TransferID,
			DeviceID:   link.deviceID,
			FileName:   inbound.fileName,
			Size:       inbound.fileSize,
			StoredPath: storedPath,
		})
	}
}

func (s *Session) handleFileCancel(link *peerLink, frame ControlFrame) {
	s.releaseInbound(link, frame.TransferID)

	reason := frame.Reason
	if reason == "" {
		reason = "cancelled by remote device"
	}
	if _, _, err := s.tracker.Update(frame.TransferID, models.TransferStatusCancelled, 0, reason); err != nil {
		s.logger.Warn("cancel transfer update failed",
			zap.String("transfer_id", frame.TransferID),
			zap.Error(err))
	}
}

func (s *Session) releaseInbound(link *peerLink, transferID string) {
	link.mu.Lock()
	delete(link.inbound, transferID)
	if link.currentInbound == transferID {
		link.currentInbound = ""
	}
	link.mu.Unlock()
}

// writeReceivedFile stores a reassembled file under the downloads directory,
// avoiding collisions with existing names.
func (s *Session) writeReceivedFile(fileName string, data []byte) (string, error) {
	if err := os.MkdirAll(s.opts.DownloadsDir, 0o700); err != nil {
		return "", fmt.Errorf("create downloads directory: %w", err)
	}

	name := filepath.Base(strings.TrimSpace(fileName))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "received.bin"
	}

	path := filepath.Join(s.opts.DownloadsDir, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		path = filepath.Join(s.opts.DownloadsDir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write received file: %w", err)
	}
	return path, nil
}
