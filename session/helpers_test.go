package session

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pavana05/nearby-transfer/models"
)

// fakeChannel is an in-memory dataChannel with a controllable send queue.
// Delivery is synchronous into the paired session's frame handler.
type fakeChannel struct {
	mu         sync.Mutex
	buffered   uint64
	sendErr    error
	closed     bool
	deliver    func(isString bool, data []byte)
	sentChunks int
	// violations counts sends attempted while the queue was above the cap.
	violations int
	highWater  uint64
}

func (c *fakeChannel) Label() string { return dataChannelLabel }

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return os.ErrClosed
	}
	if c.highWater > 0 && c.buffered > c.highWater {
		c.violations++
	}
	c.sentChunks++
	err := c.sendErr
	deliver := c.deliver
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if deliver != nil {
		copied := make([]byte, len(data))
		copy(copied, data)
		deliver(false, copied)
	}
	return nil
}

func (c *fakeChannel) SendText(text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return os.ErrClosed
	}
	err := c.sendErr
	deliver := c.deliver
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if deliver != nil {
		deliver(true, []byte(text))
	}
	return nil
}

func (c *fakeChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) setBuffered(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffered = v
}

func (c *fakeChannel) chunksSent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentChunks
}

func (c *fakeChannel) violationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violations
}

func newTestSession(t *testing.T, localID string, opts SessionOptions) *Session {
	t.Helper()
	if opts.DeviceName == "" {
		opts.DeviceName = localID
	}
	if opts.DownloadsDir == "" {
		opts.DownloadsDir = filepath.Join(t.TempDir(), "downloads")
	}
	s, err := NewSession(opts)
	require.NoError(t, err)
	s.localID = localID
	t.Cleanup(s.Close)
	return s
}

// wireFakePair connects two sessions with paired in-memory channels, as if a
// data channel had opened between them.
func wireFakePair(a, b *Session) (*fakeChannel, *fakeChannel) {
	chA := &fakeChannel{}
	chB := &fakeChannel{}

	linkA := newPeerLink(b.localID)
	linkA.attachChannel(chA)
	linkA.markOpen(true)

	linkB := newPeerLink(a.localID)
	linkB.attachChannel(chB)
	linkB.markOpen(true)

	chA.deliver = func(isString bool, data []byte) { b.handleChannelMessage(linkB, isString, data) }
	chB.deliver = func(isString bool, data []byte) { a.handleChannelMessage(linkA, isString, data) }

	a.mu.Lock()
	a.links[b.localID] = linkA
	a.mu.Unlock()
	b.mu.Lock()
	b.links[a.localID] = linkB
	b.mu.Unlock()

	return chA, chB
}

func waitForTransferStatus(t *testing.T, s *Session, transferID, expected string, timeout time.Duration) models.Transfer {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		transfer, exists := s.Transfer(transferID)
		if exists && transfer.Status == expected {
			return transfer
		}
		time.Sleep(10 * time.Millisecond)
	}

	transfer, exists := s.Transfer(transferID)
	if !exists {
		t.Fatalf("timed out waiting for transfer %q status=%q, transfer unknown", transferID, expected)
	}
	t.Fatalf("timed out waiting for transfer %q status=%q, final=%q reason=%q",
		transferID, expected, transfer.Status, transfer.Reason)
	return models.Transfer{}
}

func createFixtureFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := 0; i < size; i++ {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
	return path
}
