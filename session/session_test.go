package session

import (
	"context"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pavana05/nearby-transfer/models"
	"github.com/pavana05/nearby-transfer/signaling"
)

func startTestRelay(t *testing.T) (*signaling.Server, string) {
	t.Helper()
	relay := signaling.NewServer(signaling.ServerOptions{})
	httpServer := httptest.NewServer(relay)
	t.Cleanup(func() {
		relay.Close()
		httpServer.Close()
	})
	return relay, httpServer.URL
}

// wireOnConnect replaces both sessions' dialing path with paired in-memory
// channels, so the room flow can be exercised without live ICE.
func wireOnConnect(a, b *Session) (initiators *sync.Map, wired chan struct{}) {
	initiators = &sync.Map{}
	wired = make(chan struct{})
	var once sync.Once

	connect := func(self, other *Session) func(string) {
		return func(deviceID string) {
			initiators.Store(self.localID, deviceID)
			once.Do(func() {
				wireFakePair(self, other)
				close(wired)
			})
		}
	}
	a.connectFn = connect(a, b)
	b.connectFn = connect(b, a)
	return initiators, wired
}

func TestTwoPartyRoomScenario(t *testing.T) {
	_, relayURL := startTestRelay(t)

	var foundByA []models.Device
	var mu sync.Mutex
	a := newTestSession(t, "", SessionOptions{
		DeviceName: "Device A",
		OnDeviceFound: func(device models.Device) {
			mu.Lock()
			foundByA = append(foundByA, device)
			mu.Unlock()
		},
	})
	b := newTestSession(t, "", SessionOptions{DeviceName: "Device B"})
	initiators, wired := wireOnConnect(a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Join(ctx, relayURL, "kitchen"))
	require.NoError(t, b.Join(ctx, relayURL, "kitchen"))
	require.NotEmpty(t, a.LocalID())
	require.NotEmpty(t, b.LocalID())

	select {
	case <-wired:
	case <-time.After(5 * time.Second):
		t.Fatal("ready handshake never led to a connection")
	}

	// Exactly one side initiates: the one with the lower device id.
	expectedInitiator := a.LocalID()
	if b.LocalID() < a.LocalID() {
		expectedInitiator = b.LocalID()
	}
	time.Sleep(100 * time.Millisecond)
	var initiatorIDs []string
	initiators.Range(func(key, _ any) bool {
		initiatorIDs = append(initiatorIDs, key.(string))
		return true
	})
	require.Equal(t, []string{expectedInitiator}, initiatorIDs)

	mu.Lock()
	require.NotEmpty(t, foundByA, "A never observed B joining")
	mu.Unlock()

	// 50 KB payload across the paired channels.
	source := createFixtureFile(t, t.TempDir(), "photo.jpg", 50*1024)
	var received models.ReceivedFile
	done := make(chan struct{})
	b.opts.OnFileReceived = func(file models.ReceivedFile) {
		received = file
		close(done)
	}

	transferID, err := a.SendFile(b.LocalID(), source)
	require.NoError(t, err)
	waitForTransferStatus(t, a, transferID, models.TransferStatusCompleted, 15*time.Second)
	waitForTransferStatus(t, b, transferID, models.TransferStatusCompleted, 15*time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("OnFileReceived never fired")
	}

	want, err := os.ReadFile(source)
	require.NoError(t, err)
	got, err := os.ReadFile(received.StoredPath)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, int64(50*1024), received.Size)
}

func TestSignalingLossDoesNotInterruptTransfer(t *testing.T) {
	relay, relayURL := startTestRelay(t)

	a := newTestSession(t, "", SessionOptions{DeviceName: "Device A"})
	b := newTestSession(t, "", SessionOptions{DeviceName: "Device B"})
	_, wired := wireOnConnect(a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Join(ctx, relayURL, "kitchen"))
	require.NoError(t, b.Join(ctx, relayURL, "kitchen"))

	select {
	case <-wired:
	case <-time.After(5 * time.Second):
		t.Fatal("ready handshake never led to a connection")
	}

	// Park the sender in its backpressure wait, then kill the relay.
	sender, receiver := a, b
	if b.LocalID() < a.LocalID() {
		sender, receiver = b, a
	}
	link := sender.link(receiver.LocalID())
	require.NotNil(t, link)
	channel := link.activeChannel().(*fakeChannel)
	channel.setBuffered(uint64(bufferedAmountFactor*sender.opts.ChunkSize) + 1)

	source := createFixtureFile(t, t.TempDir(), "payload.bin", 6*sender.opts.ChunkSize)
	transferID, err := sender.SendFile(receiver.LocalID(), source)
	require.NoError(t, err)
	waitForTransferStatus(t, sender, transferID, models.TransferStatusActive, 5*time.Second)

	relay.Close()

	// Both signaling sockets die; the data path must not notice.
	select {
	case <-sender.client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("sender signaling socket never closed")
	}
	select {
	case <-receiver.client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("receiver signaling socket never closed")
	}

	channel.setBuffered(0)
	waitForTransferStatus(t, sender, transferID, models.TransferStatusCompleted, 10*time.Second)
	waitForTransferStatus(t, receiver, transferID, models.TransferStatusCompleted, 10*time.Second)

	// The data channel is still up, so the roster keeps the peer even though
	// the relay is gone.
	require.NotEmpty(t, sender.Devices())
}

func TestSignalingLossClearsRosterWithoutOpenChannels(t *testing.T) {
	relay, relayURL := startTestRelay(t)

	var lost []models.Device
	var mu sync.Mutex
	a := newTestSession(t, "", SessionOptions{
		DeviceName: "Device A",
		OnDeviceLost: func(device models.Device) {
			mu.Lock()
			lost = append(lost, device)
			mu.Unlock()
		},
	})
	b := newTestSession(t, "", SessionOptions{DeviceName: "Device B"})

	// No data channels ever open in this scenario.
	a.connectFn = func(string) {}
	b.connectFn = func(string) {}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Join(ctx, relayURL, "kitchen"))
	require.NoError(t, b.Join(ctx, relayURL, "kitchen"))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(a.Devices()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, a.Devices(), "A never saw B join")

	relay.Close()
	select {
	case <-a.client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("signaling socket never closed")
	}

	// The relay is the only source of truth for room membership; without it
	// the roster empties and each dropped device is reported unavailable.
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(a.Devices()) > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Empty(t, a.Devices())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, lost)
	require.Equal(t, models.DeviceStatusUnavailable, lost[0].Status)
	require.Equal(t, b.LocalID(), lost[0].DeviceID)
}
