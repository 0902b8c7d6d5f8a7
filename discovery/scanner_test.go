package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-device", "Self", "kitchen", "10.0.0.1")
			entries <- testServiceEntry("device-1", "Bob", "kitchen", "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("device-2", "Carol", "garage", "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		devices := scanner.ListDevices()
		return len(devices) == 1 && devices[0].DeviceID == "device-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		devices := scanner.ListDevices()
		return len(devices) == 2
	})

	devices := scanner.ListDevices()
	for _, device := range devices {
		if device.DeviceID == "device-2" && device.Room != "garage" {
			t.Fatalf("expected room TXT record to be parsed, got %q", device.Room)
		}
	}
}

func TestScannerBackgroundPollingAndRemovalEvent(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("device-1", "Bob", "kitchen", "10.0.0.2")
				entries <- testServiceEntry("device-2", "Carol", "kitchen", "10.0.0.3")
			} else {
				entries <- testServiceEntry("device-2", "Carol", "kitchen", "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		devices := scanner.ListDevices()
		return len(devices) == 1 && devices[0].DeviceID == "device-2"
	})

	if !waitForEvent(scanner.Events(), EventDeviceRemoved, "device-1", 2*time.Second) {
		t.Fatalf("expected removal event for device-1")
	}
}

func testServiceEntry(deviceID, instance, room, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     DefaultPort,
		Text: []string{
			"device_id=" + deviceID,
			"version=1",
			"room=" + room,
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, deviceID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Device.DeviceID == deviceID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
