package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pavana05/nearby-transfer/config"
	"github.com/pavana05/nearby-transfer/discovery"
	"github.com/pavana05/nearby-transfer/models"
	"github.com/pavana05/nearby-transfer/session"
	"github.com/pavana05/nearby-transfer/signaling"
	"github.com/pavana05/nearby-transfer/storage"
)

func main() {
	relayAddr := flag.String("relay", "", "run as a signaling relay on this address (e.g. :8090) instead of a client")
	room := flag.String("room", "", "room to join (overrides the configured default)")
	server := flag.String("server", "", "signaling server URL (overrides the configured default)")
	sendPath := flag.String("send", "", "file to send to every device that connects")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("startup failed while creating logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if *relayAddr != "" {
		runRelay(*relayAddr, logger)
		return
	}
	runClient(*room, *server, *sendPath, logger)
}

func runRelay(addr string, logger *zap.Logger) {
	relay := signaling.NewServer(signaling.ServerOptions{Logger: logger})
	defer relay.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", relay)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Relay:           listening on %s\n", addr)
	fmt.Println("Status:          running (press Ctrl+C to stop)")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("relay server failed: %v", err)
	}
}

func runClient(roomFlag, serverFlag, sendPath string, logger *zap.Logger) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	room := cfg.Room
	if roomFlag != "" {
		room = roomFlag
	}
	serverURL := cfg.SignalingURL
	if serverFlag != "" {
		serverURL = serverFlag
	}

	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Room:            %s\n", room)
	fmt.Printf("Signaling:       %s\n", serverURL)
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Downloads:       %s\n", cfg.DownloadsDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	sess, err := session.NewSession(session.SessionOptions{
		DeviceName:   cfg.DeviceName,
		STUNServers:  cfg.STUNServers,
		ChunkSize:    cfg.ChunkSize,
		DownloadsDir: cfg.DownloadsDir,
		Store:        store,
		Logger:       logger,
		OnDeviceFound: func(device models.Device) {
			fmt.Printf("Device found:    %s (%s)\n", device.DeviceName, device.DeviceID)
		},
		OnDeviceLost: func(device models.Device) {
			fmt.Printf("Device lost:     %s (%s)\n", device.DeviceName, device.DeviceID)
		},
		OnTransferUpdate: func(transfer models.Transfer) {
			if transfer.Terminal() || transfer.Progress%25 == 0 {
				fmt.Printf("Transfer %s: %s %s %d%%\n",
					transfer.TransferID[:8], transfer.FileName, transfer.Status, transfer.Progress)
			}
		},
		OnFileReceived: func(file models.ReceivedFile) {
			fmt.Printf("Received:        %s (%d bytes) -> %s\n", file.FileName, file.Size, file.StoredPath)
		},
	})
	if err != nil {
		log.Fatalf("startup failed while creating session: %v", err)
	}
	defer sess.Close()

	joinCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = sess.Join(joinCtx, serverURL, room)
	cancel()
	if err != nil {
		log.Fatalf("startup failed while joining room: %v", err)
	}
	fmt.Printf("Device ID:       %s\n", sess.LocalID())

	discoveryService, err := discovery.Start(discovery.Config{
		SelfDeviceID: cfg.DeviceID,
		DeviceName:   cfg.DeviceName,
		Room:         room,
	})
	if err != nil {
		logger.Warn("discovery startup failed", zap.Error(err))
	} else {
		defer discoveryService.Stop()
		fmt.Println("Discovery:       running")
		go logDiscoveryEvents(discoveryService.Scanner.Events())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sendPath != "" {
		go autoSend(ctx, sess, sendPath)
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// autoSend pushes one file to every device as soon as its data channel is up.
func autoSend(ctx context.Context, sess *session.Session, sourcePath string) {
	sent := make(map[string]bool)
	var mu sync.Mutex

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, device := range sess.Devices() {
				if device.Status != models.DeviceStatusConnected {
					continue
				}
				mu.Lock()
				already := sent[device.DeviceID]
				sent[device.DeviceID] = true
				mu.Unlock()
				if already {
					continue
				}
				transferID, err := sess.SendFile(device.DeviceID, sourcePath)
				if err != nil {
					log.Printf("send to %s failed: %v", device.DeviceID, err)
					continue
				}
				fmt.Printf("Sending:         %s -> %s (%s)\n", sourcePath, device.DeviceName, transferID[:8])
			}
		}
	}
}

func logDiscoveryEvents(events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventDeviceUpserted:
			log.Printf("discovery: device nearby id=%s name=%q room=%q addr=%v",
				event.Device.DeviceID, event.Device.DeviceName, event.Device.Room, event.Device.Addresses)
		case discovery.EventDeviceRemoved:
			log.Printf("discovery: device gone id=%s", event.Device.DeviceID)
		default:
			log.Printf("discovery: event=%s id=%s", event.Type, event.Device.DeviceID)
		}
	}
}
