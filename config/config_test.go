package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("NEARBY_TRANSFER_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.Room != DefaultRoom {
		t.Fatalf("expected default room %q, got %q", DefaultRoom, firstCfg.Room)
	}
	if firstCfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default chunk size %d, got %d", DefaultChunkSize, firstCfg.ChunkSize)
	}
	if len(firstCfg.STUNServers) == 0 {
		t.Fatalf("expected default STUN servers")
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.DownloadsDir != firstCfg.DownloadsDir {
		t.Fatalf("expected stable downloads dir, got %q then %q", firstCfg.DownloadsDir, secondCfg.DownloadsDir)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("NEARBY_TRANSFER_DATA_DIR", tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &DeviceConfig{
		DeviceID:   "existing-device",
		DeviceName: "Existing",
		ChunkSize:  -1,
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "existing-device" {
		t.Fatalf("expected existing device ID to be retained, got %q", cfg.DeviceID)
	}
	if cfg.SignalingURL != DefaultSignalingURL {
		t.Fatalf("expected signaling URL default, got %q", cfg.SignalingURL)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected invalid chunk size to normalize to %d, got %d", DefaultChunkSize, cfg.ChunkSize)
	}
	if cfg.DownloadsDir != filepath.Join(tempDir, "downloads") {
		t.Fatalf("expected downloads dir under data dir, got %q", cfg.DownloadsDir)
	}
}
