package tdsconn

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigHasNoTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.PacketSize != 4096 {
		t.Fatalf("PacketSize = %d, want 4096", cfg.PacketSize)
	}
	if cfg.ReadTimeout != 0 || cfg.WriteTimeout != 0 {
		t.Fatalf("expected zero timeouts, got read=%v write=%v", cfg.ReadTimeout, cfg.WriteTimeout)
	}
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tds.yaml")
	const body = "packet_size: 8192\nread_timeout: 5s\nspid: 7\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.PacketSize != 8192 {
		t.Fatalf("PacketSize = %d, want 8192", cfg.PacketSize)
	}
	if cfg.ReadTimeout != 5*time.Second {
		t.Fatalf("ReadTimeout = %v, want 5s", cfg.ReadTimeout)
	}
	if cfg.SPID != 7 {
		t.Fatalf("SPID = %d, want 7", cfg.SPID)
	}
}

func TestLoadConfigFileMissingFile(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}
