package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsUsable(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port == 0 {
		t.Fatal("default server port must be set")
	}
	if cfg.DB.Memtable.WriteBufferBytes <= 0 {
		t.Fatal("default write buffer must be positive")
	}
	if cfg.DB.Compaction.L0SlowdownTrigger <= cfg.DB.Compaction.L0CompactionTrigger {
		t.Fatal("slowdown trigger must exceed the compaction trigger")
	}
	if cfg.DB.Compaction.L0StopTrigger <= cfg.DB.Compaction.L0SlowdownTrigger {
		t.Fatal("stop trigger must exceed the slowdown trigger")
	}
	if !cfg.DB.WAL.Sync {
		t.Fatal("defaults must favor durability")
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
logger:
  level: DEBUG
http-server:
  port: 9090
  read_header_timeout: 5s
db:
  path: /var/lib/granite
  memtable:
    write_buffer_bytes: 1048576
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logger.Level != "DEBUG" {
		t.Fatalf("level = %q, want DEBUG", cfg.Logger.Level)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("read header timeout = %v", cfg.Server.ReadHeaderTimeout)
	}
	if cfg.DB.Path != "/var/lib/granite" {
		t.Fatalf("db path = %q", cfg.DB.Path)
	}
	if cfg.DB.Memtable.WriteBufferBytes != 1<<20 {
		t.Fatalf("write buffer = %d", cfg.DB.Memtable.WriteBufferBytes)
	}

	// Untouched sections keep their defaults.
	def := Default()
	if cfg.DB.Cache.CapacityBytes != def.DB.Cache.CapacityBytes {
		t.Fatalf("cache capacity = %d, want default %d",
			cfg.DB.Cache.CapacityBytes, def.DB.Cache.CapacityBytes)
	}
	if cfg.DB.Compaction.MaxLevels != def.DB.Compaction.MaxLevels {
		t.Fatalf("max levels = %d, want default", cfg.DB.Compaction.MaxLevels)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("db: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
