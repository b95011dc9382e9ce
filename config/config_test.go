package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.DBPath != "data/checkin.db" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.HTTP.WriteTimeout != 10*time.Minute {
		t.Fatalf("write timeout = %v", cfg.HTTP.WriteTimeout)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "listen_addr: \":9000\"\ndb_path: /tmp/a.db\nhttp:\n  read_timeout: 5s\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CHECKIN_DB_PATH", "/tmp/b.db")
	t.Setenv("CHECKIN_ENCRYPT_KEY", "deadbeef")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Fatalf("listen = %q", cfg.ListenAddr)
	}
	if cfg.DBPath != "/tmp/b.db" {
		t.Fatalf("env override lost: %q", cfg.DBPath)
	}
	if cfg.HTTP.ReadTimeout != 5*time.Second {
		t.Fatalf("read timeout = %v", cfg.HTTP.ReadTimeout)
	}
	if cfg.EncryptKeyHex != "deadbeef" {
		t.Fatalf("encrypt key = %q", cfg.EncryptKeyHex)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [unclosed"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("want parse error")
	}
}
