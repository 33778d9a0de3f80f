package app_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"groupcrypt/internal/app"
	"groupcrypt/internal/store"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_FileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
home = "/tmp/gc"
user_id = "@alice:a.org"

[rotation]
messages = 5
period = "1h"

[distribution]
batch_size = 10
phase2_timeout = "45s"

[store]
backend = "sqlite"
`)
	cfg, err := app.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Home != "/tmp/gc" || cfg.UserID != "@alice:a.org" {
		t.Fatalf("top-level values not read: %+v", cfg)
	}
	p := cfg.Policy()
	if p.RotationMessages != 5 || p.RotationPeriod != time.Hour || p.MaxDevicesPerBatch != 10 || p.Phase2Timeout != 45*time.Second {
		t.Fatalf("policy = %+v", p)
	}
	if !p.RotateOnDeviceRemoval || p.Phase1Timeout != 2*time.Second {
		t.Fatalf("unset values lost their defaults: %+v", p)
	}
	if opts := cfg.StoreOptions(); opts.Backend != store.BackendSQLite || opts.Dir != "/tmp/gc" {
		t.Fatalf("store options = %+v", opts)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := app.LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Rotation.Messages != 100 || cfg.Rotation.Period != 7*24*time.Hour || cfg.Distribution.BatchSize != 20 {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("GROUPCRYPT_ROTATION_MESSAGES", "7")
	t.Setenv("GROUPCRYPT_ROTATE_ON_DEVICE_REMOVAL", "false")
	t.Setenv("GROUPCRYPT_BATCH_SIZE", "lots")
	t.Setenv("GROUPCRYPT_RELAY_URL", "http://relay:9000")

	cfg, err := app.LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Rotation.Messages != 7 || cfg.Rotation.OnDeviceRemoval {
		t.Fatalf("rotation = %+v", cfg.Rotation)
	}
	if cfg.Distribution.BatchSize != 20 {
		t.Fatalf("invalid override applied: batch size %d", cfg.Distribution.BatchSize)
	}
	if cfg.RelayURL != "http://relay:9000" {
		t.Fatalf("relay url = %q", cfg.RelayURL)
	}
}

func TestLoadConfig_Rejects(t *testing.T) {
	for name, body := range map[string]string{
		"backend":   "[store]\nbackend = \"mongo\"\n",
		"postgres":  "[store]\nbackend = \"postgres\"\n",
		"messages":  "[rotation]\nmessages = 0\n",
		"log level": "[log]\nlevel = \"loud\"\n",
		"syntax":    "[rotation\n",
	} {
		if _, err := app.LoadConfig(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: LoadConfig accepted a bad config", name)
		}
	}
}

func TestConfig_SaveThenLoad(t *testing.T) {
	cfg := app.DefaultConfig()
	cfg.UserID = "@bob:b.org"
	cfg.Rotation.Period = 90 * time.Minute
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := app.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.UserID != "@bob:b.org" || got.Rotation.Period != 90*time.Minute {
		t.Fatalf("saved config read back as %+v", got)
	}
}
