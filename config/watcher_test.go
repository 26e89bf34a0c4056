package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const watchedConfig = `
server:
  address: ":8080"
routes:
  - name: %s
    processor: COMMON_GROUP_PROCESSOR
`

func writeConfig(t *testing.T, path, group string) {
	t.Helper()
	data := []byte(fmt.Sprintf(watchedConfig, group))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgeroute.yaml")
	writeConfig(t, path, "first")

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()
	w.SetDebounce(20 * time.Millisecond)

	changes := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { changes <- cfg })
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if got := w.GetConfig().Routes[0].Name; got != "first" {
		t.Fatalf("initial group = %q, want first", got)
	}

	writeConfig(t, path, "second")
	select {
	case cfg := <-changes:
		if cfg.Routes[0].Name != "second" {
			t.Errorf("reloaded group = %q, want second", cfg.Routes[0].Name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after change")
	}

	// Same content again, then an invalid file: neither is applied.
	writeConfig(t, path, "second")
	if err := os.WriteFile(path, []byte("routes: [{name: \"\"}]"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	select {
	case cfg := <-changes:
		t.Errorf("unexpected reload to %+v", cfg.Routes)
	case <-time.After(300 * time.Millisecond):
	}
	if got := w.GetConfig().Routes[0].Name; got != "second" {
		t.Errorf("active group = %q, want second", got)
	}
}

func TestNewWatcherInvalidFile(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestExampleConfig(t *testing.T) {
	cfg, err := NewLoader().Load(filepath.Join("..", "configs", "edgeroute.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Routes) != 2 {
		t.Errorf("groups = %d, want 2", len(cfg.Routes))
	}
	if cfg.KV.Data["flags"] == nil {
		t.Error("kv data not loaded")
	}
}
