package cli

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Kush-Singh-26/handoffcache/internal/cachestore"
	"github.com/Kush-Singh-26/handoffcache/internal/config"
	"github.com/Kush-Singh-26/handoffcache/internal/version"
)

const testURL = "https://app.example.com/api/v1/handoff/123"

// writeTestConfig lays out a config and manifest under a temp dir and
// returns the config path.
func writeTestConfig(t *testing.T) (cfgPath, dir string) {
	t.Helper()
	dir = t.TempDir()
	cfgPath = filepath.Join(dir, "handoffcache.yaml")
	body := fmt.Sprintf("upstream: https://app.example.com\ncacheDir: %q\nworkerManifest: %q\n",
		filepath.Join(dir, "cache"), filepath.Join(dir, "worker.yaml"))
	if err := os.WriteFile(cfgPath, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "worker.yaml"), []byte("# rolled by CI\nversion: v1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dir
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestWorkerBump(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)

	if err := run(t, "--config", cfgPath, "worker", "bump", "v2"); err != nil {
		t.Fatalf("bump: %v", err)
	}
	m, err := version.Current(filepath.Join(dir, "worker.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if m.Version != "v2" {
		t.Errorf("version = %q, want v2", m.Version)
	}

	if err := run(t, "--config", cfgPath, "worker", "bump", "v2"); err == nil {
		t.Error("bumping to the current version should fail")
	}
}

func TestCacheInvalidate(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}

	store, err := cachestore.Open(cfg.CacheDir, cachestore.Options{IsDev: true})
	if err != nil {
		t.Fatal(err)
	}
	primary := store.Generation(cfg.Namespace, "v1").Open(cachestore.PurposePrimary)
	key := cachestore.RequestKey(http.MethodGet, testURL)
	if err := primary.Put(key, &cachestore.Entry{
		URL:      testURL,
		Status:   http.StatusOK,
		Header:   http.Header{},
		Body:     []byte(`{"id":123}`),
		StoredAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// Relative URLs resolve against the upstream origin.
	if err := run(t, "--config", cfgPath, "cache", "invalidate", "/api/v1/handoff/123"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	store, err = cachestore.Open(cfg.CacheDir, cachestore.Options{IsDev: true})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()
	e, err := store.Generation(cfg.Namespace, "v1").Open(cachestore.PurposePrimary).Match(key)
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Error("entry still cached after invalidate")
	}
}

func TestCacheClear(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)
	cacheDir := filepath.Join(dir, "cache")
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		t.Fatal(err)
	}

	if err := run(t, "--config", cfgPath, "cache", "clear"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := os.Stat(cacheDir); !os.IsNotExist(err) {
		t.Errorf("cache dir still present: %v", err)
	}
}

func TestResolve(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Upstream = "https://app.example.com"
	a := &app{cfg: cfg}

	tests := []struct {
		in, want string
	}{
		{"/api/v1/handoff/1", "https://app.example.com/api/v1/handoff/1"},
		{"https://cdn.example.com/handoff-voice-notes/a.webm", "https://cdn.example.com/handoff-voice-notes/a.webm"},
	}
	for _, tt := range tests {
		got, err := a.resolve(tt.in)
		if err != nil {
			t.Fatalf("resolve(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("resolve(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
