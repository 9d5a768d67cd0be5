package detector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

func writeWatcherConfig(t *testing.T, path string, threshold float64) {
	t.Helper()
	body := fmt.Sprintf(`{
		"data_dir": "/var/lib/edged",
		"manifest_url": "https://models.example.com",
		"detectors": [{
			"detector_id": "door-open",
			"mode": "binary",
			"confidence_threshold": %g
		}]
	}`, threshold)
	tmp := path + ".tmp"
	test.That(t, os.WriteFile(tmp, []byte(body), 0o600), test.ShouldBeNil)
	test.That(t, os.Rename(tmp, path), test.ShouldBeNil)
}

func waitForConfig(t *testing.T, ch <-chan *Config) *Config {
	t.Helper()
	select {
	case cfg := <-ch:
		return cfg
	case <-time.After(10 * time.Second):
		t.Fatal("no config delivered")
		return nil
	}
}

func TestWatcherDeliversChangedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeWatcherConfig(t, path, 0.8)

	watcher, err := NewWatcher(context.Background(), path, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, watcher.Close(), test.ShouldBeNil)
	}()

	writeWatcherConfig(t, path, 0.9)
	cfg := waitForConfig(t, watcher.Config())
	test.That(t, cfg.Profiles, test.ShouldHaveLength, 1)
	test.That(t, cfg.Profiles[0].ConfidenceThreshold, test.ShouldEqual, 0.9)
}

func TestWatcherIgnoresNoopRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeWatcherConfig(t, path, 0.8)

	watcher, err := NewWatcher(context.Background(), path, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, watcher.Close(), test.ShouldBeNil)
	}()

	// byte-identical rewrite produces no delivery
	writeWatcherConfig(t, path, 0.8)
	select {
	case cfg := <-watcher.Config():
		t.Fatalf("unexpected config delivery: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}

	// a real change after the no-op still comes through
	writeWatcherConfig(t, path, 0.95)
	cfg := waitForConfig(t, watcher.Config())
	test.That(t, cfg.Profiles[0].ConfidenceThreshold, test.ShouldEqual, 0.95)
}

func TestWatcherKeepsPreviousOnBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeWatcherConfig(t, path, 0.8)

	watcher, err := NewWatcher(context.Background(), path, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, watcher.Close(), test.ShouldBeNil)
	}()

	test.That(t, os.WriteFile(path, []byte("{not json"), 0o600), test.ShouldBeNil)
	select {
	case cfg := <-watcher.Config():
		t.Fatalf("unexpected config delivery: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}

	writeWatcherConfig(t, path, 0.9)
	cfg := waitForConfig(t, watcher.Config())
	test.That(t, cfg.Profiles[0].ConfidenceThreshold, test.ShouldEqual, 0.9)
}
