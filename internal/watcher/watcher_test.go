package watcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobilipia/build-tools/internal/watcher"
)

func startWatcher(t *testing.T, root string) <-chan struct{} {
	t.Helper()
	w, err := watcher.New(watcher.Config{Root: root, DebounceDur: 50 * time.Millisecond})
	require.NoError(t, err, "failed to create watcher")
	t.Cleanup(func() { _ = w.Stop() })

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")
	return onChange
}

func TestWatcher_DebounceMultipleWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.html")
	require.NoError(t, os.WriteFile(path, []byte("test"), 0644))

	onChange := startWatcher(t, dir)

	// Rapid writes should coalesce into single notification
	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("test%d", i)), 0644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-onChange:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification but got timeout")
	}

	select {
	case <-onChange:
		t.Fatal("unexpected second notification")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_WatchesSubdirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "js", "lib")
	require.NoError(t, os.MkdirAll(nested, 0755))

	onChange := startWatcher(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(nested, "app.js"), []byte("1"), 0644))

	select {
	case <-onChange:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification for nested file")
	}
}

func TestWatcher_WatchesNewDirectories(t *testing.T) {
	dir := t.TempDir()
	onChange := startWatcher(t, dir)

	fresh := filepath.Join(dir, "css")
	require.NoError(t, os.Mkdir(fresh, 0755))
	select {
	case <-onChange:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notification for new directory")
	}

	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(fresh, "site.css"), []byte("body{}"), 0644)
		select {
		case <-onChange:
			return true
		case <-time.After(150 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	swap := filepath.Join(dir, ".index.html.swp")
	require.NoError(t, os.WriteFile(swap, []byte("initial"), 0644))

	onChange := startWatcher(t, dir)
	require.NoError(t, os.WriteFile(swap, []byte("other content"), 0644))

	select {
	case <-onChange:
		t.Fatal("should not notify for hidden files")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_Stop(t *testing.T) {
	w, err := watcher.New(watcher.Config{Root: t.TempDir(), DebounceDur: 50 * time.Millisecond})
	require.NoError(t, err, "failed to create watcher")

	_, err = w.Start()
	require.NoError(t, err, "failed to start watcher")

	done := make(chan struct{})
	go func() {
		err := w.Stop()
		assert.NoError(t, err, "Stop returned error")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop() timed out - possible deadlock")
	}
}

func TestWatcher_MissingRoot(t *testing.T) {
	w, err := watcher.New(watcher.DefaultConfig(filepath.Join(t.TempDir(), "missing")))
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	_, err = w.Start()
	require.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := watcher.DefaultConfig("/apps/demo/src")

	assert.Equal(t, "/apps/demo/src", cfg.Root)
	assert.Equal(t, watcher.DefaultDebounce, cfg.DebounceDur)
}
