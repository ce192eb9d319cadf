package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkpan11/ipyflow/internal/ctxlog"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ctxlog.WithLogger(context.Background(), logger)
}

func TestWatcherCoalescesWriteBurst(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nb.ipynb")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	var fired atomic.Int64
	ping := make(chan struct{}, 8)
	w, err := New(path, 50*time.Millisecond, func() {
		fired.Add(1)
		ping <- struct{}{}
	})
	require.NoError(t, err)
	w.Start(testCtx(t))
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o644))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"a":2}`), 0o644))

	select {
	case <-ping:
	case <-time.After(3 * time.Second):
		t.Fatal("change callback never fired")
	}
	// The burst has settled; no further callback may arrive.
	select {
	case <-ping:
		t.Fatal("burst produced more than one callback")
	case <-time.After(150 * time.Millisecond):
	}
	assert.EqualValues(t, 1, fired.Load())
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "nb.ipynb")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	ping := make(chan struct{}, 8)
	w, err := New(path, 30*time.Millisecond, func() { ping <- struct{}{} })
	require.NoError(t, err)
	w.Start(testCtx(t))
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))
	select {
	case <-ping:
		t.Fatal("sibling file change must not fire the callback")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestWatcherSeesAtomicReplace(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "nb.ipynb")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	ping := make(chan struct{}, 8)
	w, err := New(path, 30*time.Millisecond, func() { ping <- struct{}{} })
	require.NoError(t, err)
	w.Start(testCtx(t))
	defer w.Close()

	// Editor-style save: write a temp file, rename it over the target.
	tmp := filepath.Join(dir, ".nb.ipynb.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"b":1}`), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case <-ping:
	case <-time.After(3 * time.Second):
		t.Fatal("atomic replace was not detected")
	}
}

func TestWatcherCloseWithoutStart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nb.ipynb")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	w, err := New(path, 0, func() {})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestWatcherMissingDirectory(t *testing.T) {
	t.Parallel()
	_, err := New(filepath.Join(t.TempDir(), "nope", "nb.ipynb"), 0, func() {})
	require.Error(t, err)
}
