package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validCatalog), 0644))

	var reloads atomic.Int32
	w := NewWatcher(path, 20*time.Millisecond, func(context.Context) error {
		reloads.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// The watch is registered asynchronously; keep touching the file until a reload lands.
	require.Eventually(t, func() bool {
		if reloads.Load() > 0 {
			return true
		}
		_ = os.WriteFile(path, []byte(validCatalog), 0644)
		return false
	}, 3*time.Second, 50*time.Millisecond)

	// Let the debounce timer of the last write fire before counting.
	time.Sleep(100 * time.Millisecond)
	before := reloads.Load()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, reloads.Load(), "other files are ignored")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validCatalog), 0644))

	var reloads atomic.Int32
	w := NewWatcher(path, 300*time.Millisecond, func(context.Context) error {
		reloads.Add(1)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(validCatalog), 0644))
		time.Sleep(10 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), reloads.Load())
}

func TestTriggerCoalescesConcurrentReloads(t *testing.T) {
	release := make(chan struct{})
	var reloads atomic.Int32
	w := NewWatcher("catalog.yaml", time.Millisecond, func(context.Context) error {
		reloads.Add(1)
		<-release
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Trigger(context.Background()))
		}()
	}
	require.Eventually(t, func() bool { return reloads.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, reloads.Load(), int32(2))
}

func TestWatcherReportsReloadErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")

	errs := make(chan error, 10)
	w := NewWatcher(path, 10*time.Millisecond, func(context.Context) error {
		return assert.AnError
	})
	w.SetErrorHandler(func(err error) { errs <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("x"), 0644)
		return len(errs) > 0
	}, 3*time.Second, 50*time.Millisecond)
	assert.ErrorIs(t, <-errs, assert.AnError)
}
