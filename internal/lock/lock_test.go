package lock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestMutexMap_LockUnlock(t *testing.T) {
	m := NewMutexMap()
	ctx := context.Background()

	if err := m.Lock(ctx, "task:1"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	m.Unlock("task:1")

	// Should be able to lock again
	if err := m.Lock(ctx, "task:1"); err != nil {
		t.Fatalf("re-Lock: %v", err)
	}
	m.Unlock("task:1")
}

func TestMutexMap_DifferentKeys(t *testing.T) {
	m := NewMutexMap()
	ctx := context.Background()

	done := make(chan struct{})

	if err := m.Lock(ctx, "task:1"); err != nil {
		t.Fatal(err)
	}
	go func() {
		// task:2 must not wait on task:1
		if err := m.Lock(ctx, "task:2"); err == nil {
			m.Unlock("task:2")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different key blocked")
	}
	m.Unlock("task:1")
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Lock(context.Background(), "shared"); err != nil {
				t.Error(err)
				return
			}
			counter++
			m.Unlock("shared")
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}
}

func TestMutexMap_LockHonorsContext(t *testing.T) {
	m := NewMutexMap()
	if err := m.Lock(context.Background(), "task:1"); err != nil {
		t.Fatal(err)
	}
	defer m.Unlock("task:1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Lock(ctx, "task:1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMutexMap_TryLock(t *testing.T) {
	m := NewMutexMap()
	if !m.TryLock("k") {
		t.Fatal("TryLock on free key failed")
	}
	if m.TryLock("k") {
		t.Fatal("TryLock on held key succeeded")
	}
	m.Unlock("k")
	if !m.TryLock("k") {
		t.Fatal("TryLock after Unlock failed")
	}
	m.Unlock("k")
}

func TestMutexMap_ReleasesIdleKeys(t *testing.T) {
	m := NewMutexMap()
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("task:%d", i)
		if err := m.Lock(context.Background(), key); err != nil {
			t.Fatal(err)
		}
		m.Unlock(key)
	}
	if !m.TryLock("busy") {
		t.Fatal("TryLock on free key failed")
	}
	m.TryLock("busy")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.Lock(ctx, "busy"); err == nil {
		t.Fatal("expected Lock on held key to time out")
	}

	m.mu.Lock()
	n, refs := len(m.entries), m.entries["busy"].refs
	m.mu.Unlock()
	if n != 1 || refs != 1 {
		t.Fatalf("expected only the held key to remain with one ref, got entries=%d refs=%d", n, refs)
	}

	m.Unlock("busy")
	m.mu.Lock()
	n = len(m.entries)
	m.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no entries after unlock, got %d", n)
	}
}

func TestMutexMap_UnlockUnheldPanics(t *testing.T) {
	m := NewMutexMap()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	m.Unlock("never-locked")
}

func TestFileLock_TryLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
}

func TestFileLock_DoubleUnlockSafe(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatal(err)
	}
	if err := fl.Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := fl.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}
}
