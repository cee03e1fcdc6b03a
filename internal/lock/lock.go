// Package lock provides per-key exclusive locks for task rows and the
// single-instance lock file held by the daemon.
package lock

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// MutexMap hands out one exclusive lock per key. Acquisition honors context
// cancellation so a caller-level timeout aborts the wait instead of hanging.
// An entry lives only while some caller holds or waits for its key.
type MutexMap struct {
	mu      sync.Mutex
	entries map[string]*mutexEntry
}

type mutexEntry struct {
	slot chan struct{}
	refs int
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		entries: make(map[string]*mutexEntry),
	}
}

func (m *MutexMap) Lock(ctx context.Context, key string) error {
	e := m.acquire(key)
	select {
	case e.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.release(key, e)
		return fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

// TryLock acquires the key only if nobody holds it.
func (m *MutexMap) TryLock(key string) bool {
	e := m.acquire(key)
	select {
	case e.slot <- struct{}{}:
		return true
	default:
		m.release(key, e)
		return false
	}
}

// Unlock releases key. Releasing a key that is not held panics, like sync.Mutex.
func (m *MutexMap) Unlock(key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		panic("lock: unlock of unlocked key " + key)
	}
	select {
	case <-e.slot:
	default:
		panic("lock: unlock of unlocked key " + key)
	}
	m.release(key, e)
}

func (m *MutexMap) acquire(key string) *mutexEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &mutexEntry{slot: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *MutexMap) release(key string, e *mutexEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another daemon may be running): %w", err)
	}

	release := func(step string, err error) error {
		_ = unix.Flock(fd, unix.LOCK_UN)
		f.Close()
		return fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return release("truncate", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return release("write PID to", err)
	}
	if err := f.Sync(); err != nil {
		return release("sync", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN); err != nil {
		fl.file.Close()
		fl.file = nil
		return fmt.Errorf("release lock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		fl.file = nil
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}
