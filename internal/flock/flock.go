// Package flock provides cross-process mutual exclusion over a named file
// path. The default implementation uses atomic directory creation as the
// lock token: mkdir either succeeds or fails with "already exists" on every
// common filesystem, which makes it a portable mutex without advisory file
// locks. An in-memory implementation backs single-process test harnesses.
package flock

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// DefaultTimeout bounds how long Acquire polls before giving up.
const DefaultTimeout = 10 * time.Second

// PollInterval is the sleep between acquisition attempts.
const PollInterval = 100 * time.Millisecond

// ErrTimeout is returned when a lock could not be acquired within the
// timeout. It is retryable; callers should back off and try again.
var ErrTimeout = errors.New("lock acquisition timed out")

// Locker is the injectable mutual-exclusion contract. Production code uses
// DirLock; tests may substitute MemLock.
type Locker interface {
	// Acquire takes the lock for path, polling until timeout elapses.
	// A timeout <= 0 means DefaultTimeout.
	Acquire(path string, timeout time.Duration) error
	// Release drops the lock for path. Releasing a lock that is not held
	// is not an error.
	Release(path string) error
}

// DirLock implements Locker with a sentinel directory at path + ".lock".
type DirLock struct{}

func lockPath(path string) string { return path + ".lock" }

func (DirLock) Acquire(path string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		err := os.Mkdir(lockPath(path), 0o755)
		if err == nil {
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire lock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, path, timeout)
		}
		time.Sleep(PollInterval)
	}
}

func (DirLock) Release(path string) error {
	err := os.Remove(lockPath(path))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", path, err)
	}
	return nil
}

// MemLock implements Locker with in-process mutexes, keyed by path.
type MemLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemLock() *MemLock {
	return &MemLock{held: make(map[string]bool)}
}

func (m *MemLock) Acquire(path string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if !m.held[path] {
			m.held[path] = true
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, path, timeout)
		}
		time.Sleep(PollInterval / 10)
	}
}

func (m *MemLock) Release(path string) error {
	m.mu.Lock()
	delete(m.held, path)
	m.mu.Unlock()
	return nil
}

// WithLock runs fn while holding the lock for path, releasing it on every
// exit path including a panic in fn. Acquisition failure is returned as-is
// and fn is not invoked.
func WithLock(l Locker, path string, timeout time.Duration, fn func() error) error {
	if err := l.Acquire(path, timeout); err != nil {
		return err
	}
	defer func() {
		_ = l.Release(path)
	}()
	return fn()
}
