package review

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 50 * time.Millisecond

// MainlineLock serializes everything that moves the mainline. It combines
// an in-process mutex with flock(2) on a file in the state directory so
// separate nightshift processes also take turns.
type MainlineLock struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewMainlineLock returns a lock backed by the file at path.
func NewMainlineLock(path string) *MainlineLock {
	return &MainlineLock{path: path}
}

// Lock blocks until the lock is held or ctx is done.
func (l *MainlineLock) Lock(ctx context.Context) error {
	l.mu.Lock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("open mainline lock: %w", err)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			l.mu.Unlock()
			return fmt.Errorf("flock %s: %w", l.path, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			l.mu.Unlock()
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	// Record the holder for humans inspecting a stuck lock.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	l.file = f
	return nil
}

// Unlock releases the lock.
func (l *MainlineLock) Unlock() {
	if l.file != nil {
		_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
		l.file.Close()
		l.file = nil
	}
	l.mu.Unlock()
}
