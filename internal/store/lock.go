package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	lockFileName   = "fieldsync.lock"
	defaultTimeout = 2 * time.Second
	initialBackoff = 5 * time.Millisecond
	maxBackoff     = 100 * time.Millisecond
)

type lockTimeoutError struct {
	timeout time.Duration
	holder  string
}

func (e *lockTimeoutError) Error() string {
	return fmt.Sprintf("write lock timeout after %v (held by %s)", e.timeout, e.holder)
}

// writeLocker holds an OS-level exclusive lock on a file next to the
// database. The OS drops the lock if the process dies.
type writeLocker struct {
	path string
	f    *os.File
}

func newWriteLocker(dir string) *writeLocker {
	return &writeLocker{path: filepath.Join(dir, lockFileName)}
}

// acquire polls for the lock until timeout elapses.
func (l *writeLocker) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.f = f

	deadline := time.Now().Add(timeout)
	wait := initialBackoff
	for {
		if err := l.tryLock(); err == nil {
			l.stamp()
			return nil
		}
		if time.Now().After(deadline) {
			holder := l.holder()
			l.f.Close()
			l.f = nil
			return &lockTimeoutError{timeout: timeout, holder: holder}
		}
		time.Sleep(wait)
		wait = min(wait*2, maxBackoff)
	}
}

func (l *writeLocker) release() {
	if l.f == nil {
		return
	}
	l.f.Truncate(0)
	l.unlock()
	l.f.Close()
	l.f = nil
}

// stamp records the holding pid so a timeout can name it.
func (l *writeLocker) stamp() {
	l.f.Truncate(0)
	l.f.Seek(0, 0)
	fmt.Fprintf(l.f, "%d %s", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
}

func (l *writeLocker) holder() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "unknown"
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return "unknown"
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return "unknown"
	}
	if !isProcessAlive(pid) {
		return fmt.Sprintf("pid %d since %s, stale", pid, fields[1])
	}
	return fmt.Sprintf("pid %d since %s", pid, fields[1])
}
