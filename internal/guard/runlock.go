package guard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"golang.org/x/sys/unix"

	"github.com/Iron-Ham/arbor/internal/errors"
)

// RunLock serializes arbor invocations on one repository using flock(2).
// The kernel drops the lock when the holder exits, so a crashed run never
// leaves it stuck; the pid and start time written inside are informational.
type RunLock struct {
	path string
	file *os.File
}

// AcquireRunLock takes the exclusive run lock at path. If another invocation
// holds it, acquisition is retried briefly and then fails with ErrLockActive.
func AcquireRunLock(ctx context.Context, path string, wait time.Duration) (*RunLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	retryer := retry.New[*os.File](retry.Config{
		MaxAttempts:   3,
		InitialDelay:  max(wait, time.Millisecond),
		BackoffPolicy: retry.BackoffExponential,
	})
	var busy bool
	f, err := retryer.Do(ctx, func(ctx context.Context) (*os.File, error) {
		f, held, err := tryLock(path)
		busy = held
		return f, err
	})
	if err != nil {
		if busy {
			return nil, errors.NewLockError(path, "another arbor invocation is running"+holderSuffix(path))
		}
		return nil, err
	}

	l := &RunLock{path: path, file: f}
	if err := l.writeInfo(); err != nil {
		_ = l.Release()
		return nil, err
	}
	return l, nil
}

func tryLock(path string) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, true, errors.ErrLockActive
		}
		return nil, false, fmt.Errorf("flock: %w", err)
	}
	return f, false, nil
}

func (l *RunLock) writeInfo() error {
	info := fmt.Sprintf("pid=%d\nstarted_at=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.file.WriteAt([]byte(info), 0); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	return nil
}

// holderSuffix describes the current holder from the lock file, if readable.
func holderSuffix(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var pid, started string
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if _, err := strconv.Atoi(value); err == nil {
				pid = value
			}
		case "started_at":
			started = value
		}
	}
	if pid == "" {
		return ""
	}
	if started == "" {
		return fmt.Sprintf(" (pid %s)", pid)
	}
	return fmt.Sprintf(" (pid %s, since %s)", pid, started)
}

// Path returns the lock file path.
func (l *RunLock) Path() string {
	return l.path
}

// Release unlocks and closes the lock file. The file itself is left in
// place; removing it would race with a waiter that already opened it.
func (l *RunLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		_ = l.file.Close()
		l.file = nil
		return fmt.Errorf("funlock: %w", err)
	}
	err := l.file.Close()
	l.file = nil
	return err
}
