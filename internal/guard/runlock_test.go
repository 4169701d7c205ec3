package guard

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/arbor/internal/errors"
)

func TestRunLock_Exclusive(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), ".arbor", "arbor.lock")

	first, err := AcquireRunLock(ctx, path, time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireRunLock() error = %v", err)
	}

	_, err = AcquireRunLock(ctx, path, time.Millisecond)
	if !errors.Is(err, errors.ErrLockActive) {
		t.Fatalf("second AcquireRunLock() error = %v, want ErrLockActive", err)
	}
	if !strings.Contains(err.Error(), "pid ") {
		t.Errorf("error should name the holder: %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := first.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}

	again, err := AcquireRunLock(ctx, path, time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireRunLock() after release error = %v", err)
	}
	if again.Path() != path {
		t.Errorf("Path() = %s", again.Path())
	}
	_ = again.Release()
}

func TestHolderSuffix(t *testing.T) {
	if got := holderSuffix(filepath.Join(t.TempDir(), "missing")); got != "" {
		t.Errorf("holderSuffix(missing) = %q", got)
	}
}
