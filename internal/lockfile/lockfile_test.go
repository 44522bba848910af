package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndReleaseLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lockPath := filepath.Join(dir, LockFileName)
	if _, err := os.Stat(lockPath); err != nil {
		t.Errorf("lock file missing: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("lock file should be removed after release")
	}

	// Releasing twice is a no-op.
	if err := lock.Release(); err != nil {
		t.Errorf("second release failed: %v", err)
	}
}

func TestAcquireLockConflict(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer first.Release()

	_, err = AcquireLock(dir)
	if err == nil {
		t.Fatal("expected conflict while lock is held")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.LockPath != filepath.Join(dir, LockFileName) {
		t.Errorf("lock path = %q", lockErr.LockPath)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	second, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	second.Release()
}

func TestExtractPIDFromLockInfo(t *testing.T) {
	cases := []struct {
		content string
		want    int
	}{
		{"pid=1234\n", 1234},
		{"pid=1234", 1234},
		{"garbage", 0},
		{"pid=", 0},
	}
	for _, tc := range cases {
		if got := extractPIDFromLockInfo(tc.content); got != tc.want {
			t.Errorf("extractPIDFromLockInfo(%q) = %d, want %d", tc.content, got, tc.want)
		}
	}
}
