package mirror

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// =============================================================================
// validateLockFilePath tests
// =============================================================================

func TestValidateLockFilePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		lockFile  string
		cacheFile string
		wantError bool
	}{
		{
			name:      "lock next to cache",
			lockFile:  "/var/lib/depotsync/sync.json.lock",
			cacheFile: "/var/lib/depotsync/sync.json",
		},
		{
			name:      "relative paths",
			lockFile:  "state/sync.json.lock",
			cacheFile: "state/sync.json",
		},
		{
			name:      "double slashes in path",
			lockFile:  "/var/lib//depotsync/sync.json.lock",
			cacheFile: "/var/lib/depotsync/sync.json",
		},
		{
			name:      "single dot component",
			lockFile:  "/var/lib/depotsync/./sync.json.lock",
			cacheFile: "/var/lib/depotsync/sync.json",
		},
		{
			name:      "double dot inside file name",
			lockFile:  "/var/cache/hab..json.lock",
			cacheFile: "/var/cache/hab..json",
		},
		{
			name:      "double dot prefixed directory",
			lockFile:  "..state/sync.json.lock",
			cacheFile: "..state/sync.json",
		},
		{
			name:      "simple parent traversal",
			lockFile:  "/var/lib/depotsync/../etc/passwd",
			cacheFile: "/var/lib/depotsync/sync.json",
			wantError: true,
		},
		{
			name:      "traversal at start",
			lockFile:  "../sync.json.lock",
			cacheFile: "../sync.json",
			wantError: true,
		},
		{
			name:      "sibling directory",
			lockFile:  "/var/lib/other/sync.json.lock",
			cacheFile: "/var/lib/depotsync/sync.json",
			wantError: true,
		},
		{
			name:      "similar prefix",
			lockFile:  "/var/lib/depotsync-other/sync.json.lock",
			cacheFile: "/var/lib/depotsync/sync.json",
			wantError: true,
		},
		{
			name:      "subdirectory",
			lockFile:  "/var/lib/depotsync/sub/sync.json.lock",
			cacheFile: "/var/lib/depotsync/sync.json",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateLockFilePath(tt.lockFile, tt.cacheFile)
			if tt.wantError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantError && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}

// =============================================================================
// Lock contention tests
// =============================================================================

func TestFlock_Contention_NonBlocking(t *testing.T) {
	t.Parallel()

	tmpFile, err := os.CreateTemp(t.TempDir(), "flock-contention-*")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer tmpFile.Close()

	tmpFile2, err := os.Open(tmpFile.Name())
	if err != nil {
		t.Fatalf("failed to open temp file second time: %v", err)
	}
	defer tmpFile2.Close()

	fl1 := Flock{tmpFile}
	if err := fl1.Lock(); err != nil {
		t.Fatalf("first lock should succeed: %v", err)
	}

	// Second lock should fail immediately with EWOULDBLOCK
	fl2 := Flock{tmpFile2}
	err = fl2.Lock()
	if err == nil {
		t.Fatal("second lock should fail when first lock is held")
	}
	if !errors.Is(err, unix.EWOULDBLOCK) {
		t.Errorf("expected EWOULDBLOCK, got %v", err)
	}

	if err := fl1.Unlock(); err != nil {
		t.Fatalf("unlock should succeed: %v", err)
	}
	if err := fl2.Lock(); err != nil {
		t.Errorf("second lock should succeed after first is released: %v", err)
	}
	if err := fl2.Unlock(); err != nil {
		t.Errorf("second unlock should succeed: %v", err)
	}
}

func TestFlock_Contention_MultipleGoroutines(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "sync.json.lock")
	lockFile, err := os.Create(lockPath)
	if err != nil {
		t.Fatalf("failed to create lock file: %v", err)
	}
	defer lockFile.Close()

	fl := Flock{lockFile}
	if err := fl.Lock(); err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	defer func() { _ = fl.Unlock() }()

	const numGoroutines = 5
	var failedLocks atomic.Int32
	var wg sync.WaitGroup

	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()

			f, err := os.Open(lockPath)
			if err != nil {
				return
			}
			defer f.Close()

			fl := Flock{f}
			if err := fl.Lock(); err != nil {
				failedLocks.Add(1)
			} else {
				_ = fl.Unlock()
			}
		}()
	}
	wg.Wait()

	if failedLocks.Load() != numGoroutines {
		t.Errorf("expected %d failed locks, got %d", numGoroutines, failedLocks.Load())
	}
}

func TestFlock_LockAfterClose(t *testing.T) {
	t.Parallel()

	tmpFile, err := os.CreateTemp(t.TempDir(), "flock-closed-*")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	fl := Flock{tmpFile}
	tmpFile.Close()

	if err := fl.Lock(); err == nil {
		t.Error("lock on closed file should fail")
	}
}

// =============================================================================
// Run() lock file behavior tests
// =============================================================================

func TestRun_LockContention(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	lockFile, err := os.Create(e.config.LockFile())
	if err != nil {
		t.Fatalf("failed to create lock file: %v", err)
	}
	defer lockFile.Close()

	fl := Flock{lockFile}
	if err := fl.Lock(); err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	defer func() { _ = fl.Unlock() }()

	if _, err := Run(context.Background(), e.config, e.options()); err == nil {
		t.Error("Run should fail when lock is already held")
	} else if !errors.Is(err, unix.EWOULDBLOCK) {
		t.Errorf("expected lock contention error, got %v", err)
	}
}

func TestRun_ConcurrentRuns(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	for _, name := range []string{"foo", "bar", "baz"} {
		e.src.AddPackage("core", name, "1.0", "1", []byte(name), "stable")
	}

	const numGoroutines = 5
	var wg sync.WaitGroup
	var successCount atomic.Int32

	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := e.options()
			opts.Quiet = true
			_, err := Run(context.Background(), e.config, opts)
			switch {
			case err == nil:
				successCount.Add(1)
			case !errors.Is(err, unix.EWOULDBLOCK):
				t.Errorf("unexpected error from concurrent run: %v", err)
			}
		}()
	}
	wg.Wait()

	if successCount.Load() == 0 {
		t.Error("no run succeeded")
	}
	if got := len(e.dst.Packages("core")); got != 3 {
		t.Errorf("destination has %d packages, want 3", got)
	}
}
