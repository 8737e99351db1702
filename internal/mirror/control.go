package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorctl/depotsync/internal/depot"
)

// validateLockFilePath validates that a lock file path is safe for use.
// The lock must live next to the cache it guards.
func validateLockFilePath(lockFile, cacheFile string) error {
	if hasParentElement(lockFile) {
		return errors.New("unsafe lock file path (contains directory traversal): " + lockFile)
	}
	if filepath.Dir(filepath.Clean(lockFile)) != filepath.Dir(filepath.Clean(cacheFile)) {
		return errors.New("lock file path outside of cache directory: " + lockFile)
	}
	return nil
}

// lockCache takes the flock guarding the cache.  The returned function
// releases and removes the lock file.
func lockCache(config *Config) (func(), error) {
	lockFile := config.LockFile()
	if err := validateLockFilePath(lockFile, config.Cache); err != nil {
		return nil, errors.Wrap(err, "Run")
	}

	var file *os.File
	var fileLock Flock
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(lockFile, os.O_RDWR|os.O_CREATE, 0644) // #nosec G304,G302 - lockFile path validated, 0644 standard for lock files
		if err != nil {
			return nil, errors.Wrap(err, "open lock file")
		}

		fl := Flock{f}
		if err := fl.Lock(); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "another depotsync run holds the cache lock")
		}

		// the previous holder may have removed the file between open and lock
		if sameFile(f, lockFile) {
			file, fileLock = f, fl
			break
		}
		_ = fl.Unlock()
		f.Close()
		if attempt == 2 {
			return nil, errors.New("lock file keeps being replaced: " + lockFile)
		}
	}

	return func() {
		// remove while locked so a waiting process cannot lock a stale inode
		if err := os.Remove(lockFile); err != nil {
			slog.Warn("failed to remove lock file", "error", err, "path", lockFile)
		}
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}, nil
}

func sameFile(f *os.File, path string) bool {
	opened, err := f.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(opened, current)
}

// sync runs the key phase and the package phase.
func (m *Mirror) sync(ctx context.Context, cache *Cache) error {
	// the cache is read first so that a corrupt cache fails before any depot is contacted
	pkgs, resume, err := cache.Load()
	if err != nil {
		return err
	}

	if err := m.SyncKeys(ctx); err != nil {
		return errors.Wrap(err, "sync keys")
	}

	if resume {
		m.printf("  Resuming job from %s\n", cache.Path())
		m.summary.Resumed = true
	} else {
		pkgs, err = m.Plan(ctx)
		if err != nil {
			return errors.Wrap(err, "plan packages")
		}
		if !m.dryRun {
			if err := cache.Save(pkgs); err != nil {
				return err
			}
		}
	}

	if err := m.SyncPackages(ctx, pkgs); err != nil {
		return errors.Wrap(err, "sync packages")
	}

	if m.dryRun {
		return nil
	}
	return cache.Remove()
}

// Run mirrors keys and packages of one origin and channel.
//
// The first thing to do is to acquire flock on the lock file next to
// the cache.  If the cache exists, the run resumes the package list
// stored in it instead of listing the catalogs.  The cache is removed
// only when every package has been visited.
func Run(ctx context.Context, config *Config, opts RunOptions) (*Summary, error) {
	if err := config.Check(); err != nil {
		return nil, errors.Wrap(err, "config")
	}

	unlock, err := lockCache(config)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := NewMirror(config, opts)
	if err != nil {
		return nil, err
	}
	cache := NewCache(config.Cache)

	if m.dryRun {
		slog.Info("dry-run mode: listing without transferring")
	} else {
		slog.Info("sync starts", "source", m.src.URL(), "destination", m.dst.URL(),
			"origin", config.Origin, "channel", config.Channel)
	}

	start := time.Now()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return m.sync(ctx, cache)
	})
	err = group.Wait()
	m.summary.Duration = time.Since(start)

	if err == nil && !m.dryRun {
		m.metrics.Succeeded(time.Now())
	}
	if config.MetricsFile != "" && !m.dryRun {
		if merr := m.metrics.WriteTextfile(config.MetricsFile); merr != nil {
			slog.Warn("failed to write metrics", "error", merr)
		}
	}

	if err != nil {
		if errors.Is(err, ErrInvalidCache) {
			m.printf("   Cache file invalid or empty. Delete it.\n")
		}
		return m.summary, err
	}

	if !opts.Quiet {
		m.summary.Print(m.out)
	}
	slog.Info("sync ends", "packages", m.summary.Packages, "uploaded", m.summary.Uploaded,
		"promoted", m.summary.Promoted, "skipped", m.summary.Skipped())
	return m.summary, nil
}

// CacheStatus describes a resume cache for the cache show command.
type CacheStatus struct {
	Path     string
	Found    bool
	Packages []depot.PackageIdent
}

// InspectCache loads the cache of config without taking the lock.
func InspectCache(config *Config) (*CacheStatus, error) {
	cache := NewCache(config.Cache)
	pkgs, found, err := cache.Load()
	if err != nil {
		return nil, err
	}
	return &CacheStatus{Path: cache.Path(), Found: found, Packages: pkgs}, nil
}

// ClearCache removes the cache of config.  It fails while a run holds the lock.
func ClearCache(config *Config) error {
	unlock, err := lockCache(config)
	if err != nil {
		return err
	}
	defer unlock()
	return NewCache(config.Cache).Remove()
}
