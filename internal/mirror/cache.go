package mirror

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/depotsync/internal/depot"
)

// ErrInvalidCache is returned when the resume cache cannot be used.
// The cache has to be deleted by the operator.
var ErrInvalidCache = errors.New("cache file invalid or empty")

// Cache persists the package diff of an interrupted run.
//
// The presence of the file selects resume mode.  It is written once,
// before any package is transferred, and removed after every item has
// been visited.
type Cache struct {
	path string
}

// NewCache returns a Cache stored at path.
func NewCache(path string) *Cache {
	return &Cache{path: filepath.Clean(path)}
}

// Path returns the file path of the cache.
func (c *Cache) Path() string {
	return c.path
}

// Load reads the cache.  found is false when no cache file exists.
// A file that does not hold a non-empty JSON array of package idents
// is reported as ErrInvalidCache.
func (c *Cache) Load() (pkgs []depot.PackageIdent, found bool, err error) {
	data, err := os.ReadFile(c.path) // #nosec G304 - path validated by Config.Check
	switch {
	case os.IsNotExist(err):
		return nil, false, nil
	case err != nil:
		return nil, true, errors.Wrap(err, "read cache")
	}

	if err := json.Unmarshal(data, &pkgs); err != nil {
		slog.Debug("failed to parse cache", "path", c.path, "error", err)
		return nil, true, errors.Wrapf(ErrInvalidCache, "%s", c.path)
	}
	if len(pkgs) == 0 {
		return nil, true, errors.Wrapf(ErrInvalidCache, "%s", c.path)
	}
	for _, p := range pkgs {
		if p.Name == "" {
			return nil, true, errors.Wrapf(ErrInvalidCache, "%s: entry without name", c.path)
		}
	}
	return pkgs, true, nil
}

// Save writes pkgs atomically: a temporary file in the same directory
// is synced and renamed over the cache, then the directory is synced.
func (c *Cache) Save(pkgs []depot.PackageIdent) error {
	if pkgs == nil {
		pkgs = []depot.PackageIdent{}
	}
	data, err := json.Marshal(pkgs)
	if err != nil {
		return errors.Wrap(err, "marshal cache")
	}

	dir := filepath.Dir(c.path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(c.path)+".tmp")
	if err != nil {
		return errors.Wrap(err, "save cache")
	}
	tmpName := f.Name()
	defer func() {
		if _, err := os.Stat(tmpName); err == nil {
			os.Remove(tmpName)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "save cache")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "save cache")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "save cache")
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return errors.Wrap(err, "save cache")
	}
	if err := syncDir(dir); err != nil {
		return errors.Wrap(err, "save cache")
	}
	return nil
}

// syncDir makes the rename of the cache durable.
func syncDir(dir string) error {
	d, err := os.Open(dir) // #nosec G304 - directory of the validated cache path
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}

// Remove deletes the cache.  A missing file is not an error.
func (c *Cache) Remove() error {
	err := os.Remove(c.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove cache")
	}
	return nil
}
