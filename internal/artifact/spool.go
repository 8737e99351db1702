package artifact

import (
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// Spool is a temporary file that receives an artifact download.
//
// The checksum is calculated while the download is written, so the
// artifact can be verified before it is read back for upload.
type Spool struct {
	file *os.File
	hash hash.Hash
	size int64
}

// NewSpool creates a new Spool in dir.  An empty dir means os.TempDir().
func NewSpool(dir string) (*Spool, error) {
	f, err := os.CreateTemp(dir, "depotsync-*.hart")
	if err != nil {
		return nil, errors.Wrap(err, "NewSpool")
	}
	if err := os.Chmod(f.Name(), 0600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, errors.Wrap(err, "NewSpool")
	}
	return &Spool{
		file: f,
		hash: newHash(),
	}, nil
}

// Write implements io.Writer.
func (s *Spool) Write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	s.hash.Write(p[:n])
	s.size += int64(n)
	return n, err
}

// Name returns the path of the underlying file.
func (s *Spool) Name() string {
	return s.file.Name()
}

// Info returns the size and checksum of what has been written so far.
func (s *Spool) Info() *Info {
	return &Info{
		Size:     s.size,
		Checksum: hex.EncodeToString(s.hash.Sum(nil)),
	}
}

// Rewind flushes the spool and returns a reader over its content.
// The reader does not close the spool; use Close for that.
func (s *Spool) Rewind() (io.Reader, error) {
	if err := s.file.Sync(); err != nil {
		return nil, errors.Wrap(err, "spool sync")
	}
	return io.NewSectionReader(s.file, 0, s.size), nil
}

// Close closes and removes the spool file.  Calling Close again is a no-op.
func (s *Spool) Close() error {
	filename := s.file.Name()
	var result error
	if err := s.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		result = errors.Wrapf(err, "close %s", filename)
	}
	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		result = errors.CombineErrors(result, errors.Wrapf(err, "remove %s", filename))
	}
	return result
}
