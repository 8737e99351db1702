// Package artifact computes depot checksums of package artifacts and spools
// artifact downloads to disk before they are uploaded elsewhere.
package artifact

import (
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/blake2b"
)

// Info is a set of meta data of a transferred artifact.
type Info struct {
	Size     int64
	Checksum string
}

// newHash returns the hash depots use for artifact checksums.
func newHash() hash.Hash {
	// blake2b.New256 only fails for keys longer than 64 bytes.
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	return h
}

// Checksum returns the depot checksum (hex encoded BLAKE2b-256) of data.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CopyWithChecksum copies from src to dst until either EOF is reached
// on src or an error occurs, and returns Info calculated while copying.
func CopyWithChecksum(dst io.Writer, src io.Reader) (*Info, error) {
	h := newHash()
	n, err := io.Copy(io.MultiWriter(h, dst), src)
	if err != nil {
		return nil, errors.Wrap(err, "CopyWithChecksum")
	}
	return &Info{
		Size:     n,
		Checksum: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Verify compares the checksum of info against an expected checksum.
// Depots report lowercase hex, but comparison is case-insensitive.
func Verify(info *Info, expected string) error {
	if info == nil {
		return errors.New("no artifact info")
	}
	if !strings.EqualFold(info.Checksum, expected) {
		return errors.Newf("checksum mismatch: got %s, want %s", info.Checksum, expected)
	}
	return nil
}
