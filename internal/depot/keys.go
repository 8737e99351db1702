package depot

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
)

// Key is a revision of an origin signing key.
type Key struct {
	Origin   string `json:"origin,omitempty"`
	Revision string `json:"revision"`
	Location string `json:"location"`
}

func keysPath(origin string) string {
	return "/v1/depot/origins" + pathJoin(origin) + "/keys"
}

// ListKeys lists the signing key revisions of origin.
func (d *Depot) ListKeys(ctx context.Context, origin string) ([]Key, error) {
	var keys []Key
	if _, err := d.getJSON(ctx, keysPath(origin), &keys); err != nil {
		return nil, errors.Wrapf(err, "%s: list keys of %s", d.name, origin)
	}
	return keys, nil
}

// DownloadKey downloads the content of a key revision.
func (d *Depot) DownloadKey(ctx context.Context, origin, revision string) ([]byte, error) {
	resp, err := d.client.Get(ctx, keysPath(origin)+pathJoin(revision))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: download key %s-%s", d.name, origin, revision)
	}
	if err := resp.Err(); err != nil {
		return nil, errors.Wrapf(err, "%s: download key %s-%s", d.name, origin, revision)
	}
	return resp.Body, nil
}

// UploadKey uploads content as a key revision.
//
// A response with an unexpected status is returned without error.
func (d *Depot) UploadKey(ctx context.Context, origin, revision string, content []byte) (*Response, error) {
	resp, err := d.client.Post(ctx, keysPath(origin)+pathJoin(revision), bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: upload key %s-%s", d.name, origin, revision)
	}
	return resp, nil
}

// KeysToSync returns the keys of src whose revision is not in dst.
// Order of src is kept and duplicated revisions are dropped.
func KeysToSync(src, dst []Key) []Key {
	have := make(map[string]struct{}, len(dst)+len(src))
	for _, k := range dst {
		have[k.Revision] = struct{}{}
	}

	var missing []Key
	for _, k := range src {
		if _, ok := have[k.Revision]; ok {
			continue
		}
		have[k.Revision] = struct{}{}
		missing = append(missing, k)
	}
	return missing
}
