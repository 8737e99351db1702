package depot

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/cockroachdb/errors"
)

// Depot is the typed API of one depot.
type Depot struct {
	name   string
	client *Client
}

// New returns a Depot using client.  name labels log messages
// (e.g. "source", "destination").
func New(name string, client *Client) *Depot {
	return &Depot{
		name:   name,
		client: client,
	}
}

// Name returns the label of the depot.
func (d *Depot) Name() string {
	return d.name
}

// URL returns the base URL of the depot.
func (d *Depot) URL() string {
	return d.client.Endpoint().URL
}

// getJSON GETs path and decodes a usable response into v.
func (d *Depot) getJSON(ctx context.Context, path string, v any) (*Response, error) {
	resp, err := d.client.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return resp, errors.Wrapf(err, "decode %s", resp.URL)
	}
	return resp, nil
}

// pathJoin escapes every segment and joins them with "/".
func pathJoin(segments ...string) string {
	var p string
	for _, s := range segments {
		p += "/" + url.PathEscape(s)
	}
	return p
}
