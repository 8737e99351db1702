package depot

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"slices"
	"strconv"

	"github.com/cockroachdb/errors"
)

const (
	// DefaultMaxPackages bounds catalog listings.
	DefaultMaxPackages = 100_000_000

	// UnstableChannel is where uploaded packages land.
	UnstableChannel = "unstable"
)

// ErrPaginationStalled is returned when a catalog page does not advance the range.
var ErrPaginationStalled = errors.New("catalog pagination did not advance")

// catalogPage is one page of a channel catalog.
type catalogPage struct {
	RangeStart int            `json:"range_start"`
	RangeEnd   int            `json:"range_end"`
	TotalCount int            `json:"total_count"`
	Data       []PackageIdent `json:"data"`
}

// PackageMetadata is the metadata of one artifact in a channel.
type PackageMetadata struct {
	Ident    PackageIdent `json:"ident"`
	Checksum string       `json:"checksum"`
	Channels []string     `json:"channels"`
}

// InChannel returns true if the package is visible in channel.
func (m *PackageMetadata) InChannel(channel string) bool {
	return slices.Contains(m.Channels, channel)
}

func catalogPath(origin, channel string) string {
	return "/v1/depot/channels" + pathJoin(origin, channel) + "/pkgs"
}

// metadataPath substitutes "latest" for missing version or release.
// The release is not part of the path when the version is "latest".
func metadataPath(origin, channel string, p PackageIdent) string {
	version := orLatest(p.Version)
	segments := []string{p.Name, version}
	if version != Latest {
		segments = append(segments, orLatest(p.Release))
	}
	return catalogPath(origin, channel) + pathJoin(segments...)
}

func artifactPath(origin string, p PackageIdent) string {
	return "/v1/depot/pkgs" + pathJoin(origin, p.Name, p.Version, p.Release)
}

// ListPackages lists every package of origin in channel, following
// pagination until total_count or maxCount entries are covered.
// maxCount <= 0 means DefaultMaxPackages.
func (d *Depot) ListPackages(ctx context.Context, origin, channel string, maxCount int) ([]PackageIdent, error) {
	if maxCount <= 0 {
		maxCount = DefaultMaxPackages
	}

	var pkgs []PackageIdent
	start := 0
	for {
		var page catalogPage
		path := catalogPath(origin, channel) + "?range=" + strconv.Itoa(start)
		resp, err := d.getJSON(ctx, path, &page)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: list packages of %s/%s", d.name, origin, channel)
		}
		pkgs = append(pkgs, page.Data...)
		slog.Debug("catalog page", "depot", d.name, "range", start, "range_end", page.RangeEnd,
			"total", page.TotalCount, "outcome", resp.Outcome)

		next := page.RangeEnd + 1
		if next >= page.TotalCount || next > maxCount {
			break
		}
		// start strictly increases, so the loop ends after at most maxCount pages.
		if next <= start {
			return nil, errors.Wrapf(ErrPaginationStalled, "%s: %s/%s range=%d range_end=%d total=%d",
				d.name, origin, channel, start, page.RangeEnd, page.TotalCount)
		}
		start = next
	}

	for i := range pkgs {
		if pkgs[i].Origin == "" {
			pkgs[i].Origin = origin
		}
	}
	return pkgs, nil
}

// PackageMetadata fetches the metadata of p in channel.  Missing version
// or release of p are resolved by the depot to the latest one.
func (d *Depot) PackageMetadata(ctx context.Context, origin, channel string, p PackageIdent) (*PackageMetadata, error) {
	var m PackageMetadata
	if _, err := d.getJSON(ctx, metadataPath(origin, channel, p), &m); err != nil {
		return nil, errors.Wrapf(err, "%s: metadata of %s in %s", d.name, p, channel)
	}
	if !m.Ident.FullyQualified() {
		return nil, errors.Newf("%s: metadata of %s in %s has an incomplete ident %s", d.name, p, channel, m.Ident)
	}
	if m.Ident.Origin == "" {
		m.Ident.Origin = origin
	}
	return &m, nil
}

// DownloadPackage streams the artifact of p into w.
//
// A response with an unexpected status is returned without error.
func (d *Depot) DownloadPackage(ctx context.Context, origin string, p PackageIdent, w io.Writer) (*Response, error) {
	if !p.FullyQualified() {
		return nil, errors.Newf("download: %s is not fully qualified", p)
	}
	resp, err := d.client.Download(ctx, artifactPath(origin, p)+"/download", w)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: download %s", d.name, p)
	}
	return resp, nil
}

// UploadPackage uploads the artifact of p.  The depot verifies it against checksum.
//
// A response with an unexpected status is returned without error.
func (d *Depot) UploadPackage(ctx context.Context, origin string, p PackageIdent, body io.Reader, size int64, checksum string) (*Response, error) {
	if !p.FullyQualified() {
		return nil, errors.Newf("upload: %s is not fully qualified", p)
	}
	path := artifactPath(origin, p) + "?checksum=" + url.QueryEscape(checksum)
	resp, err := d.client.Post(ctx, path, body, size)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: upload %s", d.name, p)
	}
	return resp, nil
}

// PromotePackage makes p visible in channel.
//
// A response with an unexpected status is returned without error.
func (d *Depot) PromotePackage(ctx context.Context, origin, channel string, p PackageIdent) (*Response, error) {
	if !p.FullyQualified() {
		return nil, errors.Newf("promote: %s is not fully qualified", p)
	}
	path := catalogPath(origin, channel) + pathJoin(p.Name, p.Version, p.Release) + "/promote"
	resp, err := d.client.Put(ctx, path, nil, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: promote %s to %s", d.name, p, channel)
	}
	return resp, nil
}
