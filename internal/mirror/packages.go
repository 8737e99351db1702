package mirror

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/mirrorctl/depotsync/internal/artifact"
	"github.com/mirrorctl/depotsync/internal/depot"
	"github.com/mirrorctl/depotsync/internal/metrics"
)

// Plan lists both catalogs and returns the packages of the source that
// the destination lacks, at the granularity of the collapse mode.
func (m *Mirror) Plan(ctx context.Context) ([]depot.PackageIdent, error) {
	origin, channel := m.config.Origin, m.config.Channel

	mode := m.config.CollapseMode()
	switch mode {
	case depot.CollapseRelease:
		m.printf("Using only latest release for each package version\n")
	case depot.CollapseVersion:
		m.printf("Using only latest version for each package\n")
	}

	dstPkgs, err := m.dst.ListPackages(ctx, origin, channel, depot.DefaultMaxPackages)
	if err != nil {
		return nil, err
	}
	srcPkgs, err := m.src.ListPackages(ctx, origin, channel, depot.DefaultMaxPackages)
	if err != nil {
		return nil, err
	}

	src := m.filter.Apply(depot.Collapse(srcPkgs, mode))
	dst := depot.Collapse(dstPkgs, mode)
	diff := depot.Difference(src, dst)

	slog.Info("package plan", "origin", origin, "channel", channel, "mode", mode.String(),
		"source", len(srcPkgs), "destination", len(dstPkgs), "missing", len(diff))
	return diff, nil
}

// SyncPackages visits every package of pkgs in order.
//
// Per item problems are logged and counted; only transport failures
// and cancellation abort the loop.
func (m *Mirror) SyncPackages(ctx context.Context, pkgs []depot.PackageIdent) error {
	width := counterWidth(len(pkgs))
	for i, p := range pkgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.printf("[%*d/%d] Syncing %s\n", width, i+1, len(pkgs), p)
		m.summary.Packages++
		if m.dryRun {
			continue
		}
		if err := m.syncPackage(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) syncPackage(ctx context.Context, p depot.PackageIdent) error {
	origin, channel := m.config.Origin, m.config.Channel

	m.printf("   Get source meta\n")
	srcMeta, err := m.src.PackageMetadata(ctx, origin, channel, p)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Info("no source metadata, skipping", "package", p.String(), "error", err)
		m.skip(&m.summary.SkippedNoSourceMeta)
		return nil
	}
	id := srcMeta.Ident

	m.printf("   Get destination meta\n")
	dstMeta, err := m.destinationMeta(ctx, id)
	if err != nil {
		return err
	}

	if dstMeta == nil {
		m.printf("   No destination package, no metadata\n")
		transferred, err := m.transfer(ctx, srcMeta)
		if err != nil {
			return err
		}
		if !transferred {
			return nil
		}
		dstMeta, err = m.awaitDestination(ctx, id)
		if err != nil {
			return err
		}
	}

	if dstMeta == nil {
		slog.Warn("package not visible on destination after upload", "package", id.String())
		m.skip(&m.summary.SkippedNoDestMeta)
		return nil
	}

	if !strings.EqualFold(srcMeta.Checksum, dstMeta.Checksum) {
		m.printf("-> * FAILED CHECKSUM %s! * <-\n", dstMeta.Ident)
		slog.Error("checksum mismatch", "package", id.String(),
			"source", srcMeta.Checksum, "destination", dstMeta.Checksum)
		m.summary.ChecksumFailures++
		m.metrics.Package(metrics.ResultChecksumFailed)
		return nil
	}

	if dstMeta.InChannel(channel) {
		m.printf("   Already promoted\n")
		m.summary.AlreadyPromoted++
		m.metrics.Package(metrics.ResultAlreadyPromoted)
		return nil
	}

	m.printf("   Promote\n")
	resp, err := m.dst.PromotePackage(ctx, origin, channel, id)
	if err != nil {
		return err
	}
	if !resp.Usable() {
		slog.Warn("promotion failed", "package", id.String(), "channel", channel, "status", resp.Status)
		m.skip(&m.summary.SkippedTransfer)
		return nil
	}
	m.summary.Promoted++
	m.metrics.Package(metrics.ResultPromoted)
	return nil
}

// destinationMeta fetches the metadata of id in the unstable channel of
// the destination, where every uploaded artifact is visible.  Any
// failure other than cancellation means the package is absent.
func (m *Mirror) destinationMeta(ctx context.Context, id depot.PackageIdent) (*depot.PackageMetadata, error) {
	meta, err := m.dst.PackageMetadata(ctx, m.config.Origin, depot.UnstableChannel, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Debug("no destination metadata", "package", id.String(), "error", err)
		return nil, nil
	}
	return meta, nil
}

// awaitDestination waits for an uploaded artifact to show up in the
// destination metadata.
func (m *Mirror) awaitDestination(ctx context.Context, id depot.PackageIdent) (*depot.PackageMetadata, error) {
	for attempt := 1; attempt <= m.config.SettleAttempts; attempt++ {
		timer := time.NewTimer(m.config.SettleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		m.printf("   Refresh destination meta\n")
		meta, err := m.destinationMeta(ctx, id)
		if err != nil || meta != nil {
			return meta, err
		}
		slog.Debug("uploaded package not visible yet", "package", id.String(), "attempt", attempt)
	}
	return nil, nil
}

// transfer copies the artifact described by meta from the source to the
// destination.  It returns false if the item has to be skipped.
func (m *Mirror) transfer(ctx context.Context, meta *depot.PackageMetadata) (bool, error) {
	origin := m.config.Origin
	id := meta.Ident

	spool, err := artifact.NewSpool(m.spoolDir)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := spool.Close(); err != nil {
			slog.Warn("failed to remove spool file", "path", spool.Name(), "error", err)
		}
	}()

	m.printf("     Download source\n")
	resp, err := m.src.DownloadPackage(ctx, origin, id, spool)
	if err != nil {
		return false, err
	}
	if !resp.Usable() {
		slog.Warn("download failed", "package", id.String(), "status", resp.Status)
		m.skip(&m.summary.SkippedTransfer)
		return false, nil
	}

	info := spool.Info()
	if m.config.VerifyDownloads {
		if err := artifact.Verify(info, meta.Checksum); err != nil {
			m.printf("-> * FAILED CHECKSUM %s! * <-\n", id)
			slog.Error("downloaded artifact does not match source checksum", "package", id.String(), "error", err)
			m.summary.ChecksumFailures++
			m.metrics.Package(metrics.ResultChecksumFailed)
			return false, nil
		}
	}

	m.printf("     Upload file with checksum: %s\n", meta.Checksum)
	body, err := spool.Rewind()
	if err != nil {
		return false, err
	}
	if m.progress {
		bar := pb.New64(info.Size).SetTemplate(pb.Full).Set(pb.Bytes, true).SetWriter(m.out).Start()
		defer bar.Finish()
		body = bar.NewProxyReader(body)
	}

	resp, err = m.dst.UploadPackage(ctx, origin, id, body, info.Size, meta.Checksum)
	if err != nil {
		return false, err
	}
	if !resp.Usable() {
		// The artifact may exist already; the metadata refresh decides.
		slog.Warn("upload rejected", "package", id.String(), "status", resp.Status)
		return true, nil
	}

	m.summary.Uploaded++
	m.summary.BytesTransferred += info.Size
	m.metrics.Package(metrics.ResultUploaded)
	m.metrics.BytesTransferred.Add(float64(info.Size))
	return true, nil
}

func (m *Mirror) skip(counter *int) {
	*counter++
	m.metrics.Package(metrics.ResultSkipped)
}
