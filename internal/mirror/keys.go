package mirror

import (
	"context"
	"log/slog"

	"github.com/mirrorctl/depotsync/internal/depot"
)

// SyncKeys uploads the origin key revisions that the destination lacks.
//
// Listing or downloading failures abort the run.  A key the destination
// rejects is logged and skipped.
func (m *Mirror) SyncKeys(ctx context.Context) error {
	origin := m.config.Origin

	dstKeys, err := m.dst.ListKeys(ctx, origin)
	if err != nil {
		return err
	}
	srcKeys, err := m.src.ListKeys(ctx, origin)
	if err != nil {
		return err
	}

	keys := depot.KeysToSync(srcKeys, dstKeys)
	if len(keys) == 0 {
		m.printf("Keys already synced!\n")
		return nil
	}

	width := counterWidth(len(keys))
	for i, k := range keys {
		m.printf("[%*d/%d] Syncing %s\n", width, i+1, len(keys), k.Location)
		if m.dryRun {
			continue
		}

		content, err := m.src.DownloadKey(ctx, origin, k.Revision)
		if err != nil {
			return err
		}
		resp, err := m.dst.UploadKey(ctx, origin, k.Revision, content)
		if err != nil {
			return err
		}
		if !resp.Usable() {
			slog.Warn("destination rejected key", "origin", origin, "revision", k.Revision, "status", resp.Status)
			m.summary.KeysFailed++
			continue
		}
		m.summary.KeysSynced++
		m.metrics.KeysSynced.Inc()
	}
	return nil
}
