package mirror

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/depotsync/internal/depot"
	"github.com/mirrorctl/depotsync/internal/metrics"
)

// Version is reported in the User-Agent of depot requests.
var Version = "dev"

// RunOptions tune a run.  The zero value prints to stdout and transfers.
type RunOptions struct {
	// RunID identifies the run in logs and the summary.
	RunID string
	// Quiet suppresses progress lines.  The summary is still returned.
	Quiet bool
	// DryRun lists what would be synced without transferring anything.
	DryRun bool
	// Progress shows a progress bar on artifact uploads.
	Progress bool
	// Out receives progress lines.  nil means os.Stdout.
	Out io.Writer
	// SpoolDir holds downloaded artifacts until they are uploaded.
	// Empty means os.TempDir().
	SpoolDir string
}

// Mirror implements mirroring logics.
type Mirror struct {
	config   *Config
	src      *depot.Depot
	dst      *depot.Depot
	out      io.Writer
	quiet    bool
	dryRun   bool
	progress bool
	spoolDir string
	filter   *nameFilter
	summary  *Summary
	metrics  *metrics.Metrics
}

// NewMirror constructs a Mirror for a validated configuration.
func NewMirror(config *Config, opts RunOptions) (*Mirror, error) {
	src, err := config.NewDepot("source", &config.Source)
	if err != nil {
		return nil, err
	}
	dst, err := config.NewDepot("destination", &config.Destination)
	if err != nil {
		return nil, err
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	spoolDir := opts.SpoolDir
	if spoolDir == "" {
		spoolDir = os.TempDir()
	}
	if !filepath.IsAbs(spoolDir) && hasParentElement(spoolDir) {
		return nil, errors.New("spool dir: relative path must not leave the working directory: " + spoolDir)
	}

	return &Mirror{
		config:   config,
		src:      src,
		dst:      dst,
		out:      out,
		quiet:    opts.Quiet,
		dryRun:   opts.DryRun,
		progress: opts.Progress && !opts.Quiet,
		spoolDir: spoolDir,
		filter:   newNameFilter(config.Include, config.Exclude),
		summary:  &Summary{RunID: opts.RunID, DryRun: opts.DryRun},
		metrics:  metrics.New(),
	}, nil
}

// Summary returns the counters of the run so far.
func (m *Mirror) Summary() *Summary {
	return m.summary
}

// Metrics returns the Prometheus metrics of the run.
func (m *Mirror) Metrics() *metrics.Metrics {
	return m.metrics
}

func (m *Mirror) printf(format string, args ...any) {
	if m.quiet {
		return
	}
	fmt.Fprintf(m.out, format, args...)
}

// counterWidth returns the width of n printed in decimal.
func counterWidth(n int) int {
	return len(fmt.Sprint(n))
}
