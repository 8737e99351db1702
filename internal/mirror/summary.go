package mirror

import (
	"fmt"
	"io"
	"time"
)

// Summary counts what a run did.
type Summary struct {
	RunID   string
	Resumed bool
	DryRun  bool

	KeysSynced int
	KeysFailed int

	Packages            int
	Uploaded            int
	Promoted            int
	AlreadyPromoted     int
	SkippedNoSourceMeta int
	SkippedNoDestMeta   int
	SkippedTransfer     int
	ChecksumFailures    int
	BytesTransferred    int64

	Duration time.Duration
}

// Skipped returns the number of packages left unsynced for any reason.
func (s *Summary) Skipped() int {
	return s.SkippedNoSourceMeta + s.SkippedNoDestMeta + s.SkippedTransfer + s.ChecksumFailures
}

// Print writes a human readable report of the run.
func (s *Summary) Print(w io.Writer) {
	fmt.Fprintln(w)
	if s.DryRun {
		fmt.Fprintln(w, "=== Sync Summary (Dry Run) ===")
	} else {
		fmt.Fprintln(w, "=== Sync Summary ===")
	}
	if s.RunID != "" {
		fmt.Fprintf(w, "  Run ID:            %s\n", s.RunID)
	}
	if s.Resumed {
		fmt.Fprintln(w, "  Mode:              resumed from cache")
	}
	fmt.Fprintf(w, "  Keys synced:       %d", s.KeysSynced)
	if s.KeysFailed > 0 {
		fmt.Fprintf(w, " (%d rejected)", s.KeysFailed)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Packages:          %d\n", s.Packages)
	fmt.Fprintf(w, "    uploaded:        %d\n", s.Uploaded)
	fmt.Fprintf(w, "    promoted:        %d\n", s.Promoted)
	fmt.Fprintf(w, "    already present: %d\n", s.AlreadyPromoted)
	fmt.Fprintf(w, "    skipped:         %d\n", s.Skipped())
	if s.ChecksumFailures > 0 {
		fmt.Fprintf(w, "    checksum failed: %d\n", s.ChecksumFailures)
	}
	fmt.Fprintf(w, "  Transferred:       %s\n", formatBytes(uint64(s.BytesTransferred)))
	if s.Duration > 0 {
		fmt.Fprintf(w, "  Duration:          %s\n", s.Duration.Round(time.Millisecond))
	}
	fmt.Fprintln(w)
}

// formatBytes formats a byte count as a human-readable string
func formatBytes(bytes uint64) string {
	if bytes == 0 {
		return "0 B"
	}

	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	size := float64(bytes)
	unitIndex := 0

	for size >= 1024 && unitIndex < len(units)-1 {
		size /= 1024
		unitIndex++
	}

	if unitIndex == 0 {
		return fmt.Sprintf("%.0f %s", size, units[unitIndex])
	}
	return fmt.Sprintf("%.2f %s", size, units[unitIndex])
}
