package depot

import (
	"strings"
)

// Latest is the path sentinel that makes the depot resolve the newest
// version or release of a package.
const Latest = "latest"

// PackageIdent identifies packages in a depot catalog.
//
// A fully qualified ident names a single artifact.  Empty Version or
// Release fields stand for "latest"; they appear after collapsing.
type PackageIdent struct {
	Origin  string `json:"origin,omitempty"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Release string `json:"release,omitempty"`
}

// FullyQualified returns true if p names a single artifact.
func (p PackageIdent) FullyQualified() bool {
	return p.Name != "" && p.Version != "" && p.Release != ""
}

// String returns name/version/release with "latest" for missing parts.
func (p PackageIdent) String() string {
	return p.Name + "/" + orLatest(p.Version) + "/" + orLatest(p.Release)
}

// Key returns the identity of p for set operations.
func (p PackageIdent) Key() string {
	return strings.Join([]string{p.Origin, p.Name, p.Version, p.Release}, "\x00")
}

func orLatest(s string) string {
	if s == "" {
		return Latest
	}
	return s
}

// CollapseMode selects the granularity at which catalogs are compared.
type CollapseMode int

const (
	// CollapseNone compares name, version and release.
	CollapseNone CollapseMode = iota
	// CollapseRelease compares name and version: one entry per version.
	CollapseRelease
	// CollapseVersion compares name only: one entry per package.
	CollapseVersion
)

// ModeFor returns the collapse mode for the latest-version and
// latest-release switches.  latestVersion implies latestRelease.
func ModeFor(latestVersion, latestRelease bool) CollapseMode {
	switch {
	case latestVersion:
		return CollapseVersion
	case latestRelease:
		return CollapseRelease
	default:
		return CollapseNone
	}
}

func (m CollapseMode) String() string {
	switch m {
	case CollapseRelease:
		return "latest-release"
	case CollapseVersion:
		return "latest-version"
	default:
		return "all"
	}
}

// Collapse returns a copy of p with the fields that mode ignores cleared.
func (p PackageIdent) Collapse(mode CollapseMode) PackageIdent {
	switch mode {
	case CollapseVersion:
		p.Version = ""
		p.Release = ""
	case CollapseRelease:
		p.Release = ""
	}
	return p
}

// Collapse projects every ident with mode and removes duplicates.
// The first occurrence of each projected ident is kept, in order.
func Collapse(pkgs []PackageIdent, mode CollapseMode) []PackageIdent {
	seen := make(map[string]struct{}, len(pkgs))
	out := make([]PackageIdent, 0, len(pkgs))
	for _, p := range pkgs {
		c := p.Collapse(mode)
		k := c.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Difference returns the idents of src that are not in dst.
// Order of src is kept.
func Difference(src, dst []PackageIdent) []PackageIdent {
	have := make(map[string]struct{}, len(dst))
	for _, p := range dst {
		have[p.Key()] = struct{}{}
	}

	diff := make([]PackageIdent, 0)
	for _, p := range src {
		if _, ok := have[p.Key()]; ok {
			continue
		}
		diff = append(diff, p)
	}
	return diff
}
