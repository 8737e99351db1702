package mirror

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/mirrorctl/depotsync/internal/depot"
)

// nameFilter selects packages by name with doublestar patterns.
// An empty include list selects every package.  Exclusion wins.
type nameFilter struct {
	include []string
	exclude []string
}

func newNameFilter(include, exclude []string) *nameFilter {
	return &nameFilter{include: include, exclude: exclude}
}

func (f *nameFilter) empty() bool {
	return len(f.include) == 0 && len(f.exclude) == 0
}

// Match reports whether a package called name is selected.
// Patterns are validated by Config.Check, so match errors mean no match.
func (f *nameFilter) Match(name string) bool {
	for _, p := range f.exclude {
		if ok, _ := doublestar.Match(p, name); ok {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, p := range f.include {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Apply returns the packages of pkgs selected by the filter, in order.
func (f *nameFilter) Apply(pkgs []depot.PackageIdent) []depot.PackageIdent {
	if f.empty() {
		return pkgs
	}
	out := make([]depot.PackageIdent, 0, len(pkgs))
	for _, p := range pkgs {
		if f.Match(p.Name) {
			out = append(out, p)
		}
	}
	return out
}
