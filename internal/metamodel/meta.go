package metamodel

import "sort"

// ID is a package identifier: an opaque string, the package's advertised
// download hash when it has one, otherwise the 128-bit content hash of its
// encoded Meta payload (see stone.MetaID). Treat it as an opaque string,
// never reparse it as an integer.
type ID string

// Meta mirrors the Meta payload record set.
type Meta struct {
	ID              ID
	Name            string
	VersionIdent    string
	SourceRelease   uint64
	BuildRelease    uint64
	Architecture    string
	Summary         string
	Description     string
	SourceID        string
	Homepage        string
	Licenses        []string
	Dependencies    []Provider
	Providers       []Provider
	Conflicts       []Provider
	URI             string
	Hash            string // hex digest of the download, when uri is set
	DownloadSize    uint64
}

// Less implements the repository ordering:
// (source_release desc, build_release desc, name asc).
func (m Meta) Less(o Meta) bool {
	if m.SourceRelease != o.SourceRelease {
		return m.SourceRelease > o.SourceRelease
	}
	if m.BuildRelease != o.BuildRelease {
		return m.BuildRelease > o.BuildRelease
	}
	return m.Name < o.Name
}

// SortMetas orders a slice of Meta per the repository ordering.
func SortMetas(metas []Meta) {
	sort.SliceStable(metas, func(i, j int) bool { return metas[i].Less(metas[j]) })
}

// ProvidesAny reports whether m advertises the given provider.
func (m Meta) ProvidesAny(wanted Provider) bool {
	for _, p := range m.Providers {
		if p == wanted {
			return true
		}
	}
	return false
}
