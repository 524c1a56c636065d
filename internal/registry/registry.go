// Package registry aggregates package lookup across a closed set of
// plugins: locally supplied stones (cobble), the installed set of the
// active state, and priority-weighted repositories.
package registry

import (
	"sort"
	"strings"

	"github.com/aerynos/moss/internal/metamodel"
)

// Flags restricts a listing or lookup to a slice of the package universe.
type Flags struct {
	// Installed restricts to packages selected in the active state.
	Installed bool

	// Available restricts to packages obtainable from a repository or a
	// locally supplied stone.
	Available bool

	// Explicit restricts Installed listings to explicit selections.
	Explicit bool
}

// Package is a resolved lookup result.
type Package struct {
	ID   metamodel.ID
	Meta metamodel.Meta

	// Installed reports whether the owning plugin is the installed set.
	Installed bool
}

// Plugin is one lookup source. The set of implementations is closed:
// Cobble, Active, and Repository.
type Plugin interface {
	// Priority orders plugins; higher wins.
	Priority() int64

	ByID(id metamodel.ID) (Package, bool)
	ByName(name string) []Package
	ByProvider(p metamodel.Provider) []Package
	ByKeyword(keyword string) []Package
	List(flags Flags) []Package
}

// Registry is an ordered list of plugins.
type Registry struct {
	plugins []Plugin
}

// AddPlugin inserts a plugin, keeping the list ordered by descending
// priority.
func (r *Registry) AddPlugin(p Plugin) {
	r.plugins = append(r.plugins, p)
	sort.SliceStable(r.plugins, func(i, j int) bool {
		return r.plugins[i].Priority() > r.plugins[j].Priority()
	})
}

// ByID returns the first plugin's result for the id.
func (r *Registry) ByID(id metamodel.ID) (Package, bool) {
	for _, p := range r.plugins {
		if pkg, ok := p.ByID(id); ok {
			return pkg, true
		}
	}
	return Package{}, false
}

// ByName collects matches from every plugin in plugin-preference order.
func (r *Registry) ByName(name string, flags Flags) []Package {
	var out []Package
	for _, p := range r.plugins {
		out = append(out, filterPackages(p.ByName(name), flags)...)
	}
	return out
}

// ByProvider collects matches in plugin-preference order; within one
// plugin, results keep the repository Meta ordering.
func (r *Registry) ByProvider(provider metamodel.Provider, flags Flags) []Package {
	var out []Package
	for _, p := range r.plugins {
		out = append(out, filterPackages(p.ByProvider(provider), flags)...)
	}
	return out
}

// ByKeyword collects name-substring matches from every plugin.
func (r *Registry) ByKeyword(keyword string, flags Flags) []Package {
	var out []Package
	for _, p := range r.plugins {
		out = append(out, filterPackages(p.ByKeyword(keyword), flags)...)
	}
	return out
}

// List enumerates every plugin's holdings matching flags, deduplicated by
// id with plugin preference deciding ties.
func (r *Registry) List(flags Flags) []Package {
	seen := make(map[metamodel.ID]struct{})
	var out []Package
	for _, p := range r.plugins {
		for _, pkg := range p.List(flags) {
			if _, dup := seen[pkg.ID]; dup {
				continue
			}
			seen[pkg.ID] = struct{}{}
			out = append(out, pkg)
		}
	}
	return out
}

// ListInstalled enumerates the active state's packages.
func (r *Registry) ListInstalled() []Package {
	return r.List(Flags{Installed: true})
}

func filterPackages(pkgs []Package, flags Flags) []Package {
	if !flags.Installed && !flags.Available {
		return pkgs
	}
	var out []Package
	for _, pkg := range pkgs {
		if flags.Installed && !pkg.Installed {
			continue
		}
		if flags.Available && pkg.Installed {
			continue
		}
		out = append(out, pkg)
	}
	return out
}

// keywordMatch is the shared substring test used by plugins' ByKeyword.
func keywordMatch(name, keyword string) bool {
	return strings.Contains(strings.ToLower(name), strings.ToLower(keyword))
}
