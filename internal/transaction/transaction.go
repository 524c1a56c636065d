// Package transaction computes state transitions as a DAG over package ids
// with edges from dependent to dependency, resolving each dependency
// through a chain of provider filters.
package transaction

import (
	"github.com/aerynos/moss/internal/dag"
	"github.com/aerynos/moss/internal/merr"
	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/registry"
	"github.com/aerynos/moss/internal/tracelog"
)

// Lookup selects the provider-resolution mode used while expanding
// dependencies.
type Lookup int

const (
	// LookupGlobal resolves through the full filter chain: pinned, current
	// selections, installed, then anything available.
	LookupGlobal Lookup = iota

	// LookupInstalledOnly restricts resolution to the installed set, used
	// to seed a transaction from the active state.
	LookupInstalledOnly
)

// Transaction is a mutable resolution over a registry.
type Transaction struct {
	registry *registry.Registry
	packages *dag.Graph

	// pinned ids are always considered first during provider resolution
	// without being part of the graph themselves.
	pinned map[metamodel.ID]struct{}
}

// New returns an empty transaction bound to the registry.
func New(reg *registry.Registry) *Transaction {
	return &Transaction{
		registry: reg,
		packages: dag.New(),
		pinned:   make(map[metamodel.ID]struct{}),
	}
}

// NewWithInstalled seeds a transaction with the given installed set,
// resolving their dependency closure against installed packages only.
func NewWithInstalled(reg *registry.Registry, installed []metamodel.ID) (*Transaction, error) {
	tx := New(reg)
	if err := tx.update(installed, LookupInstalledOnly); err != nil {
		return nil, err
	}
	return tx, nil
}

// PinProviders marks packages as preferred provider choices.
func (t *Transaction) PinProviders(ids []metamodel.ID) {
	for _, id := range ids {
		tracelog.Tracef("transaction", "pinning package %s", id)
		t.pinned[id] = struct{}{}
	}
}

// Add inserts the given packages and their transitive dependencies.
func (t *Transaction) Add(ids []metamodel.ID) error {
	return t.update(ids, LookupGlobal)
}

// Remove drops the given packages and every package that transitively
// depends on them.
func (t *Transaction) Remove(ids []metamodel.ID) {
	transposed := t.packages.Transpose()
	doomed := transposed.Subgraph(idsToStrings(ids))
	for _, node := range doomed {
		t.packages.RemoveNode(node)
	}
}

// Finalize returns the package ids in topological order.
func (t *Transaction) Finalize() []metamodel.ID {
	nodes := t.packages.Topo()
	out := make([]metamodel.ID, len(nodes))
	for i, n := range nodes {
		out[i] = metamodel.ID(n)
	}
	return out
}

// Contains reports whether the id is part of the transaction.
func (t *Transaction) Contains(id metamodel.ID) bool {
	return t.packages.HasNode(string(id))
}

// update walks the incoming set breadth-first, adding each package and
// resolving its dependencies to concrete provider choices.
func (t *Transaction) update(incoming []metamodel.ID, lookup Lookup) error {
	items := incoming
	for len(items) > 0 {
		var next []metamodel.ID
		for _, id := range items {
			if err := t.step(id, &next, lookup); err != nil {
				return err
			}
		}
		items = next
	}
	return nil
}

func (t *Transaction) step(id metamodel.ID, next *[]metamodel.ID, lookup Lookup) error {
	t.packages.AddNode(string(id))

	pkg, ok := t.registry.ByID(id)
	if !ok {
		return merr.NewMissingMetadata(id)
	}

	tracelog.Tracef("transaction", "added %s (%d dependencies)", pkg.Meta.Name, len(pkg.Meta.Dependencies))

	for _, dep := range pkg.Meta.Dependencies {
		var resolved metamodel.ID
		var err error
		switch lookup {
		case LookupGlobal:
			resolved, err = t.resolveInstallationProvider(dep)
		case LookupInstalledOnly:
			resolved, err = t.resolveProvider(filterInstalledOnly, dep)
		}
		if err != nil {
			return err
		}

		if !t.packages.HasNode(string(resolved)) {
			t.packages.AddNode(string(resolved))
			*next = append(*next, resolved)
		}

		// AddEdge rejects cycle-closing and duplicate edges.
		t.packages.AddEdge(string(id), string(resolved))
	}
	return nil
}

// providerFilter names one strategy in the resolution chain.
type providerFilter int

const (
	filterPinned providerFilter = iota
	filterSelections
	filterInstalledOnly
	filterAll
)

// resolveInstallationProvider tries each filter in preference order: a
// pinned choice, a provider already in the transaction, the installed
// provider, then anything available.
func (t *Transaction) resolveInstallationProvider(p metamodel.Provider) (metamodel.ID, error) {
	for _, f := range []providerFilter{filterPinned, filterSelections, filterInstalledOnly, filterAll} {
		if id, err := t.resolveProvider(f, p); err == nil {
			return id, nil
		}
	}
	return "", merr.NewNoCandidate(p)
}

func (t *Transaction) resolveProvider(filter providerFilter, p metamodel.Provider) (metamodel.ID, error) {
	switch filter {
	case filterPinned:
		for _, pkg := range t.registry.ByProvider(p, registry.Flags{}) {
			if _, ok := t.pinned[pkg.ID]; ok {
				return pkg.ID, nil
			}
		}
	case filterSelections:
		for _, pkg := range t.registry.ByProvider(p, registry.Flags{}) {
			if t.packages.HasNode(string(pkg.ID)) {
				return pkg.ID, nil
			}
		}
	case filterInstalledOnly:
		if pkgs := t.registry.ByProvider(p, registry.Flags{Installed: true}); len(pkgs) > 0 {
			return pkgs[0].ID, nil
		}
	case filterAll:
		if pkgs := t.registry.ByProvider(p, registry.Flags{Available: true}); len(pkgs) > 0 {
			return pkgs[0].ID, nil
		}
	}
	return "", merr.NewNoCandidate(p)
}

func idsToStrings(ids []metamodel.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
