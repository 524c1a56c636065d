package client

import (
	"context"
	"fmt"
	"os"

	"github.com/aerynos/moss/internal/merr"
	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/registry"
	"github.com/aerynos/moss/internal/systemmodel"
	"github.com/aerynos/moss/internal/tracelog"
	"github.com/aerynos/moss/internal/transaction"
)

// Sync upgrades the installation. Without a model, each current explicit
// selection upgrades to its highest-priority available provider and
// transitive dependencies follow. With a model (import semantics), the
// declared package set resolves exclusively against what is available.
// Syncing an already-synced system records no new state.
func (c *Client) Sync(ctx context.Context, model *systemmodel.Model, onProgress func(Progress)) (*metamodel.State, error) {
	if c.scope.ephemeral && model == nil {
		return nil, merr.NewEphemeralProhibited("implicit sync")
	}

	var selections []metamodel.Selection
	var err error
	if model != nil {
		selections, err = c.syncFromModel(model)
	} else {
		selections, err = c.syncImplicit()
	}
	if err != nil {
		return nil, err
	}

	pkgs, err := c.ResolvePackages(selectionIDs(selections))
	if err != nil {
		return nil, err
	}

	// No-op detection: identical selection sets mean the system is already
	// synced.
	if active, err := c.activeState(); err != nil {
		return nil, err
	} else if active != nil && sameSelections(active.Selections, selections) {
		tracelog.Tracef("sync", "already up to date")
		return nil, nil
	}

	var missing []registry.Package
	for _, pkg := range pkgs {
		if !pkg.Installed {
			missing = append(missing, pkg)
		}
	}
	if err := c.CachePackages(ctx, missing, onProgress); err != nil {
		return nil, err
	}

	return c.NewState(selections, "Sync")
}

// syncImplicit upgrades each explicit selection to the best available
// provider; everything else arrives transitively.
func (c *Client) syncImplicit() ([]metamodel.Selection, error) {
	active, err := c.activeState()
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, fmt.Errorf("client: sync requires an active state or a model")
	}

	tx := transaction.New(c.registry)
	explicit := make(map[metamodel.ID]bool)
	reasons := make(map[metamodel.ID]string)

	var roots []metamodel.ID
	for _, sel := range active.Selections {
		if !sel.Explicit {
			continue
		}
		pkg, ok := c.registry.ByID(sel.PackageID)
		if !ok {
			return nil, merr.NewMissingMetadata(sel.PackageID)
		}
		upgraded := c.bestAvailable(pkg.Meta.Name, sel.PackageID)
		roots = append(roots, upgraded)
		explicit[upgraded] = true
		reasons[upgraded] = sel.Reason
	}

	if err := tx.Add(roots); err != nil {
		return nil, err
	}
	return c.buildSelections(tx, explicit, reasons)
}

// syncFromModel resolves the declared package set against available
// packages only.
func (c *Client) syncFromModel(model *systemmodel.Model) ([]metamodel.Selection, error) {
	if !model.DisableWarning {
		fmt.Fprintln(os.Stderr, "Syncing to the declared system model; undeclared packages will be removed")
	}

	tx := transaction.New(c.registry)
	explicit := make(map[metamodel.ID]bool)
	reasons := make(map[metamodel.ID]string)

	var roots []metamodel.ID
	for _, entry := range model.Packages {
		pkgs := c.registry.ByProvider(entry.Provider, registry.Flags{Available: true})
		if len(pkgs) == 0 {
			return nil, merr.NewNoCandidate(entry.Provider)
		}
		id := pkgs[0].ID
		roots = append(roots, id)
		explicit[id] = true
		reasons[id] = entry.Why
	}

	if err := tx.Add(roots); err != nil {
		return nil, err
	}
	return c.buildSelections(tx, explicit, reasons)
}

// bestAvailable returns the highest-priority available provider for a
// package name, falling back to the current id when nothing newer exists.
func (c *Client) bestAvailable(name string, current metamodel.ID) metamodel.ID {
	provider := metamodel.Provider{Kind: metamodel.PackageName, Name: name}
	pkgs := c.registry.ByProvider(provider, registry.Flags{Available: true})
	if len(pkgs) == 0 {
		return current
	}
	return pkgs[0].ID
}

func (c *Client) buildSelections(tx *transaction.Transaction, explicit map[metamodel.ID]bool, reasons map[metamodel.ID]string) ([]metamodel.Selection, error) {
	ids := tx.Finalize()
	out := make([]metamodel.Selection, len(ids))
	for i, id := range ids {
		out[i] = metamodel.Selection{
			PackageID: id,
			Explicit:  explicit[id],
			Reason:    reasons[id],
		}
	}
	return out, nil
}

func selectionIDs(selections []metamodel.Selection) []metamodel.ID {
	out := make([]metamodel.ID, len(selections))
	for i, sel := range selections {
		out[i] = sel.PackageID
	}
	return out
}

func sameSelections(a, b []metamodel.Selection) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[metamodel.ID]bool, len(a))
	for _, sel := range a {
		set[sel.PackageID] = sel.Explicit
	}
	for _, sel := range b {
		explicit, ok := set[sel.PackageID]
		if !ok || explicit != sel.Explicit {
			return false
		}
	}
	return true
}
