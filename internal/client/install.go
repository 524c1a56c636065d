package client

import (
	"context"

	"github.com/aerynos/moss/internal/metamodel"
	"github.com/aerynos/moss/internal/registry"
	"github.com/aerynos/moss/internal/tracelog"
)

// Install resolves the named packages, fetches what is missing, and
// records a new state containing the previous selections plus the new
// packages. Installing an already-installed set is a no-op.
func (c *Client) Install(ctx context.Context, names []string, onProgress func(Progress)) (*metamodel.State, error) {
	input, err := c.ResolveInput(names)
	if err != nil {
		return nil, err
	}
	inputSet := make(map[metamodel.ID]bool, len(input))
	for _, id := range input {
		inputSet[id] = true
	}

	tx, err := c.newTransaction()
	if err != nil {
		return nil, err
	}
	if err := tx.Add(input); err != nil {
		return nil, err
	}

	resolved, err := c.ResolvePackages(tx.Finalize())
	if err != nil {
		return nil, err
	}

	installed := c.registry.ListInstalled()
	installedNames := make(map[string]bool, len(installed))
	for _, pkg := range installed {
		installedNames[pkg.Meta.Name] = true
	}

	// Ephemeral roots start empty, so everything is missing there.
	var missing []registry.Package
	for _, pkg := range resolved {
		if c.scope.ephemeral || !installedNames[pkg.Meta.Name] {
			missing = append(missing, pkg)
		}
	}
	if len(missing) == 0 {
		tracelog.Tracef("install", "nothing to do, %d packages already installed", len(resolved))
		return nil, nil
	}

	if err := c.CachePackages(ctx, missing, onProgress); err != nil {
		return nil, err
	}

	var previous []metamodel.Selection
	if !c.scope.ephemeral {
		if state, err := c.activeState(); err != nil {
			return nil, err
		} else if state != nil {
			previous = state.Selections
		}
	}

	selections := selectionsForInstall(previous, missing, inputSet)
	return c.NewState(selections, "Install")
}
